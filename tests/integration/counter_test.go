//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmeter/chatmeter/internal/notify"
	"github.com/chatmeter/chatmeter/internal/tracker"
)

func getStats(t *testing.T, env *TestEnv) map[string]any {
	t.Helper()
	resp := DoRequest(t, env, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)
	data, ok := result["data"].(map[string]any)
	require.True(t, ok, "stats response has no data")
	return data
}

func resetCounter(t *testing.T, env *TestEnv) {
	t.Helper()
	resp := PostEvent(t, env, map[string]any{"type": "RESET_COUNTER"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCounter_MessageFlow(t *testing.T) {
	env := SetupTestEnv(t)
	resetCounter(t, env)

	for i := 0; i < 3; i++ {
		resp := PostEvent(t, env, map[string]any{"type": "NEW_MESSAGE"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	data := getStats(t, env)
	assert.Equal(t, float64(3), data["count_today"])
	assert.Equal(t, float64(27), data["remaining"])
}

func TestCounter_UpdateLimitValidation(t *testing.T) {
	env := SetupTestEnv(t)
	resetCounter(t, env)

	resp := PostEvent(t, env, map[string]any{"type": "UPDATE_LIMIT", "limit": 1000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = PostEvent(t, env, map[string]any{"type": "UPDATE_LIMIT", "limit": 50})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	data := getStats(t, env)
	assert.Equal(t, float64(50), data["limit"])

	// restore the default for other tests
	resp = PostEvent(t, env, map[string]any{"type": "UPDATE_LIMIT", "limit": 30})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCounter_UnknownMessageType(t *testing.T) {
	env := SetupTestEnv(t)

	resp := PostEvent(t, env, map[string]any{"type": "BOGUS"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	result := ParseResponse(t, resp)
	assert.Equal(t, "unknown message type", result["error"])
}

func TestCounter_SurvivesServiceRestart(t *testing.T) {
	env := SetupTestEnv(t)
	resetCounter(t, env)

	for i := 0; i < 5; i++ {
		resp := PostEvent(t, env, map[string]any{"type": "NEW_MESSAGE"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// A fresh service over the same database sees the persisted count.
	ctx := context.Background()
	repo := tracker.NewRepository(env.Pool)
	sessions := tracker.NewSessionStore(env.RedisClient, time.Hour)
	svc, err := tracker.NewService(ctx, repo, sessions, notify.NewLogNotifier(), trackingConfig())
	require.NoError(t, err)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.CountToday)
}
