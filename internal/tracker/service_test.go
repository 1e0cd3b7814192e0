package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmeter/chatmeter/internal/config"
	inats "github.com/chatmeter/chatmeter/internal/nats"
)

// memRepo is an in-memory Repository that round-trips through JSON so tests
// see the same serialization boundary the Postgres implementation has.
type memRepo struct {
	data    []byte
	saves   int
	saveErr error
}

func (m *memRepo) Load(context.Context) (*CounterRecord, error) {
	if m.data == nil {
		return nil, nil
	}
	var rec CounterRecord
	if err := json.Unmarshal(m.data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *memRepo) Save(_ context.Context, rec *CounterRecord) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.data = data
	m.saves++
	return nil
}

// fakeNotifier records every notification.
type fakeNotifier struct {
	alerts   []inats.AlertEvent
	sessions []inats.SessionEvent
	usages   []inats.UsageEvent
}

func (n *fakeNotifier) Alert(_ context.Context, event inats.AlertEvent) {
	n.alerts = append(n.alerts, event)
}

func (n *fakeNotifier) Session(_ context.Context, event inats.SessionEvent) {
	n.sessions = append(n.sessions, event)
}

func (n *fakeNotifier) Usage(_ context.Context, event inats.UsageEvent) {
	n.usages = append(n.usages, event)
}

type serviceClock struct{ t time.Time }

func (c *serviceClock) now() time.Time          { return c.t }
func (c *serviceClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testTrackingConfig() config.TrackingConfig {
	return config.TrackingConfig{
		DefaultLimit:    30,
		WarnPercent:     80,
		CriticalPercent: 90,
		TokenLimit:      128000,
		WarnTokens:      90000,
		CriticalTokens:  115000,
		SessionTTL:      time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *memRepo, *fakeNotifier, *serviceClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := &memRepo{}
	notifier := &fakeNotifier{}

	svc, err := NewService(context.Background(), repo, NewSessionStore(client, time.Hour), notifier, testTrackingConfig())
	require.NoError(t, err)

	// Pin the clock to the record's creation day so reset tests control
	// day transitions explicitly.
	clock := &serviceClock{t: time.Now()}
	svc.now = clock.now

	return svc, repo, notifier, clock
}

func alertsBySeverity(alerts []inats.AlertEvent, severity string) []inats.AlertEvent {
	var out []inats.AlertEvent
	for _, a := range alerts {
		if a.Severity == severity {
			out = append(out, a)
		}
	}
	return out
}

func TestNewService_CreatesDefaultRecord(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	assert.Equal(t, 30, svc.record.Limit)
	assert.Equal(t, 0, svc.record.CountToday)
	assert.Equal(t, 128000, svc.record.Settings.TokenLimit)
	assert.Equal(t, 1, repo.saves)
}

func TestNewService_LoadsExistingRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := &memRepo{}
	existing := defaultRecord(50, Settings{TokenLimit: 1000, WarnTokens: 500, CriticalTokens: 800}, time.Now().Format(DateFormat))
	existing.CountToday = 12
	require.NoError(t, repo.Save(context.Background(), existing))

	svc, err := NewService(context.Background(), repo, NewSessionStore(client, time.Hour), &fakeNotifier{}, testTrackingConfig())
	require.NoError(t, err)

	assert.Equal(t, 12, svc.record.CountToday)
	assert.Equal(t, 50, svc.record.Limit)
}

func TestApplyDelta_Accumulates(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, 3, "message", "s1")
	require.NoError(t, err)
	stats, err := svc.ApplyDelta(ctx, 2, "message", "s1")
	require.NoError(t, err)

	assert.Equal(t, 5, stats.CountToday)
	assert.Equal(t, 25, stats.Remaining)
	assert.Len(t, svc.record.RecentEvents, 2)
}

func TestApplyDelta_IgnoresNonPositive(t *testing.T) {
	svc, repo, notifier, _ := newTestService(t)
	ctx := context.Background()
	savesBefore := repo.saves

	for _, delta := range []int{0, -2} {
		stats, err := svc.ApplyDelta(ctx, delta, "message", "")
		require.NoError(t, err)
		assert.Equal(t, 0, stats.CountToday)
	}

	assert.Equal(t, savesBefore, repo.saves)
	assert.Empty(t, notifier.usages)
}

func TestApplyDelta_EventRingCapped(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < eventsCap+5; i++ {
		_, err := svc.ApplyDelta(ctx, 1, "message", fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	require.Len(t, svc.record.RecentEvents, eventsCap)
	assert.Equal(t, "s5", svc.record.RecentEvents[0].SessionID)
}

func TestApplyDelta_PersistFailureKeepsInMemory(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	repo.saveErr = fmt.Errorf("connection refused")

	stats, err := svc.ApplyDelta(context.Background(), 4, "message", "")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.CountToday)
}

func TestThresholds_FireOncePerCrossing(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	// 23/30 is below the 80% band.
	_, err := svc.ApplyDelta(ctx, 23, "message", "")
	require.NoError(t, err)
	assert.Empty(t, notifier.alerts)

	// 24/30 = 80% crosses the warning band.
	_, err = svc.ApplyDelta(ctx, 1, "message", "")
	require.NoError(t, err)
	warnings := alertsBySeverity(notifier.alerts, inats.AlertWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Messages: 24/30. 6 remaining.", warnings[0].Message)

	// 25 and 26 stay inside the warning band: no repeat.
	_, err = svc.ApplyDelta(ctx, 2, "message", "")
	require.NoError(t, err)
	assert.Len(t, alertsBySeverity(notifier.alerts, inats.AlertWarning), 1)

	// 27/30 = 90% crosses the critical band.
	_, err = svc.ApplyDelta(ctx, 1, "message", "")
	require.NoError(t, err)
	criticals := alertsBySeverity(notifier.alerts, inats.AlertCritical)
	require.Len(t, criticals, 1)
	assert.Equal(t, "Messages: 27/30. 3 remaining.", criticals[0].Message)

	// 28/30 stays inside the critical band: no repeat.
	_, err = svc.ApplyDelta(ctx, 1, "message", "")
	require.NoError(t, err)
	assert.Len(t, notifier.alerts, 2)
}

func TestThresholds_SingleDeltaCrossingBothFiresCriticalOnly(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)

	_, err := svc.ApplyDelta(context.Background(), 28, "message", "")
	require.NoError(t, err)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, inats.AlertCritical, notifier.alerts[0].Severity)
}

func TestUpdateLimit_RejectsOutOfBounds(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for _, limit := range []int{0, -5, 1000} {
		_, err := svc.UpdateLimit(ctx, limit)
		assert.ErrorIs(t, err, ErrInvalidLimit, "limit %d", limit)
	}
	assert.Equal(t, 30, svc.record.Limit)
}

func TestUpdateLimit_AppliesImmediately(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, 10, "message", "")
	require.NoError(t, err)

	stats, err := svc.UpdateLimit(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Limit)
	assert.Equal(t, 40, stats.Remaining)
	assert.InDelta(t, 20.0, stats.Percent, 0.01)
}

func TestUpdateLimit_RebaselinesWithoutAlert(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, 24, "message", "")
	require.NoError(t, err)
	require.Len(t, notifier.alerts, 1) // warning at 80%

	// Shrinking the limit puts the count above the critical band, but the
	// limit change itself never alerts, and the next delta sees the new
	// baseline as already crossed.
	_, err = svc.UpdateLimit(ctx, 25)
	require.NoError(t, err)
	assert.Len(t, notifier.alerts, 1)

	_, err = svc.ApplyDelta(ctx, 1, "message", "")
	require.NoError(t, err)
	assert.Len(t, notifier.alerts, 1)
}

func TestDailyReset_ArchivesAndZeroes(t *testing.T) {
	svc, _, notifier, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, 5, "message", "")
	require.NoError(t, err)
	oldDate := svc.record.LastResetDate

	clock.advance(24 * time.Hour)
	performed, err := svc.DailyReset(ctx)
	require.NoError(t, err)
	require.True(t, performed)

	assert.Equal(t, 0, svc.record.CountToday)
	assert.Equal(t, clock.t.Format(DateFormat), svc.record.LastResetDate)
	require.Len(t, svc.record.History, 1)
	assert.Equal(t, DayEntry{Date: oldDate, Count: 5, Limit: 30}, svc.record.History[0])

	resets := alertsBySeverity(notifier.alerts, inats.AlertReset)
	assert.Len(t, resets, 1)
}

func TestDailyReset_IdempotentWithinDay(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	clock.advance(24 * time.Hour)
	performed, err := svc.DailyReset(ctx)
	require.NoError(t, err)
	require.True(t, performed)

	performed, err = svc.DailyReset(ctx)
	require.NoError(t, err)
	assert.False(t, performed)
	assert.Len(t, svc.record.History, 1)
}

func TestDailyReset_HistoryCapDropsOldest(t *testing.T) {
	svc, _, _, clock := newTestService(t)

	for i := 0; i < historyCap; i++ {
		svc.record.History = append(svc.record.History, DayEntry{Date: fmt.Sprintf("d%d", i)})
	}

	clock.advance(24 * time.Hour)
	performed, err := svc.DailyReset(context.Background())
	require.NoError(t, err)
	require.True(t, performed)

	require.Len(t, svc.record.History, historyCap)
	assert.Equal(t, "d1", svc.record.History[0].Date)
}

func TestDailyReset_RearmsThresholds(t *testing.T) {
	svc, _, notifier, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, 24, "message", "")
	require.NoError(t, err)
	require.Len(t, alertsBySeverity(notifier.alerts, inats.AlertWarning), 1)

	clock.advance(24 * time.Hour)
	_, err = svc.DailyReset(ctx)
	require.NoError(t, err)

	_, err = svc.ApplyDelta(ctx, 24, "message", "")
	require.NoError(t, err)
	assert.Len(t, alertsBySeverity(notifier.alerts, inats.AlertWarning), 2)
}

func TestResetCounter_ZeroesWithoutArchiving(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, 10, "message", "")
	require.NoError(t, err)

	stats, err := svc.ResetCounter(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CountToday)
	assert.Empty(t, stats.History)
}

func TestUpdateSettings_MergesNonZeroFields(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	stats, err := svc.UpdateSettings(context.Background(), Settings{WarnTokens: 60000})
	require.NoError(t, err)

	assert.Equal(t, 60000, stats.Settings.WarnTokens)
	assert.Equal(t, 128000, stats.Settings.TokenLimit)
	assert.Equal(t, 115000, stats.Settings.CriticalTokens)
}

func TestUpdateSettings_RejectsInvertedThresholds(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.UpdateSettings(context.Background(), Settings{WarnTokens: 120000})
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestRecordTokens_OpensSyntheticSession(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordTokens(ctx, 500, 500, 1))

	sess, err := svc.sessions.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 500, sess.TotalTokens)

	require.Len(t, notifier.sessions, 1)
	assert.Equal(t, "started", notifier.sessions[0].EventType)
}

func TestRecordTokens_TotalsAreMonotonic(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordTokens(ctx, 1000, 1000, 2))
	require.NoError(t, svc.RecordTokens(ctx, 0, 400, 1)) // stale report

	sess, err := svc.sessions.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000, sess.TotalTokens)
	assert.Equal(t, 2, sess.MessageCount)
}

func TestRecordTokens_ThresholdsFireOnce(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordTokens(ctx, 89000, 89000, 1))
	assert.Empty(t, alertsBySeverity(notifier.alerts, inats.AlertWarning))

	require.NoError(t, svc.RecordTokens(ctx, 2000, 91000, 2))
	assert.Len(t, alertsBySeverity(notifier.alerts, inats.AlertWarning), 1)

	require.NoError(t, svc.RecordTokens(ctx, 1000, 92000, 3))
	assert.Len(t, alertsBySeverity(notifier.alerts, inats.AlertWarning), 1)

	require.NoError(t, svc.RecordTokens(ctx, 24000, 116000, 4))
	assert.Len(t, alertsBySeverity(notifier.alerts, inats.AlertCritical), 1)
}

func TestNewSession_SupersedesCurrent(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.NewSession(ctx, "chat-a"))
	require.NoError(t, svc.RecordTokens(ctx, 91000, 91000, 1))
	require.Len(t, alertsBySeverity(notifier.alerts, inats.AlertWarning), 1)

	require.NoError(t, svc.NewSession(ctx, "chat-b"))

	sess, err := svc.sessions.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chat-b", sess.ID)

	var events []string
	for _, e := range notifier.sessions {
		events = append(events, e.SessionID+":"+e.EventType)
	}
	assert.Equal(t, []string{"chat-a:started", "chat-a:ended", "chat-b:started"}, events)

	// A fresh session re-arms the token thresholds.
	require.NoError(t, svc.RecordTokens(ctx, 91000, 91000, 1))
	assert.Len(t, alertsBySeverity(notifier.alerts, inats.AlertWarning), 2)
}

func TestNewSession_SameIDIsNoOp(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.NewSession(ctx, "chat-a"))
	require.NoError(t, svc.NewSession(ctx, "chat-a"))

	assert.Len(t, notifier.sessions, 1)
}

func TestEndCurrentChat(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.EndCurrentChat(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	require.NoError(t, svc.NewSession(ctx, "chat-a"))
	sess, err = svc.EndCurrentChat(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "chat-a", sess.ID)
	require.NotNil(t, sess.EndedAt)

	current, err := svc.sessions.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestRecordMessages_BumpsSessionAndCounter(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.NewSession(ctx, "chat-a"))
	require.NoError(t, svc.RecordMessages(ctx, 3))

	sess, err := svc.sessions.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sess.MessageCount)
	assert.Equal(t, 3, svc.record.CountToday)
}

func TestGetStats_CopyOnRead(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, 2, "message", "")
	require.NoError(t, err)
	clock.advance(24 * time.Hour)
	_, err = svc.DailyReset(ctx)
	require.NoError(t, err)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.History, 1)

	stats.History[0].Count = 999
	again, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.History[0].Count)
}

func TestGetStats_IncludesSessionWithTokenHistory(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.NewSession(ctx, "chat-a"))
	require.NoError(t, svc.RecordTokens(ctx, 100, 100, 1))
	require.NoError(t, svc.RecordTokens(ctx, 50, 150, 2))

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.Session)
	assert.Equal(t, "chat-a", stats.Session.ID)
	assert.Equal(t, 150, stats.Session.TotalTokens)
	assert.Len(t, stats.Session.TokenHistory, 2)
}
