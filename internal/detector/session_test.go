package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveSessionID_QueryParamWins(t *testing.T) {
	snap := &Snapshot{
		URL:  "https://chat.example.com/c/path-id?chat_id=abc123",
		Body: `<div data-session-id="dom-id"></div>`,
	}
	assert.Equal(t, "abc123", DeriveSessionID(snap, time.Now()))
}

func TestDeriveSessionID_PathSegment(t *testing.T) {
	snap := &Snapshot{URL: "https://chat.example.com/chat/a1b2-c3d4"}
	assert.Equal(t, "a1b2-c3d4", DeriveSessionID(snap, time.Now()))
}

func TestDeriveSessionID_StaticSegmentSkipped(t *testing.T) {
	snap := &Snapshot{
		URL:  "https://chat.example.com/chat/new",
		Body: `<main data-conversation-id="conv-77"></main>`,
	}
	assert.Equal(t, "conv-77", DeriveSessionID(snap, time.Now()))
}

func TestDeriveSessionID_DOMMarker(t *testing.T) {
	snap := &Snapshot{
		URL:  "https://chat.example.com/",
		Body: `<main data-chat-id="xyz"></main>`,
	}
	assert.Equal(t, "xyz", DeriveSessionID(snap, time.Now()))
}

func TestDeriveSessionID_SyntheticFallbackIsStableWithinHour(t *testing.T) {
	snap := &Snapshot{URL: "https://chat.example.com/"}
	at := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	first := DeriveSessionID(snap, at)
	second := DeriveSessionID(snap, at.Add(30*time.Minute))
	third := DeriveSessionID(snap, at.Add(2*time.Hour))

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, third)
	assert.Contains(t, first, "synthetic-")
}
