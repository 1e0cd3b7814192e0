package detector

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects everything the detector reports.
type recordingSink struct {
	sessions      []string
	messageDeltas []int
	tokenDeltas   []int
	files         []FileUpload
	failMessages  bool
}

func (s *recordingSink) NewSession(_ context.Context, id string) error {
	s.sessions = append(s.sessions, id)
	return nil
}

func (s *recordingSink) RecordMessages(_ context.Context, delta int) error {
	if s.failMessages {
		return fmt.Errorf("sink unavailable")
	}
	s.messageDeltas = append(s.messageDeltas, delta)
	return nil
}

func (s *recordingSink) RecordTokens(_ context.Context, newTokens, _, _ int) error {
	s.tokenDeltas = append(s.tokenDeltas, newTokens)
	return nil
}

func (s *recordingSink) RecordFiles(_ context.Context, files []FileUpload) error {
	s.files = append(s.files, files...)
	return nil
}

// fakeClock advances manually so debounce behavior is deterministic.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(sink Sink) (*Detector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	d := New(sink, Options{Debounce: 900 * time.Millisecond, Now: clock.now})
	return d, clock
}

func chatSnapshot(sessionID string, userMessages int) *Snapshot {
	var b strings.Builder
	for i := 0; i < userMessages; i++ {
		fmt.Fprintf(&b, `<div data-message-author-role="user">m%d</div>`, i)
	}
	return &Snapshot{
		URL:  "https://chat.example.com/chat/" + sessionID,
		Body: b.String(),
	}
}

func TestEstimate_TakesMaxAcrossMatchers(t *testing.T) {
	d, _ := newTestDetector(&recordingSink{})

	// 3 attribute matches, 5 class matches: the higher count wins even
	// though the attribute matcher has priority in the list.
	body := strings.Repeat(`<div data-message-author-role="user">x</div>`, 3) +
		strings.Repeat(`<div class="chat-message">y</div>`, 5)
	got := d.Estimate(&Snapshot{Body: body})
	assert.Equal(t, 5, got)
}

func TestEstimate_PanickingMatcherContributesZero(t *testing.T) {
	boom := func(*Snapshot) int { panic("selector exploded") }
	fixed := func(*Snapshot) int { return 7 }
	d := New(&recordingSink{}, Options{Matchers: []Matcher{boom, fixed}})

	assert.Equal(t, 7, d.Estimate(&Snapshot{Body: "whatever"}))
}

func TestEstimate_NoMatchIsZero(t *testing.T) {
	d, _ := newTestDetector(&recordingSink{})
	assert.Equal(t, 0, d.Estimate(&Snapshot{Body: "<div></div>"}))
}

func TestScan_ReportsOnlyPositiveDeltas(t *testing.T) {
	sink := &recordingSink{}
	d, clock := newTestDetector(sink)
	ctx := context.Background()

	d.Scan(ctx, chatSnapshot("s1", 2))
	clock.advance(time.Second)
	d.Scan(ctx, chatSnapshot("s1", 5))
	clock.advance(time.Second)
	// Count shrinks (page re-render); nothing reported.
	res := d.Scan(ctx, chatSnapshot("s1", 4))

	assert.Equal(t, []int{2, 3}, sink.messageDeltas)
	assert.Equal(t, 0, res.MessageDelta)
}

func TestScan_DebounceSuppressesRapidReports(t *testing.T) {
	sink := &recordingSink{}
	d, clock := newTestDetector(sink)
	ctx := context.Background()

	d.Scan(ctx, chatSnapshot("s1", 1))
	clock.advance(100 * time.Millisecond)
	res := d.Scan(ctx, chatSnapshot("s1", 3))

	assert.True(t, res.Debounced)
	assert.Equal(t, []int{1}, sink.messageDeltas)

	// After the window the held delta goes out in full.
	clock.advance(time.Second)
	res = d.Scan(ctx, chatSnapshot("s1", 3))
	assert.False(t, res.Debounced)
	assert.Equal(t, []int{1, 2}, sink.messageDeltas)
}

func TestScan_SessionChangeResetsCounters(t *testing.T) {
	sink := &recordingSink{}
	d, clock := newTestDetector(sink)
	ctx := context.Background()

	d.Scan(ctx, chatSnapshot("s1", 5))
	clock.advance(time.Second)

	// New chat with fewer messages than the old high-water mark: the total
	// restarts from the new session's own count, not as a continuation.
	res := d.Scan(ctx, chatSnapshot("s2", 2))

	assert.True(t, res.NewSession)
	assert.Equal(t, []string{"s1", "s2"}, sink.sessions)
	assert.Equal(t, []int{5, 2}, sink.messageDeltas)
	assert.Equal(t, "s2", d.SessionID())
}

func TestScan_SinkFailureKeepsHighWaterMark(t *testing.T) {
	sink := &recordingSink{failMessages: true}
	d, clock := newTestDetector(sink)
	ctx := context.Background()

	d.Scan(ctx, chatSnapshot("s1", 3))
	require.Empty(t, sink.messageDeltas)

	// Sink recovers; the full count is re-reported, nothing lost.
	sink.failMessages = false
	clock.advance(time.Second)
	d.Scan(ctx, chatSnapshot("s1", 3))
	assert.Equal(t, []int{3}, sink.messageDeltas)
}

func TestScan_FileDedupWithinWindow(t *testing.T) {
	sink := &recordingSink{}
	d, clock := newTestDetector(sink)
	ctx := context.Background()

	withFile := &Snapshot{
		URL:  "https://chat.example.com/chat/s1",
		Body: `<div class="attachment">data.csv 12 KB</div>`,
	}

	d.Scan(ctx, withFile)
	clock.advance(10 * time.Second)
	d.Scan(ctx, withFile)
	require.Len(t, sink.files, 1)

	// Past the 60s window the same name counts as a fresh upload.
	clock.advance(2 * time.Minute)
	d.Scan(ctx, withFile)
	assert.Len(t, sink.files, 2)
	assert.Equal(t, "data.csv", sink.files[0].FileName)
}
