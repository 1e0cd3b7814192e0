// Package detector turns raw page snapshots into counted units: messages,
// tokens, and file uploads. Everything here is heuristic — unmatched or
// failing matchers contribute zero, and only positive deltas are reported.
package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink receives detection results. Implemented by the tracker service.
type Sink interface {
	NewSession(ctx context.Context, sessionID string) error
	RecordMessages(ctx context.Context, delta int) error
	RecordTokens(ctx context.Context, newTokens, totalTokens, messageCount int) error
	RecordFiles(ctx context.Context, files []FileUpload) error
}

// fileDedupWindow suppresses a re-detected filename seen this recently.
const fileDedupWindow = 60 * time.Second

// Options tunes a Detector. Zero values pick defaults.
type Options struct {
	Matchers []Matcher
	Debounce time.Duration
	Now      func() time.Time
}

// Detector tracks the high-water mark of units seen per session and reports
// positive deltas to its sink. Safe for concurrent use.
type Detector struct {
	sink     Sink
	matchers []Matcher
	debounce time.Duration
	now      func() time.Time

	mu           sync.Mutex
	sessionID    string
	lastEstimate int
	lastTokens   int
	lastReportAt time.Time
	seenFiles    map[string]time.Time
}

// New creates a Detector reporting into sink.
func New(sink Sink, opts Options) *Detector {
	if opts.Matchers == nil {
		opts.Matchers = DefaultMatchers()
	}
	if opts.Debounce == 0 {
		opts.Debounce = 900 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		sink:      sink,
		matchers:  opts.Matchers,
		debounce:  opts.Debounce,
		now:       opts.Now,
		seenFiles: make(map[string]time.Time),
	}
}

// ScanResult summarizes what one snapshot contributed.
type ScanResult struct {
	SessionID    string       `json:"session_id"`
	NewSession   bool         `json:"new_session"`
	MessageCount int          `json:"message_count"`
	MessageDelta int          `json:"message_delta"`
	TokenTotal   int          `json:"token_total"`
	TokenDelta   int          `json:"token_delta"`
	Files        []FileUpload `json:"files,omitempty"`
	Debounced    bool         `json:"debounced,omitempty"`
}

// Estimate returns the best message count any single matcher finds in the
// snapshot. Matchers are alternatives; the maximum wins. A panicking matcher
// counts as no match.
func (d *Detector) Estimate(s *Snapshot) int {
	best := 0
	for _, m := range d.matchers {
		if n := runMatcher(m, s); n > best {
			best = n
		}
	}
	return best
}

func runMatcher(m Matcher, s *Snapshot) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	return m(s)
}

// Scan processes one snapshot: session boundary first, then message and
// token estimates, then file uploads. Sink failures are logged and do not
// abort the scan — a lost report is recovered on the next one because the
// high-water mark only advances on successful delivery.
func (d *Detector) Scan(ctx context.Context, s *Snapshot) ScanResult {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	res := ScanResult{}

	sid := DeriveSessionID(s, now)
	if sid != d.sessionID {
		d.sessionID = sid
		d.lastEstimate = 0
		d.lastTokens = 0
		d.lastReportAt = time.Time{}
		d.seenFiles = make(map[string]time.Time)
		res.NewSession = true
		if err := d.sink.NewSession(ctx, sid); err != nil {
			slog.Warn("detector: reporting new session", "error", err, "session_id", sid)
		}
	}
	res.SessionID = sid

	estimate := d.Estimate(s)
	tokens := EstimateTokens(VisibleText(s))
	res.MessageCount = estimate
	res.TokenTotal = tokens

	grew := estimate > d.lastEstimate || tokens > d.lastTokens
	if grew && !res.NewSession && now.Sub(d.lastReportAt) < d.debounce {
		// Rapid-fire DOM mutations: hold the report. The high-water marks
		// stay put so the accumulated delta goes out on the next scan.
		res.Debounced = true
		return res
	}

	if estimate > d.lastEstimate {
		delta := estimate - d.lastEstimate
		if err := d.sink.RecordMessages(ctx, delta); err != nil {
			slog.Warn("detector: reporting message delta", "error", err, "delta", delta)
		} else {
			d.lastEstimate = estimate
			d.lastReportAt = now
			res.MessageDelta = delta
		}
	}

	if tokens > d.lastTokens {
		delta := tokens - d.lastTokens
		if err := d.sink.RecordTokens(ctx, delta, tokens, estimate); err != nil {
			slog.Warn("detector: reporting token delta", "error", err, "delta", delta)
		} else {
			d.lastTokens = tokens
			d.lastReportAt = now
			res.TokenDelta = delta
		}
	}

	if files := d.dedupFiles(DetectFiles(s, now), now); len(files) > 0 {
		if err := d.sink.RecordFiles(ctx, files); err != nil {
			slog.Warn("detector: reporting file uploads", "error", err, "count", len(files))
		} else {
			res.Files = files
		}
	}

	return res
}

// dedupFiles drops files whose name was reported within fileDedupWindow and
// records the rest. Also prunes stale entries so the map doesn't grow with
// session length.
func (d *Detector) dedupFiles(files []FileUpload, now time.Time) []FileUpload {
	for name, at := range d.seenFiles {
		if now.Sub(at) > fileDedupWindow {
			delete(d.seenFiles, name)
		}
	}

	var fresh []FileUpload
	for _, f := range files {
		if at, ok := d.seenFiles[f.FileName]; ok && now.Sub(at) < fileDedupWindow {
			continue
		}
		d.seenFiles[f.FileName] = now
		fresh = append(fresh, f)
	}
	return fresh
}

// SessionID returns the detector's current session id ("" before any scan).
func (d *Detector) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}
