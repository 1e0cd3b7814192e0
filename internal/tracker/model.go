// Package tracker owns the persisted counter record and the current chat
// session: it applies detector deltas, enforces the daily reset, watches
// threshold bands, and answers stats queries.
package tracker

import (
	"time"

	"github.com/chatmeter/chatmeter/internal/detector"
)

const (
	// SchemaVersion tags the persisted record shape.
	SchemaVersion = 1

	// MinLimit and MaxLimit bound user-supplied daily limits.
	MinLimit = 1
	MaxLimit = 999

	historyCap      = 30
	eventsCap       = 100
	tokenHistoryCap = 100
	endedSessionCap = 10
)

// DateFormat is the calendar-day key used for reset bookkeeping.
const DateFormat = "2006-01-02"

// DayEntry archives one finished day.
type DayEntry struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Limit int    `json:"limit"`
}

// EventEntry is per-event metadata kept in a capped ring on the record.
type EventEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"` // "message", "token", "file", "manual"
	Delta     int       `json:"delta"`
	SessionID string    `json:"session_id,omitempty"`
}

// Settings holds the token-variant thresholds, persisted with the record.
type Settings struct {
	TokenLimit     int `json:"token_limit" validate:"omitempty,min=1"`
	WarnTokens     int `json:"warn_tokens" validate:"omitempty,min=1"`
	CriticalTokens int `json:"critical_tokens" validate:"omitempty,min=1"`
}

// CounterRecord is the persisted daily counter. CountToday only grows within
// a calendar day and is zeroed exactly once per day transition.
type CounterRecord struct {
	Version       int          `json:"version"`
	CountToday    int          `json:"count_today"`
	Limit         int          `json:"limit"`
	LastResetDate string       `json:"last_reset_date"`
	History       []DayEntry   `json:"history"`
	RecentEvents  []EventEntry `json:"recent_events"`
	Settings      Settings     `json:"settings"`
}

// TokenEvent is one entry of a session's capped token history.
type TokenEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
	Delta     int       `json:"delta"`
	Kind      string    `json:"kind"` // "message", "token", "file"
}

// Session is one logical conversation. Exactly one is current; an ended
// session is frozen and detached.
type Session struct {
	ID           string                `json:"id"`
	StartTime    time.Time             `json:"start_time"`
	TotalTokens  int                   `json:"total_tokens"`
	MessageCount int                   `json:"message_count"`
	FileUploads  []detector.FileUpload `json:"file_uploads,omitempty"`
	TokenHistory []TokenEvent          `json:"token_history,omitempty"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
}

// Stats is the read-only projection returned to display surfaces. Slices and
// the session are copies; mutating a Stats never touches tracker state.
type Stats struct {
	CountToday    int        `json:"count_today"`
	Limit         int        `json:"limit"`
	Remaining     int        `json:"remaining"`
	Percent       float64    `json:"percent"`
	LastResetDate string     `json:"last_reset_date"`
	History       []DayEntry `json:"history"`
	Session       *Session   `json:"session,omitempty"`
	Settings      Settings   `json:"settings"`
}

// defaultRecord is the record created on first run.
func defaultRecord(limit int, settings Settings, today string) *CounterRecord {
	return &CounterRecord{
		Version:       SchemaVersion,
		CountToday:    0,
		Limit:         limit,
		LastResetDate: today,
		Settings:      settings,
	}
}

// percent returns min(100, 100*count/limit).
func percent(count, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	p := 100 * float64(count) / float64(limit)
	if p > 100 {
		return 100
	}
	return p
}

// remaining returns max(0, limit-count).
func remaining(count, limit int) int {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}
