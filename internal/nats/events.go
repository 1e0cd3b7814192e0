package nats

import "time"

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents = "CHATMETER_EVENTS"
)

// Subject constants.
const (
	SubjectAlert   = "chatmeter.events.alert"
	SubjectSession = "chatmeter.events.session"
	SubjectUsage   = "chatmeter.events.usage"
)

// Alert severities.
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
	AlertReset    = "reset"
)

// AlertEvent is published on threshold crossings and daily resets. It carries
// the ready-to-display title/message pair plus the raw numbers so consumers
// can render their own.
type AlertEvent struct {
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Total     int       `json:"total"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Percent   float64   `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent is published on session lifecycle transitions.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"` // "started" or "ended"
	Timestamp time.Time `json:"timestamp"`
}

// UsageEvent is published after each applied delta.
type UsageEvent struct {
	SessionID    string    `json:"session_id,omitempty"`
	CountToday   int       `json:"count_today"`
	TotalTokens  int       `json:"total_tokens"`
	MessageCount int       `json:"message_count"`
	Delta        int       `json:"delta"`
	Kind         string    `json:"kind"` // "message", "token", "file"
	Timestamp    time.Time `json:"timestamp"`
}
