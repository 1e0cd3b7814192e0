// Package notify delivers user-facing alerts and telemetry events.
// Delivery is best-effort everywhere: failures are logged and swallowed,
// never returned to the counting path.
package notify

import (
	"context"
	"log/slog"

	inats "github.com/chatmeter/chatmeter/internal/nats"
)

// Notifier fans out tracker events. Implementations must not block the
// caller on delivery problems.
type Notifier interface {
	Alert(ctx context.Context, event inats.AlertEvent)
	Session(ctx context.Context, event inats.SessionEvent)
	Usage(ctx context.Context, event inats.UsageEvent)
}

// LogNotifier writes alerts to the log and drops telemetry. Used when NATS
// is not configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Alert(_ context.Context, event inats.AlertEvent) {
	slog.Info("usage alert", "severity", event.Severity, "title", event.Title, "message", event.Message)
}

func (n *LogNotifier) Session(_ context.Context, event inats.SessionEvent) {
	slog.Debug("session event", "session_id", event.SessionID, "event", event.EventType)
}

func (n *LogNotifier) Usage(context.Context, inats.UsageEvent) {}

// NATSNotifier publishes events to JetStream and logs alerts locally as
// well, so a dead broker never hides a limit warning.
type NATSNotifier struct {
	pub *inats.Publisher
	log *LogNotifier
}

func NewNATSNotifier(pub *inats.Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub, log: NewLogNotifier()}
}

func (n *NATSNotifier) Alert(ctx context.Context, event inats.AlertEvent) {
	n.log.Alert(ctx, event)
	if err := n.pub.PublishAlert(ctx, event); err != nil {
		slog.Warn("publishing alert event", "error", err)
	}
}

func (n *NATSNotifier) Session(ctx context.Context, event inats.SessionEvent) {
	n.log.Session(ctx, event)
	if err := n.pub.PublishSessionEvent(ctx, event); err != nil {
		slog.Warn("publishing session event", "error", err)
	}
}

func (n *NATSNotifier) Usage(ctx context.Context, event inats.UsageEvent) {
	if err := n.pub.PublishUsage(ctx, event); err != nil {
		slog.Warn("publishing usage event", "error", err)
	}
}
