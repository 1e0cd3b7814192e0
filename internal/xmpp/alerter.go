package xmpp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
	"gosrc.io/xmpp"
	"gosrc.io/xmpp/stanza"

	inats "github.com/chatmeter/chatmeter/internal/nats"
)

// AlertRelay consumes alert events from NATS and delivers them to the
// configured JID.
type AlertRelay struct {
	sender      xmpp.Sender
	consumerMgr *inats.ConsumerManager
	fromJID     string
	alertJID    string
}

func NewAlertRelay(sender xmpp.Sender, consumerMgr *inats.ConsumerManager, fromJID, alertJID string) *AlertRelay {
	return &AlertRelay{
		sender:      sender,
		consumerMgr: consumerMgr,
		fromJID:     fromJID,
		alertJID:    alertJID,
	}
}

// Start begins consuming alert events and sending them via XMPP. It returns
// when the context is cancelled.
func (r *AlertRelay) Start(ctx context.Context) error {
	consumer, err := r.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, "alert-relay", inats.SubjectAlert)
	if err != nil {
		return err
	}

	slog.Info("alert relay started", "consumer", "alert-relay", "to", r.alertJID)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("fetching alert events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			var alert inats.AlertEvent
			if err := json.Unmarshal(msg.Data(), &alert); err != nil {
				slog.Error("unmarshaling alert event", "error", err)
				_ = msg.Nak()
				continue
			}

			if err := r.send(alert); err != nil {
				slog.Error("sending alert via XMPP", "error", err, "to", r.alertJID)
				_ = msg.Nak()
				continue
			}

			slog.Debug("sent alert via XMPP", "severity", alert.Severity, "to", r.alertJID)
			_ = msg.Ack()
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *AlertRelay) send(alert inats.AlertEvent) error {
	msg := stanza.Message{
		Attrs: stanza.Attrs{
			From: r.fromJID,
			To:   r.alertJID,
			Type: "chat",
		},
		Body: alertBody(alert),
	}
	return r.sender.Send(msg)
}

func alertBody(alert inats.AlertEvent) string {
	return fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Title, alert.Message)
}
