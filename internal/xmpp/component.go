// Package xmpp relays threshold alerts to a chat address over an XMPP
// external component (XEP-0114), fed by the NATS alert stream.
package xmpp

import (
	"context"
	"log/slog"

	"gosrc.io/xmpp"
	"gosrc.io/xmpp/stanza"

	"github.com/chatmeter/chatmeter/internal/config"
)

// Component manages the XMPP external component lifecycle (XEP-0114).
type Component struct {
	sm     *xmpp.StreamManager
	comp   *xmpp.Component
	cancel context.CancelFunc
}

// NewComponent creates the component. The relay only sends, so inbound
// stanzas just get presence auto-approval.
func NewComponent(cfg config.XMPPConfig) (*Component, error) {
	router := xmpp.NewRouter()
	router.HandleFunc("presence", handlePresence)

	opts := xmpp.ComponentOptions{
		TransportConfiguration: xmpp.TransportConfiguration{
			Address: cfg.ComponentAddr(),
			Domain:  cfg.ComponentName,
		},
		Domain:   cfg.ComponentName,
		Secret:   cfg.ComponentSecret,
		Name:     "Chatmeter Alert Relay",
		Category: "gateway",
		Type:     "service",
	}

	comp, err := xmpp.NewComponent(opts, router, func(err error) {
		slog.Error("XMPP component error", "error", err)
	})
	if err != nil {
		return nil, err
	}

	sm := xmpp.NewStreamManager(comp, func(s xmpp.Sender) {
		slog.Info("XMPP component connected", "domain", cfg.ComponentName)
	})

	return &Component{sm: sm, comp: comp}, nil
}

// Start runs the XMPP component. It blocks until the context is cancelled or
// an error occurs.
func (c *Component) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.sm.Run()
	}()

	select {
	case <-ctx.Done():
		c.sm.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Sender returns the underlying component for sending stanzas.
func (c *Component) Sender() xmpp.Sender {
	return c.comp
}

// Stop disconnects the XMPP component.
func (c *Component) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.sm.Stop()
}

// handlePresence auto-approves subscribe requests so the alert JID can add
// the relay to its roster.
func handlePresence(s xmpp.Sender, p stanza.Packet) {
	pres, ok := p.(stanza.Presence)
	if !ok {
		return
	}

	if pres.Type == "subscribe" {
		reply := stanza.Presence{
			Attrs: stanza.Attrs{
				From: pres.To,
				To:   pres.From,
				Type: "subscribed",
			},
		}
		if err := s.Send(reply); err != nil {
			slog.Error("sending presence subscribed reply", "error", err)
		}
	}
}
