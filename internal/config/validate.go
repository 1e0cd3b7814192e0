package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for problems that would misbehave at runtime.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Limit bounds match what the API accepts on UPDATE_LIMIT
	if c.Tracking.DefaultLimit < 1 || c.Tracking.DefaultLimit > 999 {
		errs = append(errs, fmt.Sprintf("TRACKING_DEFAULT_LIMIT must be 1-999, got %d", c.Tracking.DefaultLimit))
	}

	// Threshold bands must be ordered and sane
	if c.Tracking.WarnPercent < 1 || c.Tracking.WarnPercent > 100 {
		errs = append(errs, fmt.Sprintf("TRACKING_WARN_PERCENT must be 1-100, got %d", c.Tracking.WarnPercent))
	}
	if c.Tracking.CriticalPercent < 1 || c.Tracking.CriticalPercent > 100 {
		errs = append(errs, fmt.Sprintf("TRACKING_CRITICAL_PERCENT must be 1-100, got %d", c.Tracking.CriticalPercent))
	}
	if c.Tracking.WarnPercent >= c.Tracking.CriticalPercent {
		errs = append(errs, "TRACKING_WARN_PERCENT must be below TRACKING_CRITICAL_PERCENT")
	}
	if c.Tracking.WarnTokens >= c.Tracking.CriticalTokens {
		errs = append(errs, "TRACKING_WARN_TOKENS must be below TRACKING_CRITICAL_TOKENS")
	}
	if c.Tracking.CriticalTokens > c.Tracking.TokenLimit {
		errs = append(errs, "TRACKING_CRITICAL_TOKENS must not exceed TRACKING_TOKEN_LIMIT")
	}

	if c.Tracking.DebounceWindow <= 0 {
		errs = append(errs, "TRACKING_DEBOUNCE_WINDOW must be positive")
	}

	// XMPP relay needs full component credentials when enabled
	if c.XMPP.Enabled {
		if c.XMPP.ComponentName == "" || c.XMPP.ComponentSecret == "" {
			errs = append(errs, "XMPP_COMPONENT_NAME and XMPP_COMPONENT_SECRET are required when XMPP_ENABLED=true")
		}
		if c.XMPP.AlertJID == "" {
			errs = append(errs, "XMPP_ALERT_JID is required when XMPP_ENABLED=true")
		}
		if !c.NATS.Enabled {
			errs = append(errs, "XMPP alert relay requires NATS_ENABLED=true")
		}
	}

	// DB password: warn only, local single-tenant setups often run trust auth
	if c.DB.Password == "" {
		slog.Warn("DB_PASSWORD is empty — relying on postgres trust/peer auth")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
