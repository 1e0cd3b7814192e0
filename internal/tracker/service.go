package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatmeter/chatmeter/internal/config"
	"github.com/chatmeter/chatmeter/internal/detector"
	"github.com/chatmeter/chatmeter/internal/metrics"
	inats "github.com/chatmeter/chatmeter/internal/nats"
	"github.com/chatmeter/chatmeter/internal/notify"
)

var (
	ErrInvalidLimit    = errors.New("limit must be between 1 and 999")
	ErrInvalidSettings = errors.New("invalid settings: warn threshold must be below critical threshold")
)

// Service owns the counter record and the current session. All mutations go
// through its mutex so read-modify-write cycles never interleave; the
// in-memory record stays authoritative when a persistence write fails.
type Service struct {
	repo     Repository
	sessions *SessionStore
	notifier notify.Notifier
	cfg      config.TrackingConfig
	now      func() time.Time

	mu          sync.Mutex
	record      *CounterRecord
	lastPercent float64 // threshold edge state, daily message counter
	lastTokens  int     // threshold edge state, token variant
}

// NewService loads (or creates) the counter record and runs the startup
// daily-reset check.
func NewService(ctx context.Context, repo Repository, sessions *SessionStore, notifier notify.Notifier, cfg config.TrackingConfig) (*Service, error) {
	s := &Service{
		repo:     repo,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}

	rec, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading counter record: %w", err)
	}
	if rec == nil {
		rec = defaultRecord(cfg.DefaultLimit, Settings{
			TokenLimit:     cfg.TokenLimit,
			WarnTokens:     cfg.WarnTokens,
			CriticalTokens: cfg.CriticalTokens,
		}, s.now().Format(DateFormat))
		if err := repo.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("creating counter record: %w", err)
		}
		slog.Info("created counter record", "limit", rec.Limit)
	}
	s.record = rec
	s.lastPercent = percent(rec.CountToday, rec.Limit)

	if _, err := s.DailyReset(ctx); err != nil {
		slog.Warn("startup daily reset check", "error", err)
	}

	return s, nil
}

// ApplyDelta adds a positive delta to today's count, appends event metadata,
// persists, and fires any threshold crossing. Non-positive deltas are a
// no-op that still returns current totals.
func (s *Service) ApplyDelta(ctx context.Context, delta int, kind, sessionID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delta <= 0 {
		return s.statsLocked(), nil
	}

	s.record.CountToday += delta
	s.record.RecentEvents = append(s.record.RecentEvents, EventEntry{
		At:        s.now(),
		Kind:      kind,
		Delta:     delta,
		SessionID: sessionID,
	})
	if n := len(s.record.RecentEvents); n > eventsCap {
		s.record.RecentEvents = append([]EventEntry(nil), s.record.RecentEvents[n-eventsCap:]...)
	}

	s.persistLocked(ctx)
	s.checkPercentThresholdLocked(ctx)

	s.notifier.Usage(ctx, inats.UsageEvent{
		SessionID:  sessionID,
		CountToday: s.record.CountToday,
		Delta:      delta,
		Kind:       kind,
		Timestamp:  s.now(),
	})

	return s.statsLocked(), nil
}

// DailyReset archives the finished day and zeroes the counter when the
// calendar day has changed. Idempotent within a day: the second call on the
// same day reports no reset and mutates nothing.
func (s *Service) DailyReset(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.now().Format(DateFormat)
	if s.record.LastResetDate == today {
		return false, nil
	}

	s.record.History = append(s.record.History, DayEntry{
		Date:  s.record.LastResetDate,
		Count: s.record.CountToday,
		Limit: s.record.Limit,
	})
	if n := len(s.record.History); n > historyCap {
		s.record.History = append([]DayEntry(nil), s.record.History[n-historyCap:]...)
	}

	s.record.CountToday = 0
	s.record.LastResetDate = today
	s.lastPercent = 0

	s.persistLocked(ctx)
	metrics.DailyResetsTotal.Inc()

	s.notifier.Alert(ctx, inats.AlertEvent{
		Severity:  inats.AlertReset,
		Title:     "Daily Counter Reset",
		Message:   fmt.Sprintf("Message counter reset for %s.", today),
		Total:     0,
		Limit:     s.record.Limit,
		Remaining: s.record.Limit,
		Timestamp: s.now(),
	})

	slog.Info("daily reset completed", "date", today)
	return true, nil
}

// ResetCounter zeroes today's count on user request, without archiving.
func (s *Service) ResetCounter(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record.CountToday = 0
	s.record.LastResetDate = s.now().Format(DateFormat)
	s.lastPercent = 0
	s.persistLocked(ctx)

	return s.statsLocked(), nil
}

// UpdateLimit validates and applies a new daily limit. The threshold edge
// baseline is recomputed against the new limit so the next crossing is
// detected correctly, but no alert fires from the limit change itself.
func (s *Service) UpdateLimit(ctx context.Context, limit int) (Stats, error) {
	if limit < MinLimit || limit > MaxLimit {
		return Stats{}, ErrInvalidLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record.Limit = limit
	s.lastPercent = percent(s.record.CountToday, limit)
	s.persistLocked(ctx)

	return s.statsLocked(), nil
}

// UpdateSettings merges non-zero token-variant settings into the record.
func (s *Service) UpdateSettings(ctx context.Context, settings Settings) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.record.Settings
	if settings.TokenLimit > 0 {
		merged.TokenLimit = settings.TokenLimit
	}
	if settings.WarnTokens > 0 {
		merged.WarnTokens = settings.WarnTokens
	}
	if settings.CriticalTokens > 0 {
		merged.CriticalTokens = settings.CriticalTokens
	}
	if merged.WarnTokens >= merged.CriticalTokens || merged.CriticalTokens > merged.TokenLimit {
		return Stats{}, ErrInvalidSettings
	}

	s.record.Settings = merged
	s.persistLocked(ctx)

	return s.statsLocked(), nil
}

// GetStats returns a copy-on-read snapshot of the record plus the current
// session with its token history.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	stats := s.statsLocked()
	s.mu.Unlock()

	sess, err := s.sessions.Current(ctx)
	if err != nil {
		// Session state is supplementary; stats still answer without it.
		slog.Warn("loading current session for stats", "error", err)
		return stats, nil
	}
	if sess != nil {
		history, err := s.sessions.TokenHistory(ctx, sess.ID, tokenHistoryCap)
		if err != nil {
			slog.Warn("loading token history for stats", "error", err)
		} else {
			sess.TokenHistory = history
		}
		stats.Session = sess
	}
	return stats, nil
}

// NewSession implements detector.Sink. A superseding session ends the
// current one before the new one opens.
func (s *Service) NewSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startSessionLocked(ctx, sessionID)
}

// RecordMessages implements detector.Sink.
func (s *Service) RecordMessages(ctx context.Context, delta int) error {
	if delta <= 0 {
		return nil
	}

	s.mu.Lock()
	sessionID := ""
	if sess, err := s.sessions.Current(ctx); err == nil && sess != nil {
		sessionID = sess.ID
		sess.MessageCount += delta
		if err := s.sessions.Save(ctx, sess); err != nil {
			slog.Warn("saving session message count", "error", err)
		}
	}
	s.mu.Unlock()

	_, err := s.ApplyDelta(ctx, delta, "message", sessionID)
	return err
}

// RecordTokens implements detector.Sink, and carries TOKENS_UPDATED
// semantics: totals are absolute, newTokens is the delta.
func (s *Service) RecordTokens(ctx context.Context, newTokens, totalTokens, messageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ensureSessionLocked(ctx)
	if err != nil {
		return err
	}

	// Totals are monotonic within a session; a smaller report is stale.
	if totalTokens > sess.TotalTokens {
		sess.TotalTokens = totalTokens
	}
	if messageCount > sess.MessageCount {
		sess.MessageCount = messageCount
	}

	if err := s.sessions.AppendTokenEvent(ctx, sess.ID, TokenEvent{
		Timestamp: s.now(),
		Tokens:    sess.TotalTokens,
		Delta:     newTokens,
		Kind:      "token",
	}); err != nil {
		slog.Warn("appending token event", "error", err)
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		slog.Warn("saving session tokens", "error", err)
	}

	s.checkTokenThresholdLocked(ctx, sess)

	s.notifier.Usage(ctx, inats.UsageEvent{
		SessionID:    sess.ID,
		TotalTokens:  sess.TotalTokens,
		MessageCount: sess.MessageCount,
		Delta:        newTokens,
		Kind:         "token",
		Timestamp:    s.now(),
	})

	return nil
}

// RecordFiles implements detector.Sink: detected (or manually entered)
// uploads join the session and their estimated tokens count toward it.
func (s *Service) RecordFiles(ctx context.Context, files []detector.FileUpload) error {
	if len(files) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ensureSessionLocked(ctx)
	if err != nil {
		return err
	}

	added := 0
	for _, f := range files {
		sess.FileUploads = append(sess.FileUploads, f)
		added += f.EstimatedTokens
	}
	sess.TotalTokens += added

	if err := s.sessions.AppendTokenEvent(ctx, sess.ID, TokenEvent{
		Timestamp: s.now(),
		Tokens:    sess.TotalTokens,
		Delta:     added,
		Kind:      "file",
	}); err != nil {
		slog.Warn("appending file token event", "error", err)
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		slog.Warn("saving session files", "error", err)
	}

	s.checkTokenThresholdLocked(ctx, sess)

	s.notifier.Usage(ctx, inats.UsageEvent{
		SessionID:   sess.ID,
		TotalTokens: sess.TotalTokens,
		Delta:       added,
		Kind:        "file",
		Timestamp:   s.now(),
	})

	return nil
}

// EndCurrentChat freezes the current session. Returns (nil, nil) when no
// session was active.
func (s *Service) EndCurrentChat(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endSessionLocked(ctx)
}

func (s *Service) startSessionLocked(ctx context.Context, sessionID string) error {
	current, err := s.sessions.Current(ctx)
	if err != nil {
		return err
	}
	if current != nil {
		if current.ID == sessionID {
			return nil
		}
		if _, err := s.endSessionLocked(ctx); err != nil {
			slog.Warn("ending superseded session", "error", err)
		}
	}

	sess := &Session{ID: sessionID, StartTime: s.now()}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("opening session %s: %w", sessionID, err)
	}

	s.lastTokens = 0
	metrics.SessionsStartedTotal.Inc()
	s.notifier.Session(ctx, inats.SessionEvent{
		SessionID: sessionID,
		EventType: "started",
		Timestamp: s.now(),
	})
	return nil
}

func (s *Service) endSessionLocked(ctx context.Context) (*Session, error) {
	sess, err := s.sessions.End(ctx, s.now())
	if err != nil || sess == nil {
		return nil, err
	}

	s.lastTokens = 0
	s.notifier.Session(ctx, inats.SessionEvent{
		SessionID: sess.ID,
		EventType: "ended",
		Timestamp: s.now(),
	})
	return sess, nil
}

// ensureSessionLocked opens a synthetic session when units arrive with no
// session signal first.
func (s *Service) ensureSessionLocked(ctx context.Context) (*Session, error) {
	sess, err := s.sessions.Current(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess = &Session{ID: uuid.NewString(), StartTime: s.now()}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	s.lastTokens = 0
	metrics.SessionsStartedTotal.Inc()
	s.notifier.Session(ctx, inats.SessionEvent{
		SessionID: sess.ID,
		EventType: "started",
		Timestamp: s.now(),
	})
	return sess, nil
}

// persistLocked writes the record through to storage. A failed write is
// logged; the in-memory record remains authoritative until the next
// successful write.
func (s *Service) persistLocked(ctx context.Context) {
	if err := s.repo.Save(ctx, s.record); err != nil {
		slog.Warn("persisting counter record", "error", err)
	}
}

// checkPercentThresholdLocked fires an alert exactly once per upward
// crossing of the warning or critical band. Crossing both in one delta
// fires only the critical alert.
func (s *Service) checkPercentThresholdLocked(ctx context.Context) {
	prev := s.lastPercent
	cur := percent(s.record.CountToday, s.record.Limit)
	s.lastPercent = cur

	warn := float64(s.cfg.WarnPercent)
	critical := float64(s.cfg.CriticalPercent)

	switch {
	case prev < critical && cur >= critical:
		metrics.ThresholdCrossingsTotal.WithLabelValues("critical").Inc()
		s.fireLimitAlert(ctx, inats.AlertCritical, "Usage Limit Critical")
	case prev < warn && cur >= warn:
		metrics.ThresholdCrossingsTotal.WithLabelValues("warning").Inc()
		s.fireLimitAlert(ctx, inats.AlertWarning, "Usage Limit Warning")
	}
}

func (s *Service) fireLimitAlert(ctx context.Context, severity, title string) {
	count, limit := s.record.CountToday, s.record.Limit
	s.notifier.Alert(ctx, inats.AlertEvent{
		Severity:  severity,
		Title:     title,
		Message:   fmt.Sprintf("Messages: %d/%d. %d remaining.", count, limit, remaining(count, limit)),
		Total:     count,
		Limit:     limit,
		Remaining: remaining(count, limit),
		Percent:   percent(count, limit),
		Timestamp: s.now(),
	})
}

// checkTokenThresholdLocked is the token-variant edge detector against the
// absolute warn/critical token thresholds.
func (s *Service) checkTokenThresholdLocked(ctx context.Context, sess *Session) {
	prev := s.lastTokens
	cur := sess.TotalTokens
	s.lastTokens = cur

	st := s.record.Settings

	var severity, title string
	switch {
	case prev < st.CriticalTokens && cur >= st.CriticalTokens:
		severity, title = inats.AlertCritical, "Token Limit Critical"
		metrics.ThresholdCrossingsTotal.WithLabelValues("token_critical").Inc()
	case prev < st.WarnTokens && cur >= st.WarnTokens:
		severity, title = inats.AlertWarning, "Token Limit Warning"
		metrics.ThresholdCrossingsTotal.WithLabelValues("token_warning").Inc()
	default:
		return
	}

	s.notifier.Alert(ctx, inats.AlertEvent{
		Severity:  severity,
		Title:     title,
		Message:   fmt.Sprintf("Tokens: %d/%d. %d remaining.", cur, st.TokenLimit, remaining(cur, st.TokenLimit)),
		Total:     cur,
		Limit:     st.TokenLimit,
		Remaining: remaining(cur, st.TokenLimit),
		Percent:   percent(cur, st.TokenLimit),
		Timestamp: s.now(),
	})
}

func (s *Service) statsLocked() Stats {
	return Stats{
		CountToday:    s.record.CountToday,
		Limit:         s.record.Limit,
		Remaining:     remaining(s.record.CountToday, s.record.Limit),
		Percent:       percent(s.record.CountToday, s.record.Limit),
		LastResetDate: s.record.LastResetDate,
		History:       append([]DayEntry(nil), s.record.History...),
		Settings:      s.record.Settings,
	}
}
