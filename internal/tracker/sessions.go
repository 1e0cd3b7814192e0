package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	currentSessionKey = "session:current"
	endedSessionsKey  = "session:ended"
	tokenHistoryKey   = "session:history:" // + session id
)

// SessionStore keeps the current session and its capped token history in
// Redis. Ended sessions are frozen onto a short list for inspection.
type SessionStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewSessionStore creates a SessionStore. ttl bounds how long an abandoned
// session lingers.
func NewSessionStore(client redis.Cmdable, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Current returns the current session, or (nil, nil) when none is active.
func (s *SessionStore) Current(ctx context.Context) (*Session, error) {
	data, err := s.client.Get(ctx, currentSessionKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting current session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling current session: %w", err)
	}
	return &sess, nil
}

// Save persists the current session.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.client.Set(ctx, currentSessionKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving current session: %w", err)
	}
	return nil
}

// AppendTokenEvent adds an entry to the session's token history and trims it
// to the cap.
func (s *SessionStore) AppendTokenEvent(ctx context.Context, sessionID string, ev TokenEvent) error {
	key := tokenHistoryKey + sessionID

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling token event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-tokenHistoryCap), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// TokenHistory returns up to limit most recent token events for the session.
func (s *SessionStore) TokenHistory(ctx context.Context, sessionID string, limit int) ([]TokenEvent, error) {
	key := tokenHistoryKey + sessionID

	vals, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	events := make([]TokenEvent, 0, len(vals))
	for _, v := range vals {
		var ev TokenEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			continue // skip malformed entries
		}
		events = append(events, ev)
	}
	return events, nil
}

// End freezes the current session onto the ended list and clears it.
// Returns the ended session, or (nil, nil) when none was active.
func (s *SessionStore) End(ctx context.Context, endedAt time.Time) (*Session, error) {
	sess, err := s.Current(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	sess.EndedAt = &endedAt

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshaling ended session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, endedSessionsKey, string(data))
	pipe.LTrim(ctx, endedSessionsKey, 0, endedSessionCap-1)
	pipe.Expire(ctx, endedSessionsKey, s.ttl)
	pipe.Del(ctx, currentSessionKey)
	pipe.Del(ctx, tokenHistoryKey+sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ending session %s: %w", sess.ID, err)
	}
	return sess, nil
}
