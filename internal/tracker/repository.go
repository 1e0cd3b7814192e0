package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the counter record. Load returns (nil, nil) before
// first install.
type Repository interface {
	Load(ctx context.Context) (*CounterRecord, error)
	Save(ctx context.Context, rec *CounterRecord) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the PostgreSQL-backed Repository. The record is a
// single row; history and recent events live in JSONB columns.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) Load(ctx context.Context) (*CounterRecord, error) {
	query := `
		SELECT version, count_today, limit_value, last_reset_date,
		       history, recent_events, token_limit, warn_tokens, critical_tokens
		FROM counter_records WHERE id = 1`

	rec := &CounterRecord{}
	var resetDate time.Time
	var history, events []byte

	err := r.pool.QueryRow(ctx, query).Scan(
		&rec.Version, &rec.CountToday, &rec.Limit, &resetDate,
		&history, &events,
		&rec.Settings.TokenLimit, &rec.Settings.WarnTokens, &rec.Settings.CriticalTokens,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading counter record: %w", err)
	}

	rec.LastResetDate = resetDate.Format(DateFormat)

	if err := json.Unmarshal(history, &rec.History); err != nil {
		return nil, fmt.Errorf("unmarshaling history: %w", err)
	}
	if err := json.Unmarshal(events, &rec.RecentEvents); err != nil {
		return nil, fmt.Errorf("unmarshaling recent events: %w", err)
	}

	return rec, nil
}

func (r *postgresRepository) Save(ctx context.Context, rec *CounterRecord) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}
	if rec.History == nil {
		history = []byte("[]")
	}
	events, err := json.Marshal(rec.RecentEvents)
	if err != nil {
		return fmt.Errorf("marshaling recent events: %w", err)
	}
	if rec.RecentEvents == nil {
		events = []byte("[]")
	}

	query := `
		INSERT INTO counter_records
			(id, version, count_today, limit_value, last_reset_date,
			 history, recent_events, token_limit, warn_tokens, critical_tokens, updated_at)
		VALUES (1, $1, $2, $3, $4::date, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			count_today = EXCLUDED.count_today,
			limit_value = EXCLUDED.limit_value,
			last_reset_date = EXCLUDED.last_reset_date,
			history = EXCLUDED.history,
			recent_events = EXCLUDED.recent_events,
			token_limit = EXCLUDED.token_limit,
			warn_tokens = EXCLUDED.warn_tokens,
			critical_tokens = EXCLUDED.critical_tokens,
			updated_at = NOW()`

	_, err = r.pool.Exec(ctx, query,
		rec.Version, rec.CountToday, rec.Limit, rec.LastResetDate,
		history, events,
		rec.Settings.TokenLimit, rec.Settings.WarnTokens, rec.Settings.CriticalTokens,
	)
	if err != nil {
		return fmt.Errorf("saving counter record: %w", err)
	}
	return nil
}
