// Package outbox parks durable-channel publishes that failed on the write
// path so a separate relay can retry them until they reach the channel.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusDead       = "dead"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Enqueue parks env for republishing. Parking the same event id twice is a
// no-op; the bool reports whether a row was inserted.
func (s *Store) Enqueue(ctx context.Context, env events.Envelope, reason string) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	payload, err := env.Marshal()
	if err != nil {
		return false, err
	}

	const q = `
INSERT INTO outbox (event_id, tenant_id, event_type, payload, last_error)
VALUES ($1, $2, $3, $4, NULLIF($5, ''))
ON CONFLICT (event_id) DO NOTHING;
`
	res, err := s.db.ExecContext(ctx, q, env.ID, env.TenantID, string(env.Type), payload, reason)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", env.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Park satisfies publisher.Parker.
func (s *Store) Park(ctx context.Context, env events.Envelope, reason string) error {
	_, err := s.Enqueue(ctx, env, reason)
	return err
}

func (s *Store) ResetStuck(ctx context.Context, processingTimeout time.Duration) (int64, error) {
	if processingTimeout <= 0 {
		processingTimeout = 30 * time.Second
	}
	const q = `
UPDATE outbox
SET status = 'pending',
    processing_started_at = NULL,
    next_retry_at = now(),
    last_error = 'processing timeout',
    updated_at = now()
WHERE status = 'processing'
  AND processing_started_at IS NOT NULL
  AND processing_started_at < now() - $1::interval;
`
	res, err := s.db.ExecContext(ctx, q, fmt.Sprintf("%fs", processingTimeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	return res.RowsAffected()
}

// ClaimPending moves up to batchSize due rows to processing. SKIP LOCKED
// lets several relays poll the same table.
func (s *Store) ClaimPending(ctx context.Context, batchSize int) ([]Record, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	const q = `
WITH cte AS (
  SELECT id
  FROM outbox
  WHERE status = 'pending'
    AND next_retry_at <= now()
  ORDER BY created_at, id
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET status = 'processing',
    processing_started_at = now(),
    attempts = attempts + 1,
    updated_at = now()
FROM cte
WHERE o.id = cte.id
RETURNING o.id, o.event_id, o.tenant_id, o.event_type, o.payload, o.created_at, o.attempts;
`

	rows, err := s.db.QueryContext(ctx, q, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.EventID, &r.TenantID, &r.EventType, &r.Payload, &r.CreatedAt, &r.Attempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id int64) error {
	const q = `
UPDATE outbox
SET status = 'sent',
    sent_at = now(),
    processing_started_at = NULL,
    last_error = NULL,
    updated_at = now()
WHERE id = $1;
`
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time, errMsg string) error {
	const q = `
UPDATE outbox
SET status = 'pending',
    processing_started_at = NULL,
    next_retry_at = $2,
    last_error = $3,
    updated_at = now()
WHERE id = $1;
`
	_, err := s.db.ExecContext(ctx, q, id, nextRetryAt, errMsg)
	return err
}

// MarkDead takes a row out of rotation for good.
func (s *Store) MarkDead(ctx context.Context, id int64, errMsg string) error {
	const q = `
UPDATE outbox
SET status = 'dead',
    processing_started_at = NULL,
    last_error = $2,
    updated_at = now()
WHERE id = $1;
`
	_, err := s.db.ExecContext(ctx, q, id, errMsg)
	return err
}

// LagSeconds is the age of the oldest pending row, zero when none.
func (s *Store) LagSeconds(ctx context.Context) (float64, error) {
	const q = `
SELECT EXTRACT(EPOCH FROM (now() - created_at))::float8
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT 1;
`
	var v sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Float64, nil
}

// Status is for tests and tooling.
func (s *Store) Status(ctx context.Context, eventID string) (string, int, error) {
	var (
		status   string
		attempts int
	)
	err := s.db.QueryRowContext(ctx, `SELECT status, attempts FROM outbox WHERE event_id = $1`, eventID).Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	return status, attempts, err
}
