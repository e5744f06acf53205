// Package outbox stores facts in the producer's database inside the business
// transaction and relays them to the broker afterwards.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"retail-backbone/shared/dbx"
)

const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusDelivered = "delivered"
	StatusDead      = "dead"
)

// Event is one row of outbox_events. EventID doubles as the broker message id
// so consumers see the same id on every relay attempt.
type Event struct {
	EventID     uuid.UUID
	Source      string
	RoutingKey  string
	Payload     []byte
	Status      string
	Attempts    int
	NextRetryAt *time.Time
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
}

const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	event_id      UUID PRIMARY KEY,
	source        TEXT        NOT NULL,
	routing_key   TEXT        NOT NULL,
	payload       JSONB       NOT NULL,
	status        TEXT        NOT NULL,
	attempts      INT         NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	locked_at     TIMESTAMPTZ,
	locked_by     TEXT,
	last_error    TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	published_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (status, next_retry_at, created_at);
`

const eventColumns = `event_id, source, routing_key, payload, status, attempts, next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var e Event
	err := row.Scan(&e.EventID, &e.Source, &e.RoutingKey, &e.Payload, &e.Status, &e.Attempts,
		&e.NextRetryAt, &e.LockedAt, &e.LockedBy, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt)
	return e, err
}

// Insert writes e through db, which is normally the caller's open transaction.
func (r *Repo) Insert(ctx context.Context, db dbx.DBTX, e Event) (Event, error) {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	return scanEvent(db.QueryRow(ctx, `
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+eventColumns,
		e.EventID, e.Source, e.RoutingKey, e.Payload, e.Status, e.Attempts, e.NextRetryAt,
		e.LockedAt, e.LockedBy, e.LastError, e.CreatedAt, e.UpdatedAt, e.PublishedAt))
}

// ClaimPending moves up to limit due rows to sending and returns them.
// Concurrent relays skip each other's rows.
func (r *Repo) ClaimPending(ctx context.Context, owner string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.source, o.routing_key, o.payload, o.status, o.attempts, o.next_retry_at,
			o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, StatusPending, limit, StatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]Event, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, e)
	}
	return claimed, rows.Err()
}

func (r *Repo) GetByID(ctx context.Context, eventID uuid.UUID) (Event, error) {
	return scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE event_id = $1`, eventID))
}

func (r *Repo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, StatusDelivered)
	return err
}

// MarkFailed returns the row to pending with a retry time, or to dead once
// the attempt budget is spent.
func (r *Repo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale returns rows stuck in sending longer than olderThan, e.g. after
// a relay crashed between claim and publish.
func (r *Repo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)
	`, StatusPending, StatusSending, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
