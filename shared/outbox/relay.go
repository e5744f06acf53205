package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/metricsx"
	"retail-backbone/shared/mqx"
)

// ErrRetryScheduled marks a failure whose retry is already recorded on the
// row. Task queues must not retry it again.
var ErrRetryScheduled = errors.New("outbox retry scheduled")

type Store interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]Event, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (Event, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
}

type RawPublisher interface {
	PublishRaw(ctx context.Context, msg mqx.Message) error
}

type Relay struct {
	store       Store
	publisher   RawPublisher
	maxAttempts int
	logger      logx.Logger
	now         func() time.Time
}

func NewRelay(store Store, publisher RawPublisher, maxAttempts int, logger logx.Logger) (*Relay, error) {
	if store == nil || publisher == nil {
		return nil, errors.New("outbox store and publisher are required")
	}
	return &Relay{
		store:       store,
		publisher:   publisher,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Claim hands pending rows to owner for dispatch.
func (r *Relay) Claim(ctx context.Context, owner string, limit int) ([]Event, error) {
	return r.store.ClaimPending(ctx, owner, limit)
}

// Dispatch publishes one row. Delivered and dead rows are left alone, so a
// duplicate dispatch task is harmless. A failed publish returns
// ErrRetryScheduled, or nil once the row is dead.
func (r *Relay) Dispatch(ctx context.Context, eventID uuid.UUID) error {
	e, err := r.store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if e.Status == StatusDelivered || e.Status == StatusDead {
		return nil
	}
	return r.publish(ctx, e)
}

// Flush claims and publishes a batch inline, without a task queue in between.
func (r *Relay) Flush(ctx context.Context, owner string, limit int) (int, error) {
	claimed, err := r.store.ClaimPending(ctx, owner, limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, e := range claimed {
		if err := r.publish(ctx, e); err != nil {
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (r *Relay) publish(ctx context.Context, e Event) error {
	msg := mqx.Message{
		MessageID:  e.EventID.String(),
		RoutingKey: e.RoutingKey,
		Body:       e.Payload,
		Timestamp:  e.CreatedAt,
		Headers:    map[string]string{},
	}
	if e.Source != "" {
		msg.Headers[events.HeaderSource] = e.Source
	}
	if err := r.publisher.PublishRaw(ctx, msg); err != nil {
		return r.Fail(ctx, e, err)
	}
	if err := r.store.MarkDelivered(ctx, e.EventID); err != nil {
		// The message is out; a later relay will publish it again with the same id.
		r.logger.Error(ctx, "outbox_mark_failed", "published but could not mark delivered",
			slog.String("event_id", e.EventID.String()),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return err
	}
	metricsx.IncOutboxRelayed("delivered")
	return nil
}

// Fail records a failed delivery attempt for e and schedules the next one. It
// returns nil once the row is dead, and otherwise cause wrapped with
// ErrRetryScheduled.
func (r *Relay) Fail(ctx context.Context, e Event, cause error) error {
	attempts := e.Attempts + 1
	dead := r.maxAttempts > 0 && attempts >= r.maxAttempts
	nextRetry := r.now().Add(RetryDelay(attempts))
	if err := r.store.MarkFailed(ctx, e.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		return errors.Join(cause, err)
	}
	if dead {
		metricsx.IncOutboxRelayed("dead")
		r.logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", e.EventID.String()),
			slog.String("routing_key", e.RoutingKey),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()),
		)
		return nil
	}
	metricsx.IncOutboxRelayed("failed")
	r.logger.Warn(ctx, "publish_failed", "outbox publish failed, will retry",
		slog.String("event_id", e.EventID.String()),
		slog.String("routing_key", e.RoutingKey),
		slog.Int("attempts", attempts),
		slog.Time("next_retry_at", nextRetry),
		slog.String("error_code", "UNAVAILABLE"),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("%w: %w", ErrRetryScheduled, cause)
}

// RetryDelay grows quadratically from 5s and is capped at 5 minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
