// Package worker drains the outbox through asynq: a periodic scan claims
// pending rows and enqueues one dispatch task per row.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"retail-backbone/shared/lockx"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/outbox"
)

const (
	TaskOutboxScan     = "outbox.scan"
	TaskOutboxDispatch = "outbox.dispatch"

	scanLock = "outbox:scan"
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// StaleReleaser returns rows stuck in sending to pending.
type StaleReleaser interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Options struct {
	Owner     string
	Queue     string
	BatchSize int
	// StaleAfter is how long a claimed row may sit in sending before a scan
	// hands it out again.
	StaleAfter time.Duration
	// Lock guards the scan across relay replicas; nil scans unguarded.
	Lock    *redis.Client
	LockTTL time.Duration
}

type Worker struct {
	relay    *outbox.Relay
	stale    StaleReleaser
	enqueuer Enqueuer
	opts     Options
	logger   logx.Logger
}

func New(relay *outbox.Relay, stale StaleReleaser, enqueuer Enqueuer, opts Options, logger logx.Logger) (*Worker, error) {
	if relay == nil || enqueuer == nil {
		return nil, errors.New("relay and enqueuer are required")
	}
	if strings.TrimSpace(opts.Queue) == "" {
		return nil, errors.New("queue is required")
	}
	if strings.TrimSpace(opts.Owner) == "" {
		opts.Owner = "outbox-relay"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Worker{relay: relay, stale: stale, enqueuer: enqueuer, opts: opts, logger: logger}, nil
}

func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskOutboxScan, w.HandleScan)
	mux.HandleFunc(TaskOutboxDispatch, w.HandleDispatch)
	return mux
}

func (w *Worker) ScanTask() *asynq.Task {
	return asynq.NewTask(TaskOutboxScan, nil, asynq.Queue(w.opts.Queue))
}

func NewDispatchTask(eventID uuid.UUID, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(dispatchPayload{EventID: eventID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOutboxDispatch, payload, asynq.Queue(queue)), nil
}

// HandleScan claims a batch and enqueues its dispatch tasks. A row whose task
// cannot be enqueued is failed back to pending with a retry delay.
func (w *Worker) HandleScan(ctx context.Context, _ *asynq.Task) error {
	ran, err := lockx.Do(ctx, w.opts.Lock, scanLock, w.opts.Owner, w.opts.LockTTL, w.scan)
	if err != nil {
		return err
	}
	if !ran {
		holder, _ := lockx.Holder(ctx, w.opts.Lock, scanLock)
		w.logger.Debug(ctx, "outbox_scan_skipped", "another relay holds the scan lock",
			slog.String("holder", holder),
		)
	}
	return nil
}

func (w *Worker) scan(ctx context.Context) error {
	if w.stale != nil && w.opts.StaleAfter > 0 {
		released, err := w.stale.ReleaseStale(ctx, w.opts.StaleAfter)
		if err != nil {
			return err
		}
		if released > 0 {
			w.logger.Warn(ctx, "outbox_stale_released", "stale outbox claims released",
				slog.Int64("rows", released),
			)
		}
	}

	claimed, err := w.relay.Claim(ctx, w.opts.Owner, w.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, e := range claimed {
		task, err := NewDispatchTask(e.EventID, w.opts.Queue)
		if err == nil {
			_, err = w.enqueuer.EnqueueContext(ctx, task)
		}
		if err != nil {
			w.logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("event_id", e.EventID.String()),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			_ = w.relay.Fail(ctx, e, err)
		}
	}
	return nil
}

func (w *Worker) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, TaskOutboxDispatch)
	span.SetAttributes(attribute.String("queue", w.opts.Queue))
	defer span.End()

	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	err = w.relay.Dispatch(ctx, eventID)
	if errors.Is(err, outbox.ErrRetryScheduled) {
		// The next scan picks the row up again at its next_retry_at.
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}
