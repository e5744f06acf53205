package mqx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/metricsx"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateBound
	StateReceiving
	StateHandling
	StateAcking
	StateNacking
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateReceiving:
		return "receiving"
	case StateHandling:
		return "handling"
	case StateAcking:
		return "acking"
	case StateNacking:
		return "nacking"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var errConnectionLost = errors.New("delivery channel closed")

// Headers added to parked messages.
const (
	HeaderParkedReason = "x-parked-reason"
	HeaderParkedFrom   = "x-parked-from"
	HeaderAttempts     = "x-attempts"
)

// HandlerFunc projects one delivery. A nil return acks the message; an error
// requeues it unless it is Permanent or the delivery budget is spent.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Decoded adapts a typed handler: the body is decoded and validated as T first.
func Decoded[T any](fn func(ctx context.Context, fact T) error) HandlerFunc {
	return func(ctx context.Context, d Delivery) error {
		fact, err := events.DecodeAs[T](d.RoutingKey, d.Body)
		if err != nil {
			return err
		}
		return fn(ctx, fact)
	}
}

type ConsumerOptions struct {
	Exchange string
	Queue    QueueSpec
	// MaxDeliveries parks a message once it has been delivered this many times.
	// Zero retries forever.
	MaxDeliveries int
	// RetryDelay is waited before a failed message is requeued.
	RetryDelay time.Duration
	Tracker    RedeliveryTracker
	Logger     logx.Logger
	// NewBackOff drives reconnects; defaults to an unbounded exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Consumer runs one queue with a single in-flight handler.
type Consumer struct {
	broker   Broker
	opts     ConsumerOptions
	log      logx.Logger
	state    atomic.Int32
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewConsumer(broker Broker, opts ConsumerOptions) (*Consumer, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Queue.Name == "" {
		return nil, errors.New("queue is required")
	}
	if opts.MaxDeliveries < 0 {
		return nil, fmt.Errorf("max deliveries must be >= 0, got %d", opts.MaxDeliveries)
	}
	if opts.Tracker == nil {
		opts.Tracker = NewMemoryTracker()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		}
	}
	return &Consumer{
		broker:   broker,
		opts:     opts,
		log:      opts.Logger.With(slog.String("queue", opts.Queue.Name)),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Handle registers h for routingKey. Registering the same key twice replaces the handler.
func (c *Consumer) Handle(routingKey string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[routingKey] = h
}

func (c *Consumer) Queue() string { return c.opts.Queue.Name }

func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(ctx context.Context, s State) {
	prev := State(c.state.Swap(int32(s)))
	metricsx.SetConsumerState(c.opts.Queue.Name, int(s))
	if prev != s {
		c.log.Debug(ctx, "consumer_state", "consumer state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()),
		)
	}
}

// Run consumes until ctx is cancelled. A lost or refused connection is retried
// with backoff; Run only returns once ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	bo := c.opts.NewBackOff()
	for {
		c.setState(ctx, StateConnecting)
		deliveries, err := c.broker.Consume(ctx, c.opts.Exchange, c.opts.Queue)
		if err == nil {
			c.setState(ctx, StateBound)
			c.log.Info(ctx, "consumer_bound", "consumer attached to queue", slog.String("system", c.broker.System()))
			bo.Reset()
			c.receive(ctx, deliveries)
			err = errConnectionLost
		}
		if ctx.Err() != nil {
			c.setState(context.Background(), StateIdle)
			return nil
		}
		c.setState(ctx, StateFailed)
		wait := bo.NextBackOff()
		attrs := []slog.Attr{
			slog.Int64("retry_in_ms", wait.Milliseconds()),
			slog.String("error", err.Error()),
			slog.String("error_code", "UNAVAILABLE"),
		}
		if errors.Is(err, errConnectionLost) {
			c.log.Warn(ctx, "consumer_connection_lost", "delivery channel closed", attrs...)
		} else {
			c.log.Error(ctx, "consumer_connect_failed", "cannot consume queue", attrs...)
		}
		if wait == backoff.Stop || !sleep(ctx, wait) {
			c.setState(context.Background(), StateIdle)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume %s: giving up: %w", c.opts.Queue.Name, err)
		}
	}
}

func (c *Consumer) receive(ctx context.Context, deliveries <-chan Delivery) {
	for {
		c.setState(ctx, StateReceiving)
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) handler(routingKey string) (HandlerFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[routingKey]
	return h, ok
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	start := time.Now()
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := otel.Tracer("mqx").Start(ctx, c.broker.System()+".consume", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.system", c.broker.System()),
		attribute.String("messaging.source", c.opts.Queue.Name),
		attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey),
		attribute.String("messaging.message_id", d.MessageID),
	)
	defer span.End()

	log := c.log.With(
		slog.String("routing_key", d.RoutingKey),
		slog.String("message_id", d.MessageID),
		slog.Uint64("delivery_tag", d.DeliveryTag),
	)

	h, ok := c.handler(d.RoutingKey)
	if !ok {
		log.Warn(ctx, "unhandled_routing_key", "no handler registered, acking")
		c.ack(ctx, log, d)
		metricsx.ObserveConsumed(d.Queue, d.RoutingKey, "unhandled", time.Since(start))
		return
	}

	c.setState(ctx, StateHandling)
	err := invoke(ctx, h, d)
	if err == nil {
		c.ack(ctx, log, d)
		if d.Redelivered {
			_ = c.opts.Tracker.Forget(ctx, d.Queue, d.MessageID)
		}
		metricsx.ObserveConsumed(d.Queue, d.RoutingKey, "acked", time.Since(start))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attempt := c.attempt(ctx, log, d)
	attrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.Int("attempt", attempt),
	}
	if IsPermanent(err) || (c.opts.MaxDeliveries > 0 && attempt >= c.opts.MaxDeliveries) {
		if c.park(ctx, log, d, err, attempt) {
			metricsx.ObserveConsumed(d.Queue, d.RoutingKey, "parked", time.Since(start))
			return
		}
	} else {
		log.Warn(ctx, "handler_failed", "handler failed, requeueing", append(attrs, slog.String("error_code", errorCode(err)))...)
	}

	if !sleep(ctx, c.opts.RetryDelay) {
		// Shutting down: the unsettled message returns to the queue with the channel.
		return
	}
	c.setState(ctx, StateNacking)
	if err := d.Nack(true); err != nil {
		log.Error(ctx, "nack_failed", "cannot requeue message", slog.String("error", err.Error()), slog.String("error_code", "UNAVAILABLE"))
	}
	metricsx.ObserveConsumed(d.Queue, d.RoutingKey, "requeued", time.Since(start))
}

// park moves d to the parking queue and acks it. It reports false when the
// message could not be parked and must be requeued instead.
func (c *Consumer) park(ctx context.Context, log logx.Logger, d Delivery, cause error, attempt int) bool {
	msg := d.Message.clone()
	msg.Headers[HeaderParkedReason] = cause.Error()
	msg.Headers[HeaderParkedFrom] = d.Queue
	msg.Headers[HeaderAttempts] = strconv.Itoa(attempt)
	parking := c.opts.Queue.Parking()
	if err := c.broker.Park(ctx, parking, msg); err != nil {
		log.Error(ctx, "park_failed", "cannot park message, requeueing",
			slog.String("parking_queue", parking),
			slog.String("error", err.Error()),
			slog.String("error_code", "UNAVAILABLE"),
		)
		return false
	}
	log.Error(ctx, "message_parked", "message moved to parking queue",
		slog.String("parking_queue", parking),
		slog.String("error", cause.Error()),
		slog.Int("attempt", attempt),
		slog.Bool("permanent", IsPermanent(cause)),
		slog.String("error_code", errorCode(cause)),
	)
	c.ack(ctx, log, d)
	_ = c.opts.Tracker.Forget(ctx, d.Queue, d.MessageID)
	return true
}

func (c *Consumer) ack(ctx context.Context, log logx.Logger, d Delivery) {
	c.setState(ctx, StateAcking)
	if err := d.Ack(); err != nil {
		log.Error(ctx, "ack_failed", "cannot ack message", slog.String("error", err.Error()), slog.String("error_code", "UNAVAILABLE"))
	}
}

// attempt returns the delivery number of d, consulting the tracker when the
// transport does not know. Zero means unknown.
func (c *Consumer) attempt(ctx context.Context, log logx.Logger, d Delivery) int {
	if d.Attempt > 0 {
		return d.Attempt
	}
	if d.MessageID == "" {
		return 0
	}
	n, err := c.opts.Tracker.Incr(ctx, d.Queue, d.MessageID)
	if err != nil {
		log.Warn(ctx, "redelivery_count_failed", "cannot count redelivery", slog.String("error", err.Error()))
		return 0
	}
	// The tracker only sees redeliveries; the first delivery is never counted.
	return n + 1
}

// invoke runs h and turns a panic into an error.
func invoke(ctx context.Context, h HandlerFunc, d Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, d)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, events.ErrMalformed):
		return "INVALID_ARGUMENT"
	case IsPermanent(err):
		return "FAILED_PRECONDITION"
	default:
		return "INTERNAL_ERROR"
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
