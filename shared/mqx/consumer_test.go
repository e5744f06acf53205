package mqx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
)

const testExchange = "test.events"

type harness struct {
	broker    *MemoryBroker
	publisher *Publisher
	queue     QueueSpec
}

func newHarness(t *testing.T, bindings ...string) *harness {
	t.Helper()
	b := NewMemoryBroker()
	queue := QueueSpec{Name: "svc.events", Bindings: bindings}
	topo := Topology{Exchange: testExchange, Services: map[string][]QueueSpec{"svc": {queue}}}
	if err := b.Declare(context.Background(), topo); err != nil {
		t.Fatalf("declare: %v", err)
	}
	pub, err := NewPublisher(b, testExchange, "test")
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	return &harness{broker: b, publisher: pub, queue: queue}
}

func (h *harness) consumer(t *testing.T, maxDeliveries int) *Consumer {
	t.Helper()
	c, err := NewConsumer(h.broker, ConsumerOptions{
		Exchange:      testExchange,
		Queue:         h.queue,
		MaxDeliveries: maxDeliveries,
		Logger:        logx.Nop(),
		NewBackOff:    func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	return c
}

func run(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("consumer did not stop")
		}
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stock(productID string, qty int64) events.StockReceived {
	return events.StockReceived{ProductID: productID, Quantity: qty, PurchaseID: "po-1"}
}

func TestConsumerAcksHandledMessages(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	c := h.consumer(t, 0)

	var mu sync.Mutex
	var got []string
	c.Handle(events.RoutingKeyStockReceived, Decoded(func(ctx context.Context, fact events.StockReceived) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, fact.ProductID)
		return nil
	}))
	run(t, c)

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		if err := h.publisher.Publish(context.Background(), events.RoutingKeyStockReceived, stock(id, 1)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	eventually(t, "three acks", func() bool { return len(h.broker.Acked(h.queue.Name)) == 3 })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "p-1" || got[2] != "p-3" {
		t.Fatalf("messages handled out of order: %v", got)
	}
	acked := h.broker.Acked(h.queue.Name)
	if acked[0].Headers[events.HeaderSource] != "test" || acked[0].MessageID == "" {
		t.Fatalf("publisher headers missing: %#v", acked[0])
	}
}

func TestConsumerRequeuesFailedMessage(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	c := h.consumer(t, 5)

	var mu sync.Mutex
	var attempts []int
	c.Handle(events.RoutingKeyStockReceived, func(ctx context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, d.Attempt)
		if len(attempts) == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})
	run(t, c)

	if err := h.publisher.PublishFact(context.Background(), stock("p-1", 2)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "ack after retry", func() bool { return len(h.broker.Acked(h.queue.Name)) == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("unexpected attempts %v", attempts)
	}
	if n := len(h.broker.Messages(h.queue.Parking())); n != 0 {
		t.Fatalf("nothing should be parked, got %d", n)
	}
}

func TestConsumerAcksUnknownRoutingKey(t *testing.T) {
	h := newHarness(t, events.RoutingKeyProductCreated, events.RoutingKeyProductUpdated)
	c := h.consumer(t, 0)
	c.Handle(events.RoutingKeyProductCreated, func(context.Context, Delivery) error { return nil })
	run(t, c)

	fact := events.ProductUpdated{ProductID: "p-1", Name: "Widget"}
	if err := h.publisher.Publish(context.Background(), events.RoutingKeyProductUpdated, fact); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "unhandled message acked", func() bool { return len(h.broker.Acked(h.queue.Name)) == 1 })
}

func TestConsumerParksMalformedAfterMaxDeliveries(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	c := h.consumer(t, 3)

	var mu sync.Mutex
	var handled []string
	c.Handle(events.RoutingKeyStockReceived, Decoded(func(ctx context.Context, fact events.StockReceived) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, fact.ProductID)
		return nil
	}))
	run(t, c)

	ctx := context.Background()
	if err := h.publisher.PublishRaw(ctx, Message{RoutingKey: events.RoutingKeyStockReceived, Body: []byte(`{"productId":`)}); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	if err := h.publisher.PublishFact(ctx, stock("p-9", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	eventually(t, "valid message after poison", func() bool { return len(h.broker.Acked(h.queue.Name)) == 2 })
	parked := h.broker.Messages(h.queue.Parking())
	if len(parked) != 1 {
		t.Fatalf("expected 1 parked message, got %d", len(parked))
	}
	if parked[0].Headers[HeaderAttempts] != "3" || parked[0].Headers[HeaderParkedFrom] != h.queue.Name {
		t.Fatalf("unexpected parking headers %#v", parked[0].Headers)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "p-9" {
		t.Fatalf("unexpected handled facts %v", handled)
	}
}

func TestConsumerParksPermanentErrorsImmediately(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	c := h.consumer(t, 0)

	var mu sync.Mutex
	calls := 0
	c.Handle(events.RoutingKeyStockReceived, func(context.Context, Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return Permanent(errors.New("credit limit exceeded"))
	})
	run(t, c)

	if err := h.publisher.PublishFact(context.Background(), stock("p-1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "parked message", func() bool { return len(h.broker.Messages(h.queue.Parking())) == 1 })
	eventually(t, "ack after park", func() bool { return len(h.broker.Acked(h.queue.Name)) == 1 })

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", calls)
	}
	if reason := h.broker.Messages(h.queue.Parking())[0].Headers[HeaderParkedReason]; reason != "credit limit exceeded" {
		t.Fatalf("unexpected parked reason %q", reason)
	}
}

func TestConsumerRecoversHandlerPanic(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	c := h.consumer(t, 1)
	c.Handle(events.RoutingKeyStockReceived, func(context.Context, Delivery) error {
		panic("boom")
	})
	run(t, c)

	if err := h.publisher.PublishFact(context.Background(), stock("p-1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "panicking message parked", func() bool { return len(h.broker.Messages(h.queue.Parking())) == 1 })
}

func TestConsumerReconnectsAfterConnectionLoss(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	c := h.consumer(t, 0)
	c.Handle(events.RoutingKeyStockReceived, func(context.Context, Delivery) error { return nil })
	run(t, c)

	ctx := context.Background()
	if err := h.publisher.PublishFact(ctx, stock("p-1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "first ack", func() bool { return len(h.broker.Acked(h.queue.Name)) == 1 })

	h.broker.Disconnect()
	if err := h.publisher.PublishFact(ctx, stock("p-2", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "ack after reconnect", func() bool { return len(h.broker.Acked(h.queue.Name)) == 2 })
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	c := h.consumer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	eventually(t, "receiving state", func() bool { return c.State() == StateReceiving })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", c.State())
	}
}

type countingBroker struct {
	*MemoryBroker
	failures int
	mu       sync.Mutex
}

func (b *countingBroker) Consume(ctx context.Context, exchange string, queue QueueSpec) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	b.mu.Unlock()
	return b.MemoryBroker.Consume(ctx, exchange, queue)
}

func TestConsumerRetriesRefusedConnection(t *testing.T) {
	h := newHarness(t, events.RoutingKeyStockReceived)
	flaky := &countingBroker{MemoryBroker: h.broker, failures: 2}
	c, err := NewConsumer(flaky, ConsumerOptions{
		Exchange:   testExchange,
		Queue:      h.queue,
		Logger:     logx.Nop(),
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) },
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	c.Handle(events.RoutingKeyStockReceived, func(context.Context, Delivery) error { return nil })
	run(t, c)

	if err := h.publisher.PublishFact(context.Background(), stock("p-1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "ack after refused connections", func() bool { return len(h.broker.Acked(h.queue.Name)) == 1 })
}

func TestTrackerCountsRedeliveriesWhenTransportCannot(t *testing.T) {
	c, err := NewConsumer(NewMemoryBroker(), ConsumerOptions{Queue: QueueSpec{Name: "q"}, Logger: logx.Nop()})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	ctx := context.Background()
	d := Delivery{Message: Message{MessageID: "m-1"}, Queue: "q", Redelivered: true}
	if got := c.attempt(ctx, logx.Nop(), d); got != 2 {
		t.Fatalf("first redelivery should be attempt 2, got %d", got)
	}
	if got := c.attempt(ctx, logx.Nop(), d); got != 3 {
		t.Fatalf("second redelivery should be attempt 3, got %d", got)
	}
	d.Attempt = 7
	if got := c.attempt(ctx, logx.Nop(), d); got != 7 {
		t.Fatalf("transport count should win, got %d", got)
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("insufficient credit")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("permanent error must wrap its cause")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error reported as permanent")
	}
}
