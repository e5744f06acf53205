package mqx

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process topic exchange used by tests and the memory
// driver. It keeps per-queue order, holds one in-flight message per consumer and
// returns unsettled messages to the head of the queue.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string][]memBinding
	queues    map[string]*memQueue
	lost      chan struct{}
	closed    bool
	tag       uint64
}

type memBinding struct {
	queue   string
	pattern string
}

type memQueue struct {
	ready  []memEntry
	acked  []Message
	notify chan struct{}
}

type memEntry struct {
	msg        Message
	deliveries int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string][]memBinding),
		queues:    make(map[string]*memQueue),
		lost:      make(chan struct{}),
	}
}

func (b *MemoryBroker) System() string { return "memory" }

func (b *MemoryBroker) Declare(ctx context.Context, topology Topology) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	bindings := b.exchanges[topology.Exchange]
	for _, q := range topology.Queues() {
		b.declareQueueLocked(q.Name)
		b.declareQueueLocked(q.Parking())
		for _, pattern := range q.Bindings {
			if !hasBinding(bindings, q.Name, pattern) {
				bindings = append(bindings, memBinding{queue: q.Name, pattern: pattern})
			}
		}
	}
	b.exchanges[topology.Exchange] = bindings
	return nil
}

func (b *MemoryBroker) declareQueueLocked(name string) {
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = &memQueue{notify: make(chan struct{}, 1)}
}

func hasBinding(bindings []memBinding, queue string, pattern string) bool {
	for _, existing := range bindings {
		if existing.queue == queue && existing.pattern == pattern {
			return true
		}
	}
	return false
}

// Publish routes msg to every queue with a matching binding. Like a topic
// exchange, a message no queue binds is dropped.
func (b *MemoryBroker) Publish(ctx context.Context, exchange string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	bindings, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: exchange %q", ErrNotDeclared, exchange)
	}
	routed := make(map[string]bool)
	for _, binding := range bindings {
		if routed[binding.queue] || !MatchRoutingKey(binding.pattern, msg.RoutingKey) {
			continue
		}
		routed[binding.queue] = true
		b.enqueueLocked(binding.queue, msg.clone())
	}
	return nil
}

func (b *MemoryBroker) Park(ctx context.Context, queue string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("%w: queue %q", ErrNotDeclared, queue)
	}
	b.enqueueLocked(queue, msg.clone())
	return nil
}

func (b *MemoryBroker) enqueueLocked(queue string, msg Message) {
	q := b.queues[queue]
	q.ready = append(q.ready, memEntry{msg: msg})
	signal(q.notify)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, _ string, queue QueueSpec) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[queue.Name]
	lost := b.lost
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: queue %q", ErrNotDeclared, queue.Name)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			entry, tag, ok := b.next(q)
			if !ok {
				select {
				case <-q.notify:
					continue
				case <-ctx.Done():
					return
				case <-lost:
					return
				}
			}
			f := newInflight()
			d := NewDelivery(entry.msg.clone(), queue.Name, tag, entry.deliveries > 1, entry.deliveries, f)
			select {
			case out <- d:
			case <-ctx.Done():
				b.requeue(q, entry)
				return
			case <-lost:
				b.requeue(q, entry)
				return
			}
			s, settled := f.wait(ctx, lost)
			switch {
			case !settled:
				b.requeue(q, entry)
				return
			case s.ack:
				b.mu.Lock()
				q.acked = append(q.acked, entry.msg)
				b.mu.Unlock()
			case s.requeue:
				b.requeue(q, entry)
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) next(q *memQueue) (memEntry, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(q.ready) == 0 {
		return memEntry{}, 0, false
	}
	entry := q.ready[0]
	q.ready = q.ready[1:]
	entry.deliveries++
	b.tag++
	return entry, b.tag, true
}

// requeue puts entry back at the head so queue order survives redelivery.
func (b *MemoryBroker) requeue(q *memQueue, entry memEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.ready = append([]memEntry{entry}, q.ready...)
	signal(q.notify)
}

// Disconnect closes every active delivery channel as a dropped connection would.
// Unsettled messages go back to their queues.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	close(b.lost)
	b.lost = make(chan struct{})
}

// Messages returns the messages waiting in queue.
func (b *MemoryBroker) Messages(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.ready))
	for _, entry := range q.ready {
		out = append(out, entry.msg.clone())
	}
	return out
}

// Acked returns the messages consumers acknowledged from queue, oldest first.
func (b *MemoryBroker) Acked(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return append([]Message(nil), q.acked...)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.lost)
	}
	return nil
}
