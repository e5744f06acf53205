package mqx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"retail-backbone/shared/config"
)

// Message is a published fact as it travels through a broker.
type Message struct {
	MessageID  string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Timestamp  time.Time
}

func (m Message) clone() Message {
	out := m
	out.Body = append([]byte(nil), m.Body...)
	out.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	return out
}

// Settler acknowledges or rejects a delivery on the transport that produced it.
type Settler interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Delivery is one message handed to a consumer. Attempt is 1 on first delivery
// and 0 when the transport cannot tell.
type Delivery struct {
	Message
	Queue       string
	DeliveryTag uint64
	Redelivered bool
	Attempt     int

	settler Settler
}

func NewDelivery(msg Message, queue string, tag uint64, redelivered bool, attempt int, settler Settler) Delivery {
	return Delivery{
		Message:     msg,
		Queue:       queue,
		DeliveryTag: tag,
		Redelivered: redelivered,
		Attempt:     attempt,
		settler:     settler,
	}
}

func (d Delivery) Ack() error {
	if d.settler == nil {
		return ErrNotSettleable
	}
	return d.settler.Ack(d.DeliveryTag)
}

func (d Delivery) Nack(requeue bool) error {
	if d.settler == nil {
		return ErrNotSettleable
	}
	return d.settler.Nack(d.DeliveryTag, requeue)
}

// Broker is the transport seen by publishers and consumers.
type Broker interface {
	System() string
	Declare(ctx context.Context, topology Topology) error
	Publish(ctx context.Context, exchange string, msg Message) error
	// Park moves a message straight to a parking queue, bypassing bindings.
	Park(ctx context.Context, queue string, msg Message) error
	// Consume starts delivering messages from queue. The channel is closed when
	// ctx is cancelled or the underlying connection is lost.
	Consume(ctx context.Context, exchange string, queue QueueSpec) (<-chan Delivery, error)
	Close() error
}

// Dial builds the broker selected by BROKER_DRIVER.
func Dial(cfg config.Config) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.BrokerDriver)) {
	case config.BrokerAMQP, "":
		return NewAMQPBroker(cfg.AMQPURL)
	case config.BrokerKafka:
		return NewKafkaBroker(cfg)
	case config.BrokerMemory:
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.BrokerDriver)
	}
}

type settlement struct {
	ack     bool
	requeue bool
}

// inflight settles a single delivery for transports that hold the message
// in-process until the handler decides (kafka, memory).
type inflight struct {
	once sync.Once
	done chan settlement
}

func newInflight() *inflight {
	return &inflight{done: make(chan settlement, 1)}
}

func (f *inflight) Ack(uint64) error {
	return f.settle(settlement{ack: true})
}

func (f *inflight) Nack(_ uint64, requeue bool) error {
	return f.settle(settlement{requeue: requeue})
}

func (f *inflight) settle(s settlement) error {
	err := ErrAlreadySettled
	f.once.Do(func() {
		f.done <- s
		err = nil
	})
	return err
}

// wait blocks until the delivery is settled, ctx ends or lost fires.
func (f *inflight) wait(ctx context.Context, lost <-chan struct{}) (settlement, bool) {
	select {
	case s := <-f.done:
		return s, true
	case <-ctx.Done():
		return settlement{}, false
	case <-lost:
		return settlement{}, false
	}
}

func headerValue(headers map[string]string, key string) string {
	if headers == nil {
		return ""
	}
	return headers[key]
}
