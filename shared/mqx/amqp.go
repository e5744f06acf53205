package mqx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"retail-backbone/shared/events"
)

const deliveryCountHeader = "x-delivery-count"

// AMQPBroker talks to RabbitMQ. Publishing shares one confirm-mode channel;
// every Consume opens its own channel with prefetch 1.
type AMQPBroker struct {
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

func NewAMQPBroker(url string) (*AMQPBroker, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("AMQP_URL is required")
	}
	return &AMQPBroker{url: url}, nil
}

func (b *AMQPBroker) System() string { return "rabbitmq" }

// connection redials when the previous connection was closed by the server.
func (b *AMQPBroker) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionLocked()
}

func (b *AMQPBroker) connectionLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	b.conn = conn
	b.pubCh = nil
	return conn, nil
}

func (b *AMQPBroker) Declare(ctx context.Context, topology Topology) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(topology.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topology.Exchange, err)
	}
	for _, q := range topology.Queues() {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		for _, key := range q.Bindings {
			if err := ch.QueueBind(q.Name, key, topology.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s: %w", q.Name, key, err)
			}
		}
		if _, err := ch.QueueDeclare(q.Parking(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Parking(), err)
		}
	}
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, exchange string, msg Message) error {
	return b.publish(ctx, exchange, msg.RoutingKey, msg)
}

// Park publishes through the default exchange, which routes by queue name.
func (b *AMQPBroker) Park(ctx context.Context, queue string, msg Message) error {
	return b.publish(ctx, "", queue, msg)
}

func (b *AMQPBroker) publish(ctx context.Context, exchange string, key string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannelLocked()
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  headerValue(msg.Headers, events.HeaderContentType),
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Type:         msg.RoutingKey,
		Body:         msg.Body,
	})
	if err != nil {
		b.pubCh = nil
		return fmt.Errorf("amqp publish: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp publish confirm: %w", err)
	}
	if !ok {
		return ErrPublishNacked
	}
	return nil
}

func (b *AMQPBroker) publishChannelLocked() (*amqp.Channel, error) {
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	conn, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	b.pubCh = ch
	return ch, nil
}

func (b *AMQPBroker) Consume(ctx context.Context, _ string, queue QueueSpec) (<-chan Delivery, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue.Name, err)
	}

	out := make(chan Delivery)
	settler := &amqpSettler{ch: ch}
	go func() {
		defer close(out)
		// Closing the channel returns unacked messages to the queue.
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				delivery := NewDelivery(amqpMessage(d), queue.Name, d.DeliveryTag, d.Redelivered, amqpAttempt(d), settler)
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

type amqpSettler struct {
	ch *amqp.Channel
}

func (s *amqpSettler) Ack(tag uint64) error {
	return s.ch.Ack(tag, false)
}

func (s *amqpSettler) Nack(tag uint64, requeue bool) error {
	return s.ch.Nack(tag, false, requeue)
}

func amqpMessage(d amqp.Delivery) Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	key := d.RoutingKey
	// Parked messages arrive under the queue name; the original key rides in Type.
	if d.Type != "" && d.Exchange == "" {
		key = d.Type
	}
	return Message{
		MessageID:  d.MessageId,
		RoutingKey: key,
		Body:       d.Body,
		Headers:    headers,
		Timestamp:  d.Timestamp,
	}
}

// amqpAttempt is 1 for first deliveries. Quorum queues report prior deliveries
// in x-delivery-count; classic queues only flag a redelivery, which yields 0.
func amqpAttempt(d amqp.Delivery) int {
	switch n := d.Headers[deliveryCountHeader].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if !d.Redelivered {
		return 1
	}
	return 0
}
