package mqx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"retail-backbone/shared/config"
	"retail-backbone/shared/events"
	"retail-backbone/shared/metricsx"
)

const kafkaRoutingKeyHeader = "routing_key"

// KafkaBroker maps the topic exchange onto Kafka: the exchange is a topic, each
// queue is a consumer group on it and bindings are applied when fetching.
// Parking queues are topics of their own.
type KafkaBroker struct {
	brokers []string
	writer  *kafka.Writer
}

func NewKafkaBroker(cfg config.Config) (*KafkaBroker, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		WriteTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &KafkaBroker{brokers: cfg.KafkaBrokers, writer: w}, nil
}

func (b *KafkaBroker) System() string { return "kafka" }

func (b *KafkaBroker) Declare(ctx context.Context, topology Topology) error {
	conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	cconn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka dial controller: %w", err)
	}
	defer cconn.Close()

	topics := []kafka.TopicConfig{{Topic: topology.Exchange, NumPartitions: 1, ReplicationFactor: 1}}
	for _, q := range topology.Queues() {
		topics = append(topics, kafka.TopicConfig{Topic: q.Parking(), NumPartitions: 1, ReplicationFactor: 1})
	}
	if err := cconn.CreateTopics(topics...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topics: %w", err)
	}
	return nil
}

func (b *KafkaBroker) Publish(ctx context.Context, exchange string, msg Message) error {
	return b.write(ctx, exchange, msg)
}

func (b *KafkaBroker) Park(ctx context.Context, queue string, msg Message) error {
	return b.write(ctx, queue, msg)
}

func (b *KafkaBroker) write(ctx context.Context, topic string, msg Message) error {
	km := kafka.Message{
		Topic: topic,
		Key:   []byte(msg.RoutingKey),
		Value: msg.Body,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: kafkaRoutingKeyHeader, Value: []byte(msg.RoutingKey)},
			{Key: events.HeaderMessageID, Value: []byte(msg.MessageID)},
		},
	}
	for k, v := range msg.Headers {
		if k == kafkaRoutingKeyHeader || k == events.HeaderMessageID {
			continue
		}
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Consume fetches one message at a time and holds it until the handler settles
// it. A requeue redelivers the same message in-process so the partition offset
// only advances on ack or on a nack without requeue.
func (b *KafkaBroker) Consume(ctx context.Context, exchange string, queue QueueSpec) (<-chan Delivery, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  queue.Name,
		Topic:    exchange,
		MinBytes: 1e3,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer reader.Close()
		var tag uint64
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				return
			}
			metricsx.SetKafkaLag(exchange, queue.Name, reader.Stats().Lag)
			msg := kafkaMessage(m)
			if !queue.Accepts(msg.RoutingKey) {
				if err := reader.CommitMessages(ctx, m); err != nil {
					return
				}
				continue
			}
		redeliver:
			for attempt := 1; ; attempt++ {
				tag++
				f := newInflight()
				select {
				case out <- NewDelivery(msg, queue.Name, tag, attempt > 1, attempt, f):
				case <-ctx.Done():
					return
				}
				s, ok := f.wait(ctx, nil)
				if !ok {
					return
				}
				if s.ack || !s.requeue {
					if err := reader.CommitMessages(ctx, m); err != nil {
						return
					}
					break redeliver
				}
			}
		}
	}()
	return out, nil
}

func (b *KafkaBroker) Close() error {
	if b == nil || b.writer == nil {
		return nil
	}
	return b.writer.Close()
}

func kafkaMessage(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	key := headers[kafkaRoutingKeyHeader]
	if key == "" {
		key = string(m.Key)
	}
	return Message{
		MessageID:  headers[events.HeaderMessageID],
		RoutingKey: key,
		Body:       m.Value,
		Headers:    headers,
		Timestamp:  m.Time,
	}
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
