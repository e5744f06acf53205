package mqx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"retail-backbone/shared/events"
	"retail-backbone/shared/metricsx"
)

// Publisher serializes facts and hands them to the broker. It does not retry;
// a returned nil means the broker accepted the message.
type Publisher struct {
	broker   Broker
	exchange string
	source   string
	now      func() time.Time
}

func NewPublisher(broker Broker, exchange string, source string) (*Publisher, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	if exchange == "" {
		return nil, errors.New("exchange is required")
	}
	return &Publisher{
		broker:   broker,
		exchange: exchange,
		source:   source,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Publish sends fact under routingKey. The key must be the one registered for
// the fact's type.
func (p *Publisher) Publish(ctx context.Context, routingKey string, fact any) error {
	key, body, err := events.Encode(fact)
	if err != nil {
		metricsx.IncPublished(routingKey, "invalid")
		return err
	}
	if key != routingKey {
		metricsx.IncPublished(routingKey, "invalid")
		return fmt.Errorf("%w: %T is published under %q, not %q", events.ErrUnknownFact, fact, key, routingKey)
	}
	return p.PublishRaw(ctx, Message{RoutingKey: key, Body: body})
}

// PublishFact publishes fact under the routing key registered for its type.
func (p *Publisher) PublishFact(ctx context.Context, fact any) error {
	key, err := events.RoutingKeyOf(fact)
	if err != nil {
		return err
	}
	return p.Publish(ctx, key, fact)
}

// PublishRaw publishes an already encoded body. Missing message id, timestamp and
// standard headers are filled in; existing ones are kept so relayed messages
// retain their identity.
func (p *Publisher) PublishRaw(ctx context.Context, msg Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}
	headers := make(map[string]string, len(msg.Headers)+6)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	setDefault(headers, events.HeaderMessageID, msg.MessageID)
	setDefault(headers, events.HeaderContentType, events.ContentTypeJSON)
	setDefault(headers, events.HeaderOccurredAt, msg.Timestamp.Format(time.RFC3339Nano))
	if p.source != "" {
		setDefault(headers, events.HeaderSource, p.source)
	}

	ctx, span := otel.Tracer("mqx").Start(ctx, p.broker.System()+".publish", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("messaging.system", p.broker.System()),
		attribute.String("messaging.destination", p.exchange),
		attribute.String("messaging.rabbitmq.routing_key", msg.RoutingKey),
		attribute.String("messaging.message_id", msg.MessageID),
	)
	defer span.End()
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	msg.Headers = headers

	if err := p.broker.Publish(ctx, p.exchange, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metricsx.IncPublished(msg.RoutingKey, "failed")
		return err
	}
	metricsx.IncPublished(msg.RoutingKey, "published")
	return nil
}

func (p *Publisher) Exchange() string { return p.exchange }

func setDefault(headers map[string]string, key string, value string) {
	if _, ok := headers[key]; !ok {
		headers[key] = value
	}
}
