package broker

import (
	"context"
	"encoding/json"
	"time"

	"clinic-chat/services"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type Publisher struct {
	conn     *amqp.Connection
	exchange string
}

// NewPublisher connects and declares the durable topic exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "broker.Dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "broker.Channel")
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "broker.ExchangeDeclare")
	}
	return &Publisher{conn: conn, exchange: exchange}, nil
}

func (p *Publisher) Publish(ctx context.Context, key string, msg Envelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "broker.Publish.Marshal")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "broker.Publish.Channel")
	}
	defer ch.Close()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Meta.ID,
		Type:         msg.Meta.Type,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if msg.Meta.CorrelationID != nil {
		pub.CorrelationId = *msg.Meta.CorrelationID
	}
	if err := ch.PublishWithContext(ctx, p.exchange, key, false, false, pub); err != nil {
		return errors.Wrap(err, "broker.Publish")
	}
	log.Debug().Str("key", key).Str("exchange", p.exchange).Msg("published")
	return nil
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}

// EventPublisher is what EventSink needs from a publisher.
type EventPublisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
}

// EventSink forwards conversation events to the exchange.
type EventSink struct {
	pub EventPublisher
}

func NewEventSink(pub EventPublisher) *EventSink {
	return &EventSink{pub: pub}
}

func (s *EventSink) Publish(ctx context.Context, ev services.ConversationEvent) error {
	return s.pub.Publish(ctx, RoutingKey(ev.Kind), NewEventEnvelope(ev))
}
