package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RoutingKeyStaff is the routing key staff notifications are published under.
const RoutingKeyStaff = "notification.staff"

const producerName = "omnihub"

// Meta identifies a published event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Producer string    `json:"producer"`
}

// Envelope is the JSON body published to the exchange.
type Envelope struct {
	Meta Meta         `json:"meta"`
	Data StaffMessage `json:"data"`
}

// StaffMessage is the envelope payload.
type StaffMessage struct {
	RecipientIDs []string     `json:"recipient_ids"`
	Notification Notification `json:"notification"`
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes notifications to a RabbitMQ topic exchange consumed by
// the clinic notification service.
type AMQPSink struct {
	conn        *amqp.Connection
	openChannel func() (publishChannel, error)
	exchange    string
	logger      zerolog.Logger
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange string, logger zerolog.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	s := &AMQPSink{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With().Str("component", "notification").Str("exchange", exchange).Logger(),
	}
	s.openChannel = func() (publishChannel, error) { return conn.Channel() }
	return s, nil
}

// Notify publishes one persistent message addressed to userIDs.
func (s *AMQPSink) Notify(ctx context.Context, userIDs []string, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     n.Type,
			Time:     n.CreatedAt,
			Producer: producerName,
		},
		Data: StaffMessage{RecipientIDs: userIDs, Notification: n},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ch, err := s.openChannel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, s.exchange, RoutingKeyStaff, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         n.Type,
		Timestamp:    env.Meta.Time,
		AppId:        producerName,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	s.logger.Debug().Str("message_id", env.Meta.ID).Str("type", n.Type).Int("recipients", len(userIDs)).Msg("notification published")
	return nil
}

// Close closes the broker connection.
func (s *AMQPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
