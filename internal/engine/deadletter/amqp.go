package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const confirmTimeout = 5 * time.Second

// AMQPSink publishes letters as persistent messages on a topic exchange,
// routed by "deadletter.<entity_type>.<class>".
type AMQPSink struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(ctx context.Context, url, exchange string) (*AMQPSink, error) {
	if url == "" {
		return nil, fmt.Errorf("dead letter amqp url is empty")
	}
	if exchange == "" {
		exchange = "crm.deadletter"
	}
	s := &AMQPSink{url: url, exchange: exchange}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connectLocked() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange %q: %w", s.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	s.conn = conn
	s.ch = ch
	return nil
}

func (s *AMQPSink) Record(ctx context.Context, l Letter) error {
	key, msg, err := publishing(l)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		if err := s.connectLocked(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	conf, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, key, false, false, msg)
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("dead letter confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("dead letter %s was nacked by the broker", l.ID)
	}

	log.Debug().Str("letter_id", l.ID).Str("routing_key", key).Msg("dead letter published")
	return nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func publishing(l Letter) (string, amqp.Publishing, error) {
	body, err := json.Marshal(l)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("failed to encode dead letter: %w", err)
	}
	entity := l.EntityType
	if entity == "" {
		entity = "unknown"
	}
	class := l.Class
	if class == "" {
		class = "unclassified"
	}
	return "deadletter." + entity + "." + class, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    l.ID,
		Timestamp:    l.FailedAt,
		Type:         l.Stream,
		Body:         body,
	}, nil
}
