// Package deadletter records queue entries that exhausted their retry budget.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/queue"
	"crmsync/internal/platform/config"
)

// Letter is one exhausted entry together with why it gave up.
type Letter struct {
	ID         string            `json:"id"`
	Stream     string            `json:"stream"`
	MessageID  string            `json:"message_id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Operation  string            `json:"operation,omitempty"`
	Class      string            `json:"class"`
	RetryCount int               `json:"retry_count"`
	Error      string            `json:"error"`
	Fields     map[string]string `json:"fields"`
	FailedAt   time.Time         `json:"failed_at"`
}

// NewLetter builds a letter from a delivered entry.
func NewLetter(entry queue.Entry, class string, cause error) Letter {
	l := Letter{
		ID:         uuid.NewString(),
		Stream:     entry.Stream,
		MessageID:  entry.ID,
		EntityType: entry.Fields["entity_type"],
		EntityID:   entry.Fields["entity_id"],
		Operation:  entry.Fields["operation"],
		Class:      class,
		RetryCount: entry.RetryCount,
		Fields:     entry.Fields,
		FailedAt:   time.Now().UTC(),
	}
	if l.Operation == "" {
		l.Operation = entry.Fields["event_type"]
	}
	if cause != nil {
		l.Error = cause.Error()
	}
	return l
}

type Sink interface {
	Record(ctx context.Context, l Letter) error
}

// LogSink keeps nothing beyond the error log line.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, l Letter) error {
	log.Error().
		Str("letter_id", l.ID).
		Str("stream", l.Stream).
		Str("message_id", l.MessageID).
		Str("entity_type", l.EntityType).
		Str("entity_id", l.EntityID).
		Str("class", l.Class).
		Int("retry_count", l.RetryCount).
		Str("error", l.Error).
		Msg("dead-lettered")
	return nil
}

// StreamSink appends letters to the dead-letter stream of the queue.
type StreamSink struct {
	pub queue.Publisher
}

func NewStreamSink(pub queue.Publisher) *StreamSink {
	return &StreamSink{pub: pub}
}

func (s *StreamSink) Record(ctx context.Context, l Letter) error {
	original, err := json.Marshal(l.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode letter fields: %w", err)
	}
	_, err = s.pub.Publish(ctx, queue.StreamDeadLetter, map[string]string{
		"letter_id":   l.ID,
		"stream":      l.Stream,
		"message_id":  l.MessageID,
		"entity_type": l.EntityType,
		"entity_id":   l.EntityID,
		"operation":   l.Operation,
		"class":       l.Class,
		"retry_count": strconv.Itoa(l.RetryCount),
		"error":       l.Error,
		"data":        string(original),
		"failed_at":   l.FailedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	return nil
}

// New builds the sink named by cfg.Backend.
func New(ctx context.Context, cfg config.DeadLetterConfig, pub queue.Publisher) (Sink, error) {
	switch cfg.Backend {
	case "", "log":
		return LogSink{}, nil
	case "stream":
		return NewStreamSink(pub), nil
	case "amqp":
		return NewAMQPSink(ctx, cfg.AMQPURL, cfg.Exchange)
	default:
		return nil, fmt.Errorf("unknown dead letter backend %q", cfg.Backend)
	}
}
