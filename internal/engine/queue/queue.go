// Package queue is the durable work queue between the sync service, the
// inbound webhook endpoint and the worker. Entries live in named streams and
// are consumed through a single consumer group; an entry stays owned by one
// consumer until it is acknowledged or reclaimed after going idle.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"crmsync/internal/platform/config"
)

const (
	StreamOperations = "operations"
	StreamWebhooks   = "webhooks"
	StreamDeadLetter = "deadletter"
)

// Publisher appends entries to a stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Consumer reads and settles entries as a member of the consumer group.
type Consumer interface {
	EnsureGroup(ctx context.Context, stream string) error
	ReadPending(ctx context.Context, stream string, count int64, block time.Duration) ([]Entry, error)
	ClaimIdle(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]Entry, error)
	Acknowledge(ctx context.Context, stream, id string) error
}

type Queue interface {
	Publisher
	Consumer
	StreamInfo(ctx context.Context, stream string) (*StreamInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

// Entry is one delivered stream entry. RetryCount already includes the
// number of times the entry has been reclaimed.
type Entry struct {
	ID         string
	Stream     string
	Fields     map[string]string
	RetryCount int
}

type StreamInfo struct {
	Stream string      `json:"stream"`
	Length int64       `json:"length"`
	Groups int64       `json:"groups"`
	LastID string      `json:"last_id"`
	Group  []GroupInfo `json:"consumer_groups"`
}

type GroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

type Options struct {
	Prefix   string
	Group    string
	Consumer string
	// RetryDelay is how long an entry pending to this consumer waits
	// before it is handed back to the same consumer.
	RetryDelay time.Duration
	// ReclaimIdle is how long an entry may sit with any consumer before
	// another consumer takes it over.
	ReclaimIdle time.Duration
}

func (o Options) withDefaults() Options {
	if o.Group == "" {
		o.Group = "crm_workers"
	}
	if o.Consumer == "" {
		o.Consumer = NewConsumerName()
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Second
	}
	if o.ReclaimIdle <= 0 {
		o.ReclaimIdle = 60 * time.Second
	}
	return o
}

// NewConsumerName returns a process-unique consumer identity.
func NewConsumerName() string {
	return "worker_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Open builds the queue named by cfg.URL. redis:// and rediss:// use Redis
// Streams, memory:// keeps everything in this process.
func Open(cfg config.RedisConfig, worker config.WorkerConfig) (Queue, error) {
	opts := Options{
		Prefix:      cfg.StreamPrefix,
		Group:       cfg.Group,
		RetryDelay:  worker.RetryDelay,
		ReclaimIdle: worker.ReclaimIdle,
	}

	switch {
	case strings.HasPrefix(cfg.URL, "redis://"), strings.HasPrefix(cfg.URL, "rediss://"):
		return NewRedisQueue(cfg, opts)
	case strings.HasPrefix(cfg.URL, "memory://"):
		return NewMemoryQueue(opts), nil
	default:
		return nil, fmt.Errorf("unsupported queue url %q", cfg.URL)
	}
}

var jsonFields = []string{"payload", "data"}

// checkFields rejects entries whose embedded JSON cannot be decoded.
// Such entries can never succeed and are acknowledged on read.
func checkFields(fields map[string]string) error {
	for _, name := range jsonFields {
		if v, ok := fields[name]; ok && !json.Valid([]byte(v)) {
			return fmt.Errorf("field %q is not valid JSON", name)
		}
	}
	return nil
}

func newEntry(stream, id string, fields map[string]string, reclaims int) Entry {
	n, _ := strconv.Atoi(fields["retry_count"])
	return Entry{ID: id, Stream: stream, Fields: fields, RetryCount: n + reclaims}
}

func logPoison(stream, id string, err error) {
	log.Warn().Err(err).Str("stream", stream).Str("message_id", id).Msg("acknowledging malformed queue entry")
}
