package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"crmsync/internal/platform/config"
)

// RedisQueue implements Queue on Redis Streams.
//
// Reclaims are counted in a hash next to each stream (<stream>:retries) so
// the retry count of a pending entry survives worker restarts and moves with
// the entry when another consumer claims it.
type RedisQueue struct {
	opts      Options
	redisOpts *redis.Options

	mu  sync.Mutex
	rdb *redis.Client

	groups sync.Map
}

func NewRedisQueue(cfg config.RedisConfig, opts Options) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		redisOpts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		redisOpts.DB = cfg.DB
	}
	if cfg.DialTimeout > 0 {
		redisOpts.DialTimeout = cfg.DialTimeout
	}

	return &RedisQueue{opts: opts.withDefaults(), redisOpts: redisOpts}, nil
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(rdb *redis.Client, opts Options) *RedisQueue {
	return &RedisQueue{opts: opts.withDefaults(), rdb: rdb}
}

// client connects on first use. The pool redials broken connections itself.
func (q *RedisQueue) client() *redis.Client {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rdb == nil {
		q.rdb = redis.NewClient(q.redisOpts)
	}
	return q.rdb
}

func (q *RedisQueue) Consumer() string {
	return q.opts.Consumer
}

func (q *RedisQueue) key(stream string) string {
	return q.opts.Prefix + stream
}

func retriesKey(key string) string {
	return key + ":retries"
}

func (q *RedisQueue) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := q.client().XAdd(ctx, &redis.XAddArgs{Stream: q.key(stream), Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group at the start of the stream so that
// entries written before the group existed are still delivered.
func (q *RedisQueue) EnsureGroup(ctx context.Context, stream string) error {
	key := q.key(stream)
	if _, ok := q.groups.Load(key); ok {
		return nil
	}

	err := q.client().XGroupCreateMkStream(ctx, key, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", q.opts.Group, key, err)
	}
	q.groups.Store(key, struct{}{})
	return nil
}

// ReadPending returns up to count entries, in order of preference: entries
// already pending to this consumer whose retry delay has passed, entries
// abandoned by other consumers, then entries never delivered. It only blocks
// when there is nothing to retry.
func (q *RedisQueue) ReadPending(ctx context.Context, stream string, count int64, block time.Duration) ([]Entry, error) {
	if err := q.EnsureGroup(ctx, stream); err != nil {
		return nil, err
	}

	entries, err := q.claim(ctx, stream, count, q.opts.RetryDelay, q.opts.Consumer)
	if err != nil {
		return nil, err
	}

	if rem := count - int64(len(entries)); rem > 0 {
		abandoned, err := q.claim(ctx, stream, rem, q.opts.ReclaimIdle, "")
		if err != nil {
			return nil, err
		}
		entries = append(entries, abandoned...)
	}

	if rem := count - int64(len(entries)); rem > 0 {
		wait := block
		if len(entries) > 0 {
			wait = 0
		}
		fresh, err := q.readNew(ctx, stream, rem, wait)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fresh...)
	}

	return q.screen(ctx, entries), nil
}

// ClaimIdle takes over entries idle for at least minIdle from any consumer,
// this one included. Each claim adds one to the entry's retry count.
func (q *RedisQueue) ClaimIdle(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]Entry, error) {
	if err := q.EnsureGroup(ctx, stream); err != nil {
		return nil, err
	}
	entries, err := q.claim(ctx, stream, count, minIdle, "")
	if err != nil {
		return nil, err
	}
	return q.screen(ctx, entries), nil
}

func (q *RedisQueue) claim(ctx context.Context, stream string, count int64, minIdle time.Duration, owner string) ([]Entry, error) {
	key := q.key(stream)
	rdb := q.client()

	// IDLE filters server side, so COUNT only spends on claimable entries.
	pending, err := rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   key,
		Group:    q.opts.Group,
		Idle:     minIdle,
		Start:    "-",
		End:      "+",
		Count:    count,
		Consumer: owner,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s: %w", key, err)
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", key, err)
	}

	var live []redis.XMessage
	for _, m := range msgs {
		if m.ID == "" || len(m.Values) == 0 {
			continue
		}
		live = append(live, m)
	}
	if len(live) == 0 {
		return nil, nil
	}

	pipe := rdb.Pipeline()
	counts := make([]*redis.IntCmd, len(live))
	for i, m := range live {
		counts[i] = pipe.HIncrBy(ctx, retriesKey(key), m.ID, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to record reclaims on %s: %w", key, err)
	}

	entries := make([]Entry, 0, len(live))
	for i, m := range live {
		entries = append(entries, newEntry(stream, m.ID, stringValues(m.Values), int(counts[i].Val())))
		log.Debug().
			Str("stream", stream).
			Str("message_id", m.ID).
			Str("consumer", q.opts.Consumer).
			Int64("reclaims", counts[i].Val()).
			Msg("reclaimed pending entry")
	}
	return entries, nil
}

func (q *RedisQueue) readNew(ctx context.Context, stream string, count int64, block time.Duration) ([]Entry, error) {
	// go-redis sends BLOCK 0 (wait forever) for a zero duration; -1 omits it.
	if block <= 0 {
		block = -1
	}

	res, err := q.client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.key(stream), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, newEntry(stream, m.ID, stringValues(m.Values), 0))
		}
	}
	return entries, nil
}

func (q *RedisQueue) screen(ctx context.Context, entries []Entry) []Entry {
	valid := entries[:0]
	for _, e := range entries {
		if err := checkFields(e.Fields); err != nil {
			logPoison(e.Stream, e.ID, err)
			if ackErr := q.Acknowledge(ctx, e.Stream, e.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("stream", e.Stream).Str("message_id", e.ID).Msg("failed to acknowledge malformed entry")
			}
			continue
		}
		valid = append(valid, e)
	}
	return valid
}

// Acknowledge removes the entry from the group's pending list. The entry
// itself stays in the stream.
func (q *RedisQueue) Acknowledge(ctx context.Context, stream, id string) error {
	key := q.key(stream)
	pipe := q.client().TxPipeline()
	pipe.XAck(ctx, key, q.opts.Group, id)
	pipe.HDel(ctx, retriesKey(key), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to acknowledge %s on %s: %w", id, stream, err)
	}
	return nil
}

func (q *RedisQueue) StreamInfo(ctx context.Context, stream string) (*StreamInfo, error) {
	key := q.key(stream)
	rdb := q.client()

	info, err := rdb.XInfoStream(ctx, key).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return &StreamInfo{Stream: stream}, nil
		}
		return nil, fmt.Errorf("xinfo stream %s: %w", key, err)
	}

	out := &StreamInfo{
		Stream: stream,
		Length: info.Length,
		Groups: info.Groups,
		LastID: info.LastGeneratedID,
	}

	groups, err := rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("xinfo groups %s: %w", key, err)
	}
	for _, g := range groups {
		out.Group = append(out.Group, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return out, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client().Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rdb == nil {
		return nil
	}
	err := q.rdb.Close()
	q.rdb = nil
	return err
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
