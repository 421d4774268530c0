package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	id     string
	fields map[string]string
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
}

type memStream struct {
	entries   []memEntry
	seq       int64
	lastID    string
	hasGroup  bool
	delivered int // entries[:delivered] have been handed to the group
	pending   map[string]*memPending
	retries   map[string]int
	consumers map[string]struct{}
}

type memBackend struct {
	mu      sync.Mutex
	streams map[string]*memStream
	now     func() time.Time
}

// MemoryQueue keeps streams in process memory with the same delivery rules
// as RedisQueue. Consumers created with WithConsumer share the same streams.
type MemoryQueue struct {
	b    *memBackend
	opts Options
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		b:    &memBackend{streams: make(map[string]*memStream), now: time.Now},
		opts: opts.withDefaults(),
	}
}

// WithConsumer returns a view of the same streams under another consumer name.
func (q *MemoryQueue) WithConsumer(name string) *MemoryQueue {
	opts := q.opts
	opts.Consumer = name
	return &MemoryQueue{b: q.b, opts: opts}
}

// SetClock replaces the clock used for idle times.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.b.mu.Lock()
	q.b.now = now
	q.b.mu.Unlock()
}

func (q *MemoryQueue) Consumer() string {
	return q.opts.Consumer
}

func (b *memBackend) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{
			pending:   make(map[string]*memPending),
			retries:   make(map[string]int),
			consumers: make(map[string]struct{}),
		}
		b.streams[name] = s
	}
	return s
}

func (q *MemoryQueue) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	s := q.b.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-%d", q.b.now().UnixMilli(), s.seq)

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, memEntry{id: id, fields: copied})
	s.lastID = id
	return id, nil
}

func (q *MemoryQueue) EnsureGroup(ctx context.Context, stream string) error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()
	q.b.stream(stream).hasGroup = true
	return nil
}

func (q *MemoryQueue) ReadPending(ctx context.Context, stream string, count int64, block time.Duration) ([]Entry, error) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	s := q.b.stream(stream)
	s.hasGroup = true
	s.consumers[q.opts.Consumer] = struct{}{}

	entries := q.claimLocked(stream, s, count, q.opts.RetryDelay, q.opts.Consumer)
	if rem := count - int64(len(entries)); rem > 0 {
		entries = append(entries, q.claimLocked(stream, s, rem, q.opts.ReclaimIdle, "")...)
	}

	now := q.b.now()
	for int64(len(entries)) < count && s.delivered < len(s.entries) {
		e := s.entries[s.delivered]
		s.delivered++
		s.pending[e.id] = &memPending{consumer: q.opts.Consumer, deliveredAt: now}
		entries = append(entries, newEntry(stream, e.id, e.fields, 0))
	}

	return q.screenLocked(s, entries), nil
}

func (q *MemoryQueue) ClaimIdle(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]Entry, error) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	s := q.b.stream(stream)
	s.hasGroup = true
	return q.screenLocked(s, q.claimLocked(stream, s, count, minIdle, "")), nil
}

// claimLocked walks pending entries in id order. owner restricts the walk
// to one consumer's entries; empty means any consumer.
func (q *MemoryQueue) claimLocked(stream string, s *memStream, count int64, minIdle time.Duration, owner string) []Entry {
	now := q.b.now()
	var out []Entry
	for _, e := range s.entries[:s.delivered] {
		if int64(len(out)) >= count {
			break
		}
		p, ok := s.pending[e.id]
		if !ok {
			continue
		}
		if owner != "" && p.consumer != owner {
			continue
		}
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = q.opts.Consumer
		p.deliveredAt = now
		s.retries[e.id]++
		out = append(out, newEntry(stream, e.id, e.fields, s.retries[e.id]))
	}
	return out
}

func (q *MemoryQueue) screenLocked(s *memStream, entries []Entry) []Entry {
	valid := entries[:0]
	for _, e := range entries {
		if err := checkFields(e.Fields); err != nil {
			logPoison(e.Stream, e.ID, err)
			delete(s.pending, e.ID)
			delete(s.retries, e.ID)
			continue
		}
		valid = append(valid, e)
	}
	return valid
}

func (q *MemoryQueue) Acknowledge(ctx context.Context, stream, id string) error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	s := q.b.stream(stream)
	delete(s.pending, id)
	delete(s.retries, id)
	return nil
}

func (q *MemoryQueue) StreamInfo(ctx context.Context, stream string) (*StreamInfo, error) {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()

	s, ok := q.b.streams[stream]
	if !ok {
		return &StreamInfo{Stream: stream}, nil
	}

	info := &StreamInfo{
		Stream: stream,
		Length: int64(len(s.entries)),
		LastID: s.lastID,
	}
	if s.hasGroup {
		info.Groups = 1
		g := GroupInfo{
			Name:      q.opts.Group,
			Consumers: int64(len(s.consumers)),
			Pending:   int64(len(s.pending)),
		}
		if s.delivered > 0 {
			g.LastDeliveredID = s.entries[s.delivered-1].id
		}
		info.Group = []GroupInfo{g}
	}
	return info, nil
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}
