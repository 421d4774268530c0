package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemoryQueue() (*MemoryQueue, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(Options{Consumer: "worker_a", RetryDelay: 10 * time.Second, ReclaimIdle: 60 * time.Second})
	q.SetClock(clock.now)
	return q, clock
}

func publishOp(t *testing.T, q Publisher, id int64) string {
	t.Helper()
	msgID, err := PublishOperation(context.Background(), q, &Operation{EntityType: EntityDeal, EntityID: id, Operation: OpCreate})
	require.NoError(t, err)
	return msgID
}

func TestMemoryQueue_DeliversOncePerConsumerGroup(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestMemoryQueue()
	b := a.WithConsumer("worker_b")

	publishOp(t, a, 1)
	publishOp(t, a, 2)

	got, err := a.ReadPending(ctx, StreamOperations, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	other, err := b.ReadPending(ctx, StreamOperations, 10, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.NotEqual(t, got[0].ID, other[0].ID)

	none, err := a.ReadPending(ctx, StreamOperations, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryQueue_OwnPendingWaitsForRetryDelay(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestMemoryQueue()
	publishOp(t, q, 1)

	first, _ := q.ReadPending(ctx, StreamOperations, 10, 0)
	require.Len(t, first, 1)
	assert.Equal(t, 0, first[0].RetryCount)

	clock.advance(5 * time.Second)
	again, _ := q.ReadPending(ctx, StreamOperations, 10, 0)
	assert.Empty(t, again)

	clock.advance(5 * time.Second)
	retry, _ := q.ReadPending(ctx, StreamOperations, 10, 0)
	require.Len(t, retry, 1)
	assert.Equal(t, first[0].ID, retry[0].ID)
	assert.Equal(t, 1, retry[0].RetryCount)
}

func TestMemoryQueue_IdleReclaimIncrementsRetryCountOncePerClaim(t *testing.T) {
	ctx := context.Background()
	a, clock := newTestMemoryQueue()
	b := a.WithConsumer("worker_b")
	publishOp(t, a, 7)

	delivered, _ := a.ReadPending(ctx, StreamOperations, 1, 0)
	require.Len(t, delivered, 1)

	early, err := b.ClaimIdle(ctx, StreamOperations, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, early)

	clock.advance(61 * time.Second)
	claimed, err := b.ClaimIdle(ctx, StreamOperations, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)

	clock.advance(61 * time.Second)
	claimed, err = a.ClaimIdle(ctx, StreamOperations, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].RetryCount)

	require.NoError(t, a.Acknowledge(ctx, StreamOperations, claimed[0].ID))
	info, err := a.StreamInfo(ctx, StreamOperations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)
	require.Len(t, info.Group, 1)
	assert.Equal(t, int64(0), info.Group[0].Pending)
}

func TestMemoryQueue_ReadsEntriesOlderThanGroup(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemoryQueue()
	publishOp(t, q, 1)

	require.NoError(t, q.EnsureGroup(ctx, StreamOperations))
	require.NoError(t, q.EnsureGroup(ctx, StreamOperations))

	got, err := q.ReadPending(ctx, StreamOperations, 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryQueue_AcknowledgesMalformedEntries(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemoryQueue()

	_, err := q.Publish(ctx, StreamOperations, map[string]string{"entity_type": "deal", "entity_id": "1", "payload": "{oops"})
	require.NoError(t, err)
	publishOp(t, q, 2)

	got, err := q.ReadPending(ctx, StreamOperations, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Fields["entity_id"])

	info, _ := q.StreamInfo(ctx, StreamOperations)
	assert.Equal(t, int64(1), info.Group[0].Pending)
}

func TestMemoryQueue_StreamInfoUnknownStream(t *testing.T) {
	q, _ := newTestMemoryQueue()
	info, err := q.StreamInfo(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Length)
	assert.Empty(t, info.Group)
}
