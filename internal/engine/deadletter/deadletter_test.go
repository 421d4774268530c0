package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"crmsync/internal/engine/queue"
	"crmsync/internal/platform/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry() queue.Entry {
	return queue.Entry{
		ID:     "1700000000000-1",
		Stream: queue.StreamOperations,
		Fields: map[string]string{
			"entity_type": "deal",
			"entity_id":   "42",
			"operation":   "create",
			"payload":     "{}",
		},
		RetryCount: 3,
	}
}

func TestNewLetter(t *testing.T) {
	l := NewLetter(testEntry(), "permanent", errors.New("crm crm.deal.add: status 400"))

	assert.NotEmpty(t, l.ID)
	assert.Equal(t, "deal", l.EntityType)
	assert.Equal(t, "42", l.EntityID)
	assert.Equal(t, "create", l.Operation)
	assert.Equal(t, 3, l.RetryCount)
	assert.Equal(t, "crm crm.deal.add: status 400", l.Error)

	webhook := NewLetter(queue.Entry{Fields: map[string]string{"event_type": "deal_updated"}}, "transient", nil)
	assert.Equal(t, "deal_updated", webhook.Operation)
	assert.Empty(t, webhook.Error)
}

func TestStreamSink_Record(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Options{})
	sink := NewStreamSink(q)

	require.NoError(t, sink.Record(ctx, NewLetter(testEntry(), "transient", errors.New("boom"))))

	info, err := q.StreamInfo(ctx, queue.StreamDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)

	entries, err := q.ReadPending(ctx, queue.StreamDeadLetter, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1700000000000-1", entries[0].Fields["message_id"])
	assert.Equal(t, "transient", entries[0].Fields["class"])
	assert.Equal(t, "3", entries[0].Fields["retry_count"])

	var original map[string]string
	require.NoError(t, json.Unmarshal([]byte(entries[0].Fields["data"]), &original))
	assert.Equal(t, "42", original["entity_id"])
}

func TestPublishing(t *testing.T) {
	l := NewLetter(testEntry(), "permanent", errors.New("invalid"))
	key, msg, err := publishing(l)
	require.NoError(t, err)

	assert.Equal(t, "deadletter.deal.permanent", key)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, l.ID, msg.MessageId)
	assert.Equal(t, "application/json", msg.ContentType)

	var decoded Letter
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, l.MessageID, decoded.MessageID)

	key, _, err = publishing(Letter{})
	require.NoError(t, err)
	assert.Equal(t, "deadletter.unknown.unclassified", key)
}

func TestNew_SelectsBackend(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Options{})

	s, err := New(ctx, config.DeadLetterConfig{}, q)
	require.NoError(t, err)
	assert.IsType(t, LogSink{}, s)

	s, err = New(ctx, config.DeadLetterConfig{Backend: "stream"}, q)
	require.NoError(t, err)
	assert.IsType(t, &StreamSink{}, s)

	_, err = New(ctx, config.DeadLetterConfig{Backend: "amqp"}, q)
	assert.Error(t, err, "amqp without url")

	_, err = New(ctx, config.DeadLetterConfig{Backend: "kafka"}, q)
	assert.Error(t, err)
}
