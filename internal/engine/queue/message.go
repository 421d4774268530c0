package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	EntityDeal    = "deal"
	EntityContact = "contact"
	EntityLead    = "lead"
	EntityInvoice = "invoice"
	EntityUnknown = "unknown"

	OpCreate = "create"
	OpUpdate = "update"
)

// Operation is an outbound request to create or update a CRM record.
type Operation struct {
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (o *Operation) Fields() map[string]string {
	payload := string(o.Payload)
	if payload == "" {
		payload = "{}"
	}
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]string{
		"entity_type": o.EntityType,
		"entity_id":   strconv.FormatInt(o.EntityID, 10),
		"operation":   o.Operation,
		"payload":     payload,
		"timestamp":   ts.Format(time.RFC3339),
		"retry_count": strconv.Itoa(o.RetryCount),
	}
}

// WebhookEvent is a normalized inbound CRM change notification.
type WebhookEvent struct {
	EventType  string                 `json:"event_type"`
	EntityType string                 `json:"entity_type"`
	EntityID   int64                  `json:"entity_id"`
	Data       map[string]interface{} `json:"data"`
	Timestamp  time.Time              `json:"timestamp"`
	RetryCount int                    `json:"-"`
}

func (e *WebhookEvent) Fields() (map[string]string, error) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]string{
		"event_type":  e.EventType,
		"entity_type": e.EntityType,
		"entity_id":   strconv.FormatInt(e.EntityID, 10),
		"data":        string(b),
		"timestamp":   ts.Format(time.RFC3339),
	}, nil
}

func PublishOperation(ctx context.Context, p Publisher, op *Operation) (string, error) {
	return p.Publish(ctx, StreamOperations, op.Fields())
}

func PublishWebhook(ctx context.Context, p Publisher, ev *WebhookEvent) (string, error) {
	fields, err := ev.Fields()
	if err != nil {
		return "", fmt.Errorf("failed to encode webhook data: %w", err)
	}
	return p.Publish(ctx, StreamWebhooks, fields)
}

// Operation decodes an operations-stream entry.
func (e Entry) Operation() (*Operation, error) {
	id, err := strconv.ParseInt(e.Fields["entity_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid entity_id %q", e.Fields["entity_id"])
	}
	payload := e.Fields["payload"]
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return &Operation{
		EntityType: e.Fields["entity_type"],
		EntityID:   id,
		Operation:  e.Fields["operation"],
		Payload:    json.RawMessage(payload),
		RetryCount: e.RetryCount,
		Timestamp:  parseTimestamp(e.Fields["timestamp"]),
	}, nil
}

// Webhook decodes a webhooks-stream entry.
func (e Entry) Webhook() (*WebhookEvent, error) {
	id, err := strconv.ParseInt(e.Fields["entity_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid entity_id %q", e.Fields["entity_id"])
	}
	data := map[string]interface{}{}
	if raw := e.Fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("data is not a JSON object: %w", err)
		}
	}
	return &WebhookEvent{
		EventType:  e.Fields["event_type"],
		EntityType: e.Fields["entity_type"],
		EntityID:   id,
		Data:       data,
		Timestamp:  parseTimestamp(e.Fields["timestamp"]),
		RetryCount: e.RetryCount,
	}, nil
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
