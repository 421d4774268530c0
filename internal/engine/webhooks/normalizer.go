// Package webhooks turns inbound CRM notifications into queue events. The
// CRM and internal senders post several payload shapes; each is recognised by
// an embedded JSON Schema and mapped onto one canonical event.
package webhooks

import (
	"bytes"
	"embed"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/queue"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	ShapeVendor    = "vendor"
	ShapeCanonical = "canonical"
	ShapeEntity    = "entity"
	ShapeUnknown   = "unknown"
)

// DealFields is the canonical deal field set. Missing keys are set to nil.
var DealFields = []string{"ID", "STAGE_ID", "OLD_STAGE_ID", "CATEGORY_ID", "OPPORTUNITY", "CONTACT_ID", "TITLE", "CURRENCY_ID", "COMMENTS"}

// Event is a normalized inbound notification. EntityID is nil when no id
// could be resolved; such events must be rejected.
type Event struct {
	EventType        string
	EntityType       string
	EntityID         *int64
	Data             map[string]interface{}
	Shape            string
	ApplicationToken string
}

// QueueEvent converts a resolved event into its queue form.
func (e *Event) QueueEvent() *queue.WebhookEvent {
	var id int64
	if e.EntityID != nil {
		id = *e.EntityID
	}
	return &queue.WebhookEvent{
		EventType:  e.EventType,
		EntityType: e.EntityType,
		EntityID:   id,
		Data:       e.Data,
	}
}

type Normalizer struct {
	vendor    *jsonschema.Schema
	canonical *jsonschema.Schema
	entities  []entitySchema
}

type entitySchema struct {
	entityType string
	schema     *jsonschema.Schema
}

func NewNormalizer() (*Normalizer, error) {
	c := jsonschema.NewCompiler()

	compile := func(name string) (*jsonschema.Schema, error) {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		loc := "https://crmsync.local/schemas/" + name
		if err := c.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		return c.Compile(loc)
	}

	n := &Normalizer{}
	var err error
	if n.vendor, err = compile("vendor_event.json"); err != nil {
		return nil, err
	}
	if n.canonical, err = compile("canonical_event.json"); err != nil {
		return nil, err
	}
	// first match wins, so the more specific contact schema precedes lead
	for _, e := range []struct{ entity, file string }{
		{queue.EntityDeal, "deal_entity.json"},
		{queue.EntityContact, "contact_entity.json"},
		{queue.EntityLead, "lead_entity.json"},
	} {
		s, err := compile(e.file)
		if err != nil {
			return nil, err
		}
		n.entities = append(n.entities, entitySchema{entityType: e.entity, schema: s})
	}
	return n, nil
}

// ParseBody decodes a JSON or form-encoded body and normalizes it.
// It fails only when the body cannot be decoded at all.
func (n *Normalizer) ParseBody(body []byte, contentType string) (*Event, error) {
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("invalid form payload: %w", err)
		}
		return n.Normalize(FromForm(values)), nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return n.Normalize(doc), nil
}

// Normalize maps a decoded payload onto an Event. It never fails; payloads it
// cannot place get entity type "unknown".
func (n *Normalizer) Normalize(doc interface{}) *Event {
	obj, _ := doc.(map[string]interface{})
	if obj == nil {
		return &Event{EventType: ShapeUnknown, EntityType: queue.EntityUnknown, Shape: ShapeUnknown, Data: map[string]interface{}{"payload": doc}}
	}

	switch {
	case n.vendor.Validate(obj) == nil:
		return normalizeVendor(obj)
	case n.canonical.Validate(obj) == nil:
		return normalizeCanonical(obj)
	}

	for _, e := range n.entities {
		if e.schema.Validate(obj) == nil {
			data := obj
			if e.entityType == queue.EntityDeal {
				data = canonicalDeal(obj)
			}
			return &Event{
				EventType:  e.entityType + "_updated",
				EntityType: e.entityType,
				EntityID:   resolveID(obj, "ID", "id", "Id"),
				Data:       data,
				Shape:      ShapeEntity,
			}
		}
	}

	eventType := ShapeUnknown
	for _, k := range []string{"event_type", "event"} {
		if s, ok := obj[k].(string); ok && s != "" {
			eventType = CanonicalEventType(s)
			break
		}
	}
	return &Event{
		EventType:  eventType,
		EntityType: queue.EntityUnknown,
		EntityID:   resolveID(obj, "entity_id", "ID", "id"),
		Data:       obj,
		Shape:      ShapeUnknown,
	}
}

func normalizeVendor(obj map[string]interface{}) *Event {
	event := obj["event"].(string)
	data := obj["data"].(map[string]interface{})
	fields := data["FIELDS"].(map[string]interface{})

	entityType := entityFromEvent(event)
	merged := fields
	if entityType == queue.EntityDeal {
		merged = canonicalDeal(fields)
	}

	return &Event{
		EventType:        CanonicalEventType(event),
		EntityType:       entityType,
		EntityID:         resolveID(fields, "ID", "id", "Id"),
		Data:             merged,
		Shape:            ShapeVendor,
		ApplicationToken: applicationToken(obj),
	}
}

func normalizeCanonical(obj map[string]interface{}) *Event {
	data, _ := obj["data"].(map[string]interface{})
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		EventType:        CanonicalEventType(obj["event_type"].(string)),
		EntityType:       strings.ToLower(obj["entity_type"].(string)),
		EntityID:         resolveID(obj, "entity_id"),
		Data:             data,
		Shape:            ShapeCanonical,
		ApplicationToken: applicationToken(obj),
	}
}

func canonicalDeal(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+len(DealFields))
	for _, k := range DealFields {
		out[k] = nil
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func entityFromEvent(event string) string {
	e := strings.ToLower(event)
	for _, entity := range []string{queue.EntityDeal, queue.EntityContact, queue.EntityLead, queue.EntityInvoice} {
		if strings.Contains(e, entity) {
			return entity
		}
	}
	return queue.EntityUnknown
}

// CanonicalEventType maps vendor event names such as ONCRMDEALUPDATE onto
// <entity>_<action> names. Names already in that form pass through.
func CanonicalEventType(event string) string {
	upper := strings.ToUpper(event)
	if !strings.HasPrefix(upper, "ONCRM") {
		return strings.ToLower(event)
	}

	entity := entityFromEvent(upper)
	var action string
	switch {
	case strings.HasSuffix(upper, "UPDATE"):
		action = "updated"
	case strings.HasSuffix(upper, "ADD"):
		action = "created"
	case strings.HasSuffix(upper, "DELETE"):
		action = "deleted"
	default:
		return strings.ToLower(event)
	}
	if entity == queue.EntityInvoice && action == "created" {
		return "invoice_generated"
	}
	return entity + "_" + action
}

func resolveID(obj map[string]interface{}, keys ...string) *int64 {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		id, ok := crm.ParseID(v)
		if ok && id > 0 {
			return &id
		}
	}
	return nil
}

func applicationToken(obj map[string]interface{}) string {
	auth, _ := obj["auth"].(map[string]interface{})
	token, _ := auth["application_token"].(string)
	return token
}

// FromForm expands bracketed form keys (data[FIELDS][ID]=51) into nested
// objects, the encoding the CRM uses for outbound webhooks.
func FromForm(values url.Values) map[string]interface{} {
	root := map[string]interface{}{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		parts := splitFormKey(key)
		node := root
		for i, p := range parts {
			if i == len(parts)-1 {
				node[p] = vals[len(vals)-1]
				break
			}
			child, ok := node[p].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[p] = child
			}
			node = child
		}
	}
	return root
}

func splitFormKey(key string) []string {
	i := strings.IndexByte(key, '[')
	if i <= 0 {
		return []string{key}
	}
	parts := []string{key[:i]}
	rest := key[i:]
	for strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		parts = append(parts, rest[1:end])
		rest = rest[end+1:]
	}
	return parts
}
