package handlers

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/queue"
	"crmsync/internal/engine/webhooks"
	"crmsync/internal/pkg/errors"
)

const maxWebhookBody = 1 << 20

// WebhookHandler accepts CRM change notifications and queues them for the
// worker. It answers as soon as the event is queued; processing failures are
// never reported back to the sender.
type WebhookHandler struct {
	normalizer *webhooks.Normalizer
	auth       *webhooks.Authenticator
	tracker    webhooks.PipelineTracker
	queue      queue.Publisher
}

func NewWebhookHandler(n *webhooks.Normalizer, a *webhooks.Authenticator, tracker webhooks.PipelineTracker, q queue.Publisher) *WebhookHandler {
	if a == nil {
		a = webhooks.NewAuthenticator("", "")
	}
	return &WebhookHandler{normalizer: n, auth: a, tracker: tracker, queue: q}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidPayload, "Failed to read request body", nil)
		return
	}

	ev, err := h.normalizer.ParseBody(body, r.Header.Get("Content-Type"))
	if err != nil {
		log.Warn().Err(err).Msg("rejected CRM webhook")
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidPayload, "Invalid JSON payload", nil)
		return
	}

	if err := h.auth.Check(body, r.Header.Get("X-Webhook-Signature"), ev.ApplicationToken); err != nil {
		log.Warn().Str("event_type", ev.EventType).Str("remote_addr", r.RemoteAddr).Msg("CRM webhook failed authentication")
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid webhook credentials", nil)
		return
	}

	if ev.EntityID == nil {
		log.Warn().Str("event_type", ev.EventType).Str("shape", ev.Shape).Msg("CRM webhook without entity id")
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeMissingEntityID, "Entity id could not be resolved", nil)
		return
	}

	logger := log.With().
		Str("event_type", ev.EventType).
		Str("entity_type", ev.EntityType).
		Int64("entity_id", *ev.EntityID).
		Logger()

	if !webhooks.Tracked(ev, h.tracker) {
		logger.Debug().Msg("CRM webhook outside tracked pipeline, not queued")
		errors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	id, err := queue.PublishWebhook(r.Context(), h.queue, ev.QueueEvent())
	if err != nil {
		logger.Error().Err(err).Msg("failed to queue CRM webhook")
		errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeUnavailable, "Queue unavailable", nil)
		return
	}

	logger.Info().Str("message_id", id).Msg("CRM webhook queued")
	errors.WriteJSON(w, http.StatusOK, map[string]string{"status": "queued", "message_id": id})
}

func (h *WebhookHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST, OPTIONS")
	w.WriteHeader(http.StatusOK)
}
