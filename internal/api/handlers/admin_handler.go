package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "crmsync/internal/api/context"
	"crmsync/internal/engine/cleanup"
	"crmsync/internal/engine/funnel"
	"crmsync/internal/engine/queue"
	"crmsync/internal/engine/syncer"
	"crmsync/internal/pkg/errors"
	"crmsync/internal/platform/audit"
	"crmsync/internal/platform/auth"
	"crmsync/internal/platform/repositories"
)

// AdminHandler serves operator endpoints for inspecting the queue and
// running repairs on demand.
type AdminHandler struct {
	queue      StreamInspector
	streams    []string
	store      *repositories.Store
	reconciler *cleanup.Reconciler
	auditor    *cleanup.Auditor
	sync       *syncer.Service
	funnel     *funnel.Mapper
	actions    *audit.Logger
	jobs       *JobRunner
}

type AdminDeps struct {
	Queue      StreamInspector
	Streams    []string
	Store      *repositories.Store
	Reconciler *cleanup.Reconciler
	Auditor    *cleanup.Auditor
	Sync       *syncer.Service
	Funnel     *funnel.Mapper
	Actions    *audit.Logger // optional
	JobTimeout time.Duration
}

func NewAdminHandler(d AdminDeps) *AdminHandler {
	streams := d.Streams
	if len(streams) == 0 {
		streams = []string{queue.StreamOperations, queue.StreamWebhooks}
	}
	return &AdminHandler{
		queue:      d.Queue,
		streams:    streams,
		store:      d.Store,
		reconciler: d.Reconciler,
		auditor:    d.Auditor,
		sync:       d.Sync,
		funnel:     d.Funnel,
		actions:    d.Actions,
		jobs:       NewJobRunner(d.JobTimeout),
	}
}

// Close stops running repair jobs.
func (h *AdminHandler) Close() {
	h.jobs.Close()
}

func (h *AdminHandler) record(r *http.Request, action, target string, details map[string]interface{}) {
	if h.actions == nil {
		return
	}
	h.actions.Log(r.Context(), r, operator(r), action, target, details)
}

func operator(r *http.Request) string {
	if claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims); ok && claims != nil {
		return claims.Operator
	}
	return ""
}

// orderParam resolves :order_id and checks the order exists. It writes the
// error response itself and returns false when the caller should stop.
func (h *AdminHandler) orderParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	orderID, err := strconv.ParseInt(params.ByName("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid order id", nil)
		return 0, false
	}

	order, err := h.store.Orders.GetByID(r.Context(), orderID)
	if err != nil {
		log.Error().Err(err).Int64("order_id", orderID).Msg("failed to load order")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load order", nil)
		return 0, false
	}
	if order == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Order not found", nil)
		return 0, false
	}
	return orderID, true
}

func (h *AdminHandler) Streams(w http.ResponseWriter, r *http.Request) {
	infos := make([]*queue.StreamInfo, 0, len(h.streams))
	for _, stream := range h.streams {
		info, err := h.queue.StreamInfo(r.Context(), stream)
		if err != nil {
			log.Error().Err(err).Str("stream", stream).Msg("failed to read stream info")
			errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeUnavailable, "Queue unavailable", nil)
			return
		}
		infos = append(infos, info)
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"streams": infos})
}

func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	log.Info().Str("operator", operator(r)).Msg("duplicate cleanup requested")
	h.startJob(w, r, "cleanup", "", func(ctx context.Context) (interface{}, error) {
		return h.reconciler.ReconcileAll(ctx), ctx.Err()
	})
}

func (h *AdminHandler) CleanupOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderParam(w, r)
	if !ok {
		return
	}
	log.Info().Str("operator", operator(r)).Int64("order_id", orderID).Msg("order cleanup requested")
	h.startJob(w, r, "order_cleanup", orderTarget(orderID), func(ctx context.Context) (interface{}, error) {
		return h.reconciler.Reconcile(ctx, orderID), ctx.Err()
	})
}

func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	log.Info().Str("operator", operator(r)).Msg("audit requested")
	h.startJob(w, r, "audit", "", func(ctx context.Context) (interface{}, error) {
		return h.auditor.Audit(ctx), ctx.Err()
	})
}

// startJob answers 202 with the job id; the action is recorded once the job
// finishes.
func (h *AdminHandler) startJob(w http.ResponseWriter, r *http.Request, kind, target string, fn JobFunc) {
	op, ip := operator(r), r.RemoteAddr
	job := h.jobs.Start(kind, target, fn, func(ctx context.Context, j Job) {
		if h.actions == nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", nil)
		if err != nil {
			return
		}
		req.RemoteAddr = ip
		h.actions.Log(ctx, req, op, kind, target, map[string]interface{}{
			"job_id": j.ID,
			"status": j.Status,
			"result": j.Result,
		})
	})
	errors.WriteJSON(w, http.StatusAccepted, job)
}

// Job reports a repair job by id.
func (h *AdminHandler) Job(w http.ResponseWriter, r *http.Request) {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	job, ok := h.jobs.Get(params.ByName("job_id"))
	if !ok {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Job not found", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, job)
}

func (h *AdminHandler) SyncOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderParam(w, r)
	if !ok {
		return
	}

	op, queued := h.sync.QueueOrderSync(r.Context(), orderID)
	if !queued {
		errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeUnavailable, "Order sync was not queued", nil)
		return
	}
	log.Info().Str("operator", operator(r)).Int64("order_id", orderID).Str("operation", op).Msg("order sync queued")
	h.record(r, "order_sync", orderTarget(orderID), map[string]interface{}{"operation": op})
	errors.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"order_id":  orderID,
		"operation": op,
		"queued":    true,
	})
}

func (h *AdminHandler) Funnel(w http.ResponseWriter, r *http.Request) {
	errors.WriteJSON(w, http.StatusOK, h.funnel.Snapshot())
}

// Actions lists recent operator actions. ?limit= caps the page, default 50.
func (h *AdminHandler) Actions(w http.ResponseWriter, r *http.Request) {
	if h.actions == nil {
		errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"actions": []audit.Action{}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	actions, err := h.actions.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list admin actions")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list actions", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func orderTarget(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}
