package workers

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/queue"
)

func (w *Worker) categoryID() (int64, bool) {
	if w.funnel == nil {
		return 0, false
	}
	return w.funnel.CategoryID()
}

func (w *Worker) handleEvent(ctx context.Context, ev *queue.WebhookEvent) error {
	switch ev.EventType {
	case "deal_updated":
		return w.onDealUpdated(ctx, ev)
	case "deal_deleted":
		return w.onDealDeleted(ctx, ev)
	}

	switch {
	case ev.EntityType == queue.EntityDeal,
		ev.EntityType == queue.EntityContact,
		ev.EntityType == queue.EntityLead,
		strings.HasPrefix(ev.EventType, "invoice_"):
		log.Info().
			Str("event_type", ev.EventType).
			Str("entity_type", ev.EntityType).
			Int64("entity_id", ev.EntityID).
			Msg("CRM event acknowledged")
	default:
		log.Debug().Str("event_type", ev.EventType).Int64("entity_id", ev.EntityID).Msg("ignoring unknown CRM event")
	}
	return nil
}

// onDealUpdated mirrors the deal's stage onto the linked order's status.
func (w *Worker) onDealUpdated(ctx context.Context, ev *queue.WebhookEvent) error {
	order, err := w.store.Orders.GetByExternalDealID(ctx, ev.EntityID)
	if err != nil {
		return err
	}
	if order == nil {
		log.Debug().Int64("deal_id", ev.EntityID).Msg("no order linked to deal")
		return nil
	}

	data := crm.Record(ev.Data)
	if data.String("CATEGORY_ID") == "" || data.String("STAGE_ID") == "" {
		deal, err := w.crm.GetDeal(ctx, ev.EntityID)
		if crm.IsNotFound(err) {
			log.Info().Int64("deal_id", ev.EntityID).Msg("updated deal is already gone")
			return nil
		}
		if err != nil {
			return err
		}
		data = deal
	}

	if tracked, ok := w.categoryID(); ok {
		if categoryID, ok := data.Int64("CATEGORY_ID"); ok && categoryID != tracked {
			log.Debug().Int64("deal_id", ev.EntityID).Int64("category_id", categoryID).Msg("deal outside tracked pipeline")
			return nil
		}
	}

	stageID := data.String("STAGE_ID")
	if w.funnel == nil {
		return nil
	}
	status, ok := w.funnel.StatusFor(stageID)
	if !ok {
		log.Warn().Int64("deal_id", ev.EntityID).Str("stage_id", stageID).Msg("stage has no order status, leaving order unchanged")
		return nil
	}

	changed, err := w.store.Orders.UpdateStatus(ctx, order.OrderID, status)
	if err != nil {
		return err
	}
	if changed {
		log.Info().
			Int64("order_id", order.OrderID).
			Int64("deal_id", ev.EntityID).
			Str("stage_id", stageID).
			Str("old_status", order.Status).
			Str("status", status).
			Msg("order status updated from CRM")
	}
	return nil
}

// onDealDeleted drops the link so the order no longer points at a missing
// deal.
func (w *Worker) onDealDeleted(ctx context.Context, ev *queue.WebhookEvent) error {
	order, err := w.store.Orders.GetByExternalDealID(ctx, ev.EntityID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}
	cleared, err := w.store.Orders.ClearExternalDealID(ctx, order.OrderID, ev.EntityID)
	if err != nil {
		return err
	}
	if cleared {
		log.Warn().Int64("order_id", order.OrderID).Int64("deal_id", ev.EntityID).Msg("deal deleted in CRM, order unlinked")
	}
	return nil
}
