package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/crm"
	"crmsync/internal/platform/models"
)

// Enqueuer is the part of the sync service the audit pass needs.
type Enqueuer interface {
	QueueDealCreation(ctx context.Context, orderID int64) bool
}

// StageMapper maps a deal stage back to an order status.
type StageMapper interface {
	CategoryID() (int64, bool)
	StatusFor(stageID string) (string, bool)
}

type AuditReport struct {
	UnlinkedRequeued int      `json:"unlinked_requeued"`
	LinkedChecked    int      `json:"linked_checked"`
	StaleUnlinked    int      `json:"stale_unlinked"`
	StatusesPulled   int      `json:"statuses_pulled"`
	Errors           []string `json:"errors"`
}

// Auditor catches what fire-and-forget enqueueing and lost webhooks leave
// behind: orders that never got a deal, links to deals deleted in the CRM,
// and order statuses that missed a stage change.
type Auditor struct {
	orders OrderStore
	deals  DealAPI
	sync   Enqueuer
	stages StageMapper
	grace  time.Duration
	now    func() time.Time
}

// NewAuditor builds an auditor. stages may be nil, in which case statuses are
// not pulled.
func NewAuditor(orders OrderStore, deals DealAPI, sync Enqueuer, stages StageMapper, grace time.Duration) *Auditor {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Auditor{orders: orders, deals: deals, sync: sync, stages: stages, grace: grace, now: time.Now}
}

func (a *Auditor) Audit(ctx context.Context) AuditReport {
	rep := AuditReport{Errors: []string{}}

	cutoff := a.now().Add(-a.grace).Unix()
	unlinked, err := a.orders.ListUnlinkedBefore(ctx, cutoff)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	}
	for _, o := range unlinked {
		if a.sync.QueueDealCreation(ctx, o.OrderID) {
			rep.UnlinkedRequeued++
		}
	}

	linked, err := a.orders.ListLinked(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	}
	for _, o := range linked {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err().Error())
			break
		}
		rep.LinkedChecked++
		dealID := *o.ExternalDealID

		deal, err := a.deals.GetDeal(ctx, dealID)
		if err == nil {
			pulled, err := a.pullStatus(ctx, o, deal)
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("order %d: %v", o.OrderID, err))
			} else if pulled {
				rep.StatusesPulled++
			}
			continue
		}
		if !crm.IsNotFound(err) {
			rep.Errors = append(rep.Errors, fmt.Sprintf("order %d: %v", o.OrderID, err))
			continue
		}

		cleared, err := a.orders.ClearExternalDealID(ctx, o.OrderID, dealID)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("order %d: %v", o.OrderID, err))
			continue
		}
		if !cleared {
			continue
		}
		rep.StaleUnlinked++
		log.Warn().Int64("order_id", o.OrderID).Int64("deal_id", dealID).Msg("linked deal is gone, relinking")
		a.sync.QueueDealCreation(ctx, o.OrderID)
	}

	log.Info().
		Int("unlinked_requeued", rep.UnlinkedRequeued).
		Int("linked_checked", rep.LinkedChecked).
		Int("stale_unlinked", rep.StaleUnlinked).
		Int("statuses_pulled", rep.StatusesPulled).
		Int("errors", len(rep.Errors)).
		Msg("sync audit finished")
	return rep
}

// pullStatus copies the deal's stage onto the order when they disagree.
// Deals outside the tracked pipeline and unmapped stages are left alone.
func (a *Auditor) pullStatus(ctx context.Context, o *models.Order, deal crm.Record) (bool, error) {
	if a.stages == nil {
		return false, nil
	}
	if tracked, ok := a.stages.CategoryID(); ok {
		if categoryID, ok := deal.Int64("CATEGORY_ID"); ok && categoryID != tracked {
			return false, nil
		}
	}

	stageID := deal.String("STAGE_ID")
	status, ok := a.stages.StatusFor(stageID)
	if !ok || status == o.Status {
		return false, nil
	}

	changed, err := a.orders.UpdateStatus(ctx, o.OrderID, status)
	if err != nil {
		return false, err
	}
	if changed {
		log.Info().
			Int64("order_id", o.OrderID).
			Int64("deal_id", *o.ExternalDealID).
			Str("stage_id", stageID).
			Str("old_status", o.Status).
			Str("status", status).
			Msg("order status pulled from CRM")
	}
	return changed, nil
}
