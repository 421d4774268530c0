package cleanup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"crmsync/internal/platform/models"
)

const (
	KeepNewest = "newest"
	KeepLinked = "linked"
)

type OrderStore interface {
	GetByID(ctx context.Context, orderID int64) (*models.Order, error)
	ListLinked(ctx context.Context) ([]*models.Order, error)
	ListUnlinkedBefore(ctx context.Context, cutoff int64) ([]*models.Order, error)
	RepointExternalDealID(ctx context.Context, orderID, dealID int64) error
	ClearExternalDealID(ctx context.Context, orderID, dealID int64) (bool, error)
	UpdateStatus(ctx context.Context, orderID int64, status string) (bool, error)
}

type Result struct {
	OrderID int64    `json:"order_id"`
	Found   int      `json:"found"`
	Deleted int      `json:"deleted"`
	Kept    *int64   `json:"kept"`
	Errors  []string `json:"errors"`
}

type Summary struct {
	OrdersChecked        int      `json:"orders_checked"`
	OrdersWithDuplicates int      `json:"orders_with_duplicates"`
	Found                int      `json:"found"`
	Deleted              int      `json:"deleted"`
	Errors               []string `json:"errors"`
}

type Reconciler struct {
	orders OrderStore
	deals  DealAPI
	finder DuplicateFinder
	policy string
}

func NewReconciler(orders OrderStore, deals DealAPI, finder DuplicateFinder, policy string) *Reconciler {
	if policy != KeepLinked {
		policy = KeepNewest
	}
	return &Reconciler{orders: orders, deals: deals, finder: finder, policy: policy}
}

// Reconcile keeps one deal for the order, deletes the others and points the
// order at the survivor. Deletions are independent; one failure does not
// stop the rest.
func (r *Reconciler) Reconcile(ctx context.Context, orderID int64) Result {
	res := Result{OrderID: orderID, Errors: []string{}}

	order, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if order == nil {
		res.Errors = append(res.Errors, fmt.Sprintf("order %d not found", orderID))
		return res
	}

	deals, err := r.finder.FindDuplicates(ctx, orderID, order.ExternalDealID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.Found = len(deals)
	if len(deals) == 0 {
		res.Kept = order.ExternalDealID
		return res
	}

	keep := r.pick(order, deals)
	res.Kept = &keep

	for _, d := range deals {
		if d.ID == keep {
			continue
		}
		if err := r.deals.DeleteDeal(ctx, d.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to delete deal %d: %v", d.ID, err))
			continue
		}
		res.Deleted++
		log.Info().Int64("order_id", orderID).Int64("deal_id", d.ID).Int64("kept", keep).Msg("deleted duplicate deal")
	}

	if order.ExternalDealID == nil || *order.ExternalDealID != keep {
		if err := r.orders.RepointExternalDealID(ctx, orderID, keep); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to link order to deal %d: %v", keep, err))
		} else {
			log.Info().Int64("order_id", orderID).Int64("deal_id", keep).Msg("order repointed to surviving deal")
		}
	}
	return res
}

func (r *Reconciler) pick(order *models.Order, deals []Deal) int64 {
	if r.policy == KeepLinked && order.ExternalDealID != nil {
		for _, d := range deals {
			if d.ID == *order.ExternalDealID {
				return d.ID
			}
		}
	}
	return deals[0].ID
}

// ReconcileAll runs Reconcile over every linked order.
func (r *Reconciler) ReconcileAll(ctx context.Context) Summary {
	sum := Summary{Errors: []string{}}

	orders, err := r.orders.ListLinked(ctx)
	if err != nil {
		sum.Errors = append(sum.Errors, err.Error())
		return sum
	}

	log.Info().Int("orders", len(orders)).Msg("starting duplicate cleanup")
	for _, o := range orders {
		if ctx.Err() != nil {
			sum.Errors = append(sum.Errors, ctx.Err().Error())
			break
		}
		res := r.Reconcile(ctx, o.OrderID)
		sum.OrdersChecked++
		sum.Found += res.Found
		sum.Deleted += res.Deleted
		if res.Deleted > 0 {
			sum.OrdersWithDuplicates++
		}
		sum.Errors = append(sum.Errors, res.Errors...)
	}
	log.Info().
		Int("orders_checked", sum.OrdersChecked).
		Int("deleted", sum.Deleted).
		Int("errors", len(sum.Errors)).
		Msg("duplicate cleanup finished")
	return sum
}
