package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/queue"
	"crmsync/internal/engine/syncer"
	"crmsync/internal/platform/models"
	"crmsync/internal/platform/storage"
)

func dealTitle(o *models.Order) string {
	return fmt.Sprintf("Order #%d - %s", o.OrderID, o.ServiceID)
}

func dealComments(o *models.Order) string {
	return fmt.Sprintf("Service: %s\nQuantity: %d\nStatus: %s", o.ServiceID, o.Quantity, o.Status)
}

func (w *Worker) dealFields(o *models.Order) map[string]interface{} {
	currency := w.fields.Currency
	if currency == "" {
		currency = "RUB"
	}
	fields := map[string]interface{}{
		"TITLE":              dealTitle(o),
		"OPPORTUNITY":        o.TotalPrice.StringFixed(2),
		"CURRENCY_ID":        currency,
		"COMMENTS":           dealComments(o),
		"SOURCE_ID":          "WEB",
		"SOURCE_DESCRIPTION": "Manufacturing Service API",
	}
	if w.fields.QuantityField != "" {
		fields[w.fields.QuantityField] = o.Quantity
	}
	return fields
}

// attachments resolves which file and documents belong on the deal: the ones
// named in the payload, else the order's own.
func attachments(o *models.Order, p *syncer.DealPayload) (*int64, []int64) {
	fileID := o.FileID
	docs := o.DocumentIDs
	if p != nil {
		if p.FileID != nil {
			fileID = p.FileID
		}
		if len(p.DocumentIDs) > 0 {
			docs = p.DocumentIDs
		}
	}
	return fileID, docs
}

func (w *Worker) createDeal(ctx context.Context, op *queue.Operation) error {
	payload, err := syncer.DecodeDealPayload(op.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	order, err := w.store.Orders.GetByID(ctx, op.EntityID)
	if err != nil {
		return err
	}
	if order == nil {
		return businessLogic("order %d not found", op.EntityID)
	}
	if order.ExternalDealID != nil {
		log.Info().Int64("order_id", order.OrderID).Int64("deal_id", *order.ExternalDealID).Msg("order already linked, skipping deal create")
		return nil
	}

	user, err := w.store.Users.GetByID(ctx, order.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return businessLogic("user %d of order %d not found", order.UserID, order.OrderID)
	}

	fields := w.dealFields(order)
	if categoryID, ok := w.categoryID(); ok {
		fields["CATEGORY_ID"] = categoryID
		if stage, ok := w.funnel.StageFor(order.Status); ok {
			fields["STAGE_ID"] = stage
		}
	}
	if user.ExternalContactID != nil {
		fields["CONTACT_ID"] = *user.ExternalContactID
	} else if w.sync != nil {
		// the deal goes out without a contact; a later update links it
		w.sync.QueueContactCreation(ctx, user.ID)
	}

	// A redelivery can arrive after a create whose link was persisted by
	// another worker, so check again right before calling the CRM.
	current, err := w.store.Orders.GetByID(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if current == nil || current.ExternalDealID != nil {
		log.Info().Int64("order_id", order.OrderID).Msg("order linked concurrently, skipping deal create")
		return nil
	}

	dealID, err := w.crm.AddDeal(ctx, fields)
	if err != nil {
		return err
	}

	won, err := w.store.Orders.SetExternalDealID(ctx, order.OrderID, dealID)
	if err != nil {
		w.discardDeal(ctx, order.OrderID, dealID)
		return fmt.Errorf("failed to link order %d to deal %d: %w", order.OrderID, dealID, err)
	}
	if !won {
		log.Warn().Int64("order_id", order.OrderID).Int64("deal_id", dealID).Msg("lost link race, deleting the new deal")
		w.discardDeal(ctx, order.OrderID, dealID)
		return nil
	}
	log.Info().Int64("order_id", order.OrderID).Int64("deal_id", dealID).Msg("created deal")

	fileID, docs := attachments(order, payload)
	if err := w.attachFile(ctx, dealID, fileID); err != nil {
		log.Warn().Err(err).Int64("deal_id", dealID).Msg("failed to attach order file")
	}
	if err := w.attachDocuments(ctx, dealID, docs); err != nil {
		log.Warn().Err(err).Int64("deal_id", dealID).Msg("failed to attach order documents")
	}
	return nil
}

// discardDeal is best effort; a deal left behind is found by cleanup.
func (w *Worker) discardDeal(ctx context.Context, orderID, dealID int64) {
	if err := w.crm.DeleteDeal(ctx, dealID); err != nil {
		log.Error().Err(err).Int64("order_id", orderID).Int64("deal_id", dealID).Msg("failed to delete orphan deal")
	}
}

func (w *Worker) updateDeal(ctx context.Context, op *queue.Operation) error {
	payload, err := syncer.DecodeDealPayload(op.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	order, err := w.store.Orders.GetByID(ctx, op.EntityID)
	if err != nil {
		return err
	}
	if order == nil {
		return businessLogic("order %d not found", op.EntityID)
	}
	if order.ExternalDealID == nil {
		log.Warn().Int64("order_id", order.OrderID).Msg("order has no deal, nothing to update")
		return nil
	}
	dealID := *order.ExternalDealID

	deal, err := w.crm.GetDeal(ctx, dealID)
	if crm.IsNotFound(err) {
		log.Info().Int64("order_id", order.OrderID).Int64("deal_id", dealID).Msg("deal no longer exists, skipping update")
		return nil
	}
	if err != nil {
		return err
	}

	user, err := w.store.Users.GetByID(ctx, order.UserID)
	if err != nil {
		return err
	}

	changes := w.dealChanges(deal, order, user)
	if len(changes) > 0 {
		if err := w.crm.UpdateDeal(ctx, dealID, changes); err != nil {
			return err
		}
		log.Info().Int64("order_id", order.OrderID).Int64("deal_id", dealID).Int("fields", len(changes)).Msg("updated deal")
	} else {
		log.Debug().Int64("order_id", order.OrderID).Int64("deal_id", dealID).Msg("deal already up to date")
	}

	fileID, docs := attachments(order, payload)
	if w.fields.FileField != "" && deal.Empty(w.fields.FileField) {
		if err := w.attachFile(ctx, dealID, fileID); err != nil {
			return err
		}
	}
	if w.fields.DocumentsField != "" && deal.Empty(w.fields.DocumentsField) {
		if err := w.attachDocuments(ctx, dealID, docs); err != nil {
			return err
		}
	}

	return w.store.Orders.MarkSynced(ctx, order.OrderID)
}

// dealChanges diffs the deal against the order and returns only the fields
// that differ.
func (w *Worker) dealChanges(deal crm.Record, o *models.Order, u *models.User) map[string]interface{} {
	changes := map[string]interface{}{}

	current, err := decimal.NewFromString(deal.String("OPPORTUNITY"))
	if err != nil || !current.Equal(o.TotalPrice) {
		changes["OPPORTUNITY"] = o.TotalPrice.StringFixed(2)
	}
	if f := w.fields.QuantityField; f != "" && deal.String(f) != strconv.Itoa(o.Quantity) {
		changes[f] = o.Quantity
	}
	if u != nil && u.ExternalContactID != nil {
		if id, ok := deal.Int64("CONTACT_ID"); !ok || id != *u.ExternalContactID {
			changes["CONTACT_ID"] = *u.ExternalContactID
		}
	}
	if comments := dealComments(o); deal.String("COMMENTS") != comments {
		changes["COMMENTS"] = comments
	}
	return changes
}

func (w *Worker) attachFile(ctx context.Context, dealID int64, fileID *int64) error {
	if fileID == nil || w.files == nil || w.fields.FileField == "" {
		return nil
	}
	f, err := w.store.Files.GetFile(ctx, *fileID)
	if err != nil {
		return err
	}
	if f == nil {
		log.Warn().Int64("file_id", *fileID).Msg("order file record missing, not attaching")
		return nil
	}
	content, err := w.files.Read(ctx, f.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Int64("file_id", f.ID).Str("path", f.StoragePath).Msg("order file missing in storage, not attaching")
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.crm.AttachFile(ctx, dealID, w.fields.FileField, crm.File{Name: f.Filename, Content: content}); err != nil {
		return err
	}
	log.Info().Int64("deal_id", dealID).Int64("file_id", f.ID).Msg("attached order file")
	return nil
}

func (w *Worker) attachDocuments(ctx context.Context, dealID int64, ids []int64) error {
	if len(ids) == 0 || w.files == nil || w.fields.DocumentsField == "" {
		return nil
	}
	docs, err := w.store.Files.GetDocuments(ctx, ids)
	if err != nil {
		return err
	}

	diskIDs := make([]int64, 0, len(docs))
	for _, d := range docs {
		content, err := w.files.Read(ctx, d.StoragePath)
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Int64("document_id", d.ID).Str("path", d.StoragePath).Msg("document missing in storage, skipping")
			continue
		}
		if err != nil {
			return err
		}
		diskID, err := w.crm.UploadFile(ctx, crm.File{Name: d.Filename, Content: content})
		if err != nil {
			return err
		}
		diskIDs = append(diskIDs, diskID)
	}
	if len(diskIDs) == 0 {
		return nil
	}
	if err := w.crm.AttachDiskFiles(ctx, dealID, w.fields.DocumentsField, diskIDs); err != nil {
		return err
	}
	log.Info().Int64("deal_id", dealID).Int("documents", len(diskIDs)).Msg("attached order documents")
	return nil
}
