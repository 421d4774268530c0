// Package syncer turns domain changes into queued CRM operations. Enqueueing
// is write-behind: failures are logged and never reach the caller, and the
// periodic audit pass picks up anything that was dropped.
package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/queue"
	"crmsync/internal/platform/models"
	"crmsync/internal/platform/repositories"
)

type Service struct {
	store *repositories.Store
	pub   queue.Publisher
	now   func() time.Time
}

func NewService(store *repositories.Store, pub queue.Publisher) *Service {
	return &Service{store: store, pub: pub, now: time.Now}
}

// QueueDealCreation enqueues creation of a deal for an order that has none.
func (s *Service) QueueDealCreation(ctx context.Context, orderID int64) bool {
	order, user, ok := s.loadOrder(ctx, orderID)
	if !ok {
		return false
	}
	if order.ExternalDealID != nil {
		log.Info().Int64("order_id", orderID).Int64("deal_id", *order.ExternalDealID).Msg("order already has a deal, skipping create")
		return false
	}
	return s.publish(ctx, queue.EntityDeal, orderID, queue.OpCreate, dealPayload(order, user))
}

// QueueDealUpdate enqueues an update of the order's linked deal.
func (s *Service) QueueDealUpdate(ctx context.Context, orderID int64) bool {
	order, user, ok := s.loadOrder(ctx, orderID)
	if !ok {
		return false
	}
	if order.ExternalDealID == nil {
		log.Info().Int64("order_id", orderID).Msg("order has no deal yet, skipping update")
		return false
	}
	return s.publish(ctx, queue.EntityDeal, orderID, queue.OpUpdate, dealPayload(order, user))
}

// QueueOrderSync enqueues a create or an update depending on the order's
// current linkage.
func (s *Service) QueueOrderSync(ctx context.Context, orderID int64) (string, bool) {
	order, err := s.store.Orders.GetByID(ctx, orderID)
	if err != nil || order == nil {
		log.Error().Err(err).Int64("order_id", orderID).Msg("order not found for sync")
		return "", false
	}
	if order.ExternalDealID == nil {
		return queue.OpCreate, s.QueueDealCreation(ctx, orderID)
	}
	return queue.OpUpdate, s.QueueDealUpdate(ctx, orderID)
}

func (s *Service) QueueContactCreation(ctx context.Context, userID int64) bool {
	user, ok := s.loadUser(ctx, userID)
	if !ok {
		return false
	}
	if user.ExternalContactID != nil {
		log.Info().Int64("user_id", userID).Int64("contact_id", *user.ExternalContactID).Msg("user already has a contact, skipping create")
		return false
	}
	return s.publish(ctx, queue.EntityContact, userID, queue.OpCreate, contactPayload(user))
}

func (s *Service) QueueContactUpdate(ctx context.Context, userID int64) bool {
	user, ok := s.loadUser(ctx, userID)
	if !ok {
		return false
	}
	if user.ExternalContactID == nil {
		log.Info().Int64("user_id", userID).Msg("user has no contact yet, skipping update")
		return false
	}
	return s.publish(ctx, queue.EntityContact, userID, queue.OpUpdate, contactPayload(user))
}

func (s *Service) QueueLeadCreation(ctx context.Context, callRequestID int64) bool {
	cr, err := s.store.CallRequests.GetByID(ctx, callRequestID)
	if err != nil || cr == nil {
		log.Error().Err(err).Int64("call_request_id", callRequestID).Msg("call request not found")
		return false
	}
	if cr.ExternalLeadID != nil {
		log.Info().Int64("call_request_id", callRequestID).Int64("lead_id", *cr.ExternalLeadID).Msg("call request already has a lead, skipping create")
		return false
	}

	payload := LeadPayload{
		CallRequestID:   cr.ID,
		UserID:          cr.UserID,
		CallRequestData: callRequestData(cr),
	}
	if cr.UserID != nil {
		user, err := s.store.Users.GetByID(ctx, *cr.UserID)
		if err != nil {
			log.Warn().Err(err).Int64("call_request_id", callRequestID).Msg("failed to load call request user")
		}
		payload.UserData = userData(user)
	}
	return s.publish(ctx, queue.EntityLead, callRequestID, queue.OpCreate, payload)
}

func (s *Service) loadOrder(ctx context.Context, orderID int64) (*models.Order, *models.User, bool) {
	order, err := s.store.Orders.GetByID(ctx, orderID)
	if err != nil || order == nil {
		log.Error().Err(err).Int64("order_id", orderID).Msg("order not found")
		return nil, nil, false
	}
	user, err := s.store.Users.GetByID(ctx, order.UserID)
	if err != nil || user == nil {
		log.Error().Err(err).Int64("order_id", orderID).Int64("user_id", order.UserID).Msg("order owner not found")
		return nil, nil, false
	}
	return order, user, true
}

func (s *Service) loadUser(ctx context.Context, userID int64) (*models.User, bool) {
	user, err := s.store.Users.GetByID(ctx, userID)
	if err != nil || user == nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("user not found")
		return nil, false
	}
	return user, true
}

func (s *Service) publish(ctx context.Context, entityType string, entityID int64, operation string, payload interface{}) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("entity_type", entityType).Int64("entity_id", entityID).Msg("failed to encode payload")
		return false
	}

	op := &queue.Operation{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		Payload:    raw,
		Timestamp:  s.now().UTC(),
	}
	id, err := queue.PublishOperation(ctx, s.pub, op)
	if err != nil {
		log.Error().Err(err).
			Str("entity_type", entityType).
			Int64("entity_id", entityID).
			Str("operation", operation).
			Msg("failed to enqueue CRM operation")
		return false
	}

	log.Info().
		Str("message_id", id).
		Str("entity_type", entityType).
		Int64("entity_id", entityID).
		Str("operation", operation).
		Msg("queued CRM operation")
	return true
}

func dealPayload(order *models.Order, user *models.User) DealPayload {
	docs := order.DocumentIDs
	if docs == nil {
		docs = []int64{}
	}
	return DealPayload{
		OrderID:        order.OrderID,
		UserID:         order.UserID,
		ExternalDealID: order.ExternalDealID,
		FileID:         order.FileID,
		DocumentIDs:    docs,
		OrderData:      orderData(order),
		UserData:       userData(user),
	}
}

func contactPayload(user *models.User) ContactPayload {
	return ContactPayload{
		UserID:            user.ID,
		ExternalContactID: user.ExternalContactID,
		UserData:          *userData(user),
	}
}
