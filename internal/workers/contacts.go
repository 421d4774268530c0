package workers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/queue"
	"crmsync/internal/pkg/validator"
	"crmsync/internal/platform/models"
)

func multiField(value string) []map[string]string {
	return []map[string]string{{"VALUE": value, "VALUE_TYPE": "WORK"}}
}

// setEmail adds EMAIL when raw is a usable address. Malformed addresses are
// dropped with a warning.
func setEmail(fields map[string]interface{}, raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	addr, err := validator.Email(raw)
	if err != nil {
		log.Warn().Err(err).Str("email", raw).Msg("skipping malformed email")
		return
	}
	fields["EMAIL"] = multiField(addr)
}

func contactName(u *models.User) string {
	if name := strings.TrimSpace(u.FullName); name != "" {
		return name
	}
	return u.Username
}

// contactScalars are the single-value contact fields kept in sync.
func contactScalars(u *models.User) map[string]interface{} {
	fields := map[string]interface{}{"NAME": contactName(u)}
	if u.Company != "" {
		fields["COMPANY_TITLE"] = u.Company
	}
	if u.City != "" {
		fields["ADDRESS_CITY"] = u.City
	}
	return fields
}

// contactFields builds a new contact. userField, when set, receives the local
// user id.
func contactFields(u *models.User, userField string) map[string]interface{} {
	fields := contactScalars(u)
	fields["SOURCE_ID"] = "WEB"
	if userField != "" {
		fields[userField] = strconv.FormatInt(u.ID, 10)
	}
	setEmail(fields, u.Email)
	if u.Phone != "" {
		fields["PHONE"] = multiField(u.Phone)
	}
	return fields
}

func (w *Worker) createContact(ctx context.Context, op *queue.Operation) error {
	user, err := w.store.Users.GetByID(ctx, op.EntityID)
	if err != nil {
		return err
	}
	if user == nil {
		return businessLogic("user %d not found", op.EntityID)
	}
	if user.ExternalContactID != nil {
		log.Info().Int64("user_id", user.ID).Int64("contact_id", *user.ExternalContactID).Msg("user already linked, skipping contact create")
		return nil
	}

	contactID, err := w.crm.AddContact(ctx, contactFields(user, w.fields.ContactUserField))
	if err != nil {
		return err
	}
	won, err := w.store.Users.SetExternalContactID(ctx, user.ID, contactID)
	if err != nil {
		w.discardContact(ctx, user.ID, contactID)
		return fmt.Errorf("failed to link user %d to contact %d: %w", user.ID, contactID, err)
	}
	if !won {
		log.Warn().Int64("user_id", user.ID).Int64("contact_id", contactID).Msg("lost link race, deleting the new contact")
		w.discardContact(ctx, user.ID, contactID)
		return nil
	}
	log.Info().Int64("user_id", user.ID).Int64("contact_id", contactID).Msg("created contact")
	return nil
}

func (w *Worker) updateContact(ctx context.Context, op *queue.Operation) error {
	user, err := w.store.Users.GetByID(ctx, op.EntityID)
	if err != nil {
		return err
	}
	if user == nil {
		return businessLogic("user %d not found", op.EntityID)
	}
	if user.ExternalContactID == nil {
		log.Warn().Int64("user_id", user.ID).Msg("user has no contact, nothing to update")
		return nil
	}
	contactID := *user.ExternalContactID

	contact, err := w.crm.GetContact(ctx, contactID)
	if crm.IsNotFound(err) {
		log.Info().Int64("user_id", user.ID).Int64("contact_id", contactID).Msg("contact no longer exists, skipping update")
		return nil
	}
	if err != nil {
		return err
	}

	// EMAIL and PHONE are multi-value fields; sending them again appends.
	changes := map[string]interface{}{}
	for k, v := range contactScalars(user) {
		if contact.String(k) != v.(string) {
			changes[k] = v
		}
	}
	if len(changes) == 0 {
		log.Debug().Int64("contact_id", contactID).Msg("contact already up to date")
		return nil
	}
	if err := w.crm.UpdateContact(ctx, contactID, changes); err != nil {
		return err
	}
	log.Info().Int64("user_id", user.ID).Int64("contact_id", contactID).Int("fields", len(changes)).Msg("updated contact")
	return nil
}

func (w *Worker) createLead(ctx context.Context, op *queue.Operation) error {
	cr, err := w.store.CallRequests.GetByID(ctx, op.EntityID)
	if err != nil {
		return err
	}
	if cr == nil {
		return businessLogic("call request %d not found", op.EntityID)
	}
	if cr.ExternalLeadID != nil {
		log.Info().Int64("call_request_id", cr.ID).Int64("lead_id", *cr.ExternalLeadID).Msg("call request already linked, skipping lead create")
		return nil
	}

	comments := cr.Additional
	if cr.Date != "" || cr.Time != "" {
		comments = strings.TrimSpace(fmt.Sprintf("Preferred time: %s %s\n%s", cr.Date, cr.Time, cr.Additional))
	}
	fields := map[string]interface{}{
		"TITLE":     "Call Request: " + cr.Name,
		"NAME":      cr.Name,
		"PHONE":     multiField(cr.Phone),
		"COMMENTS":  comments,
		"SOURCE_ID": "WEB",
		"STATUS_ID": "NEW",
	}
	setEmail(fields, cr.Email)
	if cr.UserID != nil {
		user, err := w.store.Users.GetByID(ctx, *cr.UserID)
		if err != nil {
			return err
		}
		if user != nil && user.ExternalContactID != nil {
			fields["CONTACT_ID"] = *user.ExternalContactID
		}
	}

	leadID, err := w.crm.AddLead(ctx, fields)
	if err != nil {
		return err
	}
	won, err := w.store.CallRequests.SetExternalLeadID(ctx, cr.ID, leadID)
	if err != nil {
		w.discardLead(ctx, cr.ID, leadID)
		return fmt.Errorf("failed to link call request %d to lead %d: %w", cr.ID, leadID, err)
	}
	if !won {
		log.Warn().Int64("call_request_id", cr.ID).Int64("lead_id", leadID).Msg("lost link race, deleting the new lead")
		w.discardLead(ctx, cr.ID, leadID)
		return nil
	}
	log.Info().Int64("call_request_id", cr.ID).Int64("lead_id", leadID).Msg("created lead")
	return nil
}

func (w *Worker) discardContact(ctx context.Context, userID, contactID int64) {
	if err := w.crm.DeleteContact(ctx, contactID); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Int64("contact_id", contactID).Msg("failed to delete orphan contact")
	}
}

func (w *Worker) discardLead(ctx context.Context, callRequestID, leadID int64) {
	if err := w.crm.DeleteLead(ctx, leadID); err != nil {
		log.Error().Err(err).Int64("call_request_id", callRequestID).Int64("lead_id", leadID).Msg("failed to delete orphan lead")
	}
}
