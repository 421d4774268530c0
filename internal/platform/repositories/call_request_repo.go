package repositories

import (
	"context"
	"database/sql"

	"crmsync/internal/platform/database"
	"crmsync/internal/platform/models"
)

type CallRequestRepository struct {
	db *database.DB
}

func NewCallRequestRepository(db *database.DB) *CallRequestRepository {
	return &CallRequestRepository{db: db}
}

func (r *CallRequestRepository) get(ctx context.Context, where string, arg interface{}) (*models.CallRequest, error) {
	var cr models.CallRequest
	var userID, leadID, syncedAt sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, user_id, name, phone, email, date, time, additional, external_lead_id, crm_synced_at, created_at
		FROM call_requests WHERE `+where), arg).
		Scan(&cr.ID, &userID, &cr.Name, &cr.Phone, &cr.Email, &cr.Date, &cr.Time, &cr.Additional, &leadID, &syncedAt, &cr.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	cr.UserID = nullableInt(userID)
	cr.ExternalLeadID = nullableInt(leadID)
	cr.CRMSyncedAt = nullableInt(syncedAt)
	return &cr, nil
}

func (r *CallRequestRepository) GetByID(ctx context.Context, id int64) (*models.CallRequest, error) {
	return r.get(ctx, `id = ?`, id)
}

func (r *CallRequestRepository) GetByExternalLeadID(ctx context.Context, leadID int64) (*models.CallRequest, error) {
	return r.get(ctx, `external_lead_id = ?`, leadID)
}

// SetExternalLeadID links the call request only if it is still unlinked.
func (r *CallRequestRepository) SetExternalLeadID(ctx context.Context, id, leadID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE call_requests SET external_lead_id = ?, crm_synced_at = ? WHERE id = ? AND external_lead_id IS NULL
	`), leadID, now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
