package repositories

import (
	"context"
	"database/sql"

	"crmsync/internal/platform/database"
	"crmsync/internal/platform/models"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) get(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	var u models.User
	var contactID sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, username, email, full_name, phone, company, city, external_contact_id, created_at, updated_at
		FROM users WHERE `+where), arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Phone, &u.Company, &u.City, &contactID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.ExternalContactID = nullableInt(contactID)
	return &u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return r.get(ctx, `id = ?`, id)
}

func (r *UserRepository) GetByExternalContactID(ctx context.Context, contactID int64) (*models.User, error) {
	return r.get(ctx, `external_contact_id = ?`, contactID)
}

// SetExternalContactID links the user only if it is still unlinked.
func (r *UserRepository) SetExternalContactID(ctx context.Context, userID, contactID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE users SET external_contact_id = ?, updated_at = ? WHERE id = ? AND external_contact_id IS NULL
	`), contactID, now(), userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
