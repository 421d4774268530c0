package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crmsync/internal/platform/database"
	"crmsync/internal/platform/models"
)

const orderColumns = `order_id, user_id, service_id, quantity, total_price, status, external_deal_id, file_id, document_ids, crm_synced_at, created_at, updated_at`

type OrderRepository struct {
	db *database.DB
}

func NewOrderRepository(db *database.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var externalDealID, fileID, syncedAt sql.NullInt64
	var documentIDs string

	err := row.Scan(&o.OrderID, &o.UserID, &o.ServiceID, &o.Quantity, &o.TotalPrice, &o.Status,
		&externalDealID, &fileID, &documentIDs, &syncedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.ExternalDealID = nullableInt(externalDealID)
	o.FileID = nullableInt(fileID)
	o.CRMSyncedAt = nullableInt(syncedAt)
	if documentIDs != "" {
		if err := json.Unmarshal([]byte(documentIDs), &o.DocumentIDs); err != nil {
			return nil, fmt.Errorf("order %d: decode document_ids: %w", o.OrderID, err)
		}
	}
	return &o, nil
}

func (r *OrderRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, r.db.Rebind(query), args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) GetByID(ctx context.Context, orderID int64) (*models.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
}

func (r *OrderRepository) GetByExternalDealID(ctx context.Context, dealID int64) (*models.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_deal_id = ? ORDER BY order_id LIMIT 1`, dealID)
}

// ListLinked returns orders that currently point at an external deal.
func (r *OrderRepository) ListLinked(ctx context.Context) ([]*models.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_deal_id IS NOT NULL ORDER BY order_id`)
}

// ListUnlinkedBefore returns orders without a deal created before the cutoff.
func (r *OrderRepository) ListUnlinkedBefore(ctx context.Context, cutoff int64) ([]*models.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_deal_id IS NULL AND created_at < ? ORDER BY order_id`, cutoff)
}

// SetExternalDealID links an order only if it is still unlinked.
// It reports whether this call won the link.
func (r *OrderRepository) SetExternalDealID(ctx context.Context, orderID, dealID int64) (bool, error) {
	ts := now()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE orders SET external_deal_id = ?, crm_synced_at = ?, updated_at = ?
		WHERE order_id = ? AND external_deal_id IS NULL
	`), dealID, ts, ts, orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RepointExternalDealID overwrites the link unconditionally.
func (r *OrderRepository) RepointExternalDealID(ctx context.Context, orderID, dealID int64) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE orders SET external_deal_id = ?, crm_synced_at = ?, updated_at = ? WHERE order_id = ?
	`), dealID, ts, ts, orderID)
	return err
}

// ClearExternalDealID unlinks the order if it still points at dealID.
func (r *OrderRepository) ClearExternalDealID(ctx context.Context, orderID, dealID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE orders SET external_deal_id = NULL, updated_at = ? WHERE order_id = ? AND external_deal_id = ?
	`), now(), orderID, dealID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateStatus writes status only when it differs from the stored one.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID int64, status string) (bool, error) {
	ts := now()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE orders SET status = ?, crm_synced_at = ?, updated_at = ? WHERE order_id = ? AND status <> ?
	`), status, ts, ts, orderID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSynced stamps crm_synced_at after a successful outbound update.
func (r *OrderRepository) MarkSynced(ctx context.Context, orderID int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE orders SET crm_synced_at = ? WHERE order_id = ?`), now(), orderID)
	return err
}
