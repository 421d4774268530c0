package models

import (
	"github.com/shopspring/decimal"
)

// Order statuses as the shop API writes them.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Statuses lists every domain status in a stable order.
var Statuses = []string{StatusPending, StatusProcessing, StatusCompleted, StatusCancelled}

type Order struct {
	OrderID        int64           `json:"order_id"`
	UserID         int64           `json:"user_id"`
	ServiceID      string          `json:"service_id"`
	Quantity       int             `json:"quantity"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Status         string          `json:"status"`
	ExternalDealID *int64          `json:"external_deal_id,omitempty"`
	FileID         *int64          `json:"file_id,omitempty"`
	DocumentIDs    []int64         `json:"document_ids"` // JSON array in DB
	CRMSyncedAt    *int64          `json:"crm_synced_at,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

type User struct {
	ID                int64  `json:"id"`
	Username          string `json:"username"`
	Email             string `json:"email"`
	FullName          string `json:"full_name"`
	Phone             string `json:"phone"`
	Company           string `json:"company"`
	City              string `json:"city"`
	ExternalContactID *int64 `json:"external_contact_id,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

type CallRequest struct {
	ID             int64  `json:"id"`
	UserID         *int64 `json:"user_id,omitempty"`
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	Email          string `json:"email"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Additional     string `json:"additional"`
	ExternalLeadID *int64 `json:"external_lead_id,omitempty"`
	CRMSyncedAt    *int64 `json:"crm_synced_at,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// StoredFile is an uploaded model file or generated document.
type StoredFile struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	StoragePath string `json:"storage_path"`
}
