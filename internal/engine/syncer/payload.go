package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"crmsync/internal/platform/models"
)

// OrderData is the order snapshot taken at enqueue time.
type OrderData struct {
	ServiceID  string          `json:"service_id"`
	Quantity   int             `json:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Status     string          `json:"status"`
	CreatedAt  int64           `json:"created_at"`
}

type UserData struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Company  string `json:"company"`
	City     string `json:"city"`
}

type CallRequestData struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Additional string `json:"additional"`
	CreatedAt  int64  `json:"created_at"`
}

// DealPayload travels with deal operations. FileID and DocumentIDs are the
// attachments the caller wants on the deal.
type DealPayload struct {
	OrderID        int64     `json:"order_id"`
	UserID         int64     `json:"user_id"`
	ExternalDealID *int64    `json:"external_deal_id,omitempty"`
	FileID         *int64    `json:"file_id,omitempty"`
	DocumentIDs    []int64   `json:"document_ids"`
	OrderData      OrderData `json:"order_data"`
	UserData       *UserData `json:"user_data,omitempty"`
}

type ContactPayload struct {
	UserID            int64    `json:"user_id"`
	ExternalContactID *int64   `json:"external_contact_id,omitempty"`
	UserData          UserData `json:"user_data"`
}

type LeadPayload struct {
	CallRequestID   int64           `json:"call_request_id"`
	UserID          *int64          `json:"user_id,omitempty"`
	CallRequestData CallRequestData `json:"call_request_data"`
	UserData        *UserData       `json:"user_data,omitempty"`
}

func orderData(o *models.Order) OrderData {
	return OrderData{
		ServiceID:  o.ServiceID,
		Quantity:   o.Quantity,
		TotalPrice: o.TotalPrice,
		Status:     o.Status,
		CreatedAt:  o.CreatedAt,
	}
}

func userData(u *models.User) *UserData {
	if u == nil {
		return nil
	}
	return &UserData{
		Username: u.Username,
		Email:    u.Email,
		FullName: u.FullName,
		Phone:    u.Phone,
		Company:  u.Company,
		City:     u.City,
	}
}

func callRequestData(cr *models.CallRequest) CallRequestData {
	return CallRequestData{
		Name:       cr.Name,
		Phone:      cr.Phone,
		Email:      cr.Email,
		Date:       cr.Date,
		Time:       cr.Time,
		Additional: cr.Additional,
		CreatedAt:  cr.CreatedAt,
	}
}

// DecodeDealPayload reads a deal payload. An empty payload yields a zero
// value; callers fall back to the stored order.
func DecodeDealPayload(raw json.RawMessage) (*DealPayload, error) {
	var p DealPayload
	if err := decode(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid deal payload: %w", err)
	}
	return &p, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
