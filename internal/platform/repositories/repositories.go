package repositories

import (
	"database/sql"
	"time"

	"crmsync/internal/platform/database"
)

// Store bundles the repositories the sync engine touches. Every method
// runs as its own short statement or transaction, so nothing is held open
// across a CRM round-trip.
type Store struct {
	Orders       *OrderRepository
	Users        *UserRepository
	CallRequests *CallRequestRepository
	Files        *FileRepository
}

func NewStore(db *database.DB) *Store {
	return &Store{
		Orders:       NewOrderRepository(db),
		Users:        NewUserRepository(db),
		CallRequests: NewCallRequestRepository(db),
		Files:        NewFileRepository(db),
	}
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func now() int64 {
	return time.Now().Unix()
}
