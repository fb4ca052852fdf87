package port

import (
	"context"

	"github.com/rl1809/stockflow/internal/core/domain"
)

// QuantityFunc computes the new quantity from the locked current one.
type QuantityFunc func(old int64) (int64, error)

type InventoryRepository interface {
	// ApplyDelta locks (or lazily creates at 0) the record for the task's key,
	// sets its quantity to next(old) and commits in one transaction. A task id
	// that was already applied is reported as a duplicate without changes.
	ApplyDelta(ctx context.Context, task domain.StockTask, next QuantityFunc) (domain.Mutation, error)

	// GetRecord returns nil when no record exists for the key
	GetRecord(ctx context.Context, key domain.StockKey) (*domain.InventoryRecord, error)
}

type InventoryReader interface {
	ListStoreInventory(ctx context.Context, storeID int64, filter domain.StockFilter) ([]domain.InventoryRecord, error)
}

type CatalogRepository interface {
	StoreExists(ctx context.Context, storeID int64) (bool, error)
	ProductExists(ctx context.Context, productID int64) (bool, error)
}

type AuditRepository interface {
	// AppendAudit is write-only; entries are never updated or deleted
	AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error

	// ListAudit returns entries newest first
	ListAudit(ctx context.Context, query domain.AuditQuery) (domain.AuditPage, error)
}

type UserRepository interface {
	FindUser(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error
}
