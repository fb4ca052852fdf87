package domain

import "time"

const (
	AuditActionStockUpdate = "stock_update"
	AuditRecordInventory   = "inventory"
)

type Snapshot struct {
	Quantity int64 `json:"quantity"`
}

// AuditLogEntry is immutable once written.
type AuditLogEntry struct {
	ID         int64
	Actor      string
	Action     string
	RecordType string
	RecordID   int64
	OldValues  Snapshot
	NewValues  Snapshot
	IPAddress  string
	CreatedAt  time.Time
}

type AuditQuery struct {
	Page    int
	PerPage int
	From    time.Time
	To      time.Time
}

func (q AuditQuery) Offset() int {
	return (q.Page - 1) * q.PerPage
}

type AuditPage struct {
	Total       int
	Pages       int
	CurrentPage int
	Logs        []AuditLogEntry
}
