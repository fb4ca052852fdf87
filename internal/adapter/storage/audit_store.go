package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rl1809/stockflow/internal/core/domain"
)

type auditRow struct {
	ID         int64          `db:"id"`
	UserID     string         `db:"user_id"`
	Action     string         `db:"action"`
	RecordType string         `db:"record_type"`
	RecordID   int64          `db:"record_id"`
	OldValues  sql.NullString `db:"old_values"`
	NewValues  sql.NullString `db:"new_values"`
	IPAddress  sql.NullString `db:"ip_address"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r auditRow) toDomain() (domain.AuditLogEntry, error) {
	entry := domain.AuditLogEntry{
		ID:         r.ID,
		Actor:      r.UserID,
		Action:     r.Action,
		RecordType: r.RecordType,
		RecordID:   r.RecordID,
		IPAddress:  r.IPAddress.String,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.OldValues.Valid {
		if err := json.Unmarshal([]byte(r.OldValues.String), &entry.OldValues); err != nil {
			return entry, fmt.Errorf("decode old values of audit %d: %w", r.ID, err)
		}
	}
	if r.NewValues.Valid {
		if err := json.Unmarshal([]byte(r.NewValues.String), &entry.NewValues); err != nil {
			return entry, fmt.Errorf("decode new values of audit %d: %w", r.ID, err)
		}
	}
	return entry, nil
}

func (a *SQLAdapter) AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error {
	oldValues, err := json.Marshal(entry.OldValues)
	if err != nil {
		return fmt.Errorf("encode old values: %w", err)
	}
	newValues, err := json.Marshal(entry.NewValues)
	if err != nil {
		return fmt.Errorf("encode new values: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now().UTC()
	}

	var ip sql.NullString
	if entry.IPAddress != "" {
		ip = sql.NullString{String: entry.IPAddress, Valid: true}
	}

	id, err := a.insertID(ctx, a.db, `
		INSERT INTO audit_logs (user_id, action, record_type, record_id, old_values, new_values, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.RecordType, entry.RecordID,
		string(oldValues), string(newValues), ip, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	entry.ID = id
	return nil
}

func (a *SQLAdapter) ListAudit(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	where := ` WHERE 1 = 1`
	var args []any
	if !q.From.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where += ` AND created_at <= ?`
		args = append(args, q.To.UTC())
	}

	var total int
	if err := a.db.GetContext(ctx, &total, a.rebind(`SELECT COUNT(*) FROM audit_logs`+where), args...); err != nil {
		return domain.AuditPage{}, fmt.Errorf("count audit logs: %w", err)
	}

	var rows []auditRow
	err := a.db.SelectContext(ctx, &rows, a.rebind(`
		SELECT id, user_id, action, record_type, record_id, old_values, new_values, ip_address, created_at
		FROM audit_logs`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`),
		append(args, q.PerPage, q.Offset())...,
	)
	if err != nil {
		return domain.AuditPage{}, fmt.Errorf("list audit logs: %w", err)
	}

	page := domain.AuditPage{
		Total:       total,
		Pages:       pageCount(total, q.PerPage),
		CurrentPage: q.Page,
		Logs:        make([]domain.AuditLogEntry, 0, len(rows)),
	}
	for _, r := range rows {
		entry, err := r.toDomain()
		if err != nil {
			return domain.AuditPage{}, err
		}
		page.Logs = append(page.Logs, entry)
	}
	return page, nil
}

func pageCount(total, perPage int) int {
	if perPage <= 0 || total == 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}
