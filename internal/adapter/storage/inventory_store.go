package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

type inventoryRow struct {
	ID          int64     `db:"id"`
	StoreID     int64     `db:"store_id"`
	ProductID   int64     `db:"product_id"`
	Quantity    int64     `db:"quantity"`
	LastUpdated time.Time `db:"last_updated"`
}

func (r inventoryRow) toDomain() domain.InventoryRecord {
	return domain.InventoryRecord{
		ID:          r.ID,
		StoreID:     r.StoreID,
		ProductID:   r.ProductID,
		Quantity:    r.Quantity,
		LastUpdated: r.LastUpdated.UTC(),
	}
}

const selectInventory = `SELECT id, store_id, product_id, quantity, last_updated FROM store_inventory`

// ApplyDelta locks the (store, product) row, computes the new quantity and
// records the task id, all in one transaction. Losing a race to create the
// row surfaces as ErrConflict so the caller retries against the winner's row.
func (a *SQLAdapter) ApplyDelta(ctx context.Context, task domain.StockTask, next port.QuantityFunc) (domain.Mutation, error) {
	tx, err := a.db.BeginTxx(ctx, a.dialect.txOptions())
	if err != nil {
		return domain.Mutation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var row inventoryRow
	err = tx.GetContext(ctx, &row, a.rebind(selectInventory+`
		WHERE store_id = ? AND product_id = ?`+a.dialect.lockClause),
		task.StoreID, task.ProductID,
	)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		row = inventoryRow{StoreID: task.StoreID, ProductID: task.ProductID}
	} else if err != nil {
		return domain.Mutation{}, fmt.Errorf("lock inventory: %w", err)
	}

	var applied int
	if err := tx.GetContext(ctx, &applied, a.rebind(`SELECT COUNT(*) FROM applied_tasks WHERE task_id = ?`), task.ID); err != nil {
		return domain.Mutation{}, fmt.Errorf("check applied task: %w", err)
	}
	if applied > 0 {
		return domain.Mutation{
			TaskID:      task.ID,
			Record:      row.toDomain(),
			OldQuantity: row.Quantity,
			NewQuantity: row.Quantity,
			Duplicate:   true,
		}, nil
	}

	old := row.Quantity
	quantity, err := next(old)
	if err != nil {
		return domain.Mutation{}, err
	}

	now := a.now().UTC()
	if exists {
		_, err = tx.ExecContext(ctx, a.rebind(`
			UPDATE store_inventory SET quantity = ?, last_updated = ?
			WHERE id = ?`),
			quantity, now, row.ID,
		)
		if err != nil {
			return domain.Mutation{}, fmt.Errorf("update inventory: %w", err)
		}
	} else {
		row.ID, err = a.insertID(ctx, tx, `
			INSERT INTO store_inventory (store_id, product_id, quantity, last_updated)
			VALUES (?, ?, ?, ?)`,
			task.StoreID, task.ProductID, quantity, now,
		)
		if isUniqueViolation(err) {
			return domain.Mutation{}, fmt.Errorf("%w: inventory row for %s created concurrently", ErrConflict, task.Key())
		}
		if err != nil {
			return domain.Mutation{}, fmt.Errorf("insert inventory: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, a.rebind(`INSERT INTO applied_tasks (task_id, applied_at) VALUES (?, ?)`), task.ID, now)
	if isUniqueViolation(err) {
		return domain.Mutation{}, fmt.Errorf("%w: task %s applied concurrently", ErrConflict, task.ID)
	}
	if err != nil {
		return domain.Mutation{}, fmt.Errorf("record applied task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Mutation{}, fmt.Errorf("commit: %w", err)
	}

	row.Quantity = quantity
	row.LastUpdated = now

	return domain.Mutation{
		TaskID:      task.ID,
		Record:      row.toDomain(),
		OldQuantity: old,
		NewQuantity: quantity,
	}, nil
}

func (a *SQLAdapter) GetRecord(ctx context.Context, key domain.StockKey) (*domain.InventoryRecord, error) {
	var row inventoryRow
	err := a.db.GetContext(ctx, &row, a.rebind(selectInventory+`
		WHERE store_id = ? AND product_id = ?`),
		key.StoreID, key.ProductID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}

	rec := row.toDomain()
	return &rec, nil
}

func (a *SQLAdapter) ListStoreInventory(ctx context.Context, storeID int64, filter domain.StockFilter) ([]domain.InventoryRecord, error) {
	query := selectInventory + ` WHERE store_id = ?`
	args := []any{storeID}

	if filter.ProductID > 0 {
		query += ` AND product_id = ?`
		args = append(args, filter.ProductID)
	}
	if !filter.UpdatedFrom.IsZero() {
		query += ` AND last_updated >= ?`
		args = append(args, filter.UpdatedFrom.UTC())
	}
	if !filter.UpdatedTo.IsZero() {
		query += ` AND last_updated <= ?`
		args = append(args, filter.UpdatedTo.UTC())
	}
	query += ` ORDER BY product_id`

	var rows []inventoryRow
	if err := a.db.SelectContext(ctx, &rows, a.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}

	records := make([]domain.InventoryRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toDomain())
	}
	return records, nil
}

func (a *SQLAdapter) StoreExists(ctx context.Context, storeID int64) (bool, error) {
	return a.exists(ctx, `SELECT COUNT(*) FROM stores WHERE id = ?`, storeID)
}

func (a *SQLAdapter) ProductExists(ctx context.Context, productID int64) (bool, error) {
	return a.exists(ctx, `SELECT COUNT(*) FROM product_catalog WHERE id = ?`, productID)
}

func (a *SQLAdapter) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := a.db.GetContext(ctx, &n, a.rebind(query), args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateStore and CreateProduct are catalog scaffolding used by seeding and tests.
func (a *SQLAdapter) CreateStore(ctx context.Context, name, location string) (int64, error) {
	id, err := a.insertID(ctx, a.db, `INSERT INTO stores (name, location, created_at) VALUES (?, ?, ?)`, name, location, a.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert store: %w", err)
	}
	return id, nil
}

func (a *SQLAdapter) CreateProduct(ctx context.Context, name, category string) (int64, error) {
	id, err := a.insertID(ctx, a.db, `INSERT INTO product_catalog (name, category, created_at) VALUES (?, ?, ?)`, name, category, a.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}
