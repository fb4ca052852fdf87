package storage

import (
	"context"
	"fmt"
	"strings"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id {{pk}},
		username VARCHAR(64) NOT NULL UNIQUE,
		password_hash VARCHAR(256) NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stores (
		id {{pk}},
		name VARCHAR(100) NOT NULL,
		location VARCHAR(255) NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS product_catalog (
		id {{pk}},
		name VARCHAR(100) NOT NULL,
		description TEXT,
		category VARCHAR(50),
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS store_inventory (
		id {{pk}},
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		quantity BIGINT NOT NULL DEFAULT 0,
		last_updated {{ts}} NOT NULL,
		UNIQUE (store_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id {{pk}},
		user_id VARCHAR(64) NOT NULL,
		action VARCHAR(32) NOT NULL,
		record_type VARCHAR(32) NOT NULL,
		record_id BIGINT NOT NULL,
		old_values TEXT,
		new_values TEXT,
		ip_address VARCHAR(45),
		created_at {{ts}} NOT NULL{{audit_index}}
	)`,
	`CREATE TABLE IF NOT EXISTS applied_tasks (
		task_id VARCHAR(64) NOT NULL PRIMARY KEY,
		applied_at {{ts}} NOT NULL
	)`,
}

func (d dialect) schema() []string {
	var r *strings.Replacer
	switch d.name {
	case DriverMySQL:
		r = strings.NewReplacer(
			"{{pk}}", "BIGINT AUTO_INCREMENT PRIMARY KEY",
			"{{ts}}", "DATETIME(6)",
			"{{audit_index}}", ",\n\t\tINDEX idx_audit_logs_created_at (created_at)",
		)
	case DriverPostgres:
		r = strings.NewReplacer("{{pk}}", "BIGSERIAL PRIMARY KEY", "{{ts}}", "TIMESTAMPTZ", "{{audit_index}}", "")
	default:
		r = strings.NewReplacer("{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{ts}}", "DATETIME", "{{audit_index}}", "")
	}

	out := make([]string, 0, len(schemaStatements)+1)
	for _, stmt := range schemaStatements {
		out = append(out, r.Replace(stmt))
	}
	if d.name != DriverMySQL {
		out = append(out, `CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs (created_at)`)
	}
	return out
}

// Migrate creates missing tables. It is idempotent.
func (a *SQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range a.dialect.schema() {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Seed adds two stores and three products with 100 units each when the
// catalog is empty.
func (a *SQLAdapter) Seed(ctx context.Context) error {
	var stores int
	if err := a.db.GetContext(ctx, &stores, `SELECT COUNT(*) FROM stores`); err != nil {
		return fmt.Errorf("count stores: %w", err)
	}
	if stores > 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := a.now().UTC()
	var storeIDs, productIDs []int64

	for _, s := range [][2]string{{"Main Store", "Downtown"}, {"Branch Store", "Uptown"}} {
		id, err := a.insertID(ctx, tx, `INSERT INTO stores (name, location, created_at) VALUES (?, ?, ?)`, s[0], s[1], now)
		if err != nil {
			return fmt.Errorf("insert store: %w", err)
		}
		storeIDs = append(storeIDs, id)
	}

	for _, p := range [][3]string{
		{"Laptop", "High-end laptop", "Electronics"},
		{"Desk Chair", "Ergonomic office chair", "Furniture"},
		{"Coffee Mug", "Ceramic mug", "Kitchenware"},
	} {
		id, err := a.insertID(ctx, tx, `INSERT INTO product_catalog (name, description, category, created_at) VALUES (?, ?, ?, ?)`, p[0], p[1], p[2], now)
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		productIDs = append(productIDs, id)
	}

	for _, storeID := range storeIDs {
		for _, productID := range productIDs {
			if _, err := tx.ExecContext(ctx, a.rebind(`
				INSERT INTO store_inventory (store_id, product_id, quantity, last_updated)
				VALUES (?, ?, ?, ?)`), storeID, productID, 100, now); err != nil {
				return fmt.Errorf("insert inventory: %w", err)
			}
		}
	}

	return tx.Commit()
}
