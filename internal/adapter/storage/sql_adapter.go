package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrConflict          = errors.New("concurrent update conflict")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type dialect struct {
	name string
	// lockClause is appended to row reads inside a mutation transaction
	lockClause string
	// returning means inserted ids come back via RETURNING instead of LastInsertId
	returning bool
	isolation sql.IsolationLevel
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverMySQL:
		return dialect{name: driver, lockClause: " FOR UPDATE", isolation: sql.LevelReadCommitted}, nil
	case DriverPostgres:
		return dialect{name: driver, lockClause: " FOR UPDATE", returning: true, isolation: sql.LevelReadCommitted}, nil
	case DriverSQLite:
		// sqlite serializes writers on its single connection
		return dialect{name: driver}, nil
	default:
		return dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

func (d dialect) txOptions() *sql.TxOptions {
	if d.isolation == sql.LevelDefault {
		return nil
	}
	return &sql.TxOptions{Isolation: d.isolation}
}

// Open connects to driver/dsn and verifies the connection. MySQL DSNs need
// parseTime=true.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if _, err := dialectFor(driver); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// SQLAdapter implements the inventory, catalog, audit and user repositories
// on one database handle. The primary and the replica each get their own adapter.
type SQLAdapter struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

func NewSQLAdapter(db *sqlx.DB) (*SQLAdapter, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	return &SQLAdapter{db: db, dialect: d, now: time.Now}, nil
}

func (a *SQLAdapter) DB() *sqlx.DB {
	return a.db
}

func (a *SQLAdapter) rebind(query string) string {
	return a.db.Rebind(query)
}

// insertID runs an INSERT and returns the generated id for both id styles.
func (a *SQLAdapter) insertID(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) (int64, error) {
	if a.dialect.returning {
		var id int64
		if err := sqlx.GetContext(ctx, ext, &id, a.rebind(query+" RETURNING id"), args...); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := ext.ExecContext(ctx, a.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
