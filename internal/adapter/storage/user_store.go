package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/stockflow/internal/core/domain"
)

var ErrUserExists = errors.New("username already exists")

type userRow struct {
	ID           int64     `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	IsAdmin      bool      `db:"is_admin"`
	CreatedAt    time.Time `db:"created_at"`
}

// FindUser returns nil when the username is unknown.
func (a *SQLAdapter) FindUser(ctx context.Context, username string) (*domain.User, error) {
	var row userRow
	err := a.db.GetContext(ctx, &row, a.rebind(`
		SELECT id, username, password_hash, is_admin, created_at
		FROM users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &domain.User{
		ID:           row.ID,
		Username:     row.Username,
		PasswordHash: row.PasswordHash,
		IsAdmin:      row.IsAdmin,
		CreatedAt:    row.CreatedAt.UTC(),
	}, nil
}

func (a *SQLAdapter) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = a.now().UTC()
	}

	id, err := a.insertID(ctx, a.db, `
		INSERT INTO users (username, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?)`,
		user.Username, user.PasswordHash, user.IsAdmin, user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrUserExists, user.Username)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	user.ID = id
	return nil
}
