package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/rl1809/stockflow/internal/port"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// PasswordAuthenticator checks username/password pairs against bcrypt hashes
// in the user repository.
type PasswordAuthenticator struct {
	users port.UserRepository
}

func NewPasswordAuthenticator(users port.UserRepository) *PasswordAuthenticator {
	return &PasswordAuthenticator{users: users}
}

func (a *PasswordAuthenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	user, err := a.users.FindUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return user.Username, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
