package port

import (
	"context"

	"github.com/rl1809/stockflow/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.StockEvent) error
}

type Authenticator interface {
	// Authenticate returns the verified identity for the credentials
	Authenticate(ctx context.Context, username, password string) (string, error)
}
