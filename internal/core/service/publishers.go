package service

import (
	"context"
	"errors"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

// MultiPublisher publishes to every sink and joins their errors.
type MultiPublisher []port.EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, event domain.StockEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
