package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

var (
	ErrInvalidRange    = errors.New("invalid time range")
	ErrReadUnavailable = errors.New("inventory read unavailable")
)

// InventoryQueryService serves bulk reads from the replica through the read
// cache. Results are recently accurate, not current: they may lag the primary
// by replica lag plus up to one cache TTL.
type InventoryQueryService struct {
	primary port.InventoryReader
	replica port.InventoryReader
	cache   *ReadCache
	ttl     time.Duration
	logger  zerolog.Logger
}

func NewInventoryQueryService(primary, replica port.InventoryReader, cache *ReadCache, ttl time.Duration, logger zerolog.Logger) *InventoryQueryService {
	if replica == nil {
		replica = primary
	}
	return &InventoryQueryService{
		primary: primary,
		replica: replica,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With().Str("component", "inventory_query").Logger(),
	}
}

func (s *InventoryQueryService) StoreStock(ctx context.Context, storeID int64, filter domain.StockFilter) ([]domain.InventoryRecord, error) {
	if storeID <= 0 {
		return nil, ErrInvalidStore
	}
	if !filter.UpdatedFrom.IsZero() && !filter.UpdatedTo.IsZero() && filter.UpdatedFrom.After(filter.UpdatedTo) {
		return nil, ErrInvalidRange
	}

	return GetOrCompute(ctx, s.cache, filter.CacheKey(storeID), s.ttl, func(ctx context.Context) ([]domain.InventoryRecord, error) {
		return s.read(ctx, storeID, filter)
	})
}

// read prefers the replica and falls back to the primary. It fails loudly
// rather than returning an empty listing when both are down.
func (s *InventoryQueryService) read(ctx context.Context, storeID int64, filter domain.StockFilter) ([]domain.InventoryRecord, error) {
	records, err := s.replica.ListStoreInventory(ctx, storeID, filter)
	if err == nil {
		return nonNil(records), nil
	}

	if s.primary == nil || s.primary == s.replica {
		return nil, fmt.Errorf("%w: %v", ErrReadUnavailable, err)
	}

	s.logger.Warn().Err(err).Int64("store_id", storeID).Msg("replica read failed, falling back to primary")

	records, primaryErr := s.primary.ListStoreInventory(ctx, storeID, filter)
	if primaryErr != nil {
		return nil, fmt.Errorf("%w: replica: %v, primary: %v", ErrReadUnavailable, err, primaryErr)
	}
	return nonNil(records), nil
}

func nonNil(records []domain.InventoryRecord) []domain.InventoryRecord {
	if records == nil {
		return []domain.InventoryRecord{}
	}
	return records
}
