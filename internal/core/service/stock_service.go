package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

const systemActor = "system"

var (
	ErrInvalidStore     = errors.New("invalid store id")
	ErrInvalidProduct   = errors.New("invalid product id")
	ErrInvalidDelta     = errors.New("quantity change must be non-zero")
	ErrUnknownStore     = errors.New("unknown store")
	ErrUnknownProduct   = errors.New("unknown product")
	ErrQueueUnavailable = errors.New("task queue unavailable")
)

type StockUpdate struct {
	StoreID    int64
	ProductID  int64
	Delta      int64
	Actor      string
	RemoteAddr string
}

// StockService accepts mutation requests and hands them to the task queue.
// It never applies a mutation itself.
type StockService struct {
	catalog     port.CatalogRepository
	queue       port.TaskQueue
	deadLetters port.DeadLetterStore
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
}

func NewStockService(catalog port.CatalogRepository, queue port.TaskQueue, deadLetters port.DeadLetterStore, logger zerolog.Logger) *StockService {
	return &StockService{
		catalog:     catalog,
		queue:       queue,
		deadLetters: deadLetters,
		logger:      logger.With().Str("component", "stock_service").Logger(),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// UpdateStock validates the request and enqueues it. Rejected requests are
// never enqueued.
func (s *StockService) UpdateStock(ctx context.Context, req StockUpdate) (domain.StockTask, error) {
	if err := s.validate(ctx, req); err != nil {
		return domain.StockTask{}, err
	}

	actor := req.Actor
	if actor == "" {
		actor = systemActor
	}

	task := domain.StockTask{
		ID:         s.newID(),
		StoreID:    req.StoreID,
		ProductID:  req.ProductID,
		Delta:      req.Delta,
		Actor:      actor,
		RemoteAddr: req.RemoteAddr,
		EnqueuedAt: s.now().UTC(),
	}

	if err := s.queue.Enqueue(ctx, task); err != nil {
		return domain.StockTask{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.logger.Debug().
		Str("task_id", task.ID).
		Int64("store_id", task.StoreID).
		Int64("product_id", task.ProductID).
		Int64("delta", task.Delta).
		Msg("task queued")

	return task, nil
}

func (s *StockService) validate(ctx context.Context, req StockUpdate) error {
	if req.StoreID <= 0 {
		return ErrInvalidStore
	}
	if req.ProductID <= 0 {
		return ErrInvalidProduct
	}
	if req.Delta == 0 {
		return ErrInvalidDelta
	}

	ok, err := s.catalog.StoreExists(ctx, req.StoreID)
	if err != nil {
		return fmt.Errorf("lookup store: %w", err)
	}
	if !ok {
		return ErrUnknownStore
	}

	ok, err = s.catalog.ProductExists(ctx, req.ProductID)
	if err != nil {
		return fmt.Errorf("lookup product: %w", err)
	}
	if !ok {
		return ErrUnknownProduct
	}

	return nil
}

func (s *StockService) DeadLetters(ctx context.Context) ([]domain.DeadLetter, error) {
	return s.deadLetters.ListDeadLetters(ctx)
}

// Replay moves a dead-lettered task back onto the queue with a fresh retry budget.
func (s *StockService) Replay(ctx context.Context, taskID string) (domain.StockTask, error) {
	dl, err := s.deadLetters.RemoveDeadLetter(ctx, taskID)
	if err != nil {
		return domain.StockTask{}, fmt.Errorf("remove dead letter %s: %w", taskID, err)
	}

	task := dl.Task
	task.Attempts = 0
	task.EnqueuedAt = s.now().UTC()

	if err := s.queue.Enqueue(ctx, task); err != nil {
		if restoreErr := s.deadLetters.AddDeadLetter(ctx, dl); restoreErr != nil {
			s.logger.Error().Err(restoreErr).Interface("dead_letter", dl).Msg("CRITICAL: failed to restore dead letter")
		}
		return domain.StockTask{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.logger.Info().Str("task_id", task.ID).Str("reason", string(dl.Reason)).Msg("dead letter replayed")
	return task, nil
}
