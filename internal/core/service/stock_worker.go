package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

type WorkerConfig struct {
	// MaxAttempts bounds how often one task's transaction is tried
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles after each failure
	Backoff time.Duration
	// TaskTimeout bounds a single attempt
	TaskTimeout time.Duration
	// AuditAttempts bounds the independent retries of the audit write
	AuditAttempts int
	Policy        domain.NegativeStockPolicy
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxAttempts:   3,
		Backoff:       200 * time.Millisecond,
		TaskTimeout:   5 * time.Second,
		AuditAttempts: 3,
		Policy:        domain.NegativeStockReject,
	}
}

// StockWorker drains the task queue: one goroutine per partition, one task at
// a time per partition, so deltas for a key commit in enqueue order.
type StockWorker struct {
	queue       port.TaskQueue
	inventory   port.InventoryRepository
	audit       port.AuditRepository
	publisher   port.EventPublisher
	deadLetters port.DeadLetterStore
	cfg         WorkerConfig
	logger      zerolog.Logger
	now         func() time.Time
	sleep       func(time.Duration)
}

func NewStockWorker(
	queue port.TaskQueue,
	inventory port.InventoryRepository,
	audit port.AuditRepository,
	publisher port.EventPublisher,
	deadLetters port.DeadLetterStore,
	cfg WorkerConfig,
	logger zerolog.Logger,
) *StockWorker {
	def := DefaultWorkerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.AuditAttempts <= 0 {
		cfg.AuditAttempts = def.AuditAttempts
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}

	return &StockWorker{
		queue:       queue,
		inventory:   inventory,
		audit:       audit,
		publisher:   publisher,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger:      logger.With().Str("component", "stock_worker").Logger(),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Run consumes every partition until ctx is cancelled or the queue is closed.
// A task that was already claimed runs to completion even after cancellation.
func (w *StockWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for p := 0; p < w.queue.Partitions(); p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			w.runPartition(ctx, partition)
		}(p)
	}
	w.logger.Info().Int("partitions", w.queue.Partitions()).Msg("worker started")
	wg.Wait()
	w.logger.Info().Msg("worker stopped")
}

func (w *StockWorker) runPartition(ctx context.Context, partition int) {
	log := w.logger.With().Int("partition", partition).Logger()

	for ctx.Err() == nil {
		leaseCtx, release, err := w.queue.Lease(ctx, partition)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to lease partition")
				w.sleep(w.backoff(1))
			}
			continue
		}

		closed := w.consume(leaseCtx, partition, log)
		release()
		if closed {
			return
		}
	}
}

// consume processes deliveries until the lease context ends. It reports
// whether the queue was closed.
func (w *StockWorker) consume(ctx context.Context, partition int, log zerolog.Logger) bool {
	for {
		delivery, err := w.queue.Dequeue(ctx, partition)
		if errors.Is(err, port.ErrQueueClosed) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to dequeue task")
			w.sleep(w.backoff(1))
			continue
		}

		detached := context.WithoutCancel(ctx)
		w.Process(detached, delivery.Task)

		if err := w.queue.Ack(detached, delivery); err != nil {
			log.Error().Err(err).Str("task_id", delivery.Task.ID).Msg("failed to ack task")
		}
	}
}

// Process runs one task through apply → audit → publish. Transient failures
// are retried in place up to MaxAttempts; a task that cannot be applied is
// dead-lettered, never dropped.
func (w *StockWorker) Process(ctx context.Context, task domain.StockTask) domain.TaskOutcome {
	log := w.logger.With().
		Str("task_id", task.ID).
		Int64("store_id", task.StoreID).
		Int64("product_id", task.ProductID).
		Int64("delta", task.Delta).
		Logger()

	mutation, err := w.apply(ctx, &task, log)
	if err != nil {
		reason := domain.ReasonRetriesExhausted
		if errors.Is(err, domain.ErrNegativeStock) {
			reason = domain.ReasonNegativeStock
		}
		w.deadLetter(ctx, task, reason, err, log)
		return domain.OutcomeDeadLettered
	}

	if mutation.Duplicate {
		log.Warn().Msg("task already applied, skipping")
		return domain.OutcomeDuplicate
	}

	log.Info().
		Int64("old_quantity", mutation.OldQuantity).
		Int64("new_quantity", mutation.NewQuantity).
		Int("attempt", task.Attempts).
		Msg("stock updated")

	w.writeAudit(ctx, task, mutation, log)
	w.publish(ctx, mutation, log)

	return domain.OutcomeApplied
}

func (w *StockWorker) apply(ctx context.Context, task *domain.StockTask, log zerolog.Logger) (domain.Mutation, error) {
	policy := w.cfg.Policy
	next := func(old int64) (int64, error) {
		return policy.Apply(old, task.Delta)
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		task.Attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
		mutation, err := w.inventory.ApplyDelta(attemptCtx, *task, next)
		cancel()

		if err == nil {
			return mutation, nil
		}
		if errors.Is(err, domain.ErrNegativeStock) {
			return domain.Mutation{}, err
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("stock update attempt failed")
		if attempt < w.cfg.MaxAttempts {
			w.sleep(w.backoff(attempt))
		}
	}
	return domain.Mutation{}, lastErr
}

// writeAudit is best-effort: the stock change is already committed and is
// not rolled back when the audit trail cannot be written.
func (w *StockWorker) writeAudit(ctx context.Context, task domain.StockTask, m domain.Mutation, log zerolog.Logger) {
	entry := domain.AuditLogEntry{
		Actor:      task.Actor,
		Action:     domain.AuditActionStockUpdate,
		RecordType: domain.AuditRecordInventory,
		RecordID:   m.Record.ID,
		OldValues:  domain.Snapshot{Quantity: m.OldQuantity},
		NewValues:  domain.Snapshot{Quantity: m.NewQuantity},
		IPAddress:  task.RemoteAddr,
		CreatedAt:  w.now().UTC(),
	}

	var err error
	for attempt := 1; attempt <= w.cfg.AuditAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
		err = w.audit.AppendAudit(attemptCtx, &entry)
		cancel()
		if err == nil {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("audit write failed")
		if attempt < w.cfg.AuditAttempts {
			w.sleep(w.backoff(attempt))
		}
	}

	log.Error().Err(err).Interface("audit_entry", entry).Msg("audit entry lost after retries")
}

func (w *StockWorker) publish(ctx context.Context, m domain.Mutation, log zerolog.Logger) {
	if w.publisher == nil {
		return
	}
	event := domain.StockEvent{
		StoreID:   m.Record.StoreID,
		ProductID: m.Record.ProductID,
		Quantity:  m.NewQuantity,
		Timestamp: m.Record.LastUpdated,
	}
	if err := w.publisher.Publish(ctx, event); err != nil {
		log.Debug().Err(err).Msg("event publish failed")
	}
}

func (w *StockWorker) deadLetter(ctx context.Context, task domain.StockTask, reason domain.DeadLetterReason, cause error, log zerolog.Logger) {
	dl := domain.DeadLetter{
		Task:     task,
		Reason:   reason,
		Error:    cause.Error(),
		FailedAt: w.now().UTC(),
	}

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = w.deadLetters.AddDeadLetter(ctx, dl); err == nil {
			log.Error().Err(cause).Str("reason", string(reason)).Int("attempts", task.Attempts).Msg("task dead-lettered")
			return
		}
		if attempt < w.cfg.MaxAttempts {
			w.sleep(w.backoff(attempt))
		}
	}

	log.Error().Err(err).Interface("dead_letter", dl).Msg("CRITICAL: failed to record dead letter")
}

func (w *StockWorker) backoff(attempt int) time.Duration {
	if w.cfg.Backoff <= 0 {
		return 0
	}
	return w.cfg.Backoff << (attempt - 1)
}
