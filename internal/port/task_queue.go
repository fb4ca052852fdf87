package port

import (
	"context"
	"errors"

	"github.com/rl1809/stockflow/internal/core/domain"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
	ErrNotFound    = errors.New("not found")
)

// Delivery is a claimed task. Receipt is opaque to callers.
type Delivery struct {
	Task      domain.StockTask
	Partition int
	Receipt   string
}

// TaskQueue is partitioned: all tasks of one StockKey land in the same
// partition, and each partition is consumed by one holder of its lease at a
// time, so tasks of one key are applied in enqueue order.
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.StockTask) error
	Partitions() int

	// Lease blocks until the caller owns the partition. The returned context is
	// cancelled when ownership is lost; release gives it up.
	Lease(ctx context.Context, partition int) (context.Context, func(), error)

	// Dequeue blocks until a task is available, ctx is done or the queue is closed
	Dequeue(ctx context.Context, partition int) (Delivery, error)

	// Ack removes a processed delivery for good
	Ack(ctx context.Context, delivery Delivery) error
}

type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, dl domain.DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]domain.DeadLetter, error)

	// RemoveDeadLetter deletes and returns the entry, ErrNotFound if absent
	RemoveDeadLetter(ctx context.Context, taskID string) (domain.DeadLetter, error)
}
