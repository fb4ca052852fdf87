package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

// MemoryQueue is the single-process TaskQueue: bounded FIFO partitions with
// signal channels for context-aware waiting. Nothing survives a restart.
type MemoryQueue struct {
	partitions []*memoryPartition
	capacity   int

	dlMu        sync.Mutex
	deadLetters map[string]domain.DeadLetter
}

type memoryPartition struct {
	mu     sync.Mutex
	tasks  []domain.StockTask
	closed bool
	signal chan struct{}
	lease  chan struct{}
}

func NewMemoryQueue(partitions, capacity int) *MemoryQueue {
	if partitions < 1 {
		partitions = 1
	}
	q := &MemoryQueue{
		partitions:  make([]*memoryPartition, partitions),
		capacity:    capacity,
		deadLetters: make(map[string]domain.DeadLetter),
	}
	for i := range q.partitions {
		q.partitions[i] = &memoryPartition{
			signal: make(chan struct{}, 1),
			lease:  make(chan struct{}, 1),
		}
	}
	return q
}

func (q *MemoryQueue) Partitions() int {
	return len(q.partitions)
}

func (q *MemoryQueue) partition(i int) (*memoryPartition, error) {
	if i < 0 || i >= len(q.partitions) {
		return nil, fmt.Errorf("partition %d out of range", i)
	}
	return q.partitions[i], nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, task domain.StockTask) error {
	p := q.partitions[PartitionFor(task.Key(), len(q.partitions))]

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return port.ErrQueueClosed
	}
	if q.capacity > 0 && len(p.tasks) >= q.capacity {
		return port.ErrQueueFull
	}

	p.tasks = append(p.tasks, task)

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Lease(ctx context.Context, partition int) (context.Context, func(), error) {
	p, err := q.partition(partition)
	if err != nil {
		return nil, nil, err
	}

	select {
	case p.lease <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-p.lease })
	}
	return ctx, release, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, partition int) (port.Delivery, error) {
	p, err := q.partition(partition)
	if err != nil {
		return port.Delivery{}, err
	}

	for {
		p.mu.Lock()
		if len(p.tasks) > 0 {
			task := p.tasks[0]
			p.tasks[0] = domain.StockTask{}
			p.tasks = p.tasks[1:]
			if len(p.tasks) == 0 {
				p.tasks = nil
			}
			p.mu.Unlock()
			return port.Delivery{Task: task, Partition: partition}, nil
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return port.Delivery{}, port.ErrQueueClosed
		}

		select {
		case <-p.signal:
		case <-ctx.Done():
			return port.Delivery{}, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(context.Context, port.Delivery) error {
	return nil
}

// Len reports the number of queued, unclaimed tasks.
func (q *MemoryQueue) Len() int {
	n := 0
	for _, p := range q.partitions {
		p.mu.Lock()
		n += len(p.tasks)
		p.mu.Unlock()
	}
	return n
}

// Close stops accepting tasks. Consumers drain what is queued, then get ErrQueueClosed.
func (q *MemoryQueue) Close() {
	for _, p := range q.partitions {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
}

func (q *MemoryQueue) AddDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	q.dlMu.Lock()
	defer q.dlMu.Unlock()
	q.deadLetters[dl.Task.ID] = dl
	return nil
}

func (q *MemoryQueue) ListDeadLetters(context.Context) ([]domain.DeadLetter, error) {
	q.dlMu.Lock()
	defer q.dlMu.Unlock()

	out := make([]domain.DeadLetter, 0, len(q.deadLetters))
	for _, dl := range q.deadLetters {
		out = append(out, dl)
	}
	sortDeadLetters(out)
	return out, nil
}

func (q *MemoryQueue) RemoveDeadLetter(_ context.Context, taskID string) (domain.DeadLetter, error) {
	q.dlMu.Lock()
	defer q.dlMu.Unlock()

	dl, ok := q.deadLetters[taskID]
	if !ok {
		return domain.DeadLetter{}, port.ErrNotFound
	}
	delete(q.deadLetters, taskID)
	return dl, nil
}

func sortDeadLetters(dls []domain.DeadLetter) {
	sort.Slice(dls, func(i, j int) bool {
		if dls[i].FailedAt.Equal(dls[j].FailedAt) {
			return dls[i].Task.ID < dls[j].Task.ID
		}
		return dls[i].FailedAt.Before(dls[j].FailedAt)
	})
}
