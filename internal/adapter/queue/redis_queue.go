package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

const (
	defaultKeyPrefix = "stockflow:"
	defaultLeaseTTL  = 10 * time.Second
	dequeueTimeout   = time.Second
)

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisQueue is a durable, partitioned reliable queue on Redis lists.
//
// Producers LPUSH onto queue:{p}; the lease holder of a partition BLMOVEs the
// oldest task into processing:{p} and LREMs it on ack. Tasks left in
// processing:{p} by a crashed consumer go back to the head of the queue when
// the next consumer takes the lease, so delivery is at-least-once.
type RedisQueue struct {
	client     *redis.Client
	partitions int
	prefix     string
	leaseTTL   time.Duration
	owner      string
}

func NewRedisQueue(client *redis.Client, partitions int) *RedisQueue {
	if partitions < 1 {
		partitions = 1
	}
	return &RedisQueue{
		client:     client,
		partitions: partitions,
		prefix:     defaultKeyPrefix,
		leaseTTL:   defaultLeaseTTL,
		owner:      uuid.New().String(),
	}
}

// WithPrefix namespaces every key, mainly for tests sharing one Redis.
func (q *RedisQueue) WithPrefix(prefix string) *RedisQueue {
	q.prefix = prefix
	return q
}

func (q *RedisQueue) Partitions() int {
	return q.partitions
}

func (q *RedisQueue) queueKey(p int) string      { return fmt.Sprintf("%squeue:%d", q.prefix, p) }
func (q *RedisQueue) processingKey(p int) string { return fmt.Sprintf("%sprocessing:%d", q.prefix, p) }
func (q *RedisQueue) leaseKey(p int) string      { return fmt.Sprintf("%slease:%d", q.prefix, p) }
func (q *RedisQueue) deadLetterKey() string      { return q.prefix + "deadletter" }

func (q *RedisQueue) Enqueue(ctx context.Context, task domain.StockTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	p := PartitionFor(task.Key(), q.partitions)
	if err := q.client.LPush(ctx, q.queueKey(p), payload).Err(); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Lease(ctx context.Context, partition int) (context.Context, func(), error) {
	key := q.leaseKey(partition)

	for {
		ok, err := q.client.SetNX(ctx, key, q.owner, q.leaseTTL).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(q.leaseTTL / 3):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	if err := q.recover(ctx, partition); err != nil {
		releaseLeaseScript.Run(context.WithoutCancel(ctx), q.client, []string{key}, q.owner)
		return nil, nil, err
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(q.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				n, err := renewLeaseScript.Run(leaseCtx, q.client, []string{key}, q.owner, q.leaseTTL.Milliseconds()).Int()
				if err != nil || n == 0 {
					cancel()
					return
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			cancel()
			releaseLeaseScript.Run(context.WithoutCancel(ctx), q.client, []string{key}, q.owner)
		})
	}

	return leaseCtx, release, nil
}

// recover moves unacked deliveries back to the consuming end of the queue,
// oldest last so that it is claimed first.
func (q *RedisQueue) recover(ctx context.Context, partition int) error {
	for {
		err := q.client.LMove(ctx, q.processingKey(partition), q.queueKey(partition), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover partition %d: %w", partition, err)
		}
	}
}

func (q *RedisQueue) Dequeue(ctx context.Context, partition int) (port.Delivery, error) {
	for {
		payload, err := q.client.BLMove(ctx, q.queueKey(partition), q.processingKey(partition), "RIGHT", "LEFT", dequeueTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return port.Delivery{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return port.Delivery{}, ctx.Err()
			}
			return port.Delivery{}, fmt.Errorf("claim task: %w", err)
		}

		var task domain.StockTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			// An undecodable payload can never succeed; park it with the dead letters.
			q.client.LRem(ctx, q.processingKey(partition), 1, payload)
			q.parkMalformed(ctx, payload, err)
			continue
		}

		return port.Delivery{Task: task, Partition: partition, Receipt: payload}, nil
	}
}

func (q *RedisQueue) parkMalformed(ctx context.Context, payload string, cause error) {
	dl := domain.DeadLetter{
		Task:     domain.StockTask{ID: "malformed-" + uuid.New().String()},
		Reason:   domain.ReasonRetriesExhausted,
		Error:    fmt.Sprintf("undecodable payload %q: %v", payload, cause),
		FailedAt: time.Now().UTC(),
	}
	_ = q.AddDeadLetter(ctx, dl)
}

func (q *RedisQueue) Ack(ctx context.Context, delivery port.Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(delivery.Partition), 1, delivery.Receipt).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", delivery.Task.ID, err)
	}
	return nil
}

// Len reports queued plus in-flight tasks across partitions.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	var total int64
	for p := 0; p < q.partitions; p++ {
		for _, key := range []string{q.queueKey(p), q.processingKey(p)} {
			n, err := q.client.LLen(ctx, key).Result()
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}

func (q *RedisQueue) AddDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.client.HSet(ctx, q.deadLetterKey(), dl.Task.ID, payload).Err(); err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context) ([]domain.DeadLetter, error) {
	entries, err := q.client.HGetAll(ctx, q.deadLetterKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]domain.DeadLetter, 0, len(entries))
	for id, raw := range entries {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
		}
		out = append(out, dl)
	}
	sortDeadLetters(out)
	return out, nil
}

func (q *RedisQueue) RemoveDeadLetter(ctx context.Context, taskID string) (domain.DeadLetter, error) {
	raw, err := q.client.HGet(ctx, q.deadLetterKey(), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.DeadLetter{}, port.ErrNotFound
	}
	if err != nil {
		return domain.DeadLetter{}, fmt.Errorf("get dead letter: %w", err)
	}

	var dl domain.DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return domain.DeadLetter{}, fmt.Errorf("decode dead letter %s: %w", taskID, err)
	}

	n, err := q.client.HDel(ctx, q.deadLetterKey(), taskID).Result()
	if err != nil {
		return domain.DeadLetter{}, fmt.Errorf("delete dead letter: %w", err)
	}
	if n == 0 {
		// another operator replayed it first
		return domain.DeadLetter{}, port.ErrNotFound
	}
	return dl, nil
}
