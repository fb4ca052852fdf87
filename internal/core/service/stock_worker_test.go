package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stockflow/internal/adapter/queue"
	"github.com/rl1809/stockflow/internal/core/domain"
)

type workerFixture struct {
	inventory   *mockInventory
	audit       *mockAudit
	publisher   *mockPublisher
	deadLetters *mockDeadLetters
	sleeps      []time.Duration
	worker      *StockWorker
}

func newWorkerFixture(t *testing.T, q *queue.MemoryQueue, cfg WorkerConfig) *workerFixture {
	t.Helper()
	f := &workerFixture{
		inventory:   newMockInventory(),
		audit:       &mockAudit{},
		publisher:   &mockPublisher{},
		deadLetters: newMockDeadLetters(),
	}
	if q == nil {
		q = queue.NewMemoryQueue(1, 16)
	}
	f.worker = NewStockWorker(q, f.inventory, f.audit, f.publisher, f.deadLetters, cfg, zerolog.Nop())

	var mu sync.Mutex
	f.worker.sleep = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		f.sleeps = append(f.sleeps, d)
	}
	return f
}

func testTask(id string, delta int64) domain.StockTask {
	return domain.StockTask{ID: id, StoreID: 1, ProductID: 10, Delta: delta, Actor: "alice", RemoteAddr: "10.0.0.1"}
}

var testKey = domain.StockKey{StoreID: 1, ProductID: 10}

func TestProcess_AppliesAuditsAndPublishes(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{})

	outcome := f.worker.Process(context.Background(), testTask("t1", 50))
	require.Equal(t, domain.OutcomeApplied, outcome)
	assert.Equal(t, int64(50), f.inventory.quantity(testKey))

	entries := f.audit.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, domain.AuditActionStockUpdate, entries[0].Action)
	assert.Equal(t, domain.AuditRecordInventory, entries[0].RecordType)
	assert.Equal(t, int64(0), entries[0].OldValues.Quantity)
	assert.Equal(t, int64(50), entries[0].NewValues.Quantity)
	assert.Equal(t, "10.0.0.1", entries[0].IPAddress)

	events := f.publisher.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, testKey, events[0].Key())
	assert.Equal(t, int64(50), events[0].Quantity)
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{MaxAttempts: 3, Backoff: 10 * time.Millisecond})
	f.inventory.set(testKey, 20)
	f.inventory.failNext = 2

	outcome := f.worker.Process(context.Background(), testTask("t1", -5))
	require.Equal(t, domain.OutcomeApplied, outcome)
	assert.Equal(t, int64(15), f.inventory.quantity(testKey))
	assert.Equal(t, 3, f.inventory.calls)
	assert.Len(t, f.audit.snapshot(), 1, "a retried task is audited once")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleeps)
}

func TestProcess_AttemptTimeoutIsRetried(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{MaxAttempts: 3, TaskTimeout: 10 * time.Millisecond})
	f.inventory.hangNext = 1

	outcome := f.worker.Process(context.Background(), testTask("t1", 7))
	require.Equal(t, domain.OutcomeApplied, outcome)
	assert.Equal(t, int64(7), f.inventory.quantity(testKey))
	assert.Equal(t, 2, f.inventory.calls)
	assert.Len(t, f.audit.snapshot(), 1)
	assert.Len(t, f.sleeps, 1)
}

func TestProcess_DeadLettersAfterRetries(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{MaxAttempts: 3})
	f.inventory.set(testKey, 20)
	f.inventory.failNext = 5

	outcome := f.worker.Process(context.Background(), testTask("t1", -5))
	require.Equal(t, domain.OutcomeDeadLettered, outcome)
	assert.Equal(t, int64(20), f.inventory.quantity(testKey))
	assert.Empty(t, f.audit.snapshot())
	assert.Empty(t, f.publisher.snapshot())

	dl, ok := f.deadLetters.letters["t1"]
	require.True(t, ok)
	assert.Equal(t, domain.ReasonRetriesExhausted, dl.Reason)
	assert.Equal(t, 3, dl.Task.Attempts)
	assert.Contains(t, dl.Error, errTransient.Error())
}

func TestProcess_NegativeStockPolicy(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		f := newWorkerFixture(t, nil, WorkerConfig{MaxAttempts: 3})
		f.inventory.set(testKey, 2)

		outcome := f.worker.Process(context.Background(), testTask("t1", -5))
		require.Equal(t, domain.OutcomeDeadLettered, outcome)
		assert.Equal(t, 1, f.inventory.calls, "policy rejections are not retried")
		assert.Equal(t, int64(2), f.inventory.quantity(testKey))
		assert.Equal(t, domain.ReasonNegativeStock, f.deadLetters.letters["t1"].Reason)
	})

	t.Run("clamp", func(t *testing.T) {
		f := newWorkerFixture(t, nil, WorkerConfig{Policy: domain.NegativeStockClamp})
		f.inventory.set(testKey, 2)

		require.Equal(t, domain.OutcomeApplied, f.worker.Process(context.Background(), testTask("t1", -5)))
		assert.Equal(t, int64(0), f.inventory.quantity(testKey))
	})

	t.Run("allow", func(t *testing.T) {
		f := newWorkerFixture(t, nil, WorkerConfig{Policy: domain.NegativeStockAllow})
		f.inventory.set(testKey, 2)

		require.Equal(t, domain.OutcomeApplied, f.worker.Process(context.Background(), testTask("t1", -5)))
		assert.Equal(t, int64(-3), f.inventory.quantity(testKey))
	})
}

func TestProcess_AuditFailureKeepsStockChange(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{AuditAttempts: 2})
	f.audit.failNext = 2

	outcome := f.worker.Process(context.Background(), testTask("t1", 7))
	require.Equal(t, domain.OutcomeApplied, outcome)
	assert.Equal(t, int64(7), f.inventory.quantity(testKey))
	assert.Equal(t, 2, f.audit.calls)
	assert.Empty(t, f.audit.snapshot())
	assert.Len(t, f.publisher.snapshot(), 1, "publish still happens after audit loss")
	assert.Empty(t, f.deadLetters.letters)
}

func TestProcess_AuditRetrySucceeds(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{AuditAttempts: 3})
	f.audit.failNext = 1

	f.worker.Process(context.Background(), testTask("t1", 7))
	assert.Len(t, f.audit.snapshot(), 1)
	assert.Equal(t, 1, f.inventory.calls, "audit retries do not reapply the delta")
}

func TestProcess_PublishFailureIgnored(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{})
	f.publisher.err = errors.New("no subscribers")

	outcome := f.worker.Process(context.Background(), testTask("t1", 4))
	assert.Equal(t, domain.OutcomeApplied, outcome)
	assert.Len(t, f.audit.snapshot(), 1)
}

func TestProcess_DuplicateSkipsSideEffects(t *testing.T) {
	f := newWorkerFixture(t, nil, WorkerConfig{})

	require.Equal(t, domain.OutcomeApplied, f.worker.Process(context.Background(), testTask("t1", 4)))
	require.Equal(t, domain.OutcomeDuplicate, f.worker.Process(context.Background(), testTask("t1", 4)))

	assert.Equal(t, int64(4), f.inventory.quantity(testKey))
	assert.Len(t, f.audit.snapshot(), 1)
	assert.Len(t, f.publisher.snapshot(), 1)
}

func TestRun_ConcurrentDeltasCommitInOrder(t *testing.T) {
	const perKey = 50
	keys := []domain.StockKey{{StoreID: 1, ProductID: 10}, {StoreID: 1, ProductID: 11}, {StoreID: 2, ProductID: 10}}

	q := queue.NewMemoryQueue(4, perKey*len(keys))
	f := newWorkerFixture(t, q, WorkerConfig{Policy: domain.NegativeStockAllow})

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key domain.StockKey) {
			defer wg.Done()
			for i := 1; i <= perKey; i++ {
				task := domain.StockTask{ID: fmt.Sprintf("%s-%d", key, i), StoreID: key.StoreID, ProductID: key.ProductID, Delta: int64(i)}
				if err := q.Enqueue(context.Background(), task); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}(key)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		f.worker.Run(context.Background())
		close(done)
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the closed queue")
	}

	want := int64(perKey * (perKey + 1) / 2)
	for _, key := range keys {
		assert.Equal(t, want, f.inventory.quantity(key), key.String())
	}

	// each key's audit trail must replay the deltas in enqueue order
	entries := f.audit.snapshot()
	require.Len(t, entries, perKey*len(keys))
	byRecord := make(map[int64][]domain.AuditLogEntry)
	for _, e := range entries {
		byRecord[e.RecordID] = append(byRecord[e.RecordID], e)
	}
	for id, trail := range byRecord {
		for i, e := range trail {
			delta := e.NewValues.Quantity - e.OldValues.Quantity
			assert.Equal(t, int64(i+1), delta, "record %d entry %d", id, i)
			if i > 0 {
				assert.Equal(t, trail[i-1].NewValues.Quantity, e.OldValues.Quantity)
			}
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	q := queue.NewMemoryQueue(2, 4)
	f := newWorkerFixture(t, q, WorkerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, q.Enqueue(context.Background(), testTask("t1", 3)))
	require.Eventually(t, func() bool { return f.inventory.quantity(testKey) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
