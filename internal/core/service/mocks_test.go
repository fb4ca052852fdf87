package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

var errTransient = errors.New("connection reset")

// mockInventory mimics the transactional repository: it applies next under
// a lock and remembers applied task ids.
type mockInventory struct {
	mu       sync.Mutex
	records  map[domain.StockKey]*domain.InventoryRecord
	applied  map[string]bool
	failNext int
	// hangNext attempts block until their context expires
	hangNext int
	calls    int
	nextID   int64
}

func newMockInventory() *mockInventory {
	return &mockInventory{
		records: make(map[domain.StockKey]*domain.InventoryRecord),
		applied: make(map[string]bool),
	}
}

func (m *mockInventory) ApplyDelta(ctx context.Context, task domain.StockTask, next port.QuantityFunc) (domain.Mutation, error) {
	m.mu.Lock()
	m.calls++
	if m.hangNext > 0 {
		m.hangNext--
		m.mu.Unlock()
		<-ctx.Done()
		return domain.Mutation{}, ctx.Err()
	}
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return domain.Mutation{}, errTransient
	}

	rec, ok := m.records[task.Key()]
	if !ok {
		m.nextID++
		rec = &domain.InventoryRecord{ID: m.nextID, StoreID: task.StoreID, ProductID: task.ProductID}
	}
	if m.applied[task.ID] {
		return domain.Mutation{TaskID: task.ID, Record: *rec, OldQuantity: rec.Quantity, NewQuantity: rec.Quantity, Duplicate: true}, nil
	}

	old := rec.Quantity
	quantity, err := next(old)
	if err != nil {
		return domain.Mutation{}, err
	}

	rec.Quantity = quantity
	rec.LastUpdated = time.Now().UTC()
	m.records[task.Key()] = rec
	m.applied[task.ID] = true

	return domain.Mutation{TaskID: task.ID, Record: *rec, OldQuantity: old, NewQuantity: quantity}, nil
}

func (m *mockInventory) GetRecord(_ context.Context, key domain.StockKey) (*domain.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (m *mockInventory) quantity(key domain.StockKey) int64 {
	rec, _ := m.GetRecord(context.Background(), key)
	if rec == nil {
		return 0
	}
	return rec.Quantity
}

func (m *mockInventory) set(key domain.StockKey, quantity int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.records[key] = &domain.InventoryRecord{ID: m.nextID, StoreID: key.StoreID, ProductID: key.ProductID, Quantity: quantity}
}

type mockAudit struct {
	mu       sync.Mutex
	entries  []domain.AuditLogEntry
	failNext int
	calls    int
	page     domain.AuditPage
	lastQ    domain.AuditQuery
}

func (m *mockAudit) AppendAudit(_ context.Context, entry *domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return errTransient
	}
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockAudit) ListAudit(_ context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQ = q
	return m.page, nil
}

func (m *mockAudit) snapshot() []domain.AuditLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditLogEntry(nil), m.entries...)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.StockEvent
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, event domain.StockEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) snapshot() []domain.StockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StockEvent(nil), m.events...)
}

type mockDeadLetters struct {
	mu      sync.Mutex
	letters map[string]domain.DeadLetter
	failAdd int
}

func newMockDeadLetters() *mockDeadLetters {
	return &mockDeadLetters{letters: make(map[string]domain.DeadLetter)}
}

func (m *mockDeadLetters) AddDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdd > 0 {
		m.failAdd--
		return errTransient
	}
	m.letters[dl.Task.ID] = dl
	return nil
}

func (m *mockDeadLetters) ListDeadLetters(context.Context) ([]domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadLetter, 0, len(m.letters))
	for _, dl := range m.letters {
		out = append(out, dl)
	}
	return out, nil
}

func (m *mockDeadLetters) RemoveDeadLetter(_ context.Context, taskID string) (domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.letters[taskID]
	if !ok {
		return domain.DeadLetter{}, port.ErrNotFound
	}
	delete(m.letters, taskID)
	return dl, nil
}

type mockCatalog struct {
	stores   map[int64]bool
	products map[int64]bool
	err      error
}

func (m *mockCatalog) StoreExists(_ context.Context, id int64) (bool, error) {
	return m.stores[id], m.err
}

func (m *mockCatalog) ProductExists(_ context.Context, id int64) (bool, error) {
	return m.products[id], m.err
}

type mockQueue struct {
	mu    sync.Mutex
	tasks []domain.StockTask
	err   error
}

func (m *mockQueue) Enqueue(_ context.Context, task domain.StockTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockQueue) Partitions() int { return 1 }

func (m *mockQueue) Lease(ctx context.Context, _ int) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func (m *mockQueue) Dequeue(ctx context.Context, _ int) (port.Delivery, error) {
	<-ctx.Done()
	return port.Delivery{}, ctx.Err()
}

func (m *mockQueue) Ack(context.Context, port.Delivery) error { return nil }

type mockCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string][]byte)}
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

type mockReader struct {
	mu      sync.Mutex
	records []domain.InventoryRecord
	err     error
	calls   int
}

func (m *mockReader) ListStoreInventory(context.Context, int64, domain.StockFilter) ([]domain.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.records, m.err
}

func (m *mockReader) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
