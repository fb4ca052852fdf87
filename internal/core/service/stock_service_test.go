package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

func newTestStockService(q *mockQueue, dls *mockDeadLetters) *StockService {
	catalog := &mockCatalog{
		stores:   map[int64]bool{1: true, 2: true},
		products: map[int64]bool{10: true, 11: true},
	}
	svc := NewStockService(catalog, q, dls, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	svc.newID = func() string { return "task-1" }
	return svc
}

func TestUpdateStock_Queued(t *testing.T) {
	q := &mockQueue{}
	svc := newTestStockService(q, newMockDeadLetters())

	task, err := svc.UpdateStock(context.Background(), StockUpdate{
		StoreID:    1,
		ProductID:  10,
		Delta:      -3,
		Actor:      "alice",
		RemoteAddr: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if task.ID != "task-1" {
		t.Errorf("expected task-1, got %s", task.ID)
	}
	if len(q.tasks) != 1 {
		t.Fatalf("expected 1 queued task, got %d", len(q.tasks))
	}
	queued := q.tasks[0]
	if queued.Delta != -3 || queued.Actor != "alice" || queued.RemoteAddr != "10.0.0.1" {
		t.Errorf("unexpected queued task: %+v", queued)
	}
	if queued.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", queued.Attempts)
	}
	if !queued.EnqueuedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected enqueue time %v", queued.EnqueuedAt)
	}
}

func TestUpdateStock_DefaultActor(t *testing.T) {
	q := &mockQueue{}
	svc := newTestStockService(q, newMockDeadLetters())

	task, err := svc.UpdateStock(context.Background(), StockUpdate{StoreID: 1, ProductID: 10, Delta: 5})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if task.Actor != "system" {
		t.Errorf("expected system actor, got %q", task.Actor)
	}
}

func TestUpdateStock_Rejected(t *testing.T) {
	tests := []struct {
		name string
		req  StockUpdate
		want error
	}{
		{"zero store", StockUpdate{StoreID: 0, ProductID: 10, Delta: 1}, ErrInvalidStore},
		{"negative product", StockUpdate{StoreID: 1, ProductID: -1, Delta: 1}, ErrInvalidProduct},
		{"zero delta", StockUpdate{StoreID: 1, ProductID: 10, Delta: 0}, ErrInvalidDelta},
		{"unknown store", StockUpdate{StoreID: 9, ProductID: 10, Delta: 1}, ErrUnknownStore},
		{"unknown product", StockUpdate{StoreID: 1, ProductID: 99, Delta: 1}, ErrUnknownProduct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockQueue{}
			svc := newTestStockService(q, newMockDeadLetters())

			_, err := svc.UpdateStock(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
			if len(q.tasks) != 0 {
				t.Errorf("rejected request was queued")
			}
		})
	}
}

func TestUpdateStock_CatalogError(t *testing.T) {
	catalog := &mockCatalog{err: errors.New("db down")}
	svc := NewStockService(catalog, &mockQueue{}, newMockDeadLetters(), zerolog.Nop())

	_, err := svc.UpdateStock(context.Background(), StockUpdate{StoreID: 1, ProductID: 10, Delta: 1})
	if err == nil || errors.Is(err, ErrUnknownStore) {
		t.Errorf("expected lookup error, got: %v", err)
	}
}

func TestUpdateStock_QueueUnavailable(t *testing.T) {
	q := &mockQueue{err: port.ErrQueueFull}
	svc := newTestStockService(q, newMockDeadLetters())

	_, err := svc.UpdateStock(context.Background(), StockUpdate{StoreID: 1, ProductID: 10, Delta: 1})
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("expected ErrQueueUnavailable, got: %v", err)
	}
}

func TestReplay_Requeues(t *testing.T) {
	q := &mockQueue{}
	dls := newMockDeadLetters()
	dls.letters["dead-1"] = domain.DeadLetter{
		Task:   domain.StockTask{ID: "dead-1", StoreID: 1, ProductID: 10, Delta: -5, Attempts: 3},
		Reason: domain.ReasonRetriesExhausted,
	}
	svc := newTestStockService(q, dls)

	task, err := svc.Replay(context.Background(), "dead-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if task.ID != "dead-1" {
		t.Errorf("replay must keep the task id, got %s", task.ID)
	}
	if task.Attempts != 0 {
		t.Errorf("expected fresh retry budget, got %d attempts", task.Attempts)
	}
	if len(q.tasks) != 1 {
		t.Errorf("expected task requeued")
	}
	if len(dls.letters) != 0 {
		t.Errorf("expected dead letter removed")
	}
}

func TestReplay_NotFound(t *testing.T) {
	svc := newTestStockService(&mockQueue{}, newMockDeadLetters())

	_, err := svc.Replay(context.Background(), "missing")
	if !errors.Is(err, port.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestReplay_RestoresOnEnqueueFailure(t *testing.T) {
	dls := newMockDeadLetters()
	dls.letters["dead-1"] = domain.DeadLetter{Task: domain.StockTask{ID: "dead-1", StoreID: 1, ProductID: 10, Delta: 1}}
	svc := newTestStockService(&mockQueue{err: port.ErrQueueClosed}, dls)

	_, err := svc.Replay(context.Background(), "dead-1")
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("expected ErrQueueUnavailable, got: %v", err)
	}
	if _, ok := dls.letters["dead-1"]; !ok {
		t.Error("dead letter lost after failed replay")
	}
}
