package handler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stockflow/internal/adapter/queue"
	"github.com/rl1809/stockflow/internal/adapter/storage"
	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/core/service"
)

type stubAuth map[string]string

func (s stubAuth) Authenticate(_ context.Context, username, password string) (string, error) {
	if pw, ok := s[username]; ok && pw == password {
		return username, nil
	}
	return "", errors.New("invalid credentials")
}

type testStack struct {
	db          *storage.SQLAdapter
	queue       *queue.MemoryQueue
	broadcaster *service.Broadcaster
	stock       *service.StockService
	query       *service.InventoryQueryService
	audit       *service.AuditService
	auth        stubAuth
	storeID     int64
	productID   int64
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter, err := storage.NewSQLAdapter(db)
	require.NoError(t, err)
	require.NoError(t, adapter.Migrate(ctx))

	storeID, err := adapter.CreateStore(ctx, "Downtown", "Main St")
	require.NoError(t, err)
	productID, err := adapter.CreateProduct(ctx, "Widget", "tools")
	require.NoError(t, err)

	q := queue.NewMemoryQueue(2, 100)
	logger := zerolog.Nop()

	return &testStack{
		db:          adapter,
		queue:       q,
		broadcaster: service.NewBroadcaster(logger),
		stock:       service.NewStockService(adapter, q, q, logger),
		query:       service.NewInventoryQueryService(adapter, nil, nil, 0, logger),
		audit:       service.NewAuditService(adapter),
		auth:        stubAuth{"alice": "s3cret"},
		storeID:     storeID,
		productID:   productID,
	}
}

// addStock commits a delta directly, bypassing the queue.
func (s *testStack) addStock(t *testing.T, productID, delta int64) {
	t.Helper()
	task := domain.StockTask{ID: uuid.New().String(), StoreID: s.storeID, ProductID: productID, Delta: delta}
	_, err := s.db.ApplyDelta(context.Background(), task, func(old int64) (int64, error) { return old + delta, nil })
	require.NoError(t, err)
}
