package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/stockflow/internal/core/domain"
)

func startGRPC(t *testing.T, s *testStack) *StockClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(s.auth)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(s.auth)),
	)
	RegisterStockServiceServer(srv, NewGRPCHandler(s.stock, s.query, s.broadcaster, zerolog.Nop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewStockClient(conn)
}

func authed(ctx context.Context) context.Context {
	return metadata.NewOutgoingContext(ctx, BasicCredentials("alice", "s3cret"))
}

func TestGRPC_RequiresCredentials(t *testing.T) {
	s := newTestStack(t)
	client := startGRPC(t, s)
	ctx := context.Background()

	_, err := client.UpdateStock(ctx, &UpdateStockRequest{StoreID: s.storeID, ProductID: s.productID, QuantityDelta: 1})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.NewOutgoingContext(ctx, BasicCredentials("alice", "nope"))
	_, err = client.GetStock(bad, &GetStockRequest{StoreID: s.storeID})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	garbled := metadata.NewOutgoingContext(ctx, metadata.Pairs("authorization", "Bearer token"))
	_, err = client.GetStock(garbled, &GetStockRequest{StoreID: s.storeID})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_UpdateStock(t *testing.T) {
	s := newTestStack(t)
	client := startGRPC(t, s)

	resp, err := client.UpdateStock(authed(context.Background()), &UpdateStockRequest{
		StoreID:       s.storeID,
		ProductID:     s.productID,
		QuantityDelta: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, 1, s.queue.Len())
}

func TestGRPC_UpdateStockErrors(t *testing.T) {
	s := newTestStack(t)
	client := startGRPC(t, s)
	ctx := authed(context.Background())

	_, err := client.UpdateStock(ctx, &UpdateStockRequest{StoreID: s.storeID, ProductID: s.productID})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.UpdateStock(ctx, &UpdateStockRequest{StoreID: 999, ProductID: s.productID, QuantityDelta: 1})
	assert.Equal(t, codes.NotFound, status.Code(err))

	s.queue.Close()
	_, err = client.UpdateStock(ctx, &UpdateStockRequest{StoreID: s.storeID, ProductID: s.productID, QuantityDelta: 1})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPC_GetStock(t *testing.T) {
	s := newTestStack(t)
	client := startGRPC(t, s)
	s.addStock(t, s.productID, 8)

	resp, err := client.GetStock(authed(context.Background()), &GetStockRequest{StoreID: s.storeID})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, s.productID, resp.Items[0].ProductID)
	assert.Equal(t, int64(8), resp.Items[0].Quantity)

	_, err = client.GetStock(authed(context.Background()), &GetStockRequest{StoreID: s.storeID, UpdatedFrom: "soon"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_WatchStock(t *testing.T) {
	s := newTestStack(t)
	client := startGRPC(t, s)
	key := domain.StockKey{StoreID: s.storeID, ProductID: s.productID}

	ctx, cancel := context.WithTimeout(authed(context.Background()), 5*time.Second)
	defer cancel()

	watcher, err := client.WatchStock(ctx, &WatchStockRequest{StoreID: key.StoreID, ProductID: key.ProductID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.broadcaster.Subscribers(key) == 1 }, 2*time.Second, 10*time.Millisecond)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.broadcaster.Publish(ctx, domain.StockEvent{StoreID: key.StoreID, ProductID: key.ProductID, Quantity: 17, Timestamp: ts}))

	ev, err := watcher.Recv()
	require.NoError(t, err)
	assert.Equal(t, int64(17), ev.Quantity)
	assert.Equal(t, "2026-03-01T12:00:00Z", ev.Timestamp)

	cancel()
	require.Eventually(t, func() bool { return s.broadcaster.Subscribers(key) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGRPC_WatchStockInvalid(t *testing.T) {
	s := newTestStack(t)
	client := startGRPC(t, s)

	watcher, err := client.WatchStock(authed(context.Background()), &WatchStockRequest{StoreID: 0, ProductID: 1})
	require.NoError(t, err)
	_, err = watcher.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
