package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/core/service"
)

func dialWS(t *testing.T, b *service.Broadcaster) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewWSHandler(b, zerolog.Nop()))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ack := readWS(t, conn)
	require.Equal(t, EventAck, ack.Event)
	assert.Equal(t, map[string]interface{}{"status": "connected"}, ack.Data)
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWS_SubscribeReceivesUpdates(t *testing.T) {
	b := service.NewBroadcaster(zerolog.Nop())
	conn := dialWS(t, b)
	key := domain.StockKey{StoreID: 1, ProductID: 10}

	require.NoError(t, conn.WriteJSON(WSMessage{Event: EventSubscribe, StoreID: 1, ProductID: 10}))
	reply := readWS(t, conn)
	require.Equal(t, EventSubscribed, reply.Event)
	assert.Equal(t, int64(1), reply.StoreID)
	assert.Equal(t, int64(10), reply.ProductID)
	assert.Equal(t, 1, b.Subscribers(key))

	// other topics are not delivered
	require.NoError(t, b.Publish(context.Background(), domain.StockEvent{StoreID: 1, ProductID: 11, Quantity: 99}))
	require.NoError(t, b.Publish(context.Background(), domain.StockEvent{StoreID: 1, ProductID: 10, Quantity: 42}))

	update := readWS(t, conn)
	require.Equal(t, EventStockUpdate, update.Event)
	data, ok := update.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), data["quantity"])
	assert.Equal(t, float64(10), data["product_id"])

	require.NoError(t, conn.WriteJSON(WSMessage{Event: EventUnsubscribe, StoreID: 1, ProductID: 10}))
	assert.Equal(t, EventUnsubscribed, readWS(t, conn).Event)
	assert.Equal(t, 0, b.Subscribers(key))
}

func TestWS_InvalidMessages(t *testing.T) {
	b := service.NewBroadcaster(zerolog.Nop())
	conn := dialWS(t, b)

	require.NoError(t, conn.WriteJSON(WSMessage{Event: EventSubscribe, StoreID: 0, ProductID: 10}))
	msg := readWS(t, conn)
	assert.Equal(t, EventError, msg.Event)
	assert.Equal(t, map[string]interface{}{"message": "Invalid subscription parameters"}, msg.Data)

	require.NoError(t, conn.WriteJSON(WSMessage{Event: "dance"}))
	msg = readWS(t, conn)
	assert.Equal(t, EventError, msg.Event)
	assert.Equal(t, map[string]interface{}{"message": "Unknown event"}, msg.Data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe_stock","store_id":"x"}`)))
	msg = readWS(t, conn)
	assert.Equal(t, EventError, msg.Event)
	assert.Equal(t, map[string]interface{}{"message": "Invalid message"}, msg.Data)

	// the connection survives bad frames
	require.NoError(t, conn.WriteJSON(WSMessage{Event: EventSubscribe, StoreID: 2, ProductID: 3}))
	assert.Equal(t, EventSubscribed, readWS(t, conn).Event)
}

func TestWS_DisconnectUnsubscribesEverything(t *testing.T) {
	b := service.NewBroadcaster(zerolog.Nop())
	conn := dialWS(t, b)

	for _, product := range []int64{10, 11} {
		require.NoError(t, conn.WriteJSON(WSMessage{Event: EventSubscribe, StoreID: 1, ProductID: product}))
		require.Equal(t, EventSubscribed, readWS(t, conn).Event)
	}
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return b.Subscribers(domain.StockKey{StoreID: 1, ProductID: 10}) == 0 &&
			b.Subscribers(domain.StockKey{StoreID: 1, ProductID: 11}) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSObserver_DropsWhenBehind(t *testing.T) {
	obs := &wsObserver{events: make(chan domain.StockEvent, 2)}

	require.NoError(t, obs.Deliver(domain.StockEvent{Quantity: 1}))
	require.NoError(t, obs.Deliver(domain.StockEvent{Quantity: 2}))
	assert.ErrorIs(t, obs.Deliver(domain.StockEvent{Quantity: 3}), errWatcherBehind)

	assert.Equal(t, int64(1), (<-obs.events).Quantity)
}

func TestWS_StalledClientDoesNotBlockPublish(t *testing.T) {
	b := service.NewBroadcaster(zerolog.Nop())
	conn := dialWS(t, b)

	require.NoError(t, conn.WriteJSON(WSMessage{Event: EventSubscribe, StoreID: 1, ProductID: 10}))
	require.Equal(t, EventSubscribed, readWS(t, conn).Event)

	// the client stops reading; publishing must not wait on its socket
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20000; i++ {
			b.Publish(context.Background(), domain.StockEvent{StoreID: 1, ProductID: 10, Quantity: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publish blocked on a stalled observer")
	}

	// the first buffered events still arrive in order
	first := readWS(t, conn)
	require.Equal(t, EventStockUpdate, first.Event)
	assert.Equal(t, float64(0), first.Data.(map[string]interface{})["quantity"])
}
