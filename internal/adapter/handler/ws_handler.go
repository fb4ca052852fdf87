package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/core/service"
)

const (
	EventAck          = "ack"
	EventSubscribe    = "subscribe_stock"
	EventUnsubscribe  = "unsubscribe_stock"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventStockUpdate  = "stock_update"
	EventError        = "error"
	wsWriteTimeout    = 5 * time.Second
	wsMaxMessageBytes = 4096
	wsReadDeadline    = 60 * time.Second
	wsPingInterval    = 25 * time.Second
)

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Event     string      `json:"event"`
	StoreID   int64       `json:"store_id,omitempty"`
	ProductID int64       `json:"product_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type WSHandler struct {
	broadcaster *service.Broadcaster
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

func NewWSHandler(broadcaster *service.Broadcaster, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// wsObserver serialises writes to one connection; gorilla/websocket allows a
// single concurrent writer. Events are buffered and dropped when the client
// falls behind, so a stalled reader never blocks the broadcaster.
type wsObserver struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	events chan domain.StockEvent
}

func (o *wsObserver) write(msg WSMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return o.conn.WriteJSON(msg)
}

func (o *wsObserver) ping() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (o *wsObserver) Deliver(event domain.StockEvent) error {
	select {
	case o.events <- event:
		return nil
	default:
		return errWatcherBehind
	}
}

// pump writes buffered events and keepalive pings until done is closed or a
// write fails.
func (o *wsObserver) pump(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-o.events:
			if err := o.write(WSMessage{Event: EventStockUpdate, Data: ev}); err != nil {
				o.conn.Close()
				return
			}
		case <-ticker.C:
			if err := o.ping(); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	obs := &wsObserver{conn: conn, events: make(chan domain.StockEvent, watchBuffer)}
	log := h.logger.With().Str("remote_addr", clientIP(r)).Logger()
	log.Debug().Msg("observer connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		h.broadcaster.UnsubscribeAll(obs)
		conn.Close()
		log.Debug().Msg("observer disconnected")
	}()

	conn.SetReadLimit(wsMaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	go obs.pump(done)

	if err := obs.write(WSMessage{Event: EventAck, Data: map[string]string{"status": "connected"}}); err != nil {
		return
	}

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if obs.write(WSMessage{Event: EventError, Data: map[string]string{"message": "Invalid message"}}) != nil {
					return
				}
				continue
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		if err := h.handleMessage(obs, msg); err != nil {
			return
		}
	}
}

func (h *WSHandler) handleMessage(obs *wsObserver, msg WSMessage) error {
	switch msg.Event {
	case EventSubscribe, EventUnsubscribe:
		if msg.StoreID <= 0 || msg.ProductID <= 0 {
			return obs.write(WSMessage{Event: EventError, Data: map[string]string{"message": "Invalid subscription parameters"}})
		}
		key := domain.StockKey{StoreID: msg.StoreID, ProductID: msg.ProductID}
		if msg.Event == EventSubscribe {
			h.broadcaster.Subscribe(obs, key)
			return obs.write(WSMessage{Event: EventSubscribed, StoreID: key.StoreID, ProductID: key.ProductID})
		}
		h.broadcaster.Unsubscribe(obs, key)
		return obs.write(WSMessage{Event: EventUnsubscribed, StoreID: key.StoreID, ProductID: key.ProductID})
	default:
		return obs.write(WSMessage{Event: EventError, Data: map[string]string{"message": "Unknown event"}})
	}
}
