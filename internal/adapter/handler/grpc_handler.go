package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/core/service"
	"github.com/rl1809/stockflow/internal/port"
)

const watchBuffer = 64

type GRPCHandler struct {
	stockService *service.StockService
	queryService *service.InventoryQueryService
	broadcaster  *service.Broadcaster
	logger       zerolog.Logger
}

func NewGRPCHandler(stock *service.StockService, query *service.InventoryQueryService, broadcaster *service.Broadcaster, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		stockService: stock,
		queryService: query,
		broadcaster:  broadcaster,
		logger:       logger.With().Str("component", "grpc").Logger(),
	}
}

func (h *GRPCHandler) UpdateStock(ctx context.Context, req *UpdateStockRequest) (*UpdateStockResponse, error) {
	task, err := h.stockService.UpdateStock(ctx, service.StockUpdate{
		StoreID:    req.StoreID,
		ProductID:  req.ProductID,
		Delta:      req.QuantityDelta,
		Actor:      ActorFromContext(ctx),
		RemoteAddr: peerAddr(ctx),
	})
	if err != nil {
		return nil, h.toStatus(err)
	}

	return &UpdateStockResponse{
		Status:  "queued",
		Message: "Update processing started",
		TaskID:  task.ID,
	}, nil
}

func (h *GRPCHandler) GetStock(ctx context.Context, req *GetStockRequest) (*GetStockResponse, error) {
	filter := domain.StockFilter{ProductID: req.ProductID}
	var err error
	if filter.UpdatedFrom, err = parseTime(req.UpdatedFrom); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid updated_from")
	}
	if filter.UpdatedTo, err = parseTime(req.UpdatedTo); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid updated_to")
	}

	records, err := h.queryService.StoreStock(ctx, req.StoreID, filter)
	if err != nil {
		return nil, h.toStatus(err)
	}

	resp := &GetStockResponse{Items: make([]StockItem, 0, len(records))}
	for _, rec := range records {
		resp.Items = append(resp.Items, StockItem{
			ProductID:   rec.ProductID,
			Quantity:    rec.Quantity,
			LastUpdated: rec.LastUpdated.UTC().Format(time.RFC3339Nano),
		})
	}
	return resp, nil
}

// chanObserver hands events to a stream goroutine; a slow watcher loses
// events rather than stalling the broadcaster.
type chanObserver struct {
	events chan domain.StockEvent
}

var errWatcherBehind = errors.New("watcher buffer full")

func (o *chanObserver) Deliver(event domain.StockEvent) error {
	select {
	case o.events <- event:
		return nil
	default:
		return errWatcherBehind
	}
}

func (h *GRPCHandler) WatchStock(req *WatchStockRequest, stream grpc.ServerStream) error {
	if req.StoreID <= 0 || req.ProductID <= 0 {
		return status.Error(codes.InvalidArgument, "invalid subscription parameters")
	}

	key := domain.StockKey{StoreID: req.StoreID, ProductID: req.ProductID}
	obs := &chanObserver{events: make(chan domain.StockEvent, watchBuffer)}
	h.broadcaster.Subscribe(obs, key)
	defer h.broadcaster.Unsubscribe(obs, key)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-obs.events:
			msg := &StockUpdateEvent{
				StoreID:   ev.StoreID,
				ProductID: ev.ProductID,
				Quantity:  ev.Quantity,
				Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidStore),
		errors.Is(err, service.ErrInvalidProduct),
		errors.Is(err, service.ErrInvalidDelta),
		errors.Is(err, service.ErrInvalidRange):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrUnknownStore),
		errors.Is(err, service.ErrUnknownProduct):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrQueueUnavailable),
		errors.Is(err, service.ErrReadUnavailable):
		h.logger.Error().Err(err).Msg("request failed")
		return status.Error(codes.Unavailable, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		return status.Error(codes.Internal, "internal error")
	}
}

// UnaryAuthInterceptor authenticates HTTP Basic credentials carried in the
// "authorization" metadata key.
func UnaryAuthInterceptor(auth port.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		actor, err := authenticate(ctx, auth)
		if err != nil {
			return nil, err
		}
		return handler(WithActor(ctx, actor), req)
	}
}

func StreamAuthInterceptor(auth port.Authenticator) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		actor, err := authenticate(ss.Context(), auth)
		if err != nil {
			return err
		}
		return handler(srv, &actorStream{ServerStream: ss, ctx: WithActor(ss.Context(), actor)})
	}
}

type actorStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *actorStream) Context() context.Context {
	return s.ctx
}

func authenticate(ctx context.Context, auth port.Authenticator) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "authentication required")
	}

	username, password, ok := parseBasic(values[0])
	if !ok {
		return "", status.Error(codes.Unauthenticated, "malformed credentials")
	}

	actor, err := auth.Authenticate(ctx, username, password)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, "invalid credentials")
	}
	return actor, nil
}

func parseBasic(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

// BasicCredentials returns per-RPC metadata for clients.
func BasicCredentials(username, password string) metadata.MD {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return metadata.Pairs("authorization", "Basic "+token)
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
