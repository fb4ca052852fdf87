package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	codecName = "json"

	stockServiceName    = "stockflow.v1.StockService"
	updateStockMethod   = "/" + stockServiceName + "/UpdateStock"
	getStockMethod      = "/" + stockServiceName + "/GetStock"
	watchStockMethod    = "/" + stockServiceName + "/WatchStock"
	watchStockStreamIdx = 0
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the plain Go message structs below; clients select it
// with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

type UpdateStockRequest struct {
	StoreID       int64 `json:"store_id"`
	ProductID     int64 `json:"product_id"`
	QuantityDelta int64 `json:"quantity_delta"`
}

type UpdateStockResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

type GetStockRequest struct {
	StoreID     int64  `json:"store_id"`
	ProductID   int64  `json:"product_id,omitempty"`
	UpdatedFrom string `json:"updated_from,omitempty"`
	UpdatedTo   string `json:"updated_to,omitempty"`
}

type StockItem struct {
	ProductID   int64  `json:"product_id"`
	Quantity    int64  `json:"quantity"`
	LastUpdated string `json:"last_updated"`
}

type GetStockResponse struct {
	Items []StockItem `json:"items"`
}

type WatchStockRequest struct {
	StoreID   int64 `json:"store_id"`
	ProductID int64 `json:"product_id"`
}

type StockUpdateEvent struct {
	StoreID   int64  `json:"store_id"`
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Timestamp string `json:"timestamp"`
}

type StockServiceServer interface {
	UpdateStock(context.Context, *UpdateStockRequest) (*UpdateStockResponse, error)
	GetStock(context.Context, *GetStockRequest) (*GetStockResponse, error)
	WatchStock(*WatchStockRequest, grpc.ServerStream) error
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&stockServiceDesc, srv)
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: stockServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateStock", Handler: updateStockHandler},
		{MethodName: "GetStock", Handler: getStockHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchStock", Handler: watchStockHandler, ServerStreams: true},
	},
	Metadata: "stockflow/v1/stock.proto",
}

func updateStockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).UpdateStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: updateStockMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StockServiceServer).UpdateStock(ctx, req.(*UpdateStockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getStockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).GetStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStockMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StockServiceServer).GetStock(ctx, req.(*GetStockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchStockHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(WatchStockRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StockServiceServer).WatchStock(in, stream)
}

// StockClient calls the stock service over an existing connection.
type StockClient struct {
	cc grpc.ClientConnInterface
}

func NewStockClient(cc grpc.ClientConnInterface) *StockClient {
	return &StockClient{cc: cc}
}

func (c *StockClient) UpdateStock(ctx context.Context, in *UpdateStockRequest, opts ...grpc.CallOption) (*UpdateStockResponse, error) {
	out := new(UpdateStockResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, updateStockMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockClient) GetStock(ctx context.Context, in *GetStockRequest, opts ...grpc.CallOption) (*GetStockResponse, error) {
	out := new(GetStockResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, getStockMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StockWatcher receives events from a WatchStock stream.
type StockWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event; it returns io.EOF when the server ends the
// stream.
func (w *StockWatcher) Recv() (*StockUpdateEvent, error) {
	ev := new(StockUpdateEvent)
	if err := w.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *StockClient) WatchStock(ctx context.Context, in *WatchStockRequest, opts ...grpc.CallOption) (*StockWatcher, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &stockServiceDesc.Streams[watchStockStreamIdx], watchStockMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &StockWatcher{stream: stream}, nil
}
