package server

import (
	"context"

	"DexSync/internal/lifecycle"
	"DexSync/internal/query"

	"google.golang.org/grpc"
)

// ExchangeClient calls dexsync.v1.Exchange with the JSON codec.
type ExchangeClient struct {
	cc grpc.ClientConnInterface
}

func NewExchangeClient(cc grpc.ClientConnInterface) *ExchangeClient {
	return &ExchangeClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}

func invoke[Res any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Res, error) {
	out := new(Res)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExchangeClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*query.OrderList, error) {
	return invoke[query.OrderList](ctx, c.cc, "ListOrders", in, opts)
}

func (c *ExchangeClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*query.OrderResponse, error) {
	return invoke[query.OrderResponse](ctx, c.cc, "GetOrder", in, opts)
}

func (c *ExchangeClient) OrderBook(ctx context.Context, in *OrderBookRequest, opts ...grpc.CallOption) (*query.OrderBookResponse, error) {
	return invoke[query.OrderBookResponse](ctx, c.cc, "OrderBook", in, opts)
}

func (c *ExchangeClient) ListTrades(ctx context.Context, in *ListTradesRequest, opts ...grpc.CallOption) (*query.TradeList, error) {
	return invoke[query.TradeList](ctx, c.cc, "ListTrades", in, opts)
}

func (c *ExchangeClient) GetBalances(ctx context.Context, in *GetBalancesRequest, opts ...grpc.CallOption) (*BalancesResponse, error) {
	return invoke[BalancesResponse](ctx, c.cc, "GetBalances", in, opts)
}

func (c *ExchangeClient) GetRequest(ctx context.Context, in *GetRequestRequest, opts ...grpc.CallOption) (*lifecycle.Request, error) {
	return invoke[lifecycle.Request](ctx, c.cc, "GetRequest", in, opts)
}

func (c *ExchangeClient) ListRequests(ctx context.Context, in *ListRequestsRequest, opts ...grpc.CallOption) (*RequestList, error) {
	return invoke[RequestList](ctx, c.cc, "ListRequests", in, opts)
}

func (c *ExchangeClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*query.StatusResponse, error) {
	return invoke[query.StatusResponse](ctx, c.cc, "Status", in, opts)
}

func (c *ExchangeClient) Deposit(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, "Deposit", in, opts)
}

func (c *ExchangeClient) Withdraw(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, "Withdraw", in, opts)
}

func (c *ExchangeClient) MakeOrder(ctx context.Context, in *MakeOrderRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, "MakeOrder", in, opts)
}

func (c *ExchangeClient) PlaceOrder(ctx context.Context, in *PlaceOrderRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, "PlaceOrder", in, opts)
}

func (c *ExchangeClient) CancelOrder(ctx context.Context, in *OrderIDRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, "CancelOrder", in, opts)
}

func (c *ExchangeClient) FillOrder(ctx context.Context, in *OrderIDRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, "FillOrder", in, opts)
}

// WatchRequests streams every lifecycle transition from the moment the
// call is made.
func (c *ExchangeClient) WatchRequests(ctx context.Context, in *WatchRequestsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[lifecycle.Transition], error) {
	stream, err := c.cc.NewStream(ctx, &ExchangeServiceDesc.Streams[0], "/"+serviceName+"/WatchRequests", withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequestsRequest, lifecycle.Transition]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
