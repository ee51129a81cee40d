package server

import (
	"context"

	"DexSync/internal/lifecycle"
	"DexSync/internal/query"

	"google.golang.org/grpc"
)

const serviceName = "dexsync.v1.Exchange"

type BalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type ListRequestsRequest struct{}

type RequestList struct {
	Requests []lifecycle.Request `json:"requests"`
}

// ExchangeServer is the server API for dexsync.v1.Exchange.
type ExchangeServer interface {
	ListOrders(context.Context, *ListOrdersRequest) (*query.OrderList, error)
	GetOrder(context.Context, *GetOrderRequest) (*query.OrderResponse, error)
	OrderBook(context.Context, *OrderBookRequest) (*query.OrderBookResponse, error)
	ListTrades(context.Context, *ListTradesRequest) (*query.TradeList, error)
	GetBalances(context.Context, *GetBalancesRequest) (*BalancesResponse, error)
	GetRequest(context.Context, *GetRequestRequest) (*lifecycle.Request, error)
	ListRequests(context.Context, *ListRequestsRequest) (*RequestList, error)
	Status(context.Context, *StatusRequest) (*query.StatusResponse, error)

	Deposit(context.Context, *TransferRequest) (*SubmitResponse, error)
	Withdraw(context.Context, *TransferRequest) (*SubmitResponse, error)
	MakeOrder(context.Context, *MakeOrderRequest) (*SubmitResponse, error)
	PlaceOrder(context.Context, *PlaceOrderRequest) (*SubmitResponse, error)
	CancelOrder(context.Context, *OrderIDRequest) (*SubmitResponse, error)
	FillOrder(context.Context, *OrderIDRequest) (*SubmitResponse, error)

	WatchRequests(*WatchRequestsRequest, grpc.ServerStreamingServer[lifecycle.Transition]) error
}

func unary[Req, Res any](name string, call func(ExchangeServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExchangeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExchangeServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchRequestsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequestsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExchangeServer).WatchRequests(in, &grpc.GenericServerStream[WatchRequestsRequest, lifecycle.Transition]{ServerStream: stream})
}

// ExchangeServiceDesc is registered in place of generated protobuf code;
// messages travel as JSON.
var ExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListOrders", ExchangeServer.ListOrders),
		unary("GetOrder", ExchangeServer.GetOrder),
		unary("OrderBook", ExchangeServer.OrderBook),
		unary("ListTrades", ExchangeServer.ListTrades),
		unary("GetBalances", ExchangeServer.GetBalances),
		unary("GetRequest", ExchangeServer.GetRequest),
		unary("ListRequests", ExchangeServer.ListRequests),
		unary("Status", ExchangeServer.Status),
		unary("Deposit", ExchangeServer.Deposit),
		unary("Withdraw", ExchangeServer.Withdraw),
		unary("MakeOrder", ExchangeServer.MakeOrder),
		unary("PlaceOrder", ExchangeServer.PlaceOrder),
		unary("CancelOrder", ExchangeServer.CancelOrder),
		unary("FillOrder", ExchangeServer.FillOrder),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchRequests",
			Handler:       watchRequestsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "dexsync/v1/exchange",
}

// RegisterExchangeServer registers srv on s.
func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&ExchangeServiceDesc, srv)
}
