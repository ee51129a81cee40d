package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"DexSync/internal/config"
	"DexSync/internal/event"
	"DexSync/internal/gateway"
	"DexSync/internal/lifecycle"
	"DexSync/internal/query"
	"DexSync/internal/view"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Submitter starts lifecycle requests on behalf of the service account.
type Submitter interface {
	Deposit(token common.Address, amount decimal.Decimal) (uuid.UUID, error)
	Withdraw(token common.Address, amount decimal.Decimal) (uuid.UUID, error)
	MakeOrder(order gateway.MakeOrder) (uuid.UUID, error)
	CancelOrder(id event.OrderID) (uuid.UUID, error)
	FillOrder(id event.OrderID) (uuid.UUID, error)
	PlaceBuyOrder(m lifecycle.Market, amount, price decimal.Decimal) (uuid.UUID, error)
	PlaceSellOrder(m lifecycle.Market, amount, price decimal.Decimal) (uuid.UUID, error)
	Subscribe() *lifecycle.Subscription
}

var errInvalid = errors.New("invalid argument")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalid, fmt.Sprintf(format, args...))
}

// toStatus maps service errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrNoMarket):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, lifecycle.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

var errReadOnly = status.Error(codes.Unavailable, "submissions are disabled")

type exchangeService struct {
	query  *query.Service
	submit Submitter // nil in read-only mode
	tokens []config.Token
}

func newExchangeService(q *query.Service, submit Submitter, tokens []config.Token) *exchangeService {
	return &exchangeService{query: q, submit: submit, tokens: tokens}
}

// token accepts a hex address or a network book label.
func (e *exchangeService) token(s string) (common.Address, error) {
	for _, t := range e.tokens {
		if strings.EqualFold(t.Label, s) {
			return t.Address, nil
		}
	}
	return parseAddress("token", s)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidf("%s %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

func optionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, s)
}

func parseUnits(field, s string) (decimal.Decimal, error) {
	d, err := gateway.ParseUnits(s)
	if err != nil {
		return decimal.Zero, invalidf("%s %q: %v", field, s, err)
	}
	return d, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, invalidf("%s %q: %v", field, s, err)
	}
	return d, nil
}

func parseStatus(s string) (view.Status, error) {
	switch s {
	case "":
		return view.StatusUnknown, nil
	case "open":
		return view.StatusOpen, nil
	case "cancelled":
		return view.StatusCancelled, nil
	case "filled":
		return view.StatusFilled, nil
	}
	return view.StatusUnknown, invalidf("status %q", s)
}

func (e *exchangeService) ListOrders(ctx context.Context, in *ListOrdersRequest) (*query.OrderList, error) {
	var f query.OrderFilter
	var err error
	if f.Status, err = parseStatus(in.Status); err != nil {
		return nil, toStatus(err)
	}
	if f.Maker, err = optionalAddress("maker", in.Maker); err != nil {
		return nil, toStatus(err)
	}
	if in.Token != "" {
		if f.Token, err = e.token(in.Token); err != nil {
			return nil, toStatus(err)
		}
	}
	list, err := e.query.ListOrders(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return &list, nil
}

func (e *exchangeService) GetOrder(ctx context.Context, in *GetOrderRequest) (*query.OrderResponse, error) {
	o, err := e.query.GetOrder(ctx, event.OrderID(in.ID))
	if err != nil {
		return nil, toStatus(err)
	}
	return &o, nil
}

func (e *exchangeService) OrderBook(ctx context.Context, _ *OrderBookRequest) (*query.OrderBookResponse, error) {
	book, err := e.query.OrderBook(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &book, nil
}

func (e *exchangeService) ListTrades(ctx context.Context, in *ListTradesRequest) (*query.TradeList, error) {
	account, err := optionalAddress("account", in.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	list, err := e.query.ListTrades(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return &list, nil
}

func (e *exchangeService) GetBalances(ctx context.Context, in *GetBalancesRequest) (*BalancesResponse, error) {
	account, err := parseAddress("account", in.Account)
	if err != nil {
		return nil, toStatus(err)
	}

	var tokens []common.Address
	if len(in.Tokens) == 0 {
		for _, t := range e.tokens {
			tokens = append(tokens, t.Address)
		}
	}
	for _, s := range in.Tokens {
		t, err := e.token(s)
		if err != nil {
			return nil, toStatus(err)
		}
		tokens = append(tokens, t)
	}
	return &BalancesResponse{Balances: e.query.GetBalances(ctx, account, tokens)}, nil
}

func (e *exchangeService) GetRequest(_ context.Context, in *GetRequestRequest) (*lifecycle.Request, error) {
	id, err := uuid.Parse(in.ID)
	if err != nil {
		return nil, toStatus(invalidf("request id %q", in.ID))
	}
	req, err := e.query.GetRequest(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return &req, nil
}

func (e *exchangeService) ListRequests(context.Context, *ListRequestsRequest) (*RequestList, error) {
	reqs := e.query.InFlight()
	if reqs == nil {
		reqs = []lifecycle.Request{}
	}
	return &RequestList{Requests: reqs}, nil
}

func (e *exchangeService) Status(context.Context, *StatusRequest) (*query.StatusResponse, error) {
	st := e.query.Status()
	return &st, nil
}

func (e *exchangeService) transfer(in *TransferRequest, fn func(common.Address, decimal.Decimal) (uuid.UUID, error)) (*SubmitResponse, error) {
	token, err := e.token(in.Token)
	if err != nil {
		return nil, toStatus(err)
	}
	amount, err := parseUnits("amount", in.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return submitted(fn(token, amount))
}

func submitted(id uuid.UUID, err error) (*SubmitResponse, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{RequestID: id}, nil
}

func (e *exchangeService) Deposit(_ context.Context, in *TransferRequest) (*SubmitResponse, error) {
	if e.submit == nil {
		return nil, errReadOnly
	}
	return e.transfer(in, e.submit.Deposit)
}

func (e *exchangeService) Withdraw(_ context.Context, in *TransferRequest) (*SubmitResponse, error) {
	if e.submit == nil {
		return nil, errReadOnly
	}
	return e.transfer(in, e.submit.Withdraw)
}

func (e *exchangeService) MakeOrder(_ context.Context, in *MakeOrderRequest) (*SubmitResponse, error) {
	if e.submit == nil {
		return nil, errReadOnly
	}
	var order gateway.MakeOrder
	var err error
	if order.TokenGive, err = e.token(in.TokenGive); err != nil {
		return nil, toStatus(err)
	}
	if order.TokenGet, err = e.token(in.TokenGet); err != nil {
		return nil, toStatus(err)
	}
	if order.AmountGive, err = parseUnits("amount_give", in.AmountGive); err != nil {
		return nil, toStatus(err)
	}
	if order.AmountGet, err = parseUnits("amount_get", in.AmountGet); err != nil {
		return nil, toStatus(err)
	}
	return submitted(e.submit.MakeOrder(order))
}

func (e *exchangeService) PlaceOrder(_ context.Context, in *PlaceOrderRequest) (*SubmitResponse, error) {
	if e.submit == nil {
		return nil, errReadOnly
	}
	market, ok := e.query.Market()
	if !ok {
		return nil, toStatus(query.ErrNoMarket)
	}
	amount, err := parseDecimal("amount", in.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	price, err := parseDecimal("price", in.Price)
	if err != nil {
		return nil, toStatus(err)
	}

	switch query.Side(in.Side) {
	case query.SideBuy:
		return submitted(e.submit.PlaceBuyOrder(market, amount, price))
	case query.SideSell:
		return submitted(e.submit.PlaceSellOrder(market, amount, price))
	}
	return nil, toStatus(invalidf("side %q", in.Side))
}

func (e *exchangeService) CancelOrder(_ context.Context, in *OrderIDRequest) (*SubmitResponse, error) {
	if e.submit == nil {
		return nil, errReadOnly
	}
	return submitted(e.submit.CancelOrder(event.OrderID(in.ID)))
}

func (e *exchangeService) FillOrder(_ context.Context, in *OrderIDRequest) (*SubmitResponse, error) {
	if e.submit == nil {
		return nil, errReadOnly
	}
	return submitted(e.submit.FillOrder(event.OrderID(in.ID)))
}

// WatchRequests relays transitions until the client goes away or the
// coordinator closes.
func (e *exchangeService) WatchRequests(_ *WatchRequestsRequest, stream grpc.ServerStreamingServer[lifecycle.Transition]) error {
	if e.submit == nil {
		return errReadOnly
	}
	sub := e.submit.Subscribe()
	defer sub.Close()

	// Headers tell the client that transitions from here on are delivered.
	if err := stream.SendHeader(metadata.Pairs("x-dexsync-watch", "subscribed")); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		t, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return status.Error(codes.Unavailable, "coordinator closed")
		}
		if err := stream.Send(&t); err != nil {
			return err
		}
	}
}

var _ ExchangeServer = (*exchangeService)(nil)
