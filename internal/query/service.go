// Package query is the read side over the view: it decorates orders,
// trades and balances with token symbols, display units and market
// side/price, and exposes the coordinator's in-flight requests.
package query

import (
	"context"
	"errors"
	"sort"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/gateway"
	"DexSync/internal/lifecycle"
	"DexSync/internal/observability"
	"DexSync/internal/view"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PricePrecision is the number of decimals prices are rounded to.
const PricePrecision = 8

var (
	ErrNotFound = errors.New("not found")
	ErrNoMarket = errors.New("no market pair configured")
)

// View is the part of the view store the query side reads.
type View interface {
	Snapshot() view.Snapshot
	CustodyBalance(token, account common.Address) decimal.Decimal
	WalletBalance(token, account common.Address) (decimal.Decimal, bool)
	Seq() uint64
}

// Symbols resolves token symbols.
type Symbols interface {
	Symbol(ctx context.Context, token common.Address) (string, error)
}

// Requests looks up requests that have not reached a terminal state.
type Requests interface {
	Lookup(id uuid.UUID) (lifecycle.Request, bool)
	InFlight() []lifecycle.Request
}

// Service answers read queries. Every listing is built from one view
// snapshot and carries its sequence.
type Service struct {
	view     View
	symbols  Symbols
	requests Requests
	market   *lifecycle.Market
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewService(v View, symbols Symbols, requests Requests, logger zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{view: v, symbols: symbols, requests: requests, log: logger, metrics: metrics}
}

// WithMarket sets the pair used to derive order side and price.
func (s *Service) WithMarket(m lifecycle.Market) *Service {
	s.market = &m
	return s
}

// Market returns the configured pair.
func (s *Service) Market() (lifecycle.Market, bool) {
	if s.market == nil {
		return lifecycle.Market{}, false
	}
	return *s.market, true
}

func (s *Service) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// OrderFilter narrows order listings. Zero values match everything.
type OrderFilter struct {
	Status view.Status // StatusUnknown means any
	Maker  common.Address
	Token  common.Address // matches either leg
}

func (f OrderFilter) match(o view.Order) bool {
	if f.Maker != (common.Address{}) && o.Maker != f.Maker {
		return false
	}
	if f.Token != (common.Address{}) && o.TokenGive != f.Token && o.TokenGet != f.Token {
		return false
	}
	return true
}

// ListOrders returns orders matching f, sorted by id.
func (s *Service) ListOrders(ctx context.Context, f OrderFilter) (OrderList, error) {
	start := time.Now()
	snap := s.view.Snapshot()

	settled := tradesByOrder(snap.Trades)
	var out []OrderResponse
	add := func(o view.Order, status view.Status, decorate func(*OrderResponse)) {
		if f.Status != view.StatusUnknown && f.Status != status {
			return
		}
		if !f.match(o) {
			return
		}
		r := s.order(ctx, o, status)
		if decorate != nil {
			decorate(&r)
		}
		out = append(out, r)
	}

	for _, o := range snap.Open {
		add(o, view.StatusOpen, nil)
	}
	for _, c := range snap.Cancelled {
		add(c.Order, view.StatusCancelled, func(r *OrderResponse) { cancelled(r, c) })
	}
	for _, o := range snap.Filled {
		t := settled[o.ID]
		add(o, view.StatusFilled, func(r *OrderResponse) { filled(r, t) })
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	s.observe("list_orders", start, nil)
	return OrderList{Orders: out, AsOf: snap.Seq}, nil
}

// GetOrder returns one order by id.
func (s *Service) GetOrder(ctx context.Context, id event.OrderID) (OrderResponse, error) {
	start := time.Now()
	snap := s.view.Snapshot()

	r, err := s.findOrder(ctx, snap, id)
	s.observe("get_order", start, err)
	return r, err
}

func (s *Service) findOrder(ctx context.Context, snap view.Snapshot, id event.OrderID) (OrderResponse, error) {
	for _, o := range snap.Open {
		if o.ID == id {
			return s.order(ctx, o, view.StatusOpen), nil
		}
	}
	for _, c := range snap.Cancelled {
		if c.ID == id {
			r := s.order(ctx, c.Order, view.StatusCancelled)
			cancelled(&r, c)
			return r, nil
		}
	}
	for _, o := range snap.Filled {
		if o.ID == id {
			r := s.order(ctx, o, view.StatusFilled)
			filled(&r, tradesByOrder(snap.Trades)[id])
			return r, nil
		}
	}
	return OrderResponse{}, ErrNotFound
}

// OrderBook returns the open orders of the market pair split by side.
func (s *Service) OrderBook(ctx context.Context) (OrderBookResponse, error) {
	start := time.Now()
	if s.market == nil {
		s.observe("order_book", start, ErrNoMarket)
		return OrderBookResponse{}, ErrNoMarket
	}
	snap := s.view.Snapshot()

	book := OrderBookResponse{
		Base:  s.amount(ctx, s.market.Base, decimal.Zero),
		Quote: s.amount(ctx, s.market.Quote, decimal.Zero),
		Buys:  []OrderResponse{},
		Sells: []OrderResponse{},
		AsOf:  snap.Seq,
	}
	type priced struct {
		resp  OrderResponse
		price decimal.Decimal
	}
	var buys, sells []priced
	for _, o := range snap.Open {
		side, price := s.classify(o.TokenGive, o.AmountGive, o.TokenGet, o.AmountGet)
		switch side {
		case SideBuy:
			buys = append(buys, priced{s.order(ctx, o, view.StatusOpen), price})
		case SideSell:
			sells = append(sells, priced{s.order(ctx, o, view.StatusOpen), price})
		}
	}
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].price.GreaterThan(buys[j].price) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].price.LessThan(sells[j].price) })
	for _, p := range buys {
		book.Buys = append(book.Buys, p.resp)
	}
	for _, p := range sells {
		book.Sells = append(book.Sells, p.resp)
	}

	s.observe("order_book", start, nil)
	return book, nil
}

// ListTrades returns trades in which account was maker or filler; the zero
// address lists every trade.
func (s *Service) ListTrades(ctx context.Context, account common.Address) (TradeList, error) {
	start := time.Now()
	snap := s.view.Snapshot()

	out := []TradeResponse{}
	for _, t := range snap.Trades {
		if account != (common.Address{}) && t.Maker != account && t.Filler != account {
			continue
		}
		side, price := s.sidePrice(t.TokenGive, t.AmountGive, t.TokenGet, t.AmountGet)
		out = append(out, TradeResponse{
			OrderID:   t.OrderID,
			Maker:     t.Maker.Hex(),
			Filler:    t.Filler.Hex(),
			Give:      s.amount(ctx, t.TokenGive, t.AmountGive),
			Get:       s.amount(ctx, t.TokenGet, t.AmountGet),
			Side:      side,
			Price:     price,
			SettledAt: t.SettledAt,
			TradeTx:   t.TradeTx.Hex(),
		})
	}

	s.observe("list_trades", start, nil)
	return TradeList{Trades: out, AsOf: snap.Seq}, nil
}

// GetRequest returns a request that is still in flight.
func (s *Service) GetRequest(id uuid.UUID) (lifecycle.Request, error) {
	start := time.Now()
	if s.requests == nil {
		s.observe("get_request", start, ErrNotFound)
		return lifecycle.Request{}, ErrNotFound
	}
	req, ok := s.requests.Lookup(id)
	if !ok {
		s.observe("get_request", start, ErrNotFound)
		return lifecycle.Request{}, ErrNotFound
	}
	s.observe("get_request", start, nil)
	return req, nil
}

// InFlight lists every non-terminal request.
func (s *Service) InFlight() []lifecycle.Request {
	if s.requests == nil {
		return nil
	}
	return s.requests.InFlight()
}

// Status summarises the view and the coordinator.
func (s *Service) Status() StatusResponse {
	snap := s.view.Snapshot()
	resp := StatusResponse{
		Seq:                snap.Seq,
		OpenOrders:         len(snap.Open),
		CancelledOrders:    len(snap.Cancelled),
		Trades:             len(snap.Trades),
		PendingResolutions: snap.Pending,
	}
	if s.requests != nil {
		resp.RequestsInFlight = len(s.requests.InFlight())
	}
	return resp
}

func (s *Service) order(ctx context.Context, o view.Order, status view.Status) OrderResponse {
	side, price := s.sidePrice(o.TokenGive, o.AmountGive, o.TokenGet, o.AmountGet)
	return OrderResponse{
		ID:        o.ID,
		Maker:     o.Maker.Hex(),
		Give:      s.amount(ctx, o.TokenGive, o.AmountGive),
		Get:       s.amount(ctx, o.TokenGet, o.AmountGet),
		Status:    status.String(),
		Side:      side,
		Price:     price,
		CreatedAt: o.Timestamp,
		CreatedTx: o.CreatedTx.Hex(),
	}
}

func (s *Service) sidePrice(tokenGive common.Address, give decimal.Decimal, tokenGet common.Address, get decimal.Decimal) (Side, string) {
	side, price := s.classify(tokenGive, give, tokenGet, get)
	if side == SideNone {
		return SideNone, ""
	}
	return side, price.String()
}

// classify places an order against the market pair. A buy gives quote for
// base, a sell gives base for quote; price is quote per base either way.
// Orders outside the pair have no side.
func (s *Service) classify(tokenGive common.Address, give decimal.Decimal, tokenGet common.Address, get decimal.Decimal) (Side, decimal.Decimal) {
	if s.market == nil {
		return SideNone, decimal.Zero
	}
	switch {
	case tokenGive == s.market.Quote && tokenGet == s.market.Base:
		return SideBuy, ratio(give, get)
	case tokenGive == s.market.Base && tokenGet == s.market.Quote:
		return SideSell, ratio(get, give)
	}
	return SideNone, decimal.Zero
}

func ratio(quote, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return quote.DivRound(base, PricePrecision)
}

// amount renders a base-unit quantity. A failed symbol read leaves the
// symbol empty rather than failing the query.
func (s *Service) amount(ctx context.Context, token common.Address, units decimal.Decimal) Amount {
	a := Amount{
		Token:   token.Hex(),
		Units:   units.String(),
		Display: gateway.FormatUnits(units),
	}
	if s.symbols != nil {
		sym, err := s.symbols.Symbol(ctx, token)
		if err != nil {
			s.log.Debug().Err(err).Str("token", token.Hex()).Msg("symbol lookup failed")
		} else {
			a.Symbol = sym
		}
	}
	return a
}

func tradesByOrder(trades []view.Trade) map[event.OrderID]view.Trade {
	m := make(map[event.OrderID]view.Trade, len(trades))
	for _, t := range trades {
		m[t.OrderID] = t
	}
	return m
}

func cancelled(r *OrderResponse, c view.CancelledOrder) {
	at := c.CancelledAt
	r.ResolvedAt = &at
	r.ResolvedTx = c.CancelTx.Hex()
}

func filled(r *OrderResponse, t view.Trade) {
	at := t.SettledAt
	r.ResolvedAt = &at
	r.ResolvedTx = t.TradeTx.Hex()
	r.Filler = t.Filler.Hex()
}
