package query

import (
	"time"

	"DexSync/internal/event"
)

// Side of an order relative to the configured market pair.
type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Amount is a token quantity in both base and display units.
type Amount struct {
	Token   string `json:"token"`
	Symbol  string `json:"symbol,omitempty"`
	Units   string `json:"units"`   // integer base units
	Display string `json:"display"` // whole tokens, 18 decimals
}

// OrderResponse is one order with its derived status.
type OrderResponse struct {
	ID         event.OrderID `json:"id"`
	Maker      string        `json:"maker"`
	Give       Amount        `json:"give"`
	Get        Amount        `json:"get"`
	Status     string        `json:"status"`
	Side       Side          `json:"side,omitempty"`
	Price      string        `json:"price,omitempty"` // quote per base
	CreatedAt  time.Time     `json:"created_at"`
	CreatedTx  string        `json:"created_tx"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	ResolvedTx string        `json:"resolved_tx,omitempty"`
	Filler     string        `json:"filler,omitempty"`
}

// OrderList carries the view sequence the listing was read at.
type OrderList struct {
	Orders []OrderResponse `json:"orders"`
	AsOf   uint64          `json:"as_of_seq"`
}

// OrderBookResponse splits the open orders of the market pair by side.
type OrderBookResponse struct {
	Base  Amount          `json:"base"`
	Quote Amount          `json:"quote"`
	Buys  []OrderResponse `json:"buys"`  // highest price first
	Sells []OrderResponse `json:"sells"` // lowest price first
	AsOf  uint64          `json:"as_of_seq"`
}

// TradeResponse is a settled fill.
type TradeResponse struct {
	OrderID   event.OrderID `json:"order_id"`
	Maker     string        `json:"maker"`
	Filler    string        `json:"filler"`
	Give      Amount        `json:"give"`
	Get       Amount        `json:"get"`
	Side      Side          `json:"side,omitempty"`
	Price     string        `json:"price,omitempty"`
	SettledAt time.Time     `json:"settled_at"`
	TradeTx   string        `json:"trade_tx"`
}

type TradeList struct {
	Trades []TradeResponse `json:"trades"`
	AsOf   uint64          `json:"as_of_seq"`
}

// BalanceResponse reports custody and wallet holdings of one token.
// Wallet is absent until a wallet read has been made for the pair.
type BalanceResponse struct {
	Account string  `json:"account"`
	Custody Amount  `json:"custody"`
	Wallet  *Amount `json:"wallet,omitempty"`
	AsOf    uint64  `json:"as_of_seq"`
}

// StatusResponse summarises the view.
type StatusResponse struct {
	Seq                uint64 `json:"seq"`
	OpenOrders         int    `json:"open_orders"`
	CancelledOrders    int    `json:"cancelled_orders"`
	Trades             int    `json:"trades"`
	PendingResolutions int    `json:"pending_resolutions"`
	RequestsInFlight   int    `json:"requests_in_flight"`
}
