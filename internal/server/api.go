package server

import (
	"github.com/google/uuid"
)

// Request messages of dexsync.v1.Exchange. Addresses are hex; a token may
// also be given by its network book label. Amounts and prices are whole
// tokens as decimal strings.

type ListOrdersRequest struct {
	Status string `json:"status,omitempty"` // open|cancelled|filled
	Maker  string `json:"maker,omitempty"`
	Token  string `json:"token,omitempty"`
}

type GetOrderRequest struct {
	ID uint64 `json:"id"`
}

type OrderBookRequest struct{}

type ListTradesRequest struct {
	Account string `json:"account,omitempty"`
}

type GetBalancesRequest struct {
	Account string   `json:"account"`
	Tokens  []string `json:"tokens,omitempty"` // empty means every listed token
}

type GetRequestRequest struct {
	ID string `json:"id"`
}

type StatusRequest struct{}

type TransferRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type MakeOrderRequest struct {
	TokenGive  string `json:"token_give"`
	AmountGive string `json:"amount_give"`
	TokenGet   string `json:"token_get"`
	AmountGet  string `json:"amount_get"`
}

// PlaceOrderRequest builds an order over the configured market pair.
type PlaceOrderRequest struct {
	Side   string `json:"side"` // buy|sell
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

type OrderIDRequest struct {
	ID uint64 `json:"id"`
}

type WatchRequestsRequest struct{}

// SubmitResponse carries the id to follow with GetRequest or
// WatchRequests.
type SubmitResponse struct {
	RequestID uuid.UUID `json:"request_id"`
}
