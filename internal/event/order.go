package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OrderID is assigned by the ledger program, monotonically.
type OrderID uint64

// OrderTerms is the immutable body of an order as emitted on every
// order-lifecycle event.
type OrderTerms struct {
	ID         OrderID         `json:"id"`
	Maker      common.Address  `json:"maker"`
	TokenGive  common.Address  `json:"token_give"`
	AmountGive decimal.Decimal `json:"amount_give"`
	TokenGet   common.Address  `json:"token_get"`
	AmountGet  decimal.Decimal `json:"amount_get"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Make creates an order.
type Make struct {
	Meta
	OrderTerms
}

func (m *Make) EventType() EventType {
	return EventTypeMake
}

func (m *Make) Stream() StreamKind {
	return StreamCreation
}

// Cancel resolves an order as cancelled by its maker. Timestamp is the
// cancellation time.
type Cancel struct {
	Meta
	OrderTerms
}

func (c *Cancel) EventType() EventType {
	return EventTypeCancel
}

func (c *Cancel) Stream() StreamKind {
	return StreamResolution
}

// Trade resolves an order as filled by Filler. Timestamp is the settlement
// time.
type Trade struct {
	Meta
	OrderTerms
	Filler common.Address `json:"filler"`
}

func (t *Trade) EventType() EventType {
	return EventTypeTrade
}

func (t *Trade) Stream() StreamKind {
	return StreamResolution
}

// Resolution is implemented by the terminal order events (Cancel, Trade).
type Resolution interface {
	Event
	ResolvedOrder() OrderID
}

func (c *Cancel) ResolvedOrder() OrderID {
	return c.ID
}

func (t *Trade) ResolvedOrder() OrderID {
	return t.ID
}
