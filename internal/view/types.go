package view

import (
	"time"

	"DexSync/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status is derived from set membership, never stored per order.
type Status int32

const (
	StatusUnknown Status = iota
	StatusOpen
	StatusCancelled
	StatusFilled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCancelled:
		return "cancelled"
	case StatusFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Order is an order as created by a Make event. Immutable.
type Order struct {
	event.OrderTerms
	CreatedTx common.Hash `json:"created_tx"`
}

// CancelledOrder is an order resolved by its maker.
type CancelledOrder struct {
	Order
	CancelledAt time.Time   `json:"cancelled_at"`
	CancelTx    common.Hash `json:"cancel_tx"`
}

// Trade records the fill of one order. Amounts are copied from the order.
type Trade struct {
	OrderID    event.OrderID   `json:"order_id"`
	Maker      common.Address  `json:"maker"`
	Filler     common.Address  `json:"filler"`
	TokenGive  common.Address  `json:"token_give"`
	AmountGive decimal.Decimal `json:"amount_give"`
	TokenGet   common.Address  `json:"token_get"`
	AmountGet  decimal.Decimal `json:"amount_get"`
	SettledAt  time.Time       `json:"settled_at"`
	TradeTx    common.Hash     `json:"trade_tx"`
}

// BalanceKey identifies a (token, account) balance.
type BalanceKey struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
}

// Snapshot is a consistent copy of the whole view taken under one lock.
type Snapshot struct {
	Seq       uint64                         `json:"seq"`
	Open      []Order                        `json:"open"`
	Cancelled []CancelledOrder               `json:"cancelled"`
	Filled    []Order                        `json:"filled"`
	Trades    []Trade                        `json:"trades"`
	Custody   map[BalanceKey]decimal.Decimal `json:"-"`
	Wallet    map[BalanceKey]decimal.Decimal `json:"-"`
	Pending   int                            `json:"pending_resolutions"`
}

// SkipReason explains why a fold left the view unchanged.
type SkipReason string

const (
	SkipDuplicateOrder  SkipReason = "duplicate_order"
	SkipAlreadyResolved SkipReason = "already_resolved"
	SkipAlreadyBuffered SkipReason = "already_buffered"
	SkipMalformed       SkipReason = "malformed"
)

// FoldResult summarises one fold batch.
type FoldResult struct {
	Applied  []event.Event
	Skipped  map[SkipReason]int
	Buffered int // resolutions parked until their Make arrives
	Released int // parked resolutions applied by a Make in this batch
}

func (r *FoldResult) skip(reason SkipReason) {
	if r.Skipped == nil {
		r.Skipped = make(map[SkipReason]int)
	}
	r.Skipped[reason]++
}

// SkippedTotal returns the number of events that changed nothing.
func (r FoldResult) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}
