// Package gateway is the thin boundary to the external ledger program: it
// submits commands, awaits their inclusion, replays and streams the event
// log, and performs point balance reads. It holds no derived state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"DexSync/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrSubmissionRejected means the ledger refused the command before
	// inclusion: no signer, a reverting estimate, or a malformed amount.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrNotIncluded means the network failed to finalize the command, e.g.
	// the transaction was mined but reverted.
	ErrNotIncluded = errors.New("not included")

	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Scope selects which balance CurrentBalance reads.
type Scope int

const (
	ScopeWallet Scope = iota
	ScopeCustody
)

func (s Scope) String() string {
	if s == ScopeCustody {
		return "custody"
	}
	return "wallet"
}

// Command is a state-changing request to the ledger program.
type Command interface {
	Name() string
}

// Approve authorises Spender to move Amount of Token from the signer's wallet.
type Approve struct {
	Spender common.Address
	Token   common.Address
	Amount  decimal.Decimal
}

type Deposit struct {
	Token  common.Address
	Amount decimal.Decimal
}

type Withdraw struct {
	Token  common.Address
	Amount decimal.Decimal
}

type MakeOrder struct {
	TokenGive  common.Address
	AmountGive decimal.Decimal
	TokenGet   common.Address
	AmountGet  decimal.Decimal
}

type CancelOrder struct {
	ID event.OrderID
}

type FillOrder struct {
	ID event.OrderID
}

func (Approve) Name() string     { return "approve" }
func (Deposit) Name() string     { return "deposit" }
func (Withdraw) Name() string    { return "withdraw" }
func (MakeOrder) Name() string   { return "make" }
func (CancelOrder) Name() string { return "cancel" }
func (FillOrder) Name() string   { return "fill" }

// Handle identifies a submitted command awaiting inclusion.
type Handle struct {
	TxHash      common.Hash
	Command     Command
	SubmittedAt time.Time

	tx *types.Transaction
}

// Inclusion describes a command that made it onto the ledger.
type Inclusion struct {
	TxHash  common.Hash
	Block   uint64
	GasUsed uint64
	Events  []event.Event // exchange events emitted by the transaction
}

// Subscription is an owned, pull-based live feed of one stream. The
// internal buffer is unbounded; events are never sampled or dropped.
type Subscription interface {
	// Next blocks until an event is available, the feed fails, or ctx ends.
	Next(ctx context.Context) (event.Event, error)

	// Buffered reports how many events can be read without blocking.
	Buffered() int

	// Close releases the feed. Pending Next calls return ErrSubscriptionClosed.
	Close()
}

// Gateway is the full contract of a ledger connection.
type Gateway interface {
	Account() common.Address
	Exchange() common.Address

	Submit(ctx context.Context, cmd Command) (Handle, error)
	Await(ctx context.Context, h Handle) (Inclusion, error)

	FetchEvents(ctx context.Context, kind event.StreamKind, from, to uint64) ([]event.Event, error)
	Subscribe(ctx context.Context, kind event.StreamKind, from uint64) (Subscription, error)

	CurrentBalance(ctx context.Context, token, account common.Address, scope Scope) (decimal.Decimal, error)
	NativeBalance(ctx context.Context, account common.Address) (decimal.Decimal, error)
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
	HeadBlock(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// baseUnits converts a positive integer amount to its on-chain form.
func baseUnits(cmd string, d decimal.Decimal) (*big.Int, error) {
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: %s: amount must be positive, got %s", ErrSubmissionRejected, cmd, d)
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s: amount must be whole base units, got %s", ErrSubmissionRejected, cmd, d)
	}
	return d.BigInt(), nil
}

// FromBaseUnits converts an on-chain integer to a decimal amount.
func FromBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}
