// Package lifecycle drives user intents through the ledger as requests with
// an explicit Pending → Confirmed | Failed state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/gateway"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrTimeout   = errors.New("timed out awaiting ledger outcome")
	ErrStaleView = errors.New("order state in view does not allow this command")
	ErrNotMaker  = errors.New("only the order's maker may cancel it")
)

// State of a request. StateNone only appears as the From side of the first
// transition.
type State int32

const (
	StateNone State = iota
	StatePending
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateNone, StatePending, StateConfirmed, StateFailed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown request state %q", b)
}

type Kind int32

const (
	KindDeposit Kind = iota + 1
	KindWithdraw
	KindMakeOrder
	KindCancelOrder
	KindFillOrder
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindMakeOrder:
		return "make_order"
	case KindCancelOrder:
		return "cancel_order"
	case KindFillOrder:
		return "fill_order"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for _, kk := range []Kind{KindDeposit, KindWithdraw, KindMakeOrder, KindCancelOrder, KindFillOrder} {
		if kk.String() == string(b) {
			*k = kk
			return nil
		}
	}
	return fmt.Errorf("unknown request kind %q", b)
}

// Reason classifies a failed request.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonSubmissionRejected Reason = "submission_rejected"
	ReasonNotIncluded        Reason = "not_included"
	ReasonTimeout            Reason = "timeout"
	ReasonStaleView          Reason = "stale_view"
)

// Failure maps a flow error to its reason. Errors outside the taxonomy are
// network-level failures to finalize.
func Failure(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrStaleView):
		return ReasonStaleView
	case errors.Is(err, ErrNotMaker), errors.Is(err, gateway.ErrSubmissionRejected):
		return ReasonSubmissionRejected
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ReasonTimeout
	default:
		return ReasonNotIncluded
	}
}

// Request is a snapshot of one in-flight or just-finished intent.
type Request struct {
	ID     uuid.UUID `json:"id"`
	Kind   Kind      `json:"kind"`
	State  State     `json:"state"`
	Reason Reason    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`

	// Command is the ledger command the request is named for: the
	// transfer for a deposit, whose approval is submitted ahead of it.
	Command gateway.Command `json:"-"`
	// OrderID is the targeted order, or the id assigned by the ledger for
	// a confirmed make.
	OrderID  event.OrderID `json:"order_id,omitempty"`
	TxHashes []common.Hash `json:"tx_hashes,omitempty"`

	// ApprovalOutstanding is set when a deposit's approval was included
	// but the deposit itself failed. The allowance stays on the ledger.
	ApprovalOutstanding bool `json:"approval_outstanding,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transition reports one state change of a request.
type Transition struct {
	RequestID uuid.UUID `json:"request_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Request   Request   `json:"request"`
}
