package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Deposit is emitted when funds move from a wallet into exchange custody.
// Amount and Balance are integer base units.
type Deposit struct {
	Meta
	Token   common.Address  `json:"token"`
	User    common.Address  `json:"user"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"` // custody balance after the deposit
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) Stream() StreamKind {
	return StreamCustody
}

// Withdraw is emitted when funds leave exchange custody.
type Withdraw struct {
	Meta
	Token   common.Address  `json:"token"`
	User    common.Address  `json:"user"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

func (w *Withdraw) EventType() EventType {
	return EventTypeWithdraw
}

func (w *Withdraw) Stream() StreamKind {
	return StreamCustody
}

// CustodyChange is implemented by Deposit and Withdraw.
type CustodyChange interface {
	Event
	Holder() (token, account common.Address)
	SignedAmount() decimal.Decimal
}

func (d *Deposit) Holder() (common.Address, common.Address) {
	return d.Token, d.User
}

func (d *Deposit) SignedAmount() decimal.Decimal {
	return d.Amount
}

func (w *Withdraw) Holder() (common.Address, common.Address) {
	return w.Token, w.User
}

func (w *Withdraw) SignedAmount() decimal.Decimal {
	return w.Amount.Neg()
}
