package testutil

import (
	"math/big"
	"time"

	"DexSync/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Addr returns a deterministic address whose last byte is n.
func Addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

// Pos builds an event position.
func Pos(block uint64, logIndex uint) event.Position {
	return event.Position{Block: block, LogIndex: logIndex}
}

// TxAt derives a unique transaction hash for a position.
func TxAt(p event.Position) common.Hash {
	v := new(big.Int).SetUint64(p.Block)
	v.Lsh(v, 32)
	v.Or(v, new(big.Int).SetUint64(uint64(p.LogIndex)))
	return common.BigToHash(v)
}

// Units returns an integer base-unit amount.
func Units(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func meta(p event.Position) event.Meta {
	return event.Meta{TxHash: TxAt(p), Pos: p}
}

// Terms builds order terms with a timestamp derived from the id.
func Terms(id uint64, maker, tokenGive common.Address, give int64, tokenGet common.Address, get int64) event.OrderTerms {
	return event.OrderTerms{
		ID:         event.OrderID(id),
		Maker:      maker,
		TokenGive:  tokenGive,
		AmountGive: Units(give),
		TokenGet:   tokenGet,
		AmountGet:  Units(get),
		Timestamp:  time.Unix(1_700_000_000+int64(id), 0).UTC(),
	}
}

func MustMake(terms event.OrderTerms, p event.Position) *event.Make {
	return &event.Make{Meta: meta(p), OrderTerms: terms}
}

func MustCancel(terms event.OrderTerms, p event.Position) *event.Cancel {
	c := &event.Cancel{Meta: meta(p), OrderTerms: terms}
	c.Timestamp = terms.Timestamp.Add(time.Hour)
	return c
}

func MustTrade(terms event.OrderTerms, filler common.Address, p event.Position) *event.Trade {
	t := &event.Trade{Meta: meta(p), OrderTerms: terms, Filler: filler}
	t.Timestamp = terms.Timestamp.Add(2 * time.Hour)
	return t
}

func MustDeposit(token, user common.Address, amount, balance int64, p event.Position) *event.Deposit {
	return &event.Deposit{Meta: meta(p), Token: token, User: user, Amount: Units(amount), Balance: Units(balance)}
}

func MustWithdraw(token, user common.Address, amount, balance int64, p event.Position) *event.Withdraw {
	return &event.Withdraw{Meta: meta(p), Token: token, User: user, Amount: Units(amount), Balance: Units(balance)}
}
