package gateway

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"DexSync/internal/event"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const exchangeABIJSON = `[
 {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"token","type":"address"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"make","stateMutability":"nonpayable","inputs":[{"name":"tokenGive","type":"address"},{"name":"amountGive","type":"uint256"},{"name":"tokenGet","type":"address"},{"name":"amountGet","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"fill","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
 {"type":"event","name":"Deposit","anonymous":false,"inputs":[{"name":"token","type":"address","indexed":false},{"name":"user","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"balance","type":"uint256","indexed":false}]},
 {"type":"event","name":"Withdraw","anonymous":false,"inputs":[{"name":"token","type":"address","indexed":false},{"name":"user","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"balance","type":"uint256","indexed":false}]},
 {"type":"event","name":"Make","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":false},{"name":"user","type":"address","indexed":false},{"name":"tokenGive","type":"address","indexed":false},{"name":"amountGive","type":"uint256","indexed":false},{"name":"tokenGet","type":"address","indexed":false},{"name":"amountGet","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
 {"type":"event","name":"Cancel","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":false},{"name":"user","type":"address","indexed":false},{"name":"tokenGive","type":"address","indexed":false},{"name":"amountGive","type":"uint256","indexed":false},{"name":"tokenGet","type":"address","indexed":false},{"name":"amountGet","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
 {"type":"event","name":"Trade","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":false},{"name":"maker","type":"address","indexed":false},{"name":"filler","type":"address","indexed":false},{"name":"tokenGive","type":"address","indexed":false},{"name":"amountGive","type":"uint256","indexed":false},{"name":"tokenGet","type":"address","indexed":false},{"name":"amountGet","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

const tokenABIJSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	exchangeABI = mustParseABI(exchangeABIJSON)
	tokenABI    = mustParseABI(tokenABIJSON)
)

// Ledger event names per event type.
var eventNames = map[event.EventType]string{
	event.EventTypeDeposit:  "Deposit",
	event.EventTypeWithdraw: "Withdraw",
	event.EventTypeMake:     "Make",
	event.EventTypeCancel:   "Cancel",
	event.EventTypeTrade:    "Trade",
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("gateway: parse abi: %v", err))
	}
	return parsed
}

// streamTopics returns the topic-0 filter selecting every event of kind.
func streamTopics(kind event.StreamKind) []common.Hash {
	var ids []common.Hash
	for _, et := range kind.EventTypes() {
		ids = append(ids, exchangeABI.Events[eventNames[et]].ID)
	}
	return ids
}

// decodeLog turns a raw exchange log into a typed event.
func decodeLog(lg types.Log) (event.Event, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log %s:%d has no topics", lg.TxHash.Hex(), lg.Index)
	}
	def, err := exchangeABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("unknown event %s: %w", lg.Topics[0].Hex(), err)
	}
	values, err := def.Inputs.Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", def.Name, err)
	}
	d := &decoder{values: values}
	meta := event.Meta{
		TxHash: lg.TxHash,
		Pos:    event.Position{Block: lg.BlockNumber, LogIndex: lg.Index},
	}

	var evt event.Event
	switch def.Name {
	case "Deposit":
		evt = &event.Deposit{Meta: meta, Token: d.address(0), User: d.address(1), Amount: d.amount(2), Balance: d.amount(3)}
	case "Withdraw":
		evt = &event.Withdraw{Meta: meta, Token: d.address(0), User: d.address(1), Amount: d.amount(2), Balance: d.amount(3)}
	case "Make":
		evt = &event.Make{Meta: meta, OrderTerms: d.terms(2)}
	case "Cancel":
		evt = &event.Cancel{Meta: meta, OrderTerms: d.terms(2)}
	case "Trade":
		evt = &event.Trade{Meta: meta, OrderTerms: d.terms(3), Filler: d.address(2)}
	default:
		return nil, fmt.Errorf("unexpected event %s", def.Name)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode %s: %w", def.Name, d.err)
	}
	return evt, nil
}

// decoder reads positional ABI values, keeping the first type error.
type decoder struct {
	values []interface{}
	err    error
}

func (d *decoder) at(i int) interface{} {
	if i >= len(d.values) {
		if d.err == nil {
			d.err = fmt.Errorf("missing field %d", i)
		}
		return nil
	}
	return d.values[i]
}

func (d *decoder) address(i int) common.Address {
	v, ok := d.at(i).(common.Address)
	if !ok && d.err == nil {
		d.err = fmt.Errorf("field %d: want address, got %T", i, d.values[i])
	}
	return v
}

func (d *decoder) bigInt(i int) *big.Int {
	v, ok := d.at(i).(*big.Int)
	if !ok {
		if d.err == nil {
			d.err = fmt.Errorf("field %d: want uint256, got %T", i, d.values[i])
		}
		return new(big.Int)
	}
	return v
}

func (d *decoder) amount(i int) decimal.Decimal {
	return FromBaseUnits(d.bigInt(i))
}

// terms decodes (id, maker, ..., tokenGive, amountGive, tokenGet, amountGet,
// timestamp) where the token fields start at field body.
func (d *decoder) terms(body int) event.OrderTerms {
	id := d.bigInt(0)
	if !id.IsUint64() && d.err == nil {
		d.err = fmt.Errorf("order id %s overflows", id)
	}
	ts := d.bigInt(body + 4)
	return event.OrderTerms{
		ID:         event.OrderID(id.Uint64()),
		Maker:      d.address(1),
		TokenGive:  d.address(body),
		AmountGive: d.amount(body + 1),
		TokenGet:   d.address(body + 2),
		AmountGet:  d.amount(body + 3),
		Timestamp:  time.Unix(ts.Int64(), 0).UTC(),
	}
}
