package lifecycle

import (
	"DexSync/internal/gateway"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Market is a base/quote token pair. Prices are quote per base.
type Market struct {
	Base  common.Address `yaml:"base" json:"base"`
	Quote common.Address `yaml:"quote" json:"quote"`
}

// BuyOrder gives amount×price of quote and gets amount of base.
func (m Market) BuyOrder(amount, price decimal.Decimal) gateway.MakeOrder {
	return gateway.MakeOrder{
		TokenGive:  m.Quote,
		AmountGive: gateway.ToBaseUnits(amount.Mul(price)),
		TokenGet:   m.Base,
		AmountGet:  gateway.ToBaseUnits(amount),
	}
}

// SellOrder gives amount of base and gets amount×price of quote.
func (m Market) SellOrder(amount, price decimal.Decimal) gateway.MakeOrder {
	return gateway.MakeOrder{
		TokenGive:  m.Base,
		AmountGive: gateway.ToBaseUnits(amount),
		TokenGet:   m.Quote,
		AmountGet:  gateway.ToBaseUnits(amount.Mul(price)),
	}
}
