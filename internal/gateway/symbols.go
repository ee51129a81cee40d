package gateway

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed precision of every listed token.
const TokenDecimals = 18

// FormatUnits renders base units as a whole-token decimal string.
func FormatUnits(amount decimal.Decimal) string {
	return amount.Shift(-TokenDecimals).String()
}

// ParseUnits converts a whole-token amount to base units, truncating
// anything below one base unit.
func ParseUnits(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return ToBaseUnits(d), nil
}

// ToBaseUnits is ParseUnits for an already parsed amount.
func ToBaseUnits(d decimal.Decimal) decimal.Decimal {
	return d.Shift(TokenDecimals).Truncate(0)
}

type symbolReader interface {
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
}

// SymbolCache memoizes token symbols; symbols never change once deployed.
type SymbolCache struct {
	src symbolReader

	mu      sync.RWMutex
	symbols map[common.Address]string
}

func NewSymbolCache(src symbolReader) *SymbolCache {
	return &SymbolCache{src: src, symbols: make(map[common.Address]string)}
}

// Symbol returns the cached symbol, reading it from the ledger on first use.
func (c *SymbolCache) Symbol(ctx context.Context, token common.Address) (string, error) {
	c.mu.RLock()
	sym, ok := c.symbols[token]
	c.mu.RUnlock()
	if ok {
		return sym, nil
	}

	sym, err := c.src.TokenSymbol(ctx, token)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.symbols[token] = sym
	c.mu.Unlock()
	return sym, nil
}
