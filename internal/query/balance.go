package query

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// GetBalance reports account's custody and wallet balance of token.
func (s *Service) GetBalance(ctx context.Context, token, account common.Address) BalanceResponse {
	start := time.Now()
	resp := s.balance(ctx, token, account)
	s.observe("get_balance", start, nil)
	return resp
}

// GetBalances reports every token in tokens, in order.
func (s *Service) GetBalances(ctx context.Context, account common.Address, tokens []common.Address) []BalanceResponse {
	start := time.Now()
	out := make([]BalanceResponse, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, s.balance(ctx, token, account))
	}
	s.observe("get_balances", start, nil)
	return out
}

func (s *Service) balance(ctx context.Context, token, account common.Address) BalanceResponse {
	// Read the sequence first so the balances are at least as new as AsOf.
	resp := BalanceResponse{
		Account: account.Hex(),
		AsOf:    s.view.Seq(),
	}
	resp.Custody = s.amount(ctx, token, s.view.CustodyBalance(token, account))
	if bal, ok := s.view.WalletBalance(token, account); ok {
		w := s.amount(ctx, token, bal)
		resp.Wallet = &w
	}
	return resp
}
