package reconciler

import (
	"context"

	"DexSync/internal/event"
	"DexSync/internal/gateway"
	"DexSync/internal/view"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// LoadWallets reads the wallet balance of account for every token and
// records what it could read. Called once at startup for the signing
// account; returns how many balances were loaded.
func (r *Reconciler) LoadWallets(ctx context.Context, account common.Address, tokens []common.Address) int {
	balances := make(map[view.BalanceKey]decimal.Decimal, len(tokens))
	for _, token := range tokens {
		bal, err := r.src.CurrentBalance(ctx, token, account, gateway.ScopeWallet)
		if err != nil {
			r.log.Warn().Err(err).Str("token", token.Hex()).Msg("initial wallet read failed")
			continue
		}
		balances[view.BalanceKey{Token: token, Account: account}] = bal
	}
	r.folder.SetWalletBalances(balances)
	return len(balances)
}

// refreshWallets point-reads the wallet balance of every (token, account)
// touched by a custody batch. Failures are logged; wallet balances are
// advisory.
func (r *Reconciler) refreshWallets(ctx context.Context, events []event.Event) {
	balances := make(map[view.BalanceKey]decimal.Decimal)
	for _, evt := range events {
		cc, ok := evt.(event.CustodyChange)
		if !ok {
			continue
		}
		token, account := cc.Holder()
		key := view.BalanceKey{Token: token, Account: account}
		if _, done := balances[key]; done {
			continue
		}
		bal, err := r.src.CurrentBalance(ctx, token, account, gateway.ScopeWallet)
		if err != nil {
			r.log.Warn().Err(err).
				Str("token", token.Hex()).
				Str("account", account.Hex()).
				Msg("wallet refresh failed")
			continue
		}
		balances[key] = bal
	}
	r.folder.SetWalletBalances(balances)
}

// checkCustody compares the folded custody balance with the resulting
// balance the ledger reported on the last event per (token, account).
// Trades settle inside the ledger without custody events, so a mismatch is
// reported rather than corrected.
func (r *Reconciler) checkCustody(events []event.Event) {
	reported := make(map[view.BalanceKey]decimal.Decimal)
	for _, evt := range events {
		var bal decimal.Decimal
		switch e := evt.(type) {
		case *event.Deposit:
			bal = e.Balance
		case *event.Withdraw:
			bal = e.Balance
		default:
			continue
		}
		token, account := evt.(event.CustodyChange).Holder()
		reported[view.BalanceKey{Token: token, Account: account}] = bal
	}

	for key, want := range reported {
		got := r.store.CustodyBalance(key.Token, key.Account)
		if got.Equal(want) {
			continue
		}
		if r.metrics != nil {
			r.metrics.CustodyDrift.WithLabelValues(key.Token.Hex()).Inc()
		}
		r.log.Debug().
			Str("token", key.Token.Hex()).
			Str("account", key.Account.Hex()).
			Str("folded", got.String()).
			Str("ledger", want.String()).
			Msg("custody differs from ledger-reported balance")
	}
}
