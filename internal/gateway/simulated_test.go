package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/gateway"
	tu "DexSync/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	exchange = tu.Addr(0xE0)
	alice    = tu.Addr(0xA)
	bob      = tu.Addr(0xB)
	tokenX   = tu.Addr(0x10)
	tokenY   = tu.Addr(0x11)
)

func run(t *testing.T, g gateway.Gateway, cmd gateway.Command) gateway.Inclusion {
	t.Helper()
	ctx := context.Background()
	h, err := g.Submit(ctx, cmd)
	require.NoError(t, err)
	inc, err := g.Await(ctx, h)
	require.NoError(t, err)
	return inc
}

func funded(t *testing.T, sim *gateway.Simulated, who gateway.Gateway, token common.Address, amount int64) {
	t.Helper()
	sim.Mint(token, who.Account(), tu.Units(amount))
	run(t, who, gateway.Approve{Spender: exchange, Token: token, Amount: tu.Units(amount)})
	run(t, who, gateway.Deposit{Token: token, Amount: tu.Units(amount)})
}

func TestSimulatedDepositEmitsCustodyEvent(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a := sim.Session(alice)
	sim.Mint(tokenX, alice, tu.Units(100))

	run(t, a, gateway.Approve{Spender: exchange, Token: tokenX, Amount: tu.Units(60)})
	inc := run(t, a, gateway.Deposit{Token: tokenX, Amount: tu.Units(60)})

	require.Len(t, inc.Events, 1)
	dep, ok := inc.Events[0].(*event.Deposit)
	require.True(t, ok)
	assert.Equal(t, alice, dep.User)
	assert.True(t, dep.Balance.Equal(tu.Units(60)))
	assert.Equal(t, inc.TxHash, dep.TxHash)

	ctx := context.Background()
	wallet, _ := a.CurrentBalance(ctx, tokenX, alice, gateway.ScopeWallet)
	custody, _ := a.CurrentBalance(ctx, tokenX, alice, gateway.ScopeCustody)
	assert.True(t, wallet.Equal(tu.Units(40)))
	assert.True(t, custody.Equal(tu.Units(60)))
}

func TestSimulatedDepositWithoutAllowanceIsRejected(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a := sim.Session(alice)
	sim.Mint(tokenX, alice, tu.Units(100))

	_, err := a.Submit(context.Background(), gateway.Deposit{Token: tokenX, Amount: tu.Units(10)})
	assert.ErrorIs(t, err, gateway.ErrSubmissionRejected)
}

func TestSimulatedCancelByNonMakerIsRejected(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a, b := sim.Session(alice), sim.Session(bob)
	funded(t, sim, a, tokenX, 10)

	inc := run(t, a, gateway.MakeOrder{TokenGive: tokenX, AmountGive: tu.Units(10), TokenGet: tokenY, AmountGet: tu.Units(5)})
	mk := inc.Events[0].(*event.Make)

	_, err := b.Submit(context.Background(), gateway.CancelOrder{ID: mk.ID})
	assert.ErrorIs(t, err, gateway.ErrSubmissionRejected)
}

func TestSimulatedFillMovesCustody(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a, b := sim.Session(alice), sim.Session(bob)
	funded(t, sim, a, tokenX, 10)
	funded(t, sim, b, tokenY, 5)

	mk := run(t, a, gateway.MakeOrder{TokenGive: tokenX, AmountGive: tu.Units(10), TokenGet: tokenY, AmountGet: tu.Units(5)}).Events[0].(*event.Make)
	inc := run(t, b, gateway.FillOrder{ID: mk.ID})

	tr := inc.Events[0].(*event.Trade)
	assert.Equal(t, alice, tr.Maker)
	assert.Equal(t, bob, tr.Filler)

	ctx := context.Background()
	bx, _ := b.CurrentBalance(ctx, tokenX, bob, gateway.ScopeCustody)
	ay, _ := a.CurrentBalance(ctx, tokenY, alice, gateway.ScopeCustody)
	assert.True(t, bx.Equal(tu.Units(10)))
	assert.True(t, ay.Equal(tu.Units(5)))
}

func TestSimulatedRaceRevertsSecondResolution(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a, b := sim.Session(alice), sim.Session(bob)
	funded(t, sim, a, tokenX, 10)
	funded(t, sim, b, tokenY, 5)
	mk := run(t, a, gateway.MakeOrder{TokenGive: tokenX, AmountGive: tu.Units(10), TokenGet: tokenY, AmountGet: tu.Units(5)}).Events[0].(*event.Make)

	sim.HoldMining(true)
	ctx := context.Background()
	cancelH, err := a.Submit(ctx, gateway.CancelOrder{ID: mk.ID})
	require.NoError(t, err)
	fillH, err := b.Submit(ctx, gateway.FillOrder{ID: mk.ID})
	require.NoError(t, err)

	assert.Equal(t, 2, sim.Mine())

	_, err = a.Await(ctx, cancelH)
	require.NoError(t, err)
	_, err = b.Await(ctx, fillH)
	assert.ErrorIs(t, err, gateway.ErrNotIncluded)
}

func TestSimulatedHeldTransactionTimesOut(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a := sim.Session(alice)
	sim.HoldMining(true)

	h, err := a.Submit(context.Background(), gateway.Approve{Spender: exchange, Token: tokenX, Amount: tu.Units(1)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Await(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulatedSubscribeReplaysFromBlock(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a := sim.Session(alice)
	funded(t, sim, a, tokenX, 30)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub, err := a.Subscribe(ctx, event.StreamCustody, 0)
	require.NoError(t, err)
	defer sub.Close()

	evt, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeDeposit, evt.EventType())

	run(t, a, gateway.Withdraw{Token: tokenX, Amount: tu.Units(5)})
	evt, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeWithdraw, evt.EventType())

	sim.BreakSubscriptions(errors.New("connection reset"))
	_, err = sub.Next(ctx)
	assert.EqualError(t, err, "connection reset")
}

func TestFetchEventsFiltersStreamAndRange(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	a := sim.Session(alice)
	funded(t, sim, a, tokenX, 30)
	run(t, a, gateway.MakeOrder{TokenGive: tokenX, AmountGive: tu.Units(1), TokenGet: tokenY, AmountGet: tu.Units(1)})

	ctx := context.Background()
	head, err := a.HeadBlock(ctx)
	require.NoError(t, err)

	creation, err := a.FetchEvents(ctx, event.StreamCreation, 0, head)
	require.NoError(t, err)
	require.Len(t, creation, 1)

	custody, err := a.FetchEvents(ctx, event.StreamCustody, head, head)
	require.NoError(t, err)
	assert.Empty(t, custody)
}

func TestUnitsRoundTrip(t *testing.T) {
	u, err := gateway.ParseUnits("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", u.String())
	assert.Equal(t, "1.5", gateway.FormatUnits(u))
}

func TestSymbolCacheReadsOnce(t *testing.T) {
	sim := gateway.NewSimulated(exchange)
	sim.SetSymbol(tokenX, "DAPP")
	cache := gateway.NewSymbolCache(sim.Session(alice))

	sym, err := cache.Symbol(context.Background(), tokenX)
	require.NoError(t, err)
	assert.Equal(t, "DAPP", sym)

	sim.SetSymbol(tokenX, "CHANGED")
	sym, _ = cache.Symbol(context.Background(), tokenX)
	assert.Equal(t, "DAPP", sym)

	_, err = cache.Symbol(context.Background(), tokenY)
	assert.Error(t, err)
}
