package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/gateway"
	"DexSync/internal/observability"
	"DexSync/internal/reconciler"
	tu "DexSync/internal/testutil"
	"DexSync/internal/view"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exchange = tu.Addr(0xE0)

type harness struct {
	sim   *gateway.Simulated
	a, b  *gateway.SimSession
	store *view.Store
	rec   *reconciler.Reconciler
	errCh chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sim := gateway.NewSimulated(exchange)
	return &harness{sim: sim, a: sim.Session(makerA), b: sim.Session(makerB)}
}

func (h *harness) start(t *testing.T, src reconciler.Source, cfg reconciler.Config) {
	t.Helper()
	if src == nil {
		src = h.a
	}
	store, folder := view.New(zerolog.Nop())
	h.store = store
	h.rec = reconciler.New(cfg, src, store, folder, zerolog.Nop(), observability.NewMetrics(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	h.errCh = make(chan error, 1)
	go func() { h.errCh <- h.rec.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errCh:
		case <-time.After(2 * time.Second):
		}
	})
}

func (h *harness) awaitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.rec.Ready():
	case err := <-h.errCh:
		t.Fatalf("reconciler exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("backfill did not complete")
	}
}

func run(t *testing.T, g gateway.Gateway, cmd gateway.Command) gateway.Inclusion {
	t.Helper()
	ctx := context.Background()
	handle, err := g.Submit(ctx, cmd)
	require.NoError(t, err)
	inc, err := g.Await(ctx, handle)
	require.NoError(t, err)
	return inc
}

func fund(t *testing.T, h *harness, g gateway.Gateway, token common.Address, amount int64) {
	t.Helper()
	h.sim.Mint(token, g.Account(), tu.Units(amount))
	run(t, g, gateway.Approve{Spender: exchange, Token: token, Amount: tu.Units(amount)})
	run(t, g, gateway.Deposit{Token: token, Amount: tu.Units(amount)})
}

func makeOrder(t *testing.T, g gateway.Gateway, give common.Address, giveAmt int64, get common.Address, getAmt int64) event.OrderID {
	t.Helper()
	inc := run(t, g, gateway.MakeOrder{TokenGive: give, AmountGive: tu.Units(giveAmt), TokenGet: get, AmountGet: tu.Units(getAmt)})
	return inc.Events[0].(*event.Make).ID
}

func TestBackfillThenLive(t *testing.T) {
	h := newHarness(t)
	fund(t, h, h.a, tokenX, 100)
	fund(t, h, h.b, tokenY, 100)
	o1 := makeOrder(t, h.a, tokenX, 10, tokenY, 5)
	o2 := makeOrder(t, h.a, tokenX, 20, tokenY, 8)
	o3 := makeOrder(t, h.a, tokenX, 30, tokenY, 9)
	run(t, h.a, gateway.CancelOrder{ID: o1})
	run(t, h.b, gateway.FillOrder{ID: o2})

	h.start(t, nil, reconciler.Config{PageSize: 3})
	h.awaitReady(t)

	assert.Equal(t, view.StatusCancelled, h.store.Status(o1))
	assert.Equal(t, view.StatusFilled, h.store.Status(o2))
	assert.Equal(t, view.StatusOpen, h.store.Status(o3))
	assert.True(t, h.store.CustodyBalance(tokenX, makerA).Equal(tu.Units(100)))

	// Live.
	run(t, h.a, gateway.Withdraw{Token: tokenX, Amount: tu.Units(40)})
	run(t, h.a, gateway.CancelOrder{ID: o3})

	require.Eventually(t, func() bool {
		return h.store.Status(o3) == view.StatusCancelled &&
			h.store.CustodyBalance(tokenX, makerA).Equal(tu.Units(60))
	}, 2*time.Second, 5*time.Millisecond)

	for _, st := range h.rec.Status() {
		assert.Equal(t, "live", st.Phase, st.Stream)
		assert.NotEmpty(t, st.Hash, st.Stream)
	}
}

func TestRedeliveryIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	fund(t, h, h.a, tokenX, 50)

	h.start(t, nil, reconciler.Config{})
	h.awaitReady(t)

	inc := run(t, h.a, gateway.Withdraw{Token: tokenX, Amount: tu.Units(10)})
	require.Eventually(t, func() bool {
		return h.store.CustodyBalance(tokenX, makerA).Equal(tu.Units(40))
	}, 2*time.Second, 5*time.Millisecond)

	h.sim.Redeliver(inc.Events...)
	h.sim.Redeliver(inc.Events...)

	require.Eventually(t, func() bool {
		return h.rec.Status()[0].Duplicates == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.store.CustodyBalance(tokenX, makerA).Equal(tu.Units(40)))
}

func TestResubscribesAfterFeedFailure(t *testing.T) {
	h := newHarness(t)
	fund(t, h, h.a, tokenX, 50)

	h.start(t, nil, reconciler.Config{MaxResubscribeInterval: 50 * time.Millisecond})
	h.awaitReady(t)

	h.sim.BreakSubscriptions(errors.New("connection reset"))
	run(t, h.a, gateway.Withdraw{Token: tokenX, Amount: tu.Units(5)})

	require.Eventually(t, func() bool {
		return h.store.CustodyBalance(tokenX, makerA).Equal(tu.Units(45))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLateTradeForCancelledOrderIsIgnored(t *testing.T) {
	h := newHarness(t)
	fund(t, h, h.a, tokenX, 10)
	id := makeOrder(t, h.a, tokenX, 10, tokenY, 5)
	cancelInc := run(t, h.a, gateway.CancelOrder{ID: id})

	h.start(t, nil, reconciler.Config{})
	h.awaitReady(t)
	require.Equal(t, view.StatusCancelled, h.store.Status(id))

	cancelled := cancelInc.Events[0].(*event.Cancel)
	h.sim.Inject(&event.Trade{OrderTerms: cancelled.OrderTerms, Filler: makerB})

	// resolution stream: the cancel, then the injected trade
	require.Eventually(t, func() bool {
		return h.rec.Status()[2].Applied == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.store.Trades())
	assert.Equal(t, view.StatusCancelled, h.store.Status(id))
}

func TestWalletRefreshAfterCustodyFold(t *testing.T) {
	h := newHarness(t)
	h.sim.Mint(tokenX, makerA, tu.Units(100))
	run(t, h.a, gateway.Approve{Spender: exchange, Token: tokenX, Amount: tu.Units(30)})
	run(t, h.a, gateway.Deposit{Token: tokenX, Amount: tu.Units(30)})

	h.start(t, nil, reconciler.Config{RefreshWallets: true})
	h.awaitReady(t)

	bal, ok := h.store.WalletBalance(tokenX, makerA)
	require.True(t, ok)
	assert.True(t, bal.Equal(tu.Units(70)))
}

func TestLoadWalletsReadsEveryToken(t *testing.T) {
	h := newHarness(t)
	h.sim.Mint(tokenX, makerA, tu.Units(5))
	h.sim.Mint(tokenY, makerA, tu.Units(9))

	h.start(t, nil, reconciler.Config{})
	h.awaitReady(t)

	n := h.rec.LoadWallets(context.Background(), makerA, []common.Address{tokenX, tokenY})
	assert.Equal(t, 2, n)

	x, ok := h.store.WalletBalance(tokenX, makerA)
	require.True(t, ok)
	assert.True(t, x.Equal(tu.Units(5)))
	y, ok := h.store.WalletBalance(tokenY, makerA)
	require.True(t, ok)
	assert.True(t, y.Equal(tu.Units(9)))
}

// gappySource drops one backfill page.
type gappySource struct {
	*gateway.SimSession
	failFrom uint64
}

func (g gappySource) FetchEvents(ctx context.Context, kind event.StreamKind, from, to uint64) ([]event.Event, error) {
	if kind == event.StreamCreation && from == g.failFrom {
		return nil, errors.New("request timed out")
	}
	return g.SimSession.FetchEvents(ctx, kind, from, to)
}

func TestBackfillFetchFailureAbortsStartup(t *testing.T) {
	h := newHarness(t)
	fund(t, h, h.a, tokenX, 10)
	makeOrder(t, h.a, tokenX, 1, tokenY, 1)

	h.start(t, gappySource{SimSession: h.a, failFrom: 2}, reconciler.Config{PageSize: 2})

	select {
	case err := <-h.errCh:
		assert.ErrorIs(t, err, reconciler.ErrHistoryGap)
	case <-time.After(2 * time.Second):
		t.Fatal("expected startup to abort")
	}
	select {
	case <-h.rec.Ready():
		t.Fatal("must not report ready after a gap")
	default:
	}
}

// strayEventSource returns an event outside the requested range.
type strayEventSource struct {
	*gateway.SimSession
}

func (s strayEventSource) FetchEvents(ctx context.Context, kind event.StreamKind, from, to uint64) ([]event.Event, error) {
	events, err := s.SimSession.FetchEvents(ctx, kind, from, to)
	if kind == event.StreamCustody && from == 0 {
		events = append(events, tu.MustDeposit(tokenX, makerA, 1, 1, tu.Pos(to+5, 0)))
	}
	return events, err
}

func TestBackfillSkipsStrayEvent(t *testing.T) {
	h := newHarness(t)
	fund(t, h, h.a, tokenX, 10)

	h.start(t, strayEventSource{SimSession: h.a}, reconciler.Config{PageSize: 1})
	h.awaitReady(t)

	assert.True(t, h.store.CustodyBalance(tokenX, makerA).Equal(tu.Units(10)))
}

// repeatingPageSource delivers the first event of every creation page twice.
type repeatingPageSource struct {
	*gateway.SimSession
}

func (s repeatingPageSource) FetchEvents(ctx context.Context, kind event.StreamKind, from, to uint64) ([]event.Event, error) {
	events, err := s.SimSession.FetchEvents(ctx, kind, from, to)
	if err != nil || kind != event.StreamCreation || len(events) == 0 {
		return events, err
	}
	return append([]event.Event{events[0]}, events...), nil
}

func TestBackfillSkipsRepeatedEventInPage(t *testing.T) {
	h := newHarness(t)
	fund(t, h, h.a, tokenX, 10)
	o1 := makeOrder(t, h.a, tokenX, 1, tokenY, 1)
	o2 := makeOrder(t, h.a, tokenX, 2, tokenY, 1)

	h.start(t, repeatingPageSource{SimSession: h.a}, reconciler.Config{PageSize: 2})
	h.awaitReady(t)

	assert.Len(t, h.store.OpenOrders(), 2)
	assert.Equal(t, view.StatusOpen, h.store.Status(o1))
	assert.Equal(t, view.StatusOpen, h.store.Status(o2))

	var creation reconciler.StreamStatus
	for _, st := range h.rec.Status() {
		if st.Stream == event.StreamCreation.String() {
			creation = st
		}
	}
	assert.NotZero(t, creation.Duplicates)
	assert.Equal(t, uint64(2), creation.Applied)
}
