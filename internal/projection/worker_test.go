package projection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/observability"
	"DexSync/internal/projection"
	tu "DexSync/internal/testutil"
	"DexSync/internal/view"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = tu.Addr(0xA)
	bob    = tu.Addr(0xB)
	tokenX = tu.Addr(0x10)
	tokenY = tu.Addr(0x11)
)

func watermark(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	var seq int64
	err := db.QueryRow(`SELECT fold_seq FROM projection.watermark`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1
	}
	require.NoError(t, err)
	return seq
}

func orderStatus(t *testing.T, db *sql.DB, id event.OrderID) string {
	t.Helper()
	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM projection.orders WHERE order_id = $1`, int64(id)).Scan(&status))
	return status
}

func startWorker(t *testing.T, db *sql.DB, store *view.Store, buffer int) (*observability.Metrics, func()) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := projection.NewWorker(db, store, store.Subscribe(buffer), zerolog.Nop(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return metrics, func() {
		cancel()
		<-done
	}
}

func TestProjectionFollowsView(t *testing.T) {
	tu.RequireIntegration(t)
	db, cleanup := tu.SetupTestDB(t)
	defer cleanup()

	store, folder := view.New(zerolog.Nop())
	_, stop := startWorker(t, db, store, 64)
	defer stop()

	t1 := tu.Terms(1, alice, tokenX, 10, tokenY, 20)
	t2 := tu.Terms(2, alice, tokenY, 5, tokenX, 1)
	t3 := tu.Terms(3, bob, tokenX, 7, tokenY, 7)

	folder.Fold(event.StreamCustody, []event.Event{tu.MustDeposit(tokenX, alice, 100, 100, tu.Pos(1, 0))})
	folder.Fold(event.StreamCreation, []event.Event{
		tu.MustMake(t1, tu.Pos(2, 0)),
		tu.MustMake(t2, tu.Pos(2, 1)),
		tu.MustMake(t3, tu.Pos(2, 2)),
	})
	folder.Fold(event.StreamResolution, []event.Event{
		tu.MustCancel(t2, tu.Pos(3, 0)),
		tu.MustTrade(t3, alice, tu.Pos(3, 1)),
	})
	folder.Fold(event.StreamCustody, []event.Event{tu.MustWithdraw(tokenX, alice, 30, 70, tu.Pos(4, 0))})

	require.Eventually(t, func() bool { return watermark(t, db) == int64(store.Seq()) }, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "open", orderStatus(t, db, 1))
	assert.Equal(t, "cancelled", orderStatus(t, db, 2))
	assert.Equal(t, "filled", orderStatus(t, db, 3))

	var filler string
	require.NoError(t, db.QueryRow(`SELECT filler FROM projection.trades WHERE order_id = 3`).Scan(&filler))
	assert.Equal(t, alice.Hex(), filler)

	var balance string
	require.NoError(t, db.QueryRow(
		`SELECT balance::text FROM projection.custody_balances WHERE token = $1 AND account = $2`,
		tokenX.Hex(), alice.Hex(),
	).Scan(&balance))
	assert.Equal(t, "70", balance)
}

func TestProjectionRebuildsAfterMissedChanges(t *testing.T) {
	tu.RequireIntegration(t)
	db, cleanup := tu.SetupTestDB(t)
	defer cleanup()

	store, folder := view.New(zerolog.Nop())
	// A one-slot subscription that nobody drains yet overflows immediately.
	sub := store.Subscribe(1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := projection.NewWorker(db, store, sub, zerolog.Nop(), metrics)

	for i := uint64(1); i <= 5; i++ {
		terms := tu.Terms(i, alice, tokenX, 1, tokenY, 1)
		folder.Fold(event.StreamCreation, []event.Event{tu.MustMake(terms, tu.Pos(i, 0))})
	}
	require.Equal(t, uint64(4), sub.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ProjectionDrops) == 4
	}, 5*time.Second, 20*time.Millisecond)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM projection.orders`).Scan(&n))
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(store.Seq()), watermark(t, db))

	folder.Close()
	assert.NoError(t, <-done)
}
