package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"DexSync/internal/config"
	"DexSync/internal/gateway"
	"DexSync/internal/lifecycle"
	"DexSync/internal/observability"
	"DexSync/internal/query"
	"DexSync/internal/reconciler"
	"DexSync/internal/server"
	tu "DexSync/internal/testutil"
	"DexSync/internal/view"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var (
	exchange = tu.Addr(0xE0)
	alice    = tu.Addr(0xA)
	base     = tu.Addr(0x10)
	quote    = tu.Addr(0x11)

	tokens = []config.Token{{Label: "UZR", Address: base}, {Label: "mETH", Address: quote}}
)

const whole = 1_000_000_000_000_000_000

type harness struct {
	sim    *gateway.Simulated
	srv    *server.Server
	health *observability.HealthChecker
	client *server.ExchangeClient
	conn   *grpc.ClientConn
}

// newHarness runs the full read and write path against a simulated ledger,
// acting as alice. readOnly leaves submissions disabled.
func newHarness(t *testing.T, readOnly bool) *harness {
	t.Helper()
	sim := gateway.NewSimulated(exchange)
	sim.SetSymbol(base, "UZR")
	sim.SetSymbol(quote, "mETH")
	session := sim.Session(alice)

	store, folder := view.New(zerolog.Nop())
	rec := reconciler.New(reconciler.Config{}, session, store, folder, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		_ = rec.Run(ctx)
	}()
	select {
	case <-rec.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler not ready")
	}

	coord := lifecycle.New(lifecycle.Config{AwaitTimeout: 2 * time.Second}, session, store, zerolog.Nop(), nil)
	q := query.NewService(store, gateway.NewSymbolCache(session), coord, zerolog.Nop(), nil).
		WithMarket(lifecycle.Market{Base: base, Quote: quote})

	deps := server.Deps{
		Query:         q,
		Submit:        coord,
		Tokens:        tokens,
		HealthChecker: observability.NewHealthChecker("reconciler"),
		Logger:        zerolog.Nop(),
	}
	if readOnly {
		deps.Submit = nil
	}
	srv := server.New("", "", deps)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		_ = srv.ServeGRPC(ctx, lis)
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		coord.Close()
		cancel()
		<-srvDone
		<-recDone
	})
	return &harness{sim: sim, srv: srv, health: deps.HealthChecker, client: server.NewExchangeClient(conn), conn: conn}
}

func TestDepositOverGRPC(t *testing.T) {
	h := newHarness(t, false)
	h.sim.Mint(base, alice, tu.Units(3*whole))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watch, err := h.client.WatchRequests(ctx, &server.WatchRequestsRequest{})
	require.NoError(t, err)
	_, err = watch.Header()
	require.NoError(t, err)

	resp, err := h.client.Deposit(ctx, &server.TransferRequest{Token: "UZR", Amount: "3"})
	require.NoError(t, err)

	var states []lifecycle.State
	for len(states) < 2 {
		tr, err := watch.Recv()
		require.NoError(t, err)
		if tr.RequestID != resp.RequestID {
			continue
		}
		states = append(states, tr.To)
		if tr.To.Terminal() {
			assert.Equal(t, lifecycle.KindDeposit, tr.Request.Kind)
		}
	}
	assert.Equal(t, []lifecycle.State{lifecycle.StatePending, lifecycle.StateConfirmed}, states)

	// Deposits confirm on inclusion; the fold may trail slightly.
	var bals *server.BalancesResponse
	require.Eventually(t, func() bool {
		bals, err = h.client.GetBalances(ctx, &server.GetBalancesRequest{Account: alice.Hex(), Tokens: []string{"UZR"}})
		return err == nil && len(bals.Balances) == 1 && bals.Balances[0].Custody.Display == "3"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "UZR", bals.Balances[0].Custody.Symbol)
}

func TestPlaceOrderOverGRPC(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.sim.Mint(base, alice, tu.Units(2*whole))
	_, err := h.client.Deposit(ctx, &server.TransferRequest{Token: base.Hex(), Amount: "2"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		bals, err := h.client.GetBalances(ctx, &server.GetBalancesRequest{Account: alice.Hex()})
		return err == nil && bals.Balances[0].Custody.Display == "2"
	}, 3*time.Second, 20*time.Millisecond)

	// A sell of 2 UZR at 0.5 mETH each.
	resp, err := h.client.PlaceOrder(ctx, &server.PlaceOrderRequest{Side: "sell", Amount: "2", Price: "0.5"})
	require.NoError(t, err)
	assert.NotEqual(t, "", resp.RequestID.String())

	var book *query.OrderBookResponse
	require.Eventually(t, func() bool {
		book, err = h.client.OrderBook(ctx, &server.OrderBookRequest{})
		return err == nil && len(book.Sells) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "0.5", book.Sells[0].Price)
	assert.Equal(t, "2", book.Sells[0].Give.Display)

	_, err = h.client.PlaceOrder(ctx, &server.PlaceOrderRequest{Side: "sideways", Amount: "1", Price: "1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQueryErrorsMapToCodes(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.client.GetOrder(ctx, &server.GetOrderRequest{ID: 42})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.ListOrders(ctx, &server.ListOrdersRequest{Status: "pending"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.GetRequest(ctx, &server.GetRequestRequest{ID: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Deposit(ctx, &server.TransferRequest{Token: "DOGE", Amount: "1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestReadOnlyRejectsSubmissions(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.client.Deposit(ctx, &server.TransferRequest{Token: "UZR", Amount: "1"})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	_, err = h.client.Status(ctx, &server.StatusRequest{})
	assert.NoError(t, err)
}

func TestHealthFollowsServing(t *testing.T) {
	h := newHarness(t, false)
	hc := healthpb.NewHealthClient(h.conn)
	ctx := context.Background()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: "dexsync.v1.Exchange"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.srv.SetServing(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestHTTPRoutes(t *testing.T) {
	h := newHarness(t, false)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/v1/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "seq")

	code, body = get("/v1/orders/99")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NotFound", body["code"])

	code, _ = get("/v1/orders?status=bogus")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = get("/v1/orders/abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	h.health.SetReady("reconciler", true)
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	h.sim.Mint(quote, alice, tu.Units(whole))
	resp, err := http.Post(ts.URL+"/v1/deposits", "application/json", strings.NewReader(`{"token":"mETH","amount":"1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var sub server.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))

	require.Eventually(t, func() bool {
		code, body := get("/v1/balances/" + alice.Hex() + "?token=mETH")
		if code != http.StatusOK {
			return false
		}
		bals := body["balances"].([]any)
		custody := bals[0].(map[string]any)["custody"].(map[string]any)
		return custody["display"] == "1"
	}, 3*time.Second, 20*time.Millisecond)
}
