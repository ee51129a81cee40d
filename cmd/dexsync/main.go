package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DexSync/internal/config"
	"DexSync/internal/gateway"
	"DexSync/internal/lifecycle"
	"DexSync/internal/observability"
	"DexSync/internal/persistence"
	"DexSync/internal/projection"
	"DexSync/internal/query"
	"DexSync/internal/reconciler"
	"DexSync/internal/relay"
	"DexSync/internal/server"
	"DexSync/internal/view"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
)

// devAccount acts for the simulated ledger when no key is configured.
var devAccount = common.HexToAddress("0x00000000000000000000000000000000000dE71")

// simFaucet is minted to the acting account for every listed token when
// running simulated.
var simFaucet = decimal.New(1000, 18)

func main() {
	logger := observability.NewLogger("dexsync")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("dexsync stopped")
	}
	logger.Info().Msg("dexsync shutdown complete")
}

// ledger is a connected gateway plus the deployment it talks to.
type ledger struct {
	gw       gateway.Gateway
	network  config.Network
	readOnly bool
	close    func()
}

func run(logger zerolog.Logger) error {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	book, err := config.LoadNetworkBook(cfg.NetworkBookPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker("reconciler")

	// --- Ledger ---
	var led ledger
	if cfg.Simulated {
		led, err = openSimulated(cfg, book)
	} else {
		led, err = openEVM(ctx, cfg, book, observability.NewLogger("gateway"), metrics)
	}
	if err != nil {
		return err
	}
	defer led.close()

	if err := bootstrap(ctx, led, logger); err != nil {
		return err
	}

	// --- View + reconciler ---
	store, folder := view.New(observability.NewLogger("view"))
	defer folder.Close()

	rec := reconciler.New(reconciler.Config{
		GenesisBlock:           led.network.GenesisBlock,
		PageSize:               cfg.PageSize,
		MaxBatch:               cfg.MaxBatch,
		LRUCapacity:            cfg.LRUCapacity,
		RefreshWallets:         cfg.RefreshWallets,
		MaxResubscribeInterval: cfg.MaxResubscribeInterval,
	}, led.gw, store, folder, observability.NewLogger("reconciler"), metrics)

	if !led.readOnly {
		tokens := make([]common.Address, 0, len(led.network.Tokens))
		for _, t := range led.network.Tokens {
			tokens = append(tokens, t.Address)
		}
		n := rec.LoadWallets(ctx, led.gw.Account(), tokens)
		logger.Info().Int("tokens", n).Msg("initial wallet balances loaded")
	}

	// --- Lifecycle + query ---
	coord := lifecycle.New(lifecycle.Config{AwaitTimeout: cfg.AwaitTimeout},
		led.gw, store, observability.NewLogger("lifecycle"), metrics)
	defer coord.Close()

	queries := query.NewService(store, gateway.NewSymbolCache(led.gw), coord, observability.NewLogger("query"), metrics)
	if base, quote, ok := led.network.Market(); ok {
		queries = queries.WithMarket(lifecycle.Market{Base: base, Quote: quote})
	}

	deps := server.Deps{
		Query:         queries,
		Submit:        coord,
		Tokens:        led.network.Tokens,
		HealthChecker: healthChecker,
		Logger:        observability.NewLogger("server"),
	}
	if led.readOnly {
		deps.Submit = nil
	}
	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, deps)

	// --- Optional downstreams ---
	var rel *relayLink
	if cfg.NATSURL != "" {
		if rel, err = connectRelay(ctx, cfg, store, coord, metrics); err != nil {
			return err
		}
	}

	var worker *projection.Worker
	var projSub *view.Subscription
	if cfg.PostgresURL != "" {
		db, err := openProjectionDB(ctx, cfg, logger)
		if err != nil {
			if rel != nil {
				rel.close()
			}
			return err
		}
		defer db.Close()

		projSub = store.Subscribe(cfg.ProjectionBuffer)
		worker = projection.NewWorker(db, store, projSub, observability.NewLogger("projection"), metrics)
	}

	// --- Goroutines ---
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	p.Go(rec.Run)

	p.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-rec.Ready():
		}
		healthChecker.SetReady("reconciler", true)
		srv.SetServing(true)
		logger.Info().Uint64("seq", store.Seq()).Msg("view caught up, serving")
		return nil
	})

	// Closing the coordinator ends its subscriptions, which lets open
	// WatchRequests streams and the relay finish.
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		coord.Close()
		return nil
	})

	if rel != nil {
		rel.start(p)
	}
	if worker != nil {
		p.Go(func(ctx context.Context) error {
			defer projSub.Close()
			return worker.Run(ctx)
		})
	}

	p.Go(srv.StartGRPC)
	p.Go(srv.StartHTTP)
	p.Go(func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, logger)
	})

	logger.Info().
		Str("network", led.network.Name).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Bool("read_only", led.readOnly).
		Msg("dexsync started")

	err = p.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info().Msg("received shutdown signal")
		return nil
	}
	return err
}

func openSimulated(cfg config.Config, book config.NetworkBook) (ledger, error) {
	network, err := book.Lookup(cfg.SimChainID)
	if err != nil {
		return ledger{}, err
	}

	account := devAccount
	if cfg.PrivateKey != "" {
		signer, err := gateway.NewKeySigner(cfg.PrivateKey, new(big.Int).SetUint64(cfg.SimChainID))
		if err != nil {
			return ledger{}, err
		}
		account = signer.Address()
	}

	sim := gateway.NewSimulated(network.Exchange)
	sim.SetChainID(cfg.SimChainID)
	for _, t := range network.Tokens {
		sim.SetSymbol(t.Address, t.Label)
		sim.Mint(t.Address, account, simFaucet)
	}
	return ledger{gw: sim.Session(account), network: network, readOnly: cfg.ReadOnly, close: func() {}}, nil
}

func openEVM(ctx context.Context, cfg config.Config, book config.NetworkBook, logger zerolog.Logger, metrics *observability.Metrics) (ledger, error) {
	chainID, err := gateway.ProbeChainID(ctx, cfg.RPCURL)
	if err != nil {
		return ledger{}, err
	}
	network, err := book.Lookup(chainID.Uint64())
	if err != nil {
		return ledger{}, err
	}

	var signer gateway.Signer
	if !cfg.ReadOnly {
		ks, err := gateway.NewKeySigner(cfg.PrivateKey, chainID)
		if err != nil {
			return ledger{}, err
		}
		signer = ks
	}

	gw, err := gateway.DialEVM(ctx, gateway.EVMConfig{
		RPCURL:                 cfg.RPCURL,
		Exchange:               network.Exchange,
		Confirmations:          cfg.Confirmations,
		RequestsPerSecond:      cfg.RPCRate,
		Burst:                  cfg.RPCBurst,
		PollInterval:           cfg.PollInterval,
		MaxResubscribeInterval: cfg.MaxResubscribeInterval,
	}, signer, logger, metrics)
	if err != nil {
		return ledger{}, err
	}
	return ledger{gw: gw, network: network, readOnly: cfg.ReadOnly, close: gw.Close}, nil
}

// bootstrap logs the chain, the acting account and its native balance.
func bootstrap(ctx context.Context, led ledger, logger zerolog.Logger) error {
	chainID, err := led.gw.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	ev := logger.Info().
		Str("chain_id", chainID.String()).
		Str("network", led.network.Name).
		Str("exchange", led.network.Exchange.Hex()).
		Int("tokens", len(led.network.Tokens))
	if led.readOnly {
		ev.Msg("network loaded, read-only")
		return nil
	}

	account := led.gw.Account()
	native, err := led.gw.NativeBalance(ctx, account)
	if err != nil {
		return fmt.Errorf("read native balance of %s: %w", account.Hex(), err)
	}
	ev.Str("account", account.Hex()).
		Str("native_balance", gateway.FormatUnits(native)).
		Msg("network loaded")
	return nil
}

// relayLink is a connected JetStream publisher with its feeds.
type relayLink struct {
	nc      *nats.Conn
	pub     *relay.Publisher
	viewSub *view.Subscription
	reqSub  *lifecycle.Subscription
}

func connectRelay(ctx context.Context, cfg config.Config, store *view.Store, coord *lifecycle.Coordinator, metrics *observability.Metrics) (*relayLink, error) {
	logger := observability.NewLogger("relay")
	nc, js, err := relay.Connect(cfg.NATSURL, logger)
	if err != nil {
		return nil, err
	}
	if err := relay.EnsureStream(ctx, js); err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")

	return &relayLink{
		nc:      nc,
		pub:     relay.NewPublisher(js, cfg.RelayBuffer, logger, metrics),
		viewSub: store.Subscribe(cfg.RelayBuffer),
		reqSub:  coord.Subscribe(),
	}, nil
}

func (r *relayLink) start(p *pool.ContextPool) {
	p.Go(func(ctx context.Context) error {
		defer r.nc.Close()
		return r.pub.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		defer r.viewSub.Close()
		return r.pub.FollowView(ctx, r.viewSub)
	})
	p.Go(func(ctx context.Context) error {
		defer r.reqSub.Close()
		return r.pub.FollowRequests(ctx, r.reqSub)
	})
}

func (r *relayLink) close() {
	r.viewSub.Close()
	r.reqSub.Close()
	r.nc.Close()
}

func openProjectionDB(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	migrator := persistence.NewMigrator(db, os.DirFS(cfg.MigrationsDir), observability.NewLogger("migrate"))
	n, err := migrator.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info().Int("applied", n).Msg("projection database ready")
	return db, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
