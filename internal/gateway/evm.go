package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/observability"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// EVMConfig configures a JSON-RPC ledger connection.
type EVMConfig struct {
	RPCURL        string
	Exchange      common.Address
	Confirmations uint64

	RequestsPerSecond float64
	Burst             int

	// PollInterval drives confirmation waits and the polling fallback used
	// when the endpoint cannot push logs.
	PollInterval           time.Duration
	MaxResubscribeInterval time.Duration
}

// EVMGateway talks to the exchange contract over go-ethereum's ethclient.
type EVMGateway struct {
	cfg      EVMConfig
	client   *ethclient.Client
	exchange *bind.BoundContract
	signer   Signer
	limiter  *rate.Limiter

	tokensMu sync.Mutex
	tokens   map[common.Address]*bind.BoundContract

	metrics *observability.Metrics
	log     zerolog.Logger
}

// DialEVM connects to cfg.RPCURL. A nil signer gives a read-only gateway
// whose Submit always fails with ErrSubmissionRejected.
func DialEVM(ctx context.Context, cfg EVMConfig, signer Signer, logger zerolog.Logger, metrics *observability.Metrics) (*EVMGateway, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxResubscribeInterval <= 0 {
		cfg.MaxResubscribeInterval = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	return &EVMGateway{
		cfg:      cfg,
		client:   client,
		exchange: bind.NewBoundContract(cfg.Exchange, exchangeABI, client, client, client),
		signer:   signer,
		limiter:  rate.NewLimiter(limit, burst),
		tokens:   make(map[common.Address]*bind.BoundContract),
		metrics:  metrics,
		log:      logger,
	}, nil
}

// ProbeChainID reads the chain id behind url. The deployment, and with it
// the exchange address, is looked up by chain id before the gateway is
// dialled for real.
func ProbeChainID(ctx context.Context, url string) (*big.Int, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer client.Close()
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

// Close releases the RPC connection.
func (g *EVMGateway) Close() {
	g.client.Close()
}

func (g *EVMGateway) Account() common.Address {
	if g.signer == nil {
		return common.Address{}
	}
	return g.signer.Address()
}

func (g *EVMGateway) Exchange() common.Address {
	return g.cfg.Exchange
}

// call rate-limits and instruments one RPC.
func (g *EVMGateway) call(ctx context.Context, method string, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	g.metrics.ObserveGatewayCall(method, time.Since(start).Seconds(), err)
	return err
}

func (g *EVMGateway) token(addr common.Address) *bind.BoundContract {
	g.tokensMu.Lock()
	defer g.tokensMu.Unlock()
	c, ok := g.tokens[addr]
	if !ok {
		c = bind.NewBoundContract(addr, tokenABI, g.client, g.client, g.client)
		g.tokens[addr] = c
	}
	return c
}

// Submit signs and broadcasts cmd. Gas estimation runs first, so commands
// the contract would revert are rejected here rather than at inclusion.
func (g *EVMGateway) Submit(ctx context.Context, cmd Command) (Handle, error) {
	if g.signer == nil {
		return Handle{}, fmt.Errorf("%w: %s: no signing key configured", ErrSubmissionRejected, cmd.Name())
	}
	opts, err := g.signer.TransactOpts(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %v", ErrSubmissionRejected, cmd.Name(), err)
	}

	contract, method, args, err := g.encode(cmd)
	if err != nil {
		return Handle{}, err
	}

	var tx *types.Transaction
	err = g.call(ctx, "submit_"+cmd.Name(), func() error {
		var txErr error
		tx, txErr = contract.Transact(opts, method, args...)
		return txErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return Handle{}, ctx.Err()
		}
		return Handle{}, fmt.Errorf("%w: %s: %v", ErrSubmissionRejected, cmd.Name(), err)
	}

	g.log.Debug().
		Str("command", cmd.Name()).
		Str("tx", tx.Hash().Hex()).
		Msg("transaction broadcast")

	return Handle{TxHash: tx.Hash(), Command: cmd, SubmittedAt: time.Now(), tx: tx}, nil
}

func (g *EVMGateway) encode(cmd Command) (*bind.BoundContract, string, []interface{}, error) {
	switch c := cmd.(type) {
	case Approve:
		amt, err := baseUnits(c.Name(), c.Amount)
		if err != nil {
			return nil, "", nil, err
		}
		return g.token(c.Token), "approve", []interface{}{c.Spender, amt}, nil
	case Deposit:
		amt, err := baseUnits(c.Name(), c.Amount)
		if err != nil {
			return nil, "", nil, err
		}
		return g.exchange, "deposit", []interface{}{c.Token, amt}, nil
	case Withdraw:
		amt, err := baseUnits(c.Name(), c.Amount)
		if err != nil {
			return nil, "", nil, err
		}
		return g.exchange, "withdraw", []interface{}{c.Token, amt}, nil
	case MakeOrder:
		give, err := baseUnits(c.Name(), c.AmountGive)
		if err != nil {
			return nil, "", nil, err
		}
		get, err := baseUnits(c.Name(), c.AmountGet)
		if err != nil {
			return nil, "", nil, err
		}
		return g.exchange, "make", []interface{}{c.TokenGive, give, c.TokenGet, get}, nil
	case CancelOrder:
		return g.exchange, "cancel", []interface{}{new(big.Int).SetUint64(uint64(c.ID))}, nil
	case FillOrder:
		return g.exchange, "fill", []interface{}{new(big.Int).SetUint64(uint64(c.ID))}, nil
	default:
		return nil, "", nil, fmt.Errorf("%w: unsupported command %T", ErrSubmissionRejected, cmd)
	}
}

// Await blocks until h is mined with the configured confirmation depth.
// A reverted transaction yields ErrNotIncluded; ctx expiry is returned as is.
func (g *EVMGateway) Await(ctx context.Context, h Handle) (Inclusion, error) {
	if h.tx == nil {
		return Inclusion{}, fmt.Errorf("await %s: handle was not issued by this gateway", h.TxHash.Hex())
	}

	receipt, err := bind.WaitMined(ctx, g.client, h.tx)
	if err != nil {
		if ctx.Err() != nil {
			return Inclusion{}, ctx.Err()
		}
		return Inclusion{}, fmt.Errorf("%w: %s: %v", ErrNotIncluded, h.TxHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Inclusion{}, fmt.Errorf("%w: %s reverted in block %d", ErrNotIncluded, h.TxHash.Hex(), receipt.BlockNumber)
	}

	block := receipt.BlockNumber.Uint64()
	if err := g.awaitConfirmations(ctx, block); err != nil {
		return Inclusion{}, err
	}

	inc := Inclusion{TxHash: h.TxHash, Block: block, GasUsed: receipt.GasUsed}
	for _, lg := range receipt.Logs {
		if lg.Address != g.cfg.Exchange {
			continue
		}
		evt, err := decodeLog(*lg)
		if err != nil {
			g.log.Warn().Err(err).Str("tx", h.TxHash.Hex()).Msg("undecodable receipt log")
			continue
		}
		inc.Events = append(inc.Events, evt)
	}
	return inc, nil
}

func (g *EVMGateway) awaitConfirmations(ctx context.Context, block uint64) error {
	if g.cfg.Confirmations == 0 {
		return nil
	}
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		head, err := g.HeadBlock(ctx)
		if err == nil && head >= block+g.cfg.Confirmations {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) filterQuery(kind event.StreamKind, from, to uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{g.cfg.Exchange},
		Topics:    [][]common.Hash{streamTopics(kind)},
	}
	if to > 0 {
		q.ToBlock = new(big.Int).SetUint64(to)
	}
	return q
}

// FetchEvents returns every event of kind in blocks [from, to], ordered by
// position. Logs that fail to decode are logged and skipped.
func (g *EVMGateway) FetchEvents(ctx context.Context, kind event.StreamKind, from, to uint64) ([]event.Event, error) {
	if to < from {
		return nil, nil
	}
	var logs []types.Log
	err := g.call(ctx, "filter_logs", func() error {
		var callErr error
		logs, callErr = g.client.FilterLogs(ctx, g.filterQuery(kind, from, to))
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s events [%d,%d]: %w", kind, from, to, err)
	}
	return g.decodeLogs(kind, logs), nil
}

func (g *EVMGateway) decodeLogs(kind event.StreamKind, logs []types.Log) []event.Event {
	events := make([]event.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		evt, err := decodeLog(lg)
		if err != nil {
			g.log.Warn().Err(err).
				Str("stream", kind.String()).
				Uint64("block", lg.BlockNumber).
				Msg("skipping undecodable log")
			continue
		}
		events = append(events, evt)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Less(events[j].Position())
	})
	return events
}

// Subscribe starts a live feed of kind from block from. The feed survives
// transport failures by resubscribing from the last delivered block, so
// consumers may see duplicates but never gaps.
func (g *EVMGateway) Subscribe(ctx context.Context, kind event.StreamKind, from uint64) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := newLogSubscription(g, kind, from, cancel)
	go sub.run(ctx)
	return sub, nil
}

func (g *EVMGateway) CurrentBalance(ctx context.Context, token, account common.Address, scope Scope) (decimal.Decimal, error) {
	var out []interface{}
	err := g.call(ctx, "balance_"+scope.String(), func() error {
		opts := &bind.CallOpts{Context: ctx}
		if scope == ScopeCustody {
			return g.exchange.Call(opts, &out, "balanceOf", token, account)
		}
		return g.token(token).Call(opts, &out, "balanceOf", account)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s balance %s/%s: %w", scope, token.Hex(), account.Hex(), err)
	}
	if len(out) == 0 {
		return decimal.Zero, fmt.Errorf("read %s balance: empty result", scope)
	}
	v := *abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	return FromBaseUnits(&v), nil
}

func (g *EVMGateway) NativeBalance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	var bal *big.Int
	err := g.call(ctx, "native_balance", func() error {
		var callErr error
		bal, callErr = g.client.BalanceAt(ctx, account, nil)
		return callErr
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("native balance %s: %w", account.Hex(), err)
	}
	return FromBaseUnits(bal), nil
}

func (g *EVMGateway) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	var out []interface{}
	err := g.call(ctx, "symbol", func() error {
		return g.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "symbol")
	})
	if err != nil {
		return "", fmt.Errorf("symbol %s: %w", token.Hex(), err)
	}
	if len(out) == 0 {
		return "", errors.New("symbol: empty result")
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (g *EVMGateway) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := g.call(ctx, "block_number", func() error {
		var callErr error
		head, callErr = g.client.BlockNumber(ctx)
		return callErr
	})
	return head, err
}

func (g *EVMGateway) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := g.call(ctx, "chain_id", func() error {
		var callErr error
		id, callErr = g.client.ChainID(ctx)
		return callErr
	})
	return id, err
}

var _ Gateway = (*EVMGateway)(nil)
