package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/gateway"
	"DexSync/internal/observability"
	"DexSync/internal/view"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
)

var ErrClosed = errors.New("coordinator closed")

// OrderView is the read side of the view the coordinator checks commands
// against and waits on for confirmation.
type OrderView interface {
	Order(id event.OrderID) (view.Order, bool)
	Status(id event.OrderID) view.Status
	AwaitTx(ctx context.Context, tx common.Hash) error
}

type Config struct {
	// AwaitTimeout bounds each ledger step: inclusion and, for order
	// commands, the fold of its event.
	AwaitTimeout time.Duration
}

// Coordinator runs every request on its own goroutine. It never writes to
// the view; confirmations come from the reconciler folding ledger events.
type Coordinator struct {
	gw      gateway.Gateway
	view    OrderView
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	hub     *hub
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	flows  conc.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]*Request
}

func New(cfg Config, gw gateway.Gateway, v OrderView, logger zerolog.Logger, metrics *observability.Metrics) *Coordinator {
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		gw:       gw,
		view:     v,
		cfg:      cfg,
		log:      logger,
		metrics:  metrics,
		hub:      newHub(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uuid.UUID]*Request),
	}
}

// Subscribe opens a feed of every transition published from now on.
func (c *Coordinator) Subscribe() *Subscription {
	return c.hub.subscribe()
}

// Lookup returns an in-flight request. Requests are forgotten once their
// terminal transition is published.
func (c *Coordinator) Lookup(id uuid.UUID) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.inflight[id]
	if !ok {
		return Request{}, false
	}
	return req.snapshot(), true
}

// InFlight lists every non-terminal request, oldest first.
func (c *Coordinator) InFlight() []Request {
	c.mu.Lock()
	out := make([]Request, 0, len(c.inflight))
	for _, req := range c.inflight {
		out = append(out, req.snapshot())
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Request) int { return a.SubmittedAt.Compare(b.SubmittedAt) })
	return out
}

// Close stops accepting requests, fails the in-flight ones as timed out
// (their ledger effect may still land) and closes every subscription.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.flows.Wait()
	c.hub.closeAll()
}

// Deposit approves the exchange for amount, then moves amount into
// custody. The steps are not atomic: when the second fails the allowance
// stays on the ledger and the request reports ApprovalOutstanding.
func (c *Coordinator) Deposit(token common.Address, amount decimal.Decimal) (uuid.UUID, error) {
	deposit := gateway.Deposit{Token: token, Amount: amount}
	return c.start(KindDeposit, deposit, 0, func(ctx context.Context, req *Request) error {
		// Step 1: allowance for the exchange
		approve := gateway.Approve{Spender: c.gw.Exchange(), Token: token, Amount: amount}
		if _, err := c.step(ctx, req, approve, false); err != nil {
			return fmt.Errorf("approve: %w", err)
		}

		// Step 2: transfer into custody
		if _, err := c.step(ctx, req, deposit, false); err != nil {
			c.amend(req, func(r *Request) { r.ApprovalOutstanding = true })
			return fmt.Errorf("deposit after approval: %w", err)
		}
		return nil
	})
}

func (c *Coordinator) Withdraw(token common.Address, amount decimal.Decimal) (uuid.UUID, error) {
	withdraw := gateway.Withdraw{Token: token, Amount: amount}
	return c.start(KindWithdraw, withdraw, 0, func(ctx context.Context, req *Request) error {
		_, err := c.step(ctx, req, withdraw, false)
		return err
	})
}

// MakeOrder creates an order. On confirmation the request carries the id
// the ledger assigned.
func (c *Coordinator) MakeOrder(order gateway.MakeOrder) (uuid.UUID, error) {
	return c.start(KindMakeOrder, order, 0, func(ctx context.Context, req *Request) error {
		inc, err := c.step(ctx, req, order, true)
		if err != nil {
			return err
		}
		for _, evt := range inc.Events {
			if mk, ok := evt.(*event.Make); ok {
				c.amend(req, func(r *Request) { r.OrderID = mk.ID })
				break
			}
		}
		return nil
	})
}

// CancelOrder is only submitted by the order's maker and only while the
// view still shows it open.
func (c *Coordinator) CancelOrder(id event.OrderID) (uuid.UUID, error) {
	cancel := gateway.CancelOrder{ID: id}
	return c.start(KindCancelOrder, cancel, id, func(ctx context.Context, req *Request) error {
		order, ok := c.view.Order(id)
		if !ok {
			return fmt.Errorf("%w: order %d unknown", ErrStaleView, id)
		}
		if order.Maker != c.gw.Account() {
			return fmt.Errorf("%w: order %d maker %s, caller %s", ErrNotMaker, id, order.Maker.Hex(), c.gw.Account().Hex())
		}
		if st := c.view.Status(id); st != view.StatusOpen {
			return fmt.Errorf("%w: order %d is %s", ErrStaleView, id, st)
		}
		_, err := c.step(ctx, req, cancel, true)
		return err
	})
}

// FillOrder is only submitted against an order open in the view. A
// resolution racing the fill is settled by the ledger and reported as a
// failure.
func (c *Coordinator) FillOrder(id event.OrderID) (uuid.UUID, error) {
	fill := gateway.FillOrder{ID: id}
	return c.start(KindFillOrder, fill, id, func(ctx context.Context, req *Request) error {
		if st := c.view.Status(id); st != view.StatusOpen {
			return fmt.Errorf("%w: order %d is %s", ErrStaleView, id, st)
		}
		_, err := c.step(ctx, req, fill, true)
		return err
	})
}

// PlaceBuyOrder makes an order buying amount of the market's base token at
// price. Amount and price are in whole tokens.
func (c *Coordinator) PlaceBuyOrder(m Market, amount, price decimal.Decimal) (uuid.UUID, error) {
	return c.MakeOrder(m.BuyOrder(amount, price))
}

// PlaceSellOrder makes an order selling amount of the market's base token
// at price.
func (c *Coordinator) PlaceSellOrder(m Market, amount, price decimal.Decimal) (uuid.UUID, error) {
	return c.MakeOrder(m.SellOrder(amount, price))
}

type flowFunc func(ctx context.Context, req *Request) error

// start registers a Pending request, publishes its first transition and
// launches flow.
func (c *Coordinator) start(kind Kind, cmd gateway.Command, orderID event.OrderID, flow flowFunc) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return uuid.Nil, ErrClosed
	}

	now := c.now()
	req := &Request{
		ID:          uuid.New(),
		Kind:        kind,
		State:       StatePending,
		Command:     cmd,
		OrderID:     orderID,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	c.inflight[req.ID] = req
	c.publishLocked(StateNone, req)
	if c.metrics != nil {
		c.metrics.RequestsInFlight.Inc()
	}

	c.log.Info().
		Str("request_id", req.ID.String()).
		Str("kind", kind.String()).
		Str("command", cmd.Name()).
		Msg("request pending")

	c.flows.Go(func() {
		c.finish(req, flow(c.ctx, req))
	})
	return req.ID, nil
}

// step submits cmd and waits for its inclusion. With fold set it also
// waits until an event emitted by the transaction has changed the view.
// Both waits share one AwaitTimeout.
func (c *Coordinator) step(ctx context.Context, req *Request, cmd gateway.Command, fold bool) (gateway.Inclusion, error) {
	handle, err := c.gw.Submit(ctx, cmd)
	if err != nil {
		return gateway.Inclusion{}, err
	}
	c.amend(req, func(r *Request) { r.TxHashes = append(r.TxHashes, handle.TxHash) })
	c.log.Debug().
		Str("request_id", req.ID.String()).
		Str("command", cmd.Name()).
		Str("tx_hash", handle.TxHash.Hex()).
		Msg("submitted")

	awaitCtx, cancel := context.WithTimeout(ctx, c.cfg.AwaitTimeout)
	defer cancel()

	inc, err := c.gw.Await(awaitCtx, handle)
	if err != nil {
		return inc, timeoutOr(err, "inclusion", handle.TxHash)
	}
	if fold {
		if err := c.view.AwaitTx(awaitCtx, handle.TxHash); err != nil {
			return inc, timeoutOr(err, "fold", handle.TxHash)
		}
	}
	return inc, nil
}

func timeoutOr(err error, stage string, tx common.Hash) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s of %s: %v", ErrTimeout, stage, tx.Hex(), err)
	}
	return err
}

// finish publishes the terminal transition exactly once and forgets the
// request.
func (c *Coordinator) finish(req *Request, err error) {
	c.mu.Lock()
	req.UpdatedAt = c.now()
	if err == nil {
		req.State = StateConfirmed
	} else {
		req.State = StateFailed
		req.Reason = Failure(err)
		req.Error = err.Error()
	}
	c.publishLocked(StatePending, req)
	delete(c.inflight, req.ID)
	elapsed := req.UpdatedAt.Sub(req.SubmittedAt)
	c.mu.Unlock()

	if c.metrics != nil {
		outcome := req.State.String()
		if req.Reason != ReasonNone {
			outcome = string(req.Reason)
		}
		c.metrics.RequestsInFlight.Dec()
		c.metrics.RequestDuration.WithLabelValues(req.Kind.String(), outcome).Observe(elapsed.Seconds())
	}

	var ev *zerolog.Event
	if err != nil {
		ev = c.log.Warn().Err(err).Str("reason", string(req.Reason))
	} else {
		ev = c.log.Info()
	}
	ev.Str("request_id", req.ID.String()).
		Str("kind", req.Kind.String()).
		Str("state", req.State.String()).
		Bool("approval_outstanding", req.ApprovalOutstanding).
		Dur("took", elapsed).
		Msg("request finished")
}

func (c *Coordinator) amend(req *Request, fn func(*Request)) {
	c.mu.Lock()
	fn(req)
	req.UpdatedAt = c.now()
	c.mu.Unlock()
}

// publishLocked fans the transition out. Caller holds mu so transitions of
// one request are published in order.
func (c *Coordinator) publishLocked(from State, req *Request) {
	c.metrics.RecordTransition(req.Kind.String(), req.State.String())
	c.hub.publish(Transition{RequestID: req.ID, From: from, To: req.State, Request: req.snapshot()})
}

func (r *Request) snapshot() Request {
	out := *r
	out.TxHashes = slices.Clone(r.TxHashes)
	return out
}
