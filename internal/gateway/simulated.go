package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"DexSync/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Simulated is an in-memory ledger program with the exchange's semantics.
// It backs tests and the dev mode of the daemon. Each account reaches it
// through a Session.
//
// By default a transaction is mined when its submitter awaits it. With
// HoldMining(true) transactions stay pending until Mine is called.
type Simulated struct {
	mu sync.Mutex

	exchange common.Address
	chainID  *big.Int
	now      func() time.Time

	block uint64
	log   []event.Event
	nonce uint64

	wallet    map[balanceKey]decimal.Decimal
	custody   map[balanceKey]decimal.Decimal
	allowance map[allowanceKey]decimal.Decimal
	native    map[common.Address]decimal.Decimal
	symbols   map[common.Address]string
	orders    map[event.OrderID]*simOrder
	lastOrder event.OrderID

	hold    bool
	pending []*simTx
	txs     map[common.Hash]*simTx

	subs map[*simSubscription]struct{}
}

type balanceKey struct {
	token, account common.Address
}

type allowanceKey struct {
	token, owner, spender common.Address
}

type simOrder struct {
	terms    event.OrderTerms
	resolved bool
}

type simTx struct {
	hash common.Hash
	from common.Address
	cmd  Command
	done chan struct{}
	inc  Inclusion
	err  error
}

// NewSimulated creates an empty ledger whose exchange lives at exchange.
func NewSimulated(exchange common.Address) *Simulated {
	return &Simulated{
		exchange:  exchange,
		chainID:   big.NewInt(1337),
		now:       func() time.Time { return time.Now().UTC() },
		wallet:    make(map[balanceKey]decimal.Decimal),
		custody:   make(map[balanceKey]decimal.Decimal),
		allowance: make(map[allowanceKey]decimal.Decimal),
		native:    make(map[common.Address]decimal.Decimal),
		symbols:   make(map[common.Address]string),
		orders:    make(map[event.OrderID]*simOrder),
		txs:       make(map[common.Hash]*simTx),
		subs:      make(map[*simSubscription]struct{}),
	}
}

// Session returns a gateway acting as account.
func (s *Simulated) Session(account common.Address) *SimSession {
	return &SimSession{sim: s, account: account}
}

// --- Test and dev controls ---

// SetChainID changes the id reported by ChainID.
func (s *Simulated) SetChainID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainID = new(big.Int).SetUint64(id)
}

// Mint credits a wallet balance.
func (s *Simulated) Mint(token, account common.Address, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := balanceKey{token, account}
	s.wallet[k] = s.wallet[k].Add(amount)
}

func (s *Simulated) SetNative(account common.Address, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.native[account] = amount
}

func (s *Simulated) SetSymbol(token common.Address, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[token] = symbol
}

func (s *Simulated) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// HoldMining toggles manual mining.
func (s *Simulated) HoldMining(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
}

// Mine executes every pending transaction in submission order, one block
// each, and returns how many were mined.
func (s *Simulated) Mine() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mineLocked()
}

// Inject appends raw events in a fresh block, bypassing the program's
// state. It models a ledger emitting something the program would not.
// The positioned copies are returned.
func (s *Simulated) Inject(events ...event.Event) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.block++
	tx := s.nextHashLocked(s.exchange)
	out := make([]event.Event, 0, len(events))
	for i, evt := range events {
		out = append(out, withMeta(evt, event.Meta{
			TxHash: tx,
			Pos:    event.Position{Block: s.block, LogIndex: uint(i)},
		}))
	}
	s.emitLocked(out)
	return out
}

// Redeliver pushes already emitted events to live subscribers again.
func (s *Simulated) Redeliver(events ...event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		for _, evt := range events {
			if evt.Stream() == sub.kind {
				sub.queue.push(evt)
			}
		}
	}
}

// BreakSubscriptions fails every live feed with err.
func (s *Simulated) BreakSubscriptions(err error) {
	s.mu.Lock()
	subs := make([]*simSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.queue.fail(err)
	}
}

// --- Program ---

func (s *Simulated) nextHashLocked(from common.Address) common.Hash {
	s.nonce++
	return crypto.Keccak256Hash(from.Bytes(), new(big.Int).SetUint64(s.nonce).Bytes())
}

func (s *Simulated) submit(from common.Address, cmd Command) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(from, cmd); err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %v", ErrSubmissionRejected, cmd.Name(), err)
	}
	tx := &simTx{hash: s.nextHashLocked(from), from: from, cmd: cmd, done: make(chan struct{})}
	s.pending = append(s.pending, tx)
	s.txs[tx.hash] = tx
	return Handle{TxHash: tx.hash, Command: cmd, SubmittedAt: s.now()}, nil
}

func (s *Simulated) await(ctx context.Context, h Handle) (Inclusion, error) {
	s.mu.Lock()
	tx, ok := s.txs[h.TxHash]
	if !ok {
		s.mu.Unlock()
		return Inclusion{}, fmt.Errorf("await %s: unknown transaction", h.TxHash.Hex())
	}
	if !s.hold {
		s.mineLocked()
	}
	s.mu.Unlock()

	select {
	case <-tx.done:
		return tx.inc, tx.err
	case <-ctx.Done():
		return Inclusion{}, ctx.Err()
	}
}

func (s *Simulated) mineLocked() int {
	mined := len(s.pending)
	for _, tx := range s.pending {
		s.block++
		if err := s.checkLocked(tx.from, tx.cmd); err != nil {
			tx.err = fmt.Errorf("%w: %s reverted: %v", ErrNotIncluded, tx.hash.Hex(), err)
		} else {
			events := s.applyLocked(tx)
			s.emitLocked(events)
			tx.inc = Inclusion{TxHash: tx.hash, Block: s.block, GasUsed: 21000, Events: events}
		}
		close(tx.done)
	}
	s.pending = nil
	return mined
}

func amountOK(d decimal.Decimal) error {
	if !d.IsPositive() || !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("invalid amount %s", d)
	}
	return nil
}

// checkLocked mirrors the program's require() guards.
func (s *Simulated) checkLocked(from common.Address, cmd Command) error {
	switch c := cmd.(type) {
	case Approve:
		return amountOK(c.Amount)
	case Deposit:
		if err := amountOK(c.Amount); err != nil {
			return err
		}
		if s.allowance[allowanceKey{c.Token, from, s.exchange}].LessThan(c.Amount) {
			return errors.New("insufficient allowance")
		}
		if s.wallet[balanceKey{c.Token, from}].LessThan(c.Amount) {
			return errors.New("insufficient wallet balance")
		}
	case Withdraw:
		if err := amountOK(c.Amount); err != nil {
			return err
		}
		if s.custody[balanceKey{c.Token, from}].LessThan(c.Amount) {
			return errors.New("insufficient exchange balance")
		}
	case MakeOrder:
		if err := amountOK(c.AmountGive); err != nil {
			return err
		}
		if err := amountOK(c.AmountGet); err != nil {
			return err
		}
		if s.custody[balanceKey{c.TokenGive, from}].LessThan(c.AmountGive) {
			return errors.New("insufficient exchange balance")
		}
	case CancelOrder:
		o, ok := s.orders[c.ID]
		if !ok {
			return fmt.Errorf("order %d does not exist", c.ID)
		}
		if o.terms.Maker != from {
			return fmt.Errorf("order %d not owned by caller", c.ID)
		}
		if o.resolved {
			return fmt.Errorf("order %d already resolved", c.ID)
		}
	case FillOrder:
		o, ok := s.orders[c.ID]
		if !ok {
			return fmt.Errorf("order %d does not exist", c.ID)
		}
		if o.resolved {
			return fmt.Errorf("order %d already resolved", c.ID)
		}
		if s.custody[balanceKey{o.terms.TokenGet, from}].LessThan(o.terms.AmountGet) {
			return errors.New("filler has insufficient exchange balance")
		}
		if s.custody[balanceKey{o.terms.TokenGive, o.terms.Maker}].LessThan(o.terms.AmountGive) {
			return errors.New("maker has insufficient exchange balance")
		}
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func (s *Simulated) applyLocked(tx *simTx) []event.Event {
	meta := event.Meta{TxHash: tx.hash, Pos: event.Position{Block: s.block}}
	now := s.now()

	switch c := tx.cmd.(type) {
	case Approve:
		s.allowance[allowanceKey{c.Token, tx.from, c.Spender}] = c.Amount
		return nil

	case Deposit:
		wk := balanceKey{c.Token, tx.from}
		ak := allowanceKey{c.Token, tx.from, s.exchange}
		s.wallet[wk] = s.wallet[wk].Sub(c.Amount)
		s.allowance[ak] = s.allowance[ak].Sub(c.Amount)
		s.custody[wk] = s.custody[wk].Add(c.Amount)
		return []event.Event{&event.Deposit{Meta: meta, Token: c.Token, User: tx.from, Amount: c.Amount, Balance: s.custody[wk]}}

	case Withdraw:
		k := balanceKey{c.Token, tx.from}
		s.custody[k] = s.custody[k].Sub(c.Amount)
		s.wallet[k] = s.wallet[k].Add(c.Amount)
		return []event.Event{&event.Withdraw{Meta: meta, Token: c.Token, User: tx.from, Amount: c.Amount, Balance: s.custody[k]}}

	case MakeOrder:
		s.lastOrder++
		terms := event.OrderTerms{
			ID:         s.lastOrder,
			Maker:      tx.from,
			TokenGive:  c.TokenGive,
			AmountGive: c.AmountGive,
			TokenGet:   c.TokenGet,
			AmountGet:  c.AmountGet,
			Timestamp:  now,
		}
		s.orders[terms.ID] = &simOrder{terms: terms}
		return []event.Event{&event.Make{Meta: meta, OrderTerms: terms}}

	case CancelOrder:
		o := s.orders[c.ID]
		o.resolved = true
		terms := o.terms
		terms.Timestamp = now
		return []event.Event{&event.Cancel{Meta: meta, OrderTerms: terms}}

	case FillOrder:
		o := s.orders[c.ID]
		o.resolved = true
		t := o.terms
		s.moveCustodyLocked(t.TokenGet, tx.from, t.Maker, t.AmountGet)
		s.moveCustodyLocked(t.TokenGive, t.Maker, tx.from, t.AmountGive)
		t.Timestamp = now
		return []event.Event{&event.Trade{Meta: meta, OrderTerms: t, Filler: tx.from}}
	}
	return nil
}

func (s *Simulated) moveCustodyLocked(token, from, to common.Address, amount decimal.Decimal) {
	fk, tk := balanceKey{token, from}, balanceKey{token, to}
	s.custody[fk] = s.custody[fk].Sub(amount)
	s.custody[tk] = s.custody[tk].Add(amount)
}

func (s *Simulated) emitLocked(events []event.Event) {
	s.log = append(s.log, events...)
	for sub := range s.subs {
		for _, evt := range events {
			if evt.Stream() == sub.kind && evt.Position().Block >= sub.from {
				sub.queue.push(evt)
			}
		}
	}
}

func withMeta(evt event.Event, m event.Meta) event.Event {
	switch e := evt.(type) {
	case *event.Deposit:
		c := *e
		c.Meta = m
		return &c
	case *event.Withdraw:
		c := *e
		c.Meta = m
		return &c
	case *event.Make:
		c := *e
		c.Meta = m
		return &c
	case *event.Cancel:
		c := *e
		c.Meta = m
		return &c
	case *event.Trade:
		c := *e
		c.Meta = m
		return &c
	}
	return evt
}

// --- Reads ---

func (s *Simulated) fetch(kind event.StreamKind, from, to uint64) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, evt := range s.log {
		b := evt.Position().Block
		if evt.Stream() == kind && b >= from && b <= to {
			out = append(out, evt)
		}
	}
	return out
}

func (s *Simulated) subscribe(ctx context.Context, kind event.StreamKind, from uint64) *simSubscription {
	sub := &simSubscription{sim: s, kind: kind, from: from, queue: newEventQueue(), closed: make(chan struct{})}

	s.mu.Lock()
	for _, evt := range s.log {
		if evt.Stream() == kind && evt.Position().Block >= from {
			sub.queue.push(evt)
		}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.drop(sub)
			sub.queue.fail(ctx.Err())
		case <-sub.closed:
		}
	}()
	return sub
}

func (s *Simulated) drop(sub *simSubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Simulated) balance(token, account common.Address, scope Scope) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope == ScopeCustody {
		return s.custody[balanceKey{token, account}]
	}
	return s.wallet[balanceKey{token, account}]
}

type simSubscription struct {
	sim    *Simulated
	kind   event.StreamKind
	from   uint64
	queue  *eventQueue
	once   sync.Once
	closed chan struct{}
}

func (sub *simSubscription) Next(ctx context.Context) (event.Event, error) {
	return sub.queue.next(ctx)
}

func (sub *simSubscription) Buffered() int {
	return sub.queue.len()
}

func (sub *simSubscription) Close() {
	sub.once.Do(func() {
		sub.sim.drop(sub)
		sub.queue.close()
		close(sub.closed)
	})
}

// SimSession is one account's gateway onto a Simulated ledger.
type SimSession struct {
	sim     *Simulated
	account common.Address
}

func (ss *SimSession) Account() common.Address  { return ss.account }
func (ss *SimSession) Exchange() common.Address { return ss.sim.exchange }

func (ss *SimSession) Submit(ctx context.Context, cmd Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	return ss.sim.submit(ss.account, cmd)
}

func (ss *SimSession) Await(ctx context.Context, h Handle) (Inclusion, error) {
	return ss.sim.await(ctx, h)
}

func (ss *SimSession) FetchEvents(ctx context.Context, kind event.StreamKind, from, to uint64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ss.sim.fetch(kind, from, to), nil
}

func (ss *SimSession) Subscribe(ctx context.Context, kind event.StreamKind, from uint64) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ss.sim.subscribe(ctx, kind, from), nil
}

func (ss *SimSession) CurrentBalance(ctx context.Context, token, account common.Address, scope Scope) (decimal.Decimal, error) {
	return ss.sim.balance(token, account, scope), nil
}

func (ss *SimSession) NativeBalance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	ss.sim.mu.Lock()
	defer ss.sim.mu.Unlock()
	return ss.sim.native[account], nil
}

func (ss *SimSession) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	ss.sim.mu.Lock()
	defer ss.sim.mu.Unlock()
	sym, ok := ss.sim.symbols[token]
	if !ok {
		return "", fmt.Errorf("symbol %s: not a token", token.Hex())
	}
	return sym, nil
}

func (ss *SimSession) HeadBlock(ctx context.Context) (uint64, error) {
	ss.sim.mu.Lock()
	defer ss.sim.mu.Unlock()
	return ss.sim.block, nil
}

func (ss *SimSession) ChainID(ctx context.Context) (*big.Int, error) {
	ss.sim.mu.Lock()
	defer ss.sim.mu.Unlock()
	return new(big.Int).Set(ss.sim.chainID), nil
}

var _ Gateway = (*SimSession)(nil)
