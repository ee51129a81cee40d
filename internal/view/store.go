package view

import (
	"context"
	"sort"
	"sync"

	"DexSync/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// foldedTxCapacity bounds how many recently folded transaction hashes are
// remembered for AwaitTx callers that arrive after the fold.
const foldedTxCapacity = 8192

// Store is the derived, read-only view of the ledger: open, cancelled and
// filled orders plus custody and wallet balances.
//
// Mutation happens only through the Folder returned alongside it by New.
// Readers take the read lock and never observe a half-applied batch.
type Store struct {
	mu sync.RWMutex

	orders    map[event.OrderID]Order
	open      map[event.OrderID]struct{}
	cancelled map[event.OrderID]CancelledOrder
	trades    map[event.OrderID]Trade

	// Resolutions observed before their Make, keyed by order id.
	// First arrival wins.
	pending map[event.OrderID]event.Resolution

	custody map[BalanceKey]decimal.Decimal
	wallet  map[BalanceKey]decimal.Decimal

	seq uint64 // bumped once per fold batch

	foldedTx     map[common.Hash]struct{}
	foldedTxRing []common.Hash
	foldedTxNext int
	waiters      map[common.Hash][]chan struct{}

	notifier *notifier
	log      zerolog.Logger
}

// Folder is the single mutation entry point of a Store. It is owned by the
// reconciler; each stream's folds are issued sequentially by one goroutine.
type Folder struct {
	s *Store
}

// New creates an empty view and the folder that feeds it.
func New(logger zerolog.Logger) (*Store, *Folder) {
	s := &Store{
		orders:       make(map[event.OrderID]Order),
		open:         make(map[event.OrderID]struct{}),
		cancelled:    make(map[event.OrderID]CancelledOrder),
		trades:       make(map[event.OrderID]Trade),
		pending:      make(map[event.OrderID]event.Resolution),
		custody:      make(map[BalanceKey]decimal.Decimal),
		wallet:       make(map[BalanceKey]decimal.Decimal),
		foldedTx:     make(map[common.Hash]struct{}, foldedTxCapacity),
		foldedTxRing: make([]common.Hash, foldedTxCapacity),
		waiters:      make(map[common.Hash][]chan struct{}),
		notifier:     newNotifier(),
		log:          logger,
	}
	return s, &Folder{s: s}
}

// --- Read accessors ---

// OpenOrders returns the orders that are neither cancelled nor filled,
// sorted by id.
func (s *Store) OpenOrders() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openOrdersLocked()
}

func (s *Store) openOrdersLocked() []Order {
	out := make([]Order, 0, len(s.open))
	for id := range s.open {
		out = append(out, s.orders[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelledOrders returns cancelled orders sorted by id.
func (s *Store) CancelledOrders() []CancelledOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelledLocked()
}

func (s *Store) cancelledLocked() []CancelledOrder {
	out := make([]CancelledOrder, 0, len(s.cancelled))
	for _, c := range s.cancelled {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Trades returns the trade history sorted by order id.
func (s *Store) Trades() []Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tradesLocked()
}

func (s *Store) tradesLocked() []Trade {
	out := make([]Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (s *Store) filledLocked() []Order {
	out := make([]Order, 0, len(s.trades))
	for id := range s.trades {
		out = append(out, s.orders[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CustodyBalance returns the funds held by the exchange for account.
func (s *Store) CustodyBalance(token, account common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.custody[BalanceKey{Token: token, Account: account}]
}

// WalletBalance returns the last point-read wallet balance. The value is
// advisory; ok is false when no read has happened yet.
func (s *Store) WalletBalance(token, account common.Address) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.wallet[BalanceKey{Token: token, Account: account}]
	return v, ok
}

// Order looks up an order by id regardless of status.
func (s *Store) Order(id event.OrderID) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// Status returns the derived status of an order; StatusUnknown when no Make
// has been folded for it.
func (s *Store) Status(id event.OrderID) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked(id)
}

func (s *Store) statusLocked(id event.OrderID) Status {
	if _, ok := s.cancelled[id]; ok {
		return StatusCancelled
	}
	if _, ok := s.trades[id]; ok {
		return StatusFilled
	}
	if _, ok := s.open[id]; ok {
		return StatusOpen
	}
	return StatusUnknown
}

// PendingResolutions returns how many Cancel/Trade events await their Make.
func (s *Store) PendingResolutions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Seq returns the fold batch counter.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Snapshot copies the whole view under a single read lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Seq:       s.seq,
		Open:      s.openOrdersLocked(),
		Cancelled: s.cancelledLocked(),
		Filled:    s.filledLocked(),
		Trades:    s.tradesLocked(),
		Custody:   make(map[BalanceKey]decimal.Decimal, len(s.custody)),
		Wallet:    make(map[BalanceKey]decimal.Decimal, len(s.wallet)),
		Pending:   len(s.pending),
	}
	for k, v := range s.custody {
		snap.Custody[k] = v
	}
	for k, v := range s.wallet {
		snap.Wallet[k] = v
	}
	return snap
}

// AwaitTx blocks until an event emitted by tx has changed the view, or ctx
// ends. Events the fold skipped or parked do not count.
func (s *Store) AwaitTx(ctx context.Context, tx common.Hash) error {
	s.mu.Lock()
	if _, ok := s.foldedTx[tx]; ok {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[tx] = append(s.waiters[tx], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.removeWaiterLocked(tx, ch)
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Store) removeWaiterLocked(tx common.Hash, ch chan struct{}) {
	list := s.waiters[tx]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, tx)
	} else {
		s.waiters[tx] = list
	}
}

// Subscribe registers for one Change per fold batch. Delivery never blocks
// the folder: when the buffer is full the change is dropped and counted, and
// the subscriber is expected to re-read a Snapshot.
func (s *Store) Subscribe(buffer int) *Subscription {
	return s.notifier.subscribe(buffer)
}

// --- Fold path ---

// Fold applies one batch of events from a single stream, in the given
// order, and emits one Change. Events must already be ordered by position.
func (f *Folder) Fold(stream event.StreamKind, events []event.Event) FoldResult {
	s := f.s
	var res FoldResult

	s.mu.Lock()
	for _, evt := range events {
		s.foldLocked(evt, &res)
	}
	// Only events that changed the view confirm their transaction. A
	// released resolution is in Applied with the Make that freed it.
	for _, evt := range res.Applied {
		s.markFoldedLocked(evt.Tx())
	}
	s.seq++
	change := Change{
		Seq:      s.seq,
		Stream:   stream,
		Applied:  res.Applied,
		Skipped:  res.SkippedTotal(),
		Buffered: res.Buffered,
	}
	s.mu.Unlock()

	s.notifier.publish(change)
	return res
}

// SetWalletBalances records point-read wallet balances. Wallet balances are
// not derivable from the exchange log; nothing folds them.
func (f *Folder) SetWalletBalances(balances map[BalanceKey]decimal.Decimal) {
	if len(balances) == 0 {
		return
	}
	s := f.s

	s.mu.Lock()
	for k, v := range balances {
		s.wallet[k] = v
	}
	s.seq++
	change := Change{Seq: s.seq, Stream: event.StreamCustody, Wallet: true}
	s.mu.Unlock()

	s.notifier.publish(change)
}

// Close ends every subscription.
func (f *Folder) Close() {
	f.s.notifier.closeAll()
}

func (s *Store) foldLocked(evt event.Event, res *FoldResult) {
	switch e := evt.(type) {
	case event.CustodyChange:
		token, account := e.Holder()
		key := BalanceKey{Token: token, Account: account}
		next := s.custody[key].Add(e.SignedAmount())
		if next.IsNegative() {
			s.log.Warn().
				Str("token", token.Hex()).
				Str("account", account.Hex()).
				Str("balance", next.String()).
				Msg("custody balance negative after fold")
		}
		s.custody[key] = next
		res.Applied = append(res.Applied, evt)

	case *event.Make:
		if _, exists := s.orders[e.ID]; exists {
			res.skip(SkipDuplicateOrder)
			return
		}
		order := Order{OrderTerms: e.OrderTerms, CreatedTx: e.TxHash}
		s.orders[e.ID] = order
		res.Applied = append(res.Applied, evt)

		if parked, ok := s.pending[e.ID]; ok {
			delete(s.pending, e.ID)
			s.resolveLocked(order, parked)
			res.Applied = append(res.Applied, parked)
			res.Released++
			return
		}
		s.open[e.ID] = struct{}{}

	case event.Resolution:
		id := e.ResolvedOrder()
		if s.statusLocked(id) == StatusCancelled || s.statusLocked(id) == StatusFilled {
			res.skip(SkipAlreadyResolved)
			return
		}
		order, known := s.orders[id]
		if !known {
			if _, parked := s.pending[id]; parked {
				res.skip(SkipAlreadyBuffered)
				return
			}
			s.pending[id] = e
			res.Buffered++
			return
		}
		s.resolveLocked(order, e)
		res.Applied = append(res.Applied, evt)

	default:
		res.skip(SkipMalformed)
	}
}

// resolveLocked moves an order out of the open set into its terminal set.
func (s *Store) resolveLocked(order Order, r event.Resolution) {
	delete(s.open, order.ID)

	switch e := r.(type) {
	case *event.Cancel:
		s.cancelled[order.ID] = CancelledOrder{
			Order:       order,
			CancelledAt: e.Timestamp,
			CancelTx:    e.TxHash,
		}
	case *event.Trade:
		s.trades[order.ID] = Trade{
			OrderID:    order.ID,
			Maker:      order.Maker,
			Filler:     e.Filler,
			TokenGive:  order.TokenGive,
			AmountGive: order.AmountGive,
			TokenGet:   order.TokenGet,
			AmountGet:  order.AmountGet,
			SettledAt:  e.Timestamp,
			TradeTx:    e.TxHash,
		}
	}
}

func (s *Store) markFoldedLocked(tx common.Hash) {
	if _, ok := s.foldedTx[tx]; !ok {
		evicted := s.foldedTxRing[s.foldedTxNext]
		if evicted != (common.Hash{}) {
			delete(s.foldedTx, evicted)
		}
		s.foldedTxRing[s.foldedTxNext] = tx
		s.foldedTxNext = (s.foldedTxNext + 1) % len(s.foldedTxRing)
		s.foldedTx[tx] = struct{}{}
	}

	for _, ch := range s.waiters[tx] {
		close(ch)
	}
	delete(s.waiters, tx)
}
