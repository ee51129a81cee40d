package view

import (
	"sync"
	"sync/atomic"

	"DexSync/internal/event"
)

// Change is published once per fold batch.
type Change struct {
	Seq      uint64
	Stream   event.StreamKind
	Applied  []event.Event // shared, read-only
	Skipped  int
	Buffered int
	Wallet   bool // wallet point reads, no ledger events
}

// Subscription receives view changes. C is closed by Close or when the
// folder shuts down.
type Subscription struct {
	C <-chan Change

	ch      chan Change
	id      uint64
	dropped atomic.Uint64
	n       *notifier
	once    sync.Once
}

// Dropped returns how many changes were discarded because C was full.
func (sub *Subscription) Dropped() uint64 {
	return sub.dropped.Load()
}

// Close unregisters the subscription and closes C.
func (sub *Subscription) Close() {
	sub.n.unsubscribe(sub)
}

type notifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[uint64]*Subscription)}
}

func (n *notifier) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	sub := &Subscription{C: ch, ch: ch, n: n}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	n.nextID++
	sub.id = n.nextID
	n.subs[sub.id] = sub
	return sub
}

func (n *notifier) unsubscribe(sub *Subscription) {
	n.mu.Lock()
	delete(n.subs, sub.id)
	n.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

// publish never blocks: a full subscriber misses this change.
func (n *notifier) publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		select {
		case sub.ch <- c:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, sub := range n.subs {
		delete(n.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}
