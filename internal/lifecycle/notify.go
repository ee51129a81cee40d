package lifecycle

import (
	"context"
	"errors"
	"sync"
)

var ErrSubscriptionClosed = errors.New("transition subscription closed")

// Subscription receives every transition published after it was opened.
// Its queue is unbounded so publishing never blocks a flow and no terminal
// transition is lost.
type Subscription struct {
	hub *hub

	mu     sync.Mutex
	queue  []Transition
	signal chan struct{}
	closed bool
}

// Next returns the next transition, blocking until one is queued.
func (s *Subscription) Next(ctx context.Context) (Transition, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			t := s.queue[0]
			s.queue[0] = Transition{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return t, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Transition{}, ErrSubscriptionClosed
		}
		signal := s.signal
		s.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return Transition{}, ctx.Err()
		}
	}
}

func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription. Transitions already queued stay
// readable.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.shut()
}

func (s *Subscription) push(t Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, t)
	s.wake()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.wake()
	}
}

// wake releases every waiter and arms a fresh signal. Caller holds mu.
func (s *Subscription) wake() {
	close(s.signal)
	s.signal = make(chan struct{})
}

type hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) subscribe() *Subscription {
	s := &Subscription{hub: h, signal: make(chan struct{})}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *hub) publish(t Transition) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		s.push(t)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.shut()
	}
}
