package gateway

import (
	"context"
	"errors"
	"time"

	"DexSync/internal/event"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// logSubscription keeps one stream's live feed alive across transport
// failures. Each session catches up from the last delivered block with a
// historical read, then follows pushed logs (or polls, when the endpoint
// cannot push).
type logSubscription struct {
	g     *EVMGateway
	kind  event.StreamKind
	queue *eventQueue

	cancel context.CancelFunc
	done   chan struct{}

	next uint64 // first block not yet fully delivered
}

func newLogSubscription(g *EVMGateway, kind event.StreamKind, from uint64, cancel context.CancelFunc) *logSubscription {
	return &logSubscription{
		g:      g,
		kind:   kind,
		queue:  newEventQueue(),
		cancel: cancel,
		done:   make(chan struct{}),
		next:   from,
	}
}

func (s *logSubscription) Next(ctx context.Context) (event.Event, error) {
	return s.queue.next(ctx)
}

func (s *logSubscription) Buffered() int {
	return s.queue.len()
}

func (s *logSubscription) Close() {
	s.queue.close()
	s.cancel()
	<-s.done
}

func (s *logSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	log := s.g.log.With().Str("stream", s.kind.String()).Logger()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = s.g.cfg.MaxResubscribeInterval

	first := true
	for {
		if ctx.Err() != nil {
			s.queue.fail(ctx.Err())
			return
		}
		if !first && s.g.metrics != nil {
			s.g.metrics.Resubscribes.WithLabelValues(s.kind.String()).Inc()
		}
		first = false

		err := s.session(ctx, backoffCfg)
		if ctx.Err() != nil {
			s.queue.fail(ctx.Err())
			return
		}
		log.Warn().Err(err).Uint64("from_block", s.next).Msg("log subscription interrupted, resubscribing")

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.g.cfg.MaxResubscribeInterval
		}
		select {
		case <-ctx.Done():
			s.queue.fail(ctx.Err())
			return
		case <-time.After(sleep):
		}
	}
}

// session runs until the transport fails. The push subscription is opened
// before the catch-up read so nothing between the two is missed.
func (s *logSubscription) session(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) error {
	logs := make(chan types.Log, 256)
	pushed, err := s.g.client.SubscribeFilterLogs(ctx, s.g.filterQuery(s.kind, 0, 0), logs)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return s.poll(ctx, backoffCfg)
	}
	if err != nil {
		return err
	}
	defer pushed.Unsubscribe()

	if err := s.catchUp(ctx); err != nil {
		return err
	}
	backoffCfg.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pushed.Err():
			if err == nil {
				err = errors.New("subscription ended")
			}
			return err
		case lg := <-logs:
			s.deliver([]types.Log{lg})
		}
	}
}

// poll is the fallback for HTTP endpoints.
func (s *logSubscription) poll(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) error {
	ticker := time.NewTicker(s.g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.catchUp(ctx); err != nil {
			return err
		}
		backoffCfg.Reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *logSubscription) catchUp(ctx context.Context) error {
	head, err := s.g.HeadBlock(ctx)
	if err != nil {
		return err
	}
	if head < s.next {
		return nil
	}
	events, err := s.g.FetchEvents(ctx, s.kind, s.next, head)
	if err != nil {
		return err
	}
	s.queue.push(events...)
	s.next = head + 1
	return nil
}

// deliver forwards pushed logs. Blocks are not marked complete here since
// more logs of the same block may follow; a resubscribe re-reads the last
// block and consumers drop the duplicates.
func (s *logSubscription) deliver(logs []types.Log) {
	events := s.g.decodeLogs(s.kind, logs)
	for _, evt := range events {
		if b := evt.Position().Block; b > s.next {
			s.next = b
		}
	}
	s.queue.push(events...)
}
