// Package relay republishes folded ledger events and request transitions
// to NATS JetStream for downstream consumers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/lifecycle"
	"DexSync/internal/observability"
	"DexSync/internal/view"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	kindEvents   = "events"
	kindRequests = "requests"
)

// EventSubject is dex.events.<stream>.<event_type>.
func EventSubject(evt event.Event) string {
	return fmt.Sprintf("dex.events.%s.%s", evt.Stream(), strings.ToLower(evt.EventType().String()))
}

// RequestSubject is dex.requests.<state>.
func RequestSubject(t lifecycle.Transition) string {
	return "dex.requests." + t.To.String()
}

// EventMessage is the JSON body published for a folded event.
type EventMessage struct {
	Stream         string      `json:"stream"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	FoldSeq        uint64      `json:"fold_seq"`
	Event          event.Event `json:"event"`
	PublishedAt    time.Time   `json:"published_at"`
}

// streamPublisher is the part of jetstream.JetStream the relay needs.
type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type outbound struct {
	kind    string
	subject string
	msgID   string
	body    any
}

// Publisher publishes asynchronously. Enqueueing never blocks the caller;
// when the queue is full the message is dropped and counted. Consumers can
// always re-read the view.
type Publisher struct {
	js      streamPublisher
	queue   chan outbound
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js streamPublisher, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	return &Publisher{
		js:      js,
		queue:   make(chan outbound, buffer),
		log:     logger,
		metrics: metrics,
	}
}

// PublishEvents enqueues every event applied by one fold batch.
func (p *Publisher) PublishEvents(seq uint64, events []event.Event) {
	for _, evt := range events {
		p.enqueue(outbound{
			kind:    kindEvents,
			subject: EventSubject(evt),
			// JetStream drops a second message with the same id inside its
			// duplicate window.
			msgID: evt.IdempotencyKey(),
			body: EventMessage{
				Stream:         evt.Stream().String(),
				EventType:      evt.EventType().String(),
				IdempotencyKey: evt.IdempotencyKey(),
				FoldSeq:        seq,
				Event:          evt,
				PublishedAt:    time.Now().UTC(),
			},
		})
	}
}

// PublishTransition enqueues one request transition.
func (p *Publisher) PublishTransition(t lifecycle.Transition) {
	p.enqueue(outbound{
		kind:    kindRequests,
		subject: RequestSubject(t),
		msgID:   t.RequestID.String() + ":" + t.To.String(),
		body:    t,
	})
}

func (p *Publisher) enqueue(o outbound) {
	select {
	case p.queue <- o:
	default:
		if p.metrics != nil {
			p.metrics.RelayDropped.Inc()
		}
		p.log.Warn().Str("subject", o.subject).Msg("relay queue full, message dropped")
	}
}

// Run publishes queued messages until ctx ends. Publish failures are
// logged and counted, never retried.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-p.queue:
			if err := p.publish(ctx, o); err != nil {
				if p.metrics != nil {
					p.metrics.RelayErrors.WithLabelValues(o.kind).Inc()
				}
				p.log.Warn().Err(err).Str("subject", o.subject).Msg("relay publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.RelayPublished.WithLabelValues(o.kind).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, o outbound) error {
	data, err := json.Marshal(o.body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", o.kind, err)
	}
	msg := nats.NewMsg(o.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, o.msgID)
	_, err = p.js.PublishMsg(ctx, msg)
	return err
}

// FollowView relays the applied events of every view change until the
// subscription closes or ctx ends.
func (p *Publisher) FollowView(ctx context.Context, sub *view.Subscription) error {
	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-sub.C:
			if !ok {
				return nil
			}
			if d := sub.Dropped(); d > reported {
				p.log.Warn().Uint64("missed", d-reported).Msg("relay fell behind the view, changes not relayed")
				reported = d
			}
			if len(change.Applied) > 0 {
				p.PublishEvents(change.Seq, change.Applied)
			}
		}
	}
}

// FollowRequests relays request transitions until the subscription closes
// or ctx ends.
func (p *Publisher) FollowRequests(ctx context.Context, sub *lifecycle.Subscription) error {
	for {
		t, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		p.PublishTransition(t)
	}
}
