package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/lifecycle"
	tu "DexSync/internal/testutil"
	"DexSync/internal/view"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	msgID   string
	data    []byte
}

type fakeJS struct {
	mu   sync.Mutex
	msgs []published
	fail error
}

func (f *fakeJS) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.msgs = append(f.msgs, published{subject: msg.Subject, msgID: msg.Header.Get(nats.MsgIdHdr), data: msg.Data})
	return &jetstream.PubAck{Stream: StreamName}, nil
}

func (f *fakeJS) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestSubjects(t *testing.T) {
	terms := tu.Terms(7, tu.Addr(0xA), tu.Addr(0x10), 10, tu.Addr(0x11), 50)
	assert.Equal(t, "dex.events.creation.make", EventSubject(tu.MustMake(terms, tu.Pos(1, 0))))
	assert.Equal(t, "dex.events.resolution.trade", EventSubject(tu.MustTrade(terms, tu.Addr(0xB), tu.Pos(2, 0))))
	assert.Equal(t, "dex.events.custody.withdraw", EventSubject(tu.MustWithdraw(tu.Addr(0x10), tu.Addr(0xA), 1, 0, tu.Pos(3, 0))))

	tr := lifecycle.Transition{RequestID: uuid.New(), From: lifecycle.StatePending, To: lifecycle.StateFailed}
	assert.Equal(t, "dex.requests.failed", RequestSubject(tr))
}

func TestRunPublishesQueuedMessages(t *testing.T) {
	js := &fakeJS{}
	p := NewPublisher(js, 16, zerolog.Nop(), nil)

	dep := tu.MustDeposit(tu.Addr(0x10), tu.Addr(0xA), 100, 100, tu.Pos(4, 1))
	p.PublishEvents(9, []event.Event{dep})
	id := uuid.New()
	p.PublishTransition(lifecycle.Transition{RequestID: id, From: lifecycle.StateNone, To: lifecycle.StatePending})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(js.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	msgs := js.snapshot()
	assert.Equal(t, "dex.events.custody.deposit", msgs[0].subject)
	assert.Equal(t, dep.IdempotencyKey(), msgs[0].msgID)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].data, &raw))
	assert.Equal(t, "Deposit", raw["event_type"])
	assert.EqualValues(t, 9, raw["fold_seq"])

	assert.Equal(t, "dex.requests.pending", msgs[1].subject)
	assert.Equal(t, id.String()+":pending", msgs[1].msgID)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := NewPublisher(&fakeJS{}, 1, zerolog.Nop(), nil)
	id := uuid.New()
	p.PublishTransition(lifecycle.Transition{RequestID: id, To: lifecycle.StatePending})
	p.PublishTransition(lifecycle.Transition{RequestID: id, To: lifecycle.StateConfirmed})

	assert.Len(t, p.queue, 1)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	js := &fakeJS{fail: errors.New("no responders")}
	p := NewPublisher(js, 4, zerolog.Nop(), nil)
	p.PublishTransition(lifecycle.Transition{RequestID: uuid.New(), To: lifecycle.StatePending})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(p.queue) == 0 }, time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run exited on publish failure: %v", err)
	default:
	}
	cancel()
	<-done
}

func TestFollowViewRelaysAppliedEvents(t *testing.T) {
	js := &fakeJS{}
	p := NewPublisher(js, 16, zerolog.Nop(), nil)
	store, folder := view.New(zerolog.Nop())
	sub := store.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	follow := make(chan error, 1)
	go func() { follow <- p.FollowView(ctx, sub) }()

	terms := tu.Terms(1, tu.Addr(0xA), tu.Addr(0x10), 10, tu.Addr(0x11), 5)
	folder.Fold(event.StreamCreation, []event.Event{tu.MustMake(terms, tu.Pos(1, 0))})

	require.Eventually(t, func() bool { return len(js.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "dex.events.creation.make", js.snapshot()[0].subject)

	folder.Close()
	assert.NoError(t, <-follow)
}

func TestJetStreamSuppressesRedeliveredEvents(t *testing.T) {
	tu.RequireIntegration(t)
	nc, js, err := Connect(tu.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, EnsureStream(ctx, js))
	stream, err := js.Stream(ctx, StreamName)
	require.NoError(t, err)
	before, err := stream.Info(ctx)
	require.NoError(t, err)

	// A fresh block number keeps the idempotency key unique across runs.
	block := uint64(time.Now().UnixNano())
	dep := tu.MustDeposit(tu.Addr(0x10), tu.Addr(0xA), 5, 5, tu.Pos(block, 0))

	p := NewPublisher(js, 8, zerolog.Nop(), nil)
	p.PublishEvents(1, []event.Event{dep})
	p.PublishEvents(2, []event.Event{dep})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()
	require.Eventually(t, func() bool { return len(p.queue) == 0 }, 5*time.Second, 10*time.Millisecond)

	var after *jetstream.StreamInfo
	require.Eventually(t, func() bool {
		after, err = stream.Info(ctx)
		return err == nil && after.State.Msgs >= before.State.Msgs+1
	}, 5*time.Second, 20*time.Millisecond)
	stop()
	<-done

	assert.Equal(t, before.State.Msgs+1, after.State.Msgs)
	msg, err := stream.GetLastMsgForSubject(ctx, EventSubject(dep))
	require.NoError(t, err)
	assert.Equal(t, dep.IdempotencyKey(), msg.Header.Get(nats.MsgIdHdr))
}
