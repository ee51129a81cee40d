// Package reconciler keeps the derived view equal to a gap-free,
// duplicate-free prefix of each ledger event stream.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"DexSync/internal/event"
	"DexSync/internal/gateway"
	"DexSync/internal/observability"
	"DexSync/internal/view"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
)

// Source is the part of the ledger gateway the reconciler reads from.
type Source interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, kind event.StreamKind, from, to uint64) ([]event.Event, error)
	Subscribe(ctx context.Context, kind event.StreamKind, from uint64) (gateway.Subscription, error)
	CurrentBalance(ctx context.Context, token, account common.Address, scope gateway.Scope) (decimal.Decimal, error)
}

// Config tunes backfill and live following.
type Config struct {
	GenesisBlock uint64
	PageSize     uint64 // blocks per historical read
	MaxBatch     int    // events folded per live batch
	LRUCapacity  int

	// RefreshWallets re-reads wallet balances after custody folds.
	RefreshWallets bool

	MaxResubscribeInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 5000
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.LRUCapacity <= 0 {
		c.LRUCapacity = 100_000
	}
	if c.MaxResubscribeInterval <= 0 {
		c.MaxResubscribeInterval = 30 * time.Second
	}
}

// Reconciler drives one single-writer fold loop per stream kind.
type Reconciler struct {
	cfg     Config
	src     Source
	store   *view.Store
	folder  *view.Folder
	metrics *observability.Metrics
	log     zerolog.Logger

	streams map[event.StreamKind]*stream

	ready     chan struct{}
	remaining atomic.Int32 // streams still backfilling
}

// stream is the private state of one fold loop. Fields other than mu-guarded
// status are touched only by that loop's goroutine.
type stream struct {
	kind      event.StreamKind
	validator *PageValidator
	dedup     *Deduper
	hasher    *FoldHasher

	mu     sync.RWMutex
	status StreamStatus
}

// StreamStatus is a diagnostic summary of one stream.
type StreamStatus struct {
	Stream     string         `json:"stream"`
	Phase      string         `json:"phase"` // backfill | live
	Last       event.Position `json:"last_position"`
	Applied    uint64         `json:"applied"`
	Duplicates uint64         `json:"duplicates"`
	Hash       string         `json:"fold_hash"`
}

func New(cfg Config, src Source, store *view.Store, folder *view.Folder, logger zerolog.Logger, metrics *observability.Metrics) *Reconciler {
	cfg.applyDefaults()
	r := &Reconciler{
		cfg:     cfg,
		src:     src,
		store:   store,
		folder:  folder,
		metrics: metrics,
		log:     logger,
		streams: make(map[event.StreamKind]*stream),
		ready:   make(chan struct{}),
	}
	for _, kind := range event.StreamKinds() {
		r.streams[kind] = &stream{
			kind:      kind,
			validator: NewPageValidator(kind, cfg.GenesisBlock),
			dedup:     NewDeduper(cfg.LRUCapacity),
			hasher:    NewFoldHasher(kind),
			status:    StreamStatus{Stream: kind.String(), Phase: "backfill"},
		}
	}
	return r
}

// Ready is closed once every stream finished its historical backfill.
func (r *Reconciler) Ready() <-chan struct{} {
	return r.ready
}

// Status reports every stream, in stream order.
func (r *Reconciler) Status() []StreamStatus {
	out := make([]StreamStatus, 0, len(r.streams))
	for _, kind := range event.StreamKinds() {
		st := r.streams[kind]
		st.mu.RLock()
		out = append(out, st.status)
		st.mu.RUnlock()
	}
	return out
}

// Run backfills every stream from genesis to the current head, then follows
// each one live until ctx ends. Streams run concurrently; a backfill gap
// cancels the others and is returned wrapped in ErrHistoryGap.
func (r *Reconciler) Run(ctx context.Context) error {
	head, err := r.src.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("%w: read head block: %v", ErrHistoryGap, err)
	}
	r.log.Info().Uint64("head", head).Uint64("genesis", r.cfg.GenesisBlock).Msg("starting reconciliation")

	r.remaining.Store(int32(len(r.streams)))

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, kind := range event.StreamKinds() {
		st := r.streams[kind]
		p.Go(func(ctx context.Context) error {
			if err := r.backfill(ctx, st, head); err != nil {
				return err
			}
			if r.remaining.Add(-1) == 0 {
				close(r.ready)
			}
			return r.follow(ctx, st)
		})
	}
	err = p.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// backfill folds [genesis, head] page by page. Any fetch failure or
// non-contiguous page is fatal; stray events inside a page are not.
func (r *Reconciler) backfill(ctx context.Context, st *stream, head uint64) error {
	start := time.Now()
	log := r.log.With().Str("stream", st.kind.String()).Logger()
	var total int

	for from := r.cfg.GenesisBlock; from <= head; {
		to := from + r.cfg.PageSize - 1
		if to > head || to < from {
			to = head
		}
		events, err := r.src.FetchEvents(ctx, st.kind, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: stream=%s, fetch [%d,%d]: %v", ErrHistoryGap, st.kind, from, to, err)
		}
		page, err := st.validator.ValidatePage(from, to, events)
		if err != nil {
			if r.metrics != nil {
				r.metrics.HistoryGaps.WithLabelValues(st.kind.String()).Inc()
			}
			return err
		}
		if page.DroppedTotal() > 0 {
			r.recordDropped(st, page.Dropped)
			log.Warn().
				Uint64("from", from).
				Uint64("to", to).
				Interface("dropped", page.Dropped).
				Msg("dropped stray events from history page")
		}
		total += len(page.Events)
		r.foldBatch(ctx, st, page.Events)
		from = to + 1
	}

	st.mu.Lock()
	st.status.Phase = "live"
	st.mu.Unlock()

	if r.metrics != nil {
		r.metrics.BackfillDuration.WithLabelValues(st.kind.String()).Observe(time.Since(start).Seconds())
		r.metrics.BackfillEvents.WithLabelValues(st.kind.String()).Add(float64(total))
	}
	log.Info().
		Int("events", total).
		Uint64("next_block", st.validator.NextBlock()).
		Dur("took", time.Since(start)).
		Msg("backfill complete")
	return nil
}

// follow consumes the live feed from the block after the backfill. When the
// feed fails it is reopened from the last applied block; the replayed
// events are absorbed by the duplicate guard.
func (r *Reconciler) follow(ctx context.Context, st *stream) error {
	log := r.log.With().Str("stream", st.kind.String()).Logger()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = r.cfg.MaxResubscribeInterval

	from := st.validator.NextBlock()
	for {
		sub, err := r.src.Subscribe(ctx, st.kind, from)
		if err == nil {
			err = r.consume(ctx, st, sub, backoffCfg)
			sub.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		if last, ok := st.dedup.Watermark(); ok && last.Block > from {
			from = last.Block
		}
		if r.metrics != nil {
			r.metrics.Resubscribes.WithLabelValues(st.kind.String()).Inc()
		}
		log.Warn().Err(err).Uint64("from_block", from).Msg("live feed lost, resubscribing")

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = r.cfg.MaxResubscribeInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// consume pulls events and folds whatever is already buffered as one batch.
func (r *Reconciler) consume(ctx context.Context, st *stream, sub gateway.Subscription, backoffCfg *backoff.ExponentialBackOff) error {
	for {
		first, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		batch := []event.Event{first}
		for len(batch) < r.cfg.MaxBatch && sub.Buffered() > 0 {
			evt, err := sub.Next(ctx)
			if err != nil {
				r.foldBatch(ctx, st, sortByPosition(batch))
				return err
			}
			batch = append(batch, evt)
		}
		r.foldBatch(ctx, st, sortByPosition(batch))
		backoffCfg.Reset()
	}
}

func sortByPosition(events []event.Event) []event.Event {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Less(events[j].Position())
	})
	return events
}

// recordDropped counts page events dropped by the validator. Repeats count
// as duplicates, the rest as fold skips.
func (r *Reconciler) recordDropped(st *stream, dropped map[string]int) {
	kind := st.kind.String()
	if n := dropped[DropDuplicate]; n > 0 {
		st.mu.Lock()
		st.status.Duplicates += uint64(n)
		st.mu.Unlock()
	}
	if r.metrics == nil {
		return
	}
	for reason, n := range dropped {
		if reason == DropDuplicate {
			r.metrics.Duplicates.WithLabelValues(kind, "page").Add(float64(n))
			continue
		}
		r.metrics.FoldSkipped.WithLabelValues(kind, reason).Add(float64(n))
	}
}

// foldBatch removes duplicates, folds the rest as one batch and records
// the outcome. events must be ordered by position.
func (r *Reconciler) foldBatch(ctx context.Context, st *stream, events []event.Event) {
	kind := st.kind.String()
	fresh := make([]event.Event, 0, len(events))
	var dups uint64
	for _, evt := range events {
		if tier := st.dedup.Check(evt); tier != "" {
			dups++
			if r.metrics != nil {
				r.metrics.Duplicates.WithLabelValues(kind, tier).Inc()
			}
			continue
		}
		// Mark before folding so a repeat inside this batch is caught too.
		st.dedup.MarkApplied(evt)
		fresh = append(fresh, evt)
	}

	if dups > 0 {
		st.mu.Lock()
		st.status.Duplicates += dups
		st.mu.Unlock()
	}
	if len(fresh) == 0 {
		return
	}

	res := r.folder.Fold(st.kind, fresh)
	for _, evt := range fresh {
		st.hasher.Apply(evt)
	}
	last := fresh[len(fresh)-1].Position()

	st.mu.Lock()
	st.status.Last = last
	st.status.Applied += uint64(len(fresh))
	st.status.Hash = st.hasher.Tip()
	st.mu.Unlock()

	if r.metrics != nil {
		for _, evt := range res.Applied {
			r.metrics.FoldApplied.WithLabelValues(kind, evt.EventType().String()).Inc()
		}
		for reason, n := range res.Skipped {
			r.metrics.FoldSkipped.WithLabelValues(kind, string(reason)).Add(float64(n))
		}
		r.metrics.FoldBatchSize.WithLabelValues(kind).Observe(float64(len(fresh)))
		r.metrics.PendingResolution.Set(float64(r.store.PendingResolutions()))
		r.metrics.StreamBlock.WithLabelValues(kind).Set(float64(last.Block))
	}
	if res.SkippedTotal() > 0 || res.Buffered > 0 {
		r.log.Debug().
			Str("stream", kind).
			Int("applied", len(res.Applied)).
			Int("skipped", res.SkippedTotal()).
			Int("buffered", res.Buffered).
			Msg("fold batch")
	}

	if st.kind == event.StreamCustody {
		r.checkCustody(fresh)
		if r.cfg.RefreshWallets {
			r.refreshWallets(ctx, fresh)
		}
	}
}
