package reconciler

import (
	"errors"
	"fmt"

	"DexSync/internal/event"
)

// ErrHistoryGap aborts startup: the historical read did not cover a
// contiguous block range, so the view would be silently incomplete.
var ErrHistoryGap = errors.New("history gap")

// Reasons a backfill page event is dropped before the fold.
const (
	DropDuplicate  = "duplicate"
	DropForeign    = "foreign_stream"
	DropOutOfRange = "out_of_range"
)

// PageValidator checks that backfill pages tile [genesis, head] without
// holes. Only the block range is fatal; stray events inside a page are
// dropped and reported.
// Not thread-safe: owned by the stream's single writer.
type PageValidator struct {
	stream    event.StreamKind
	nextBlock uint64
	gaps      int64
	unordered int64
	dropped   int64
}

func NewPageValidator(stream event.StreamKind, genesis uint64) *PageValidator {
	return &PageValidator{stream: stream, nextBlock: genesis}
}

// PageResult is a validated page: its events in position order and the
// count of dropped events per reason.
type PageResult struct {
	Events  []event.Event
	Dropped map[string]int
}

// DroppedTotal sums all dropped events.
func (r PageResult) DroppedTotal() int {
	var n int
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

// ValidatePage accepts a page for blocks [from, to]. The page must start at
// the block after the previous one. Its events are sorted by position;
// repeats of a position, events of another stream and events outside
// [from, to] are dropped.
func (v *PageValidator) ValidatePage(from, to uint64, events []event.Event) (PageResult, error) {
	if from > v.nextBlock {
		v.gaps++
		return PageResult{}, fmt.Errorf("%w: stream=%s, expected block %d, page starts at %d",
			ErrHistoryGap, v.stream, v.nextBlock, from)
	}
	if from < v.nextBlock {
		v.unordered++
		return PageResult{}, fmt.Errorf("%w: stream=%s, page [%d,%d] overlaps blocks already read up to %d",
			ErrHistoryGap, v.stream, from, to, v.nextBlock-1)
	}

	sorted := make([]event.Event, len(events))
	copy(sorted, events)
	sortByPosition(sorted)

	res := PageResult{Events: make([]event.Event, 0, len(sorted))}
	drop := func(reason string) {
		if res.Dropped == nil {
			res.Dropped = make(map[string]int)
		}
		res.Dropped[reason]++
		v.dropped++
	}

	var prev event.Position
	for _, evt := range sorted {
		p := evt.Position()
		switch {
		case evt.Stream() != v.stream:
			drop(DropForeign)
		case p.Block < from || p.Block > to:
			drop(DropOutOfRange)
		case len(res.Events) > 0 && !prev.Less(p):
			drop(DropDuplicate)
		default:
			res.Events = append(res.Events, evt)
			prev = p
		}
	}

	v.nextBlock = to + 1
	return res, nil
}

// NextBlock returns the first block not yet covered.
func (v *PageValidator) NextBlock() uint64 {
	return v.nextBlock
}

func (v *PageValidator) Gaps() int64 {
	return v.gaps
}

func (v *PageValidator) Unordered() int64 {
	return v.unordered
}

func (v *PageValidator) Dropped() int64 {
	return v.dropped
}
