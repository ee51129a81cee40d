package reconciler_test

import (
	"errors"
	"testing"

	"DexSync/internal/event"
	"DexSync/internal/reconciler"
	tu "DexSync/internal/testutil"
)

var (
	makerA = tu.Addr(0xA)
	makerB = tu.Addr(0xB)
	tokenX = tu.Addr(0x10)
	tokenY = tu.Addr(0x11)
)

func TestPageValidatorAcceptsContiguousPages(t *testing.T) {
	v := reconciler.NewPageValidator(event.StreamCustody, 0)

	page1 := []event.Event{
		tu.MustDeposit(tokenX, makerA, 1, 1, tu.Pos(2, 0)),
		tu.MustDeposit(tokenX, makerA, 1, 2, tu.Pos(2, 1)),
	}
	res, err := v.ValidatePage(0, 9, page1)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(res.Events) != 2 || res.DroppedTotal() != 0 {
		t.Errorf("expected 2 kept and none dropped, got %d kept %v dropped", len(res.Events), res.Dropped)
	}
	if _, err := v.ValidatePage(10, 19, nil); err != nil {
		t.Fatalf("empty page: %v", err)
	}
	if v.NextBlock() != 20 {
		t.Errorf("expected next block 20, got %d", v.NextBlock())
	}
}

func TestPageValidatorRejectsHole(t *testing.T) {
	v := reconciler.NewPageValidator(event.StreamCreation, 0)
	if _, err := v.ValidatePage(0, 9, nil); err != nil {
		t.Fatal(err)
	}

	_, err := v.ValidatePage(11, 20, nil)
	if !errors.Is(err, reconciler.ErrHistoryGap) {
		t.Fatalf("expected ErrHistoryGap, got %v", err)
	}
	if v.Gaps() != 1 {
		t.Errorf("expected 1 gap, got %d", v.Gaps())
	}
}

func TestPageValidatorRejectsOverlap(t *testing.T) {
	v := reconciler.NewPageValidator(event.StreamCreation, 0)
	if _, err := v.ValidatePage(0, 9, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := v.ValidatePage(5, 15, nil); !errors.Is(err, reconciler.ErrHistoryGap) {
		t.Fatalf("expected ErrHistoryGap, got %v", err)
	}
}

func TestPageValidatorDropsEventOutsideRange(t *testing.T) {
	v := reconciler.NewPageValidator(event.StreamCustody, 0)
	inside := tu.MustDeposit(tokenX, makerA, 1, 1, tu.Pos(3, 0))
	page := []event.Event{inside, tu.MustDeposit(tokenX, makerA, 1, 2, tu.Pos(12, 0))}

	res, err := v.ValidatePage(0, 9, page)
	if err != nil {
		t.Fatalf("stray event must not be fatal: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0] != inside {
		t.Errorf("expected only the in-range event, got %d", len(res.Events))
	}
	if res.Dropped[reconciler.DropOutOfRange] != 1 {
		t.Errorf("expected 1 out-of-range drop, got %v", res.Dropped)
	}
	if v.NextBlock() != 10 {
		t.Errorf("expected next block 10, got %d", v.NextBlock())
	}
}

func TestPageValidatorSortsPage(t *testing.T) {
	v := reconciler.NewPageValidator(event.StreamCustody, 0)
	page := []event.Event{
		tu.MustDeposit(tokenX, makerA, 1, 1, tu.Pos(3, 1)),
		tu.MustDeposit(tokenX, makerA, 1, 2, tu.Pos(3, 0)),
	}
	res, err := v.ValidatePage(0, 9, page)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(res.Events))
	}
	if !res.Events[0].Position().Less(res.Events[1].Position()) {
		t.Errorf("page not sorted: %s then %s", res.Events[0].Position(), res.Events[1].Position())
	}
}

func TestPageValidatorDropsRepeatedPosition(t *testing.T) {
	v := reconciler.NewPageValidator(event.StreamCreation, 0)
	terms := tu.Terms(1, makerA, tokenX, 1, tokenY, 1)
	make1 := tu.MustMake(terms, tu.Pos(3, 0))
	page := []event.Event{make1, make1, tu.MustMake(tu.Terms(2, makerA, tokenX, 1, tokenY, 1), tu.Pos(3, 1))}

	res, err := v.ValidatePage(0, 9, page)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 2 {
		t.Errorf("expected 2 events, got %d", len(res.Events))
	}
	if res.Dropped[reconciler.DropDuplicate] != 1 {
		t.Errorf("expected 1 duplicate drop, got %v", res.Dropped)
	}
}

func TestPageValidatorDropsForeignStream(t *testing.T) {
	v := reconciler.NewPageValidator(event.StreamCustody, 0)
	terms := tu.Terms(1, makerA, tokenX, 1, tokenY, 1)
	page := []event.Event{tu.MustMake(terms, tu.Pos(1, 0))}

	res, err := v.ValidatePage(0, 9, page)
	if err != nil {
		t.Fatalf("foreign event must not be fatal: %v", err)
	}
	if len(res.Events) != 0 || res.Dropped[reconciler.DropForeign] != 1 {
		t.Errorf("expected foreign event dropped, got %d kept %v", len(res.Events), res.Dropped)
	}
	if v.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", v.Dropped())
	}
}

func TestDeduperTiers(t *testing.T) {
	d := reconciler.NewDeduper(16)
	first := tu.MustDeposit(tokenX, makerA, 1, 1, tu.Pos(5, 0))
	later := tu.MustDeposit(tokenX, makerA, 1, 2, tu.Pos(6, 0))
	older := tu.MustDeposit(tokenX, makerB, 1, 1, tu.Pos(4, 3))

	if tier := d.Check(first); tier != "" {
		t.Fatalf("fresh event flagged as %q", tier)
	}
	d.MarkApplied(first)

	if tier := d.Check(first); tier != reconciler.TierLRU {
		t.Errorf("redelivery: expected %q, got %q", reconciler.TierLRU, tier)
	}
	if tier := d.Check(older); tier != reconciler.TierWatermark {
		t.Errorf("older position: expected %q, got %q", reconciler.TierWatermark, tier)
	}
	if tier := d.Check(later); tier != "" {
		t.Errorf("later position flagged as %q", tier)
	}
}

func TestIdempotencyLRUEvictsOldest(t *testing.T) {
	lru := reconciler.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should remain")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Errorf("size=%d evictions=%d", lru.Size(), lru.Evictions())
	}
}

func TestFoldHasherIsDeterministic(t *testing.T) {
	events := []event.Event{
		tu.MustDeposit(tokenX, makerA, 1, 1, tu.Pos(1, 0)),
		tu.MustWithdraw(tokenX, makerA, 1, 0, tu.Pos(2, 0)),
	}
	h1 := reconciler.NewFoldHasher(event.StreamCustody)
	h2 := reconciler.NewFoldHasher(event.StreamCustody)
	for _, e := range events {
		h1.Apply(e)
		h2.Apply(e)
	}
	if h1.Tip() != h2.Tip() {
		t.Fatalf("hash chains diverged: %s vs %s", h1.Tip(), h2.Tip())
	}

	other := reconciler.NewFoldHasher(event.StreamCreation)
	for _, e := range events {
		other.Apply(e)
	}
	if other.Tip() == h1.Tip() {
		t.Error("streams must have distinct genesis")
	}

	swapped := reconciler.NewFoldHasher(event.StreamCustody)
	swapped.Apply(events[1])
	swapped.Apply(events[0])
	if swapped.Tip() == h1.Tip() {
		t.Error("hash must depend on fold order")
	}
}
