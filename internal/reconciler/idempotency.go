package reconciler

import (
	"container/list"

	"DexSync/internal/event"
)

// Duplicate tiers reported to metrics.
const (
	TierLRU       = "lru"
	TierWatermark = "watermark"
)

// Deduper implements two-tier duplicate detection for one stream.
//
// Tier 1 is an LRU of recently folded idempotency keys, which catches
// redelivery inside the live window. Tier 2 is the position watermark:
// anything at or below the last applied position was either folded or
// superseded, since folds are strictly ordered within the stream.
// Not thread-safe: owned by the stream's single writer.
type Deduper struct {
	lru       *IdempotencyLRU
	watermark event.Position
	hasMark   bool
}

func NewDeduper(capacity int) *Deduper {
	return &Deduper{lru: NewIdempotencyLRU(capacity)}
}

// Check returns the tier that recognised evt as a duplicate, or "".
func (d *Deduper) Check(evt event.Event) string {
	if d.lru.Contains(evt.IdempotencyKey()) {
		return TierLRU
	}
	if d.hasMark && !d.watermark.Less(evt.Position()) {
		return TierWatermark
	}
	return ""
}

// MarkApplied records evt as folded and advances the watermark.
func (d *Deduper) MarkApplied(evt event.Event) {
	d.lru.Add(evt.IdempotencyKey())
	if p := evt.Position(); !d.hasMark || d.watermark.Less(p) {
		d.watermark = p
		d.hasMark = true
	}
}

// Watermark returns the last applied position.
func (d *Deduper) Watermark() (event.Position, bool) {
	return d.watermark, d.hasMark
}

func (d *Deduper) LRU() *IdempotencyLRU {
	return d.lru
}

// --- LRU ---

// IdempotencyLRU is an LRU set of idempotency keys.
// Not thread-safe.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front).
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists).
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
