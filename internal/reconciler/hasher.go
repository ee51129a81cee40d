package reconciler

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"DexSync/internal/event"
)

// FoldHasher chains the events folded on one stream:
// hash[N] = SHA-256(hash[N-1] || block || log_index || idempotency_key).
// Two replicas that folded the same prefix report the same hash.
type FoldHasher struct {
	prevHash [32]byte
	count    uint64
}

func NewFoldHasher(stream event.StreamKind) *FoldHasher {
	return &FoldHasher{prevHash: sha256.Sum256([]byte("dexsync:" + stream.String() + ":genesis:v1"))}
}

// Apply extends the chain with evt and returns the new tip.
func (h *FoldHasher) Apply(evt event.Event) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var buf [12]byte
	p := evt.Position()
	binary.LittleEndian.PutUint64(buf[:8], p.Block)
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.LogIndex))
	hasher.Write(buf[:])
	hasher.Write([]byte(evt.IdempotencyKey()))

	copy(h.prevHash[:], hasher.Sum(nil))
	h.count++
	return h.prevHash
}

func (h *FoldHasher) Tip() string {
	return hex.EncodeToString(h.prevHash[:])
}

func (h *FoldHasher) Count() uint64 {
	return h.count
}
