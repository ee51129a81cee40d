package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for ledger events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeMake
	EventTypeCancel
	EventTypeTrade
)

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeMake:
		return "Make"
	case EventTypeCancel:
		return "Cancel"
	case EventTypeTrade:
		return "Trade"
	default:
		return "Unknown"
	}
}

// Stream returns the logical stream an event type belongs to.
func (et EventType) Stream() StreamKind {
	switch et {
	case EventTypeDeposit, EventTypeWithdraw:
		return StreamCustody
	case EventTypeMake:
		return StreamCreation
	case EventTypeCancel, EventTypeTrade:
		return StreamResolution
	default:
		return StreamUnknown
	}
}

// StreamKind partitions the ledger log into independently ordered streams.
// Ordering is guaranteed inside a stream only.
type StreamKind int32

const (
	StreamUnknown StreamKind = iota
	StreamCustody
	StreamCreation
	StreamResolution
)

func (k StreamKind) String() string {
	switch k {
	case StreamCustody:
		return "custody"
	case StreamCreation:
		return "creation"
	case StreamResolution:
		return "resolution"
	default:
		return "unknown"
	}
}

// EventTypes lists the event types carried by a stream.
func (k StreamKind) EventTypes() []EventType {
	switch k {
	case StreamCustody:
		return []EventType{EventTypeDeposit, EventTypeWithdraw}
	case StreamCreation:
		return []EventType{EventTypeMake}
	case StreamResolution:
		return []EventType{EventTypeCancel, EventTypeTrade}
	default:
		return nil
	}
}

// StreamKinds returns every reconciled stream in a stable order.
func StreamKinds() []StreamKind {
	return []StreamKind{StreamCustody, StreamCreation, StreamResolution}
}

// Position locates a log entry on the ledger: block number, then log index
// within the block.
type Position struct {
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"log_index"`
}

// Less orders positions by block, then log index.
func (p Position) Less(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.LogIndex < o.LogIndex
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Block, p.LogIndex)
}

// Meta carries the log coordinates shared by every event.
type Meta struct {
	TxHash common.Hash `json:"tx_hash"`
	Pos    Position    `json:"position"`
}

// IdempotencyKey is stable across redelivery: tx hash plus log index.
func (m Meta) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", m.TxHash.Hex(), m.Pos.LogIndex)
}

func (m Meta) Position() Position {
	return m.Pos
}

func (m Meta) Tx() common.Hash {
	return m.TxHash
}

// Event is the interface all ledger events implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Stream returns the stream the event is ordered within
	Stream() StreamKind

	// Position returns the (block, log index) coordinates
	Position() Position

	// Tx returns the hash of the transaction that emitted the event
	Tx() common.Hash
}
