package types

import (
	"time"
)

// Op is the operation kind carried by lifecycle events.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// EventKind routes events to subscribers on the bus.
type EventKind string

const (
	KindFileChange     EventKind = "file-change"
	KindEntityUpdate   EventKind = "entity-update"
	KindBatchOperation EventKind = "batch-operation"
)

// Event is a payload published on the event bus. Payloads are immutable
// after the bus stamps them with a sequence number and timestamp.
type Event interface {
	Kind() EventKind
	Seq() uint64
	Stamp(seq uint64, ts time.Time)
}

// EventMeta carries the ordering metadata common to all events. The bus
// assigns SeqNum monotonically at publish time; subscribers can rely on it
// for cross-event ordering.
type EventMeta struct {
	SeqNum    uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Seq returns the bus-assigned sequence number.
func (m *EventMeta) Seq() uint64 { return m.SeqNum }

// Stamp is called exactly once by the bus before delivery.
func (m *EventMeta) Stamp(seq uint64, ts time.Time) {
	m.SeqNum = seq
	m.Timestamp = ts
}

// FileChangeEvent reports a lifecycle change of a source file.
type FileChangeEvent struct {
	EventMeta
	Path string `json:"path"`
	Op   Op     `json:"op"`
}

func (*FileChangeEvent) Kind() EventKind { return KindFileChange }

// EntityUpdateEvent reports a lifecycle change of a single entity.
type EntityUpdateEvent struct {
	EventMeta
	EntityID   EntityID `json:"entityId"`
	SourcePath string   `json:"sourcePath"`
	Op         Op       `json:"op"`
}

func (*EntityUpdateEvent) Kind() EventKind { return KindEntityUpdate }

// EntityChange is one constituent change inside a batch event.
type EntityChange struct {
	EntityID EntityID `json:"entityId"`
	Op       Op       `json:"op"`
}

// BatchOperationEvent enumerates all entity changes produced by one batch
// operation (a file reconcile or region retraction). It is published in
// addition to the individual EntityUpdateEvents, so subscribers can pick
// either granularity.
type BatchOperationEvent struct {
	EventMeta
	SourcePath string         `json:"sourcePath"`
	Changes    []EntityChange `json:"changes"`
}

func (*BatchOperationEvent) Kind() EventKind { return KindBatchOperation }
