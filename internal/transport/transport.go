// Package transport carries engine requests, responses, and pushed events
// over an abstract message boundary. The engine core never depends on a
// concrete transport; hosts pick websocket, in-process, or their own.
package transport

import (
	"encoding/json"

	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/intake"
	"github.com/foliodev/folio/internal/types"
)

// Transport moves opaque frames between the engine and one peer. Send may
// be called from multiple goroutines. OnMessage must be set before frames
// start flowing; the handler is invoked serially per transport. NotifyClose
// registers a callback invoked once when the transport closes, whichever
// side initiated it.
type Transport interface {
	Send(frame []byte) error
	OnMessage(handler func(frame []byte))
	NotifyClose(fn func())
	Close() error
}

// Request operations.
const (
	OpGetEntity    = "get_entity"
	OpGetSubgraph  = "get_subgraph"
	OpQuery        = "query_entities"
	OpApplyUpdate  = "apply_update"
	OpCreateEntity = "create_entity"
	OpDeleteEntity = "delete_entity"
	OpIngestRegion = "ingest_region"
)

// Request is one engine call from a peer.
type Request struct {
	ID string `json:"id"`
	Op string `json:"op"`

	EntityID   types.EntityID      `json:"entityId,omitempty"`
	Depth      int                 `json:"depth,omitempty"`
	TypeID     string              `json:"entityTypeId,omitempty"`
	SourcePath string              `json:"sourcePath,omitempty"`
	Strategy   types.StrategyKind  `json:"strategy,omitempty"`
	RegionID   string              `json:"regionId,omitempty"`
	Properties types.PropertyPatch `json:"properties,omitempty"`

	Notification *intake.Notification `json:"notification,omitempty"`
}

// Response answers one request. Exactly one of the payload fields is set on
// success, matching the operation.
type Response struct {
	ID string `json:"id"`
	OK bool   `json:"ok"`

	Entity   *types.Entity   `json:"entity,omitempty"`
	Entities []*types.Entity `json:"entities,omitempty"`
	Subgraph *types.Subgraph `json:"subgraph,omitempty"`

	ErrorKind fault.Kind `json:"errorKind,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// EventFrame is a pushed notification. It carries exactly one payload
// matching Kind.
type EventFrame struct {
	Kind         types.EventKind            `json:"kind"`
	FileChange   *types.FileChangeEvent     `json:"fileChange,omitempty"`
	EntityUpdate *types.EntityUpdateEvent   `json:"entityUpdate,omitempty"`
	Batch        *types.BatchOperationEvent `json:"batch,omitempty"`
}

// Envelope is the wire frame.
type Envelope struct {
	Type     string     `json:"type"` // "request", "response", or "event"
	Request  *Request   `json:"request,omitempty"`
	Response *Response  `json:"response,omitempty"`
	Event    *EventFrame `json:"event,omitempty"`
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// errorResponse maps an engine error onto the wire taxonomy.
func errorResponse(id string, err error) *Response {
	return &Response{
		ID:        id,
		OK:        false,
		ErrorKind: fault.KindOf(err),
		Message:   err.Error(),
	}
}
