package transport

import (
	"encoding/json"
	"fmt"

	"github.com/foliodev/folio/internal/debug"
	"github.com/foliodev/folio/internal/events"
	"github.com/foliodev/folio/internal/service"
	"github.com/foliodev/folio/internal/types"
)

// Handler binds one transport to the engine: incoming request frames are
// validated, dispatched to the service, and answered; graph lifecycle
// events are pushed to the peer as they happen.
type Handler struct {
	svc  *service.Service
	tr   Transport
	subs []*events.Subscription
}

// NewHandler attaches a transport to the service and starts serving it.
// When the transport closes, from either side, the handler detaches from
// the bus so a disconnected peer leaves no dangling subscriptions.
func NewHandler(svc *service.Service, tr Transport) *Handler {
	h := &Handler{svc: svc, tr: tr}
	tr.OnMessage(h.handleFrame)

	for _, kind := range []types.EventKind{
		types.KindFileChange, types.KindEntityUpdate, types.KindBatchOperation,
	} {
		h.subs = append(h.subs, svc.Bus().Subscribe(kind, 0, nil, h.pushEvent))
	}
	tr.NotifyClose(h.detach)
	return h
}

func (h *Handler) detach() {
	for _, sub := range h.subs {
		sub.Dispose()
	}
}

// Close detaches from the bus and closes the transport.
func (h *Handler) Close() error {
	h.detach()
	return h.tr.Close()
}

func (h *Handler) pushEvent(ev types.Event) {
	frame := &EventFrame{Kind: ev.Kind()}
	switch e := ev.(type) {
	case *types.FileChangeEvent:
		frame.FileChange = e
	case *types.EntityUpdateEvent:
		frame.EntityUpdate = e
	case *types.BatchOperationEvent:
		frame.Batch = e
	default:
		return
	}
	payload, err := encodeEnvelope(&Envelope{Type: "event", Event: frame})
	if err != nil {
		return
	}
	if err := h.tr.Send(payload); err != nil {
		debug.LogTransport("event push failed: %v\n", err)
	}
}

// rawEnvelope defers request decoding until after schema validation.
type rawEnvelope struct {
	Type    string          `json:"type"`
	Request json.RawMessage `json:"request"`
}

func (h *Handler) handleFrame(frame []byte) {
	var env rawEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.respond(errorResponse("", fmt.Errorf("malformed frame: %w", err)))
		return
	}
	if env.Type != "request" || len(env.Request) == 0 {
		return
	}

	if err := validateRequest(env.Request); err != nil {
		h.respond(errorResponse(requestID(env.Request), err))
		return
	}

	var req Request
	if err := json.Unmarshal(env.Request, &req); err != nil {
		h.respond(errorResponse(requestID(env.Request), err))
		return
	}
	h.respond(h.dispatch(&req))
}

// requestID best-effort extracts the id from a request that failed to
// decode fully, so the peer can still correlate the error.
func requestID(raw json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ID
}

func (h *Handler) respond(resp *Response) {
	payload, err := encodeEnvelope(&Envelope{Type: "response", Response: resp})
	if err != nil {
		return
	}
	if err := h.tr.Send(payload); err != nil {
		debug.LogTransport("response send failed: %v\n", err)
	}
}

func (h *Handler) dispatch(req *Request) *Response {
	debug.LogTransport("request %s op=%s\n", req.ID, req.Op)
	switch req.Op {
	case OpGetEntity:
		entity, ok := h.svc.GetEntity(req.EntityID)
		if !ok {
			return errorResponse(req.ID, fmt.Errorf("unknown entity %s", req.EntityID))
		}
		return &Response{ID: req.ID, OK: true, Entity: entity}

	case OpGetSubgraph:
		depth := req.Depth
		if depth <= 0 {
			depth = 1
		}
		sub, ok := h.svc.GetSubgraph(req.EntityID, depth)
		if !ok {
			return errorResponse(req.ID, fmt.Errorf("unknown entity %s", req.EntityID))
		}
		return &Response{ID: req.ID, OK: true, Subgraph: sub}

	case OpQuery:
		typeID := req.TypeID
		entities := h.svc.QueryEntities(func(e *types.Entity) bool {
			return typeID == "" || e.EntityTypeID == typeID
		})
		return &Response{ID: req.ID, OK: true, Entities: entities}

	case OpApplyUpdate:
		entity, err := h.svc.ApplyUpdate(req.EntityID, req.Properties)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return &Response{ID: req.ID, OK: true, Entity: entity}

	case OpCreateEntity:
		entity, err := h.svc.CreateEntity(service.CreateRequest{
			SourcePath: req.SourcePath,
			Strategy:   req.Strategy,
			RegionID:   req.RegionID,
			Properties: req.Properties,
		})
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return &Response{ID: req.ID, OK: true, Entity: entity}

	case OpDeleteEntity:
		if err := h.svc.DeleteEntity(req.EntityID); err != nil {
			return errorResponse(req.ID, err)
		}
		return &Response{ID: req.ID, OK: true}

	case OpIngestRegion:
		if req.Notification == nil {
			return errorResponse(req.ID, fmt.Errorf("ingest request missing notification"))
		}
		if err := h.svc.Ingest(*req.Notification); err != nil {
			return errorResponse(req.ID, err)
		}
		return &Response{ID: req.ID, OK: true}

	default:
		return errorResponse(req.ID, fmt.Errorf("unknown operation %q", req.Op))
	}
}
