package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/intake"
	"github.com/foliodev/folio/internal/types"
)

const defaultCallTimeout = 30 * time.Second

// Client correlates requests with responses over any Transport and
// forwards pushed events to an optional callback.
type Client struct {
	tr      Transport
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *Response
	onEvent func(*EventFrame)
	closed  bool
}

// NewClient wraps a transport. The client owns the transport's OnMessage
// handler from this point on.
func NewClient(tr Transport) *Client {
	c := &Client{
		tr:      tr,
		timeout: defaultCallTimeout,
		pending: make(map[string]chan *Response),
	}
	tr.OnMessage(c.handleFrame)
	return c
}

// OnEvent registers a callback for pushed engine events.
func (c *Client) OnEvent(fn func(*EventFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Close tears down the transport; in-flight calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.tr.Close()
}

func (c *Client) handleFrame(frame []byte) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return
	}
	switch env.Type {
	case "response":
		if env.Response == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.Response.ID]
		if ok {
			delete(c.pending, env.Response.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env.Response
		}
	case "event":
		c.mu.Lock()
		fn := c.onEvent
		c.mu.Unlock()
		if fn != nil && env.Event != nil {
			fn(env.Event)
		}
	}
}

// Call sends one request and waits for its response.
func (c *Client) Call(req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fault.NewTransportError("call", errPeerClosed)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	payload, err := encodeEnvelope(&Envelope{Type: "request", Request: req})
	if err != nil {
		c.abandon(req.ID)
		return nil, err
	}
	if err := c.tr.Send(payload); err != nil {
		c.abandon(req.ID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fault.NewTransportError("call", errPeerClosed)
		}
		return resp, nil
	case <-time.After(c.timeout):
		c.abandon(req.ID)
		return nil, fault.NewTransportError("call", fmt.Errorf("timeout waiting for response %s", req.ID))
	}
}

func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// respErr converts a failed response into a typed error message.
func respErr(resp *Response) error {
	return fmt.Errorf("%s: %s", resp.ErrorKind, resp.Message)
}

// GetEntity fetches one entity snapshot.
func (c *Client) GetEntity(id types.EntityID) (*types.Entity, error) {
	resp, err := c.Call(&Request{Op: OpGetEntity, EntityID: id})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, respErr(resp)
	}
	return resp.Entity, nil
}

// GetSubgraph fetches the subgraph reachable from root within depth hops.
func (c *Client) GetSubgraph(root types.EntityID, depth int) (*types.Subgraph, error) {
	resp, err := c.Call(&Request{Op: OpGetSubgraph, EntityID: root, Depth: depth})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, respErr(resp)
	}
	return resp.Subgraph, nil
}

// QueryEntities lists entities, optionally filtered by type.
func (c *Client) QueryEntities(typeID string) ([]*types.Entity, error) {
	resp, err := c.Call(&Request{Op: OpQuery, TypeID: typeID})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, respErr(resp)
	}
	return resp.Entities, nil
}

// ApplyUpdate patches an entity's properties.
func (c *Client) ApplyUpdate(id types.EntityID, patch types.PropertyPatch) (*types.Entity, error) {
	resp, err := c.Call(&Request{Op: OpApplyUpdate, EntityID: id, Properties: patch})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, respErr(resp)
	}
	return resp.Entity, nil
}

// CreateEntity materializes a new entity in a source file.
func (c *Client) CreateEntity(sourcePath string, strategy types.StrategyKind, props types.PropertyPatch) (*types.Entity, error) {
	resp, err := c.Call(&Request{
		Op:         OpCreateEntity,
		SourcePath: sourcePath,
		Strategy:   strategy,
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, respErr(resp)
	}
	return resp.Entity, nil
}

// DeleteEntity removes an entity and its source text.
func (c *Client) DeleteEntity(id types.EntityID) error {
	resp, err := c.Call(&Request{Op: OpDeleteEntity, EntityID: id})
	if err != nil {
		return err
	}
	if !resp.OK {
		return respErr(resp)
	}
	return nil
}

// IngestRegion submits an annotation-tool region notification.
func (c *Client) IngestRegion(n intake.Notification) error {
	resp, err := c.Call(&Request{Op: OpIngestRegion, Notification: &n})
	if err != nil {
		return err
	}
	if !resp.OK {
		return respErr(resp)
	}
	return nil
}
