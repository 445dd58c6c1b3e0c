package transport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliodev/folio/internal/config"
	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/service"
	"github.com/foliodev/folio/internal/types"
)

func newServedService(t *testing.T, root string) *service.Service {
	t.Helper()
	cfg := config.Default(root)
	cfg.Watch.Enabled = false
	require.NoError(t, config.NewValidator().ValidateAndSetDefaults(cfg))

	svc, err := service.New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func seedWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("---\nstatus: draft\ntitle: N\n---\nbody\n"), 0o644))
	return root
}

func TestInprocRequestResponseRoundTrip(t *testing.T) {
	root := seedWorkspace(t)
	svc := newServedService(t, root)

	clientSide, serverSide := NewPair()
	h := NewHandler(svc, serverSide)
	defer h.Close()

	c := NewClient(clientSide)
	defer c.Close()

	id := types.DeriveEntityID("note.md", "frontmatter")
	entity, err := c.GetEntity(id)
	require.NoError(t, err)
	assert.Equal(t, id, entity.EntityID)
	status, _ := entity.Properties.Get("status")
	assert.Equal(t, "draft", status)

	updated, err := c.ApplyUpdate(id, types.PropertyPatch{"status": "final"})
	require.NoError(t, err)
	status, _ = updated.Properties.Get("status")
	assert.Equal(t, "final", status)

	entities, err := c.QueryEntities("document")
	require.NoError(t, err)
	assert.Len(t, entities, 1)

	_, err = c.GetEntity("no-such-entity")
	require.Error(t, err)
}

func TestEventsArePushedToPeers(t *testing.T) {
	root := seedWorkspace(t)
	svc := newServedService(t, root)

	clientSide, serverSide := NewPair()
	h := NewHandler(svc, serverSide)
	defer h.Close()

	c := NewClient(clientSide)
	defer c.Close()

	var mu sync.Mutex
	var frames []*EventFrame
	c.OnEvent(func(f *EventFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	id := types.DeriveEntityID("note.md", "frontmatter")
	_, err := c.ApplyUpdate(id, types.PropertyPatch{"status": "done"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, frames)
	found := false
	for _, f := range frames {
		if f.Kind == types.KindEntityUpdate && f.EntityUpdate != nil && f.EntityUpdate.EntityID == id {
			found = true
		}
	}
	assert.True(t, found, "expected an entity-update push for the patched entity")
}

func TestSchemaRejectsMalformedRequests(t *testing.T) {
	cases := []string{
		`{"op":"get_entity"}`,                    // missing id
		`{"id":"1","op":"launch_missiles"}`,      // unknown op
		`{"id":"","op":"get_entity"}`,            // empty id
		`{"id":"1","op":"get_subgraph","depth":-1}`, // negative depth
	}
	for _, raw := range cases {
		err := validateRequest(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}

	require.NoError(t, validateRequest(json.RawMessage(`{"id":"1","op":"get_entity","entityId":"x"}`)))
}

func TestErrorKindsCrossTheWire(t *testing.T) {
	root := seedWorkspace(t)
	svc := newServedService(t, root)

	clientSide, serverSide := NewPair()
	h := NewHandler(svc, serverSide)
	defer h.Close()

	c := NewClient(clientSide)
	defer c.Close()

	id := types.DeriveEntityID("note.md", "frontmatter")
	require.NoError(t, svc.Stop())

	resp, err := c.Call(&Request{Op: OpApplyUpdate, EntityID: id, Properties: types.PropertyPatch{"a": 1}})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, fault.KindServiceStopped, resp.ErrorKind)
}

func TestHandlerDetachesWhenTransportCloses(t *testing.T) {
	root := seedWorkspace(t)
	svc := newServedService(t, root)

	clientSide, serverSide := NewPair()
	defer clientSide.Close()
	h := NewHandler(svc, serverSide)
	require.NotEmpty(t, h.subs)

	// A dropped peer must not leave bus subscriptions behind.
	require.NoError(t, serverSide.Close())
	for _, sub := range h.subs {
		assert.True(t, sub.Disposed())
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	root := seedWorkspace(t)
	svc := newServedService(t, root)

	var handlers []*Handler
	var hmu sync.Mutex
	server, err := NewWSServer("127.0.0.1:0", func(tr Transport) {
		hmu.Lock()
		handlers = append(handlers, NewHandler(svc, tr))
		hmu.Unlock()
	})
	require.NoError(t, err)
	go func() { _ = server.Serve() }()
	defer server.Close()

	tr, err := DialWebSocket("ws://" + server.Addr() + "/")
	require.NoError(t, err)
	c := NewClient(tr)

	id := types.DeriveEntityID("note.md", "frontmatter")
	entity, err := c.GetEntity(id)
	require.NoError(t, err)
	assert.Equal(t, "document", entity.EntityTypeID)

	sub, err := c.GetSubgraph(id, 2)
	require.NoError(t, err)
	assert.Equal(t, id, sub.Root)

	// Disconnecting the peer detaches its handler from the bus.
	require.NoError(t, c.Close())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hmu.Lock()
		disposed := len(handlers) == 1 && handlers[0].subs[0].Disposed()
		hmu.Unlock()
		if disposed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handler subscriptions survived the disconnect")
}
