package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foliodev/folio/internal/config"
	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/intake"
	"github.com/foliodev/folio/internal/types"
)

func newTestService(t *testing.T, root string) *Service {
	t.Helper()
	cfg := config.Default(root)
	cfg.Watch.Enabled = false
	require.NoError(t, config.NewValidator().ValidateAndSetDefaults(cfg))

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(content)
}

func TestUpdateCSVCellRewritesOnlyThatCell(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "tasks.csv", "Name,Due Date\nship,2026-01-01\nplan,\"2026-02-02\"\n")
	s := newTestService(t, root)

	id := types.DeriveEntityID("tasks.csv", "row:0")
	entity, err := s.ApplyUpdate(id, types.PropertyPatch{"due_date": "2026-03-03"})
	require.NoError(t, err)

	due, _ := entity.Properties.Get("due_date")
	assert.Equal(t, "2026-03-03", due)

	// The other row's quoting style is untouched.
	assert.Equal(t, "Name,Due Date\nship,2026-03-03\nplan,\"2026-02-02\"\n",
		readFile(t, root, "tasks.csv"))
}

func TestUpdateFrontmatterLeavesBodyIntact(t *testing.T) {
	root := t.TempDir()
	body := "# Title\n\nParagraph with trailing spaces   \n\n\tcode block\n"
	writeFile(t, root, "note.md", "---\nstatus: draft\n---\n"+body)
	s := newTestService(t, root)

	id := types.DeriveEntityID("note.md", "frontmatter")
	_, err := s.ApplyUpdate(id, types.PropertyPatch{"status": "final"})
	require.NoError(t, err)

	got := readFile(t, root, "note.md")
	assert.Contains(t, got, "status: final")
	assert.Contains(t, got, body)
}

func TestUpdatePublishesEntityEvent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "note.md", "---\nstatus: draft\n---\nbody\n")
	s := newTestService(t, root)

	var mu sync.Mutex
	var got []*types.EntityUpdateEvent
	s.Bus().Subscribe(types.KindEntityUpdate, 0, nil, func(ev types.Event) {
		mu.Lock()
		got = append(got, ev.(*types.EntityUpdateEvent))
		mu.Unlock()
	})

	id := types.DeriveEntityID("note.md", "frontmatter")
	_, err := s.ApplyUpdate(id, types.PropertyPatch{"status": "final"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, id, got[0].EntityID)
	assert.Equal(t, types.OpUpdated, got[0].Op)
	assert.Equal(t, "note.md", got[0].SourcePath)
}

func TestUpdateStaleGraphReconcilesBeforeEditing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "note.md", "---\nstatus: draft\ncount: 1\n---\nbody\n")
	s := newTestService(t, root)

	// The file changes behind the service's back (watcher disabled).
	writeFile(t, root, "note.md", "---\nstatus: draft\ncount: 2\n---\nbody\n")

	id := types.DeriveEntityID("note.md", "frontmatter")
	entity, err := s.ApplyUpdate(id, types.PropertyPatch{"status": "final"})
	require.NoError(t, err)

	// The patch landed on the fresh content, not the stale snapshot.
	count, _ := entity.Properties.Get("count")
	assert.Equal(t, 2, count)
	assert.Contains(t, readFile(t, root, "note.md"), "count: 2")
	assert.Contains(t, readFile(t, root, "note.md"), "status: final")
}

func TestUpdateVerificationFailureLeavesFileUntouched(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "tasks.csv", "name\nship\n")
	s := newTestService(t, root)

	before := readFile(t, root, "tasks.csv")
	id := types.DeriveEntityID("tasks.csv", "row:0")
	_, err := s.ApplyUpdate(id, types.PropertyPatch{"nonexistent": "x"})
	require.Error(t, err)
	assert.Equal(t, fault.KindStaleSource, fault.KindOf(err))
	assert.Equal(t, before, readFile(t, root, "tasks.csv"))
}

func TestConcurrentUpdatesToOneEntitySerialize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "t.csv", "a,b,c\n1,2,3\n")
	s := newTestService(t, root)

	id := types.DeriveEntityID("t.csv", "row:0")
	var wg sync.WaitGroup
	patches := []types.PropertyPatch{
		{"a": "10"},
		{"b": "20"},
		{"c": "30"},
	}
	errs := make([]error, len(patches))
	for i, patch := range patches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.ApplyUpdate(id, patch)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	// All three writes survive: no lost updates.
	assert.Equal(t, "a,b,c\n10,20,30\n", readFile(t, root, "t.csv"))
}

func TestCreateAndDeleteTableRow(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "t.csv", "name,done\nship,false\n")
	s := newTestService(t, root)

	entity, err := s.CreateEntity(CreateRequest{
		SourcePath: "t.csv",
		Strategy:   types.StrategyTabular,
		Properties: types.PropertyPatch{"name": "plan", "done": "true"},
	})
	require.NoError(t, err)
	require.NotNil(t, entity)
	name, _ := entity.Properties.Get("name")
	assert.Equal(t, "plan", name)
	assert.Equal(t, "name,done\nship,false\nplan,true\n", readFile(t, root, "t.csv"))

	require.NoError(t, s.DeleteEntity(entity.EntityID))
	assert.Equal(t, "name,done\nship,false\n", readFile(t, root, "t.csv"))
	_, ok := s.GetEntity(entity.EntityID)
	assert.False(t, ok)
}

func TestCreateFrontmatterInNewFile(t *testing.T) {
	root := t.TempDir()
	s := newTestService(t, root)

	entity, err := s.CreateEntity(CreateRequest{
		SourcePath: "fresh.md",
		Strategy:   types.StrategyHeaderMeta,
		Properties: types.PropertyPatch{"title": "Fresh"},
	})
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Contains(t, readFile(t, root, "fresh.md"), "title: Fresh")
}

func TestRegionLifecycle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "---\ntitle: Doc\n---\nline0\nitem one\nline2\n")
	s := newTestService(t, root)
	require.Equal(t, 1, s.EntityCount())

	n := intake.Notification{
		RegionID:   "r1",
		SourcePath: "doc.md",
		Region:     types.Range{StartLine: 4, EndLine: 5},
		Entities: []intake.EntitySpec{
			{Locator: "item:0", TypeID: "task", Properties: map[string]any{"label": "item one"}},
		},
		Program: &echoProgram{},
	}
	require.NoError(t, s.Ingest(n))
	assert.Equal(t, 2, s.EntityCount())

	id := types.DeriveEntityID("doc.md", "region:r1:item:0")
	entity, ok := s.GetEntity(id)
	require.True(t, ok)
	assert.Equal(t, "task", entity.EntityTypeID)

	// Mutating the region entity goes through the translation program.
	updated, err := s.ApplyUpdate(id, types.PropertyPatch{"label": "item two"})
	require.NoError(t, err)
	label, _ := updated.Properties.Get("label")
	assert.Equal(t, "item two", label)
	assert.Contains(t, readFile(t, root, "doc.md"), "item two")

	// Retraction removes the region's entities but not the document's.
	require.NoError(t, s.Ingest(intake.Notification{RegionID: "r1", SourcePath: "doc.md"}))
	assert.Equal(t, 1, s.EntityCount())
	_, ok = s.GetEntity(id)
	assert.False(t, ok)

	// The program is unbound too: further region mutations conflict.
	_, err = s.ApplyUpdate(id, types.PropertyPatch{"label": "x"})
	assert.Error(t, err)
}

func TestRegionRetractionBatchesDeletes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "---\ntitle: Doc\n---\nitem one\nitem two\n")
	s := newTestService(t, root)

	var mu sync.Mutex
	var deletes []types.EntityID
	var batches []*types.BatchOperationEvent
	s.Bus().Subscribe(types.KindEntityUpdate, 0, nil, func(ev types.Event) {
		e := ev.(*types.EntityUpdateEvent)
		if e.Op == types.OpDeleted {
			mu.Lock()
			deletes = append(deletes, e.EntityID)
			mu.Unlock()
		}
	})
	s.Bus().Subscribe(types.KindBatchOperation, 0, nil, func(ev types.Event) {
		mu.Lock()
		batches = append(batches, ev.(*types.BatchOperationEvent))
		mu.Unlock()
	})

	n := intake.Notification{
		RegionID:   "r2",
		SourcePath: "doc.md",
		Region:     types.Range{StartLine: 4, EndLine: 5},
		Entities: []intake.EntitySpec{
			{Locator: "item:0", TypeID: "task", Properties: map[string]any{"label": "item one"}},
			{Locator: "item:1", TypeID: "task", Properties: map[string]any{"label": "item two"}},
		},
		Program: &echoProgram{},
	}
	require.NoError(t, s.Ingest(n))
	require.Equal(t, 3, s.EntityCount())

	require.NoError(t, s.Ingest(intake.Notification{RegionID: "r2", SourcePath: "doc.md"}))
	assert.Equal(t, 1, s.EntityCount())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(deletes) == 2 && len(batches) >= 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deletes, 2, "retraction must emit one delete per region entity")
	assert.ElementsMatch(t, []types.EntityID{
		types.DeriveEntityID("doc.md", "region:r2:item:0"),
		types.DeriveEntityID("doc.md", "region:r2:item:1"),
	}, deletes)

	// The ingest batched the two creates; the retraction batches the deletes.
	require.GreaterOrEqual(t, len(batches), 2)
	last := batches[len(batches)-1]
	assert.Equal(t, "doc.md", last.SourcePath)
	require.Len(t, last.Changes, 2)
	for _, change := range last.Changes {
		assert.Equal(t, types.OpDeleted, change.Op)
	}
}

func TestIdenticalPatchPublishesNoSecondEvent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "note.md", "---\nstatus: draft\n---\nbody\n")
	s := newTestService(t, root)

	var mu sync.Mutex
	var got []*types.EntityUpdateEvent
	s.Bus().Subscribe(types.KindEntityUpdate, 0, nil, func(ev types.Event) {
		mu.Lock()
		got = append(got, ev.(*types.EntityUpdateEvent))
		mu.Unlock()
	})

	id := types.DeriveEntityID("note.md", "frontmatter")
	_, err := s.ApplyUpdate(id, types.PropertyPatch{"status": "final"})
	require.NoError(t, err)

	// Replaying the same patch succeeds but changes nothing.
	_, err = s.ApplyUpdate(id, types.PropertyPatch{"status": "final"})
	require.NoError(t, err)

	_, err = s.ApplyUpdate(id, types.PropertyPatch{"status": "done"})
	require.NoError(t, err)

	// The bus delivers in publish order: once the marker lands, every
	// event from the updates above has too.
	marker := types.EntityID("drain-marker")
	s.Bus().Publish(&types.EntityUpdateEvent{EntityID: marker, SourcePath: "note.md", Op: types.OpUpdated})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		drained := len(got) > 0 && got[len(got)-1].EntityID == marker
		mu.Unlock()
		if drained {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	require.Equal(t, marker, got[len(got)-1].EntityID, "bus never drained")
	updates := got[:len(got)-1]
	require.Len(t, updates, 2, "the no-op replay must not publish an event")
	for _, e := range updates {
		assert.Equal(t, id, e.EntityID)
		assert.Equal(t, types.OpUpdated, e.Op)
	}
}

// echoProgram renders region text as space-joined patched values.
type echoProgram struct{}

func (p *echoProgram) UpdateEntity(source string, entityID types.EntityID, patch types.PropertyPatch) (string, error) {
	var out string
	for _, v := range patch {
		if v != nil {
			out += types.Stringify(v) + "\n"
		}
	}
	return out, nil
}

func (p *echoProgram) CreateEntity(source string, properties types.PropertyPatch) (string, error) {
	return p.UpdateEntity(source, "", properties)
}

func (p *echoProgram) DeleteEntity(source string, entityID types.EntityID) (string, error) {
	return "", nil
}

func TestStopRejectsMutations(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	writeFile(t, root, "note.md", "---\na: 1\n---\n")
	cfg := config.Default(root)
	cfg.Watch.Enabled = false
	require.NoError(t, config.NewValidator().ValidateAndSetDefaults(cfg))

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	id := types.DeriveEntityID("note.md", "frontmatter")
	_, err = s.ApplyUpdate(id, types.PropertyPatch{"a": 2})
	require.Error(t, err)
	assert.Equal(t, fault.KindServiceStopped, fault.KindOf(err))

	err = s.Ingest(intake.Notification{RegionID: "r", SourcePath: "x"})
	assert.Equal(t, fault.KindServiceStopped, fault.KindOf(err))

	// Stop is idempotent.
	require.NoError(t, s.Stop())
}

func TestWatcherDrivenReconcile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "note.md", "---\nstatus: draft\n---\nbody\n")

	cfg := config.Default(root)
	cfg.Watch.DebounceMs = 30
	require.NoError(t, config.NewValidator().ValidateAndSetDefaults(cfg))
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	id := types.DeriveEntityID("note.md", "frontmatter")
	writeFile(t, root, "note.md", "---\nstatus: final\n---\nbody\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := s.GetEntity(id); ok {
			if v, _ := e.Properties.Get("status"); v == "final" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher change never reached the graph")
}

func TestWatcherReportsNewFileAsCreated(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Watch.DebounceMs = 30
	require.NoError(t, config.NewValidator().ValidateAndSetDefaults(cfg))
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	var mu sync.Mutex
	ops := make(map[string][]types.Op)
	s.Bus().Subscribe(types.KindFileChange, 0, nil, func(ev types.Event) {
		e := ev.(*types.FileChangeEvent)
		mu.Lock()
		ops[e.Path] = append(ops[e.Path], e.Op)
		mu.Unlock()
	})

	writeFile(t, root, "new.md", "---\nstatus: draft\n---\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(ops["new.md"])
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ops["new.md"], "file creation never surfaced")
	assert.Equal(t, types.OpCreated, ops["new.md"][0])
}
