// Package service wires discovery, the graph, editing, and the event bus
// into the engine's public surface. The graph has a single owner: the apply
// loop goroutine. Every read and write of graph state funnels through it,
// while file I/O and parsing stay outside so slow disks never serialize
// behind graph access.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/foliodev/folio/internal/config"
	"github.com/foliodev/folio/internal/debug"
	"github.com/foliodev/folio/internal/edit"
	"github.com/foliodev/folio/internal/events"
	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/graph"
	"github.com/foliodev/folio/internal/intake"
	"github.com/foliodev/folio/internal/parse"
	"github.com/foliodev/folio/internal/scan"
	"github.com/foliodev/folio/internal/types"
)

const hashCacheSize = 4096

// Service is the engine: it owns the graph, runs discovery, applies
// mutations, and publishes lifecycle events.
type Service struct {
	cfg        *config.Config
	parsers    *parse.Registry
	strategies *edit.Registry
	scanner    *scan.Scanner
	watcher    *scan.Watcher
	bus        *events.Bus
	store      *graph.Store

	// ops is the apply loop's work queue. Only the loop touches store,
	// regionsByPath, and regionPaths.
	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}

	// regionsByPath tracks live annotation regions per source file so a
	// file deletion retracts them.
	regionsByPath map[string]map[string]bool
	regionPaths   map[string]string
	regionRanges  map[string]types.Range

	// contentHashes remembers the hash of each file as last reconciled, for
	// stale detection and self-write echo suppression.
	contentHashes *lru.Cache[string, uint64]

	// entityLocks serializes mutations per entity.
	lockMu      sync.Mutex
	entityLocks map[types.EntityID]*sync.Mutex

	// stopMu lets Stop wait out in-flight mutations before rejecting new
	// ones.
	stopMu  sync.RWMutex
	stopped bool
}

// New assembles a service from a validated configuration.
func New(cfg *config.Config) (*Service, error) {
	hashes, err := lru.New[string, uint64](hashCacheSize)
	if err != nil {
		return nil, err
	}

	parsers := parse.NewRegistry()
	s := &Service{
		cfg:           cfg,
		parsers:       parsers,
		strategies:    edit.NewRegistry(),
		scanner:       scan.New(cfg, parsers),
		bus:           events.NewBus(),
		store:         graph.NewStore(),
		ops:           make(chan func()),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		regionsByPath: make(map[string]map[string]bool),
		regionPaths:   make(map[string]string),
		regionRanges:  make(map[string]types.Range),
		contentHashes: hashes,
		entityLocks:   make(map[types.EntityID]*sync.Mutex),
	}
	go s.applyLoop()
	return s, nil
}

// Bus exposes the event bus for subscribers.
func (s *Service) Bus() *events.Bus { return s.bus }

func (s *Service) applyLoop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the apply loop and waits for it. Returns false when the
// service has shut down.
func (s *Service) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.ops <- func() {
		fn()
		close(done)
	}:
		<-done
		return true
	case <-s.quit:
		return false
	}
}

// Start performs the initial workspace scan and, when enabled, begins
// watching for changes. Start returns once the graph reflects the full
// workspace; no events are published for the initial population.
func (s *Service) Start(ctx context.Context) error {
	results, err := s.scanner.ScanWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}

	ok := s.do(func() {
		for _, res := range results {
			if len(res.Candidates) == 0 {
				continue
			}
			s.store.Reconcile(res.Path, res.Path, res.Candidates)
		}
	})
	if !ok {
		return fault.NewServiceStoppedError("start")
	}
	for _, res := range results {
		if content, err := s.scanner.ReadFile(res.Path); err == nil {
			s.contentHashes.Add(res.Path, xxhash.Sum64(content))
		}
	}

	if s.cfg.Watch.Enabled {
		w, err := scan.NewWatcher(s.cfg, s.scanner)
		if err != nil {
			return fmt.Errorf("cannot start watcher: %w", err)
		}
		w.SetCallbacks(s.onFileChanged, s.onFileCreated, s.onFileRemoved)
		if err := w.Start(); err != nil {
			return err
		}
		s.watcher = w
	}

	debug.LogGraph("service started: %d entities\n", s.EntityCount())
	return nil
}

// Stop shuts the service down: new mutations are rejected, in-flight ones
// drain, the watcher and bus close. Undelivered events are dropped; clients
// resynchronize from graph state on reconnect.
func (s *Service) Stop() error {
	s.stopMu.Lock()
	if s.stopped {
		s.stopMu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopMu.Unlock()

	var err error
	if s.watcher != nil {
		err = s.watcher.Stop()
	}
	close(s.quit)
	<-s.loopDone
	s.bus.Close()
	return err
}

// guardMutation marks a mutation in flight. The release func must be called
// when the mutation finishes.
func (s *Service) guardMutation(op string) (func(), error) {
	s.stopMu.RLock()
	if s.stopped {
		s.stopMu.RUnlock()
		return nil, fault.NewServiceStoppedError(op)
	}
	return s.stopMu.RUnlock, nil
}

func (s *Service) entityLock(id types.EntityID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.entityLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.entityLocks[id] = mu
	}
	return mu
}

// EntityCount reports the current number of entities.
func (s *Service) EntityCount() int {
	var n int
	s.do(func() { n = s.store.EntityCount() })
	return n
}

// GetEntity returns a snapshot of one entity.
func (s *Service) GetEntity(id types.EntityID) (*types.Entity, bool) {
	var e *types.Entity
	var ok bool
	if !s.do(func() {
		if stored, found := s.store.Entity(id); found {
			e, ok = stored.Clone(), true
		}
	}) {
		return nil, false
	}
	return e, ok
}

// GetBinding returns an entity's current source binding.
func (s *Service) GetBinding(id types.EntityID) (types.SourceBinding, bool) {
	var b types.SourceBinding
	var ok bool
	s.do(func() { b, ok = s.store.Binding(id) })
	return b, ok
}

// GetSubgraph extracts the subgraph reachable from root within depth hops.
func (s *Service) GetSubgraph(root types.EntityID, depth int) (*types.Subgraph, bool) {
	var sub *types.Subgraph
	var ok bool
	s.do(func() { sub, ok = s.store.Subgraph(root, depth) })
	return sub, ok
}

// QueryEntities returns snapshots of all entities matching pred. The
// predicate runs on the apply loop and must not block.
func (s *Service) QueryEntities(pred func(*types.Entity) bool) []*types.Entity {
	var out []*types.Entity
	s.do(func() {
		for _, e := range s.store.Query(pred) {
			out = append(out, e.Clone())
		}
	})
	return out
}

// publishDelta emits one EntityUpdateEvent per change plus a batch event
// when a single operation touched more than one entity.
func (s *Service) publishDelta(sourcePath string, delta graph.Delta) {
	for _, change := range delta.Changes {
		s.bus.Publish(&types.EntityUpdateEvent{
			EntityID:   change.EntityID,
			SourcePath: sourcePath,
			Op:         change.Op,
		})
	}
	if len(delta.Changes) >= 2 {
		s.bus.Publish(&types.BatchOperationEvent{
			SourcePath: sourcePath,
			Changes:    delta.Changes,
		})
	}
}

// onFileCreated handles a debounced file creation from the watcher.
func (s *Service) onFileCreated(rel string) {
	s.handleFileEvent(rel, types.OpCreated)
}

// onFileChanged handles a debounced write from the watcher.
func (s *Service) onFileChanged(rel string) {
	s.handleFileEvent(rel, types.OpUpdated)
}

func (s *Service) handleFileEvent(rel string, op types.Op) {
	content, err := s.scanner.ReadFile(rel)
	if err != nil {
		// Vanished between the event and the read.
		s.onFileRemoved(rel)
		return
	}

	hash := xxhash.Sum64(content)
	if prev, ok := s.contentHashes.Get(rel); ok && prev == hash {
		// Echo of the engine's own write.
		return
	}

	s.reconcileContent(rel, content, hash)
	s.bus.Publish(&types.FileChangeEvent{Path: rel, Op: op})
}

// reconcileContent parses content and folds the result into the graph,
// publishing entity events for the delta.
func (s *Service) reconcileContent(rel string, content []byte, hash uint64) graph.Delta {
	var cands []types.Candidate
	if parser, ok := s.parsers.ForPath(rel); ok {
		cands = parser.Parse(rel, content)
	}

	var delta graph.Delta
	s.do(func() { delta = s.store.Reconcile(rel, rel, cands) })
	s.contentHashes.Add(rel, hash)
	s.publishDelta(rel, delta)
	return delta
}

// onFileRemoved retracts everything a deleted file contributed, including
// any annotation regions that lived in it.
func (s *Service) onFileRemoved(rel string) {
	var delta graph.Delta
	var regions []string
	s.do(func() {
		delta = s.store.RemoveScope(rel)
		for regionID := range s.regionsByPath[rel] {
			regions = append(regions, regionID)
			regionDelta := s.store.RemoveScope(graph.ScopeForRegion(regionID))
			delta.Changes = append(delta.Changes, regionDelta.Changes...)
			delete(s.regionPaths, regionID)
			delete(s.regionRanges, regionID)
		}
		delete(s.regionsByPath, rel)
	})
	for _, regionID := range regions {
		s.strategies.UnbindProgram(regionID)
	}
	s.contentHashes.Remove(rel)
	s.publishDelta(rel, delta)
	s.bus.Publish(&types.FileChangeEvent{Path: rel, Op: types.OpDeleted})
}

// Ingest admits an annotation-tool region notification: entities are
// reconciled under the region's own scope and the region's translation
// program is (re)bound. An empty notification retracts the region.
func (s *Service) Ingest(n intake.Notification) error {
	release, err := s.guardMutation("ingest")
	if err != nil {
		return err
	}
	defer release()

	if err := n.Validate(); err != nil {
		return err
	}

	scope := graph.ScopeForRegion(n.RegionID)

	if n.IsRetraction() {
		var delta graph.Delta
		s.do(func() {
			delta = s.store.RemoveScope(scope)
			if path, ok := s.regionPaths[n.RegionID]; ok {
				delete(s.regionsByPath[path], n.RegionID)
				delete(s.regionPaths, n.RegionID)
			}
			delete(s.regionRanges, n.RegionID)
		})
		s.strategies.UnbindProgram(n.RegionID)
		s.publishDelta(n.SourcePath, delta)
		return nil
	}

	program, err := n.ResolveProgram()
	if err != nil {
		return err
	}
	s.strategies.BindProgram(n.RegionID, program)

	cands := n.Candidates()
	var delta graph.Delta
	s.do(func() {
		delta = s.store.Reconcile(scope, n.SourcePath, cands)
		if s.regionsByPath[n.SourcePath] == nil {
			s.regionsByPath[n.SourcePath] = make(map[string]bool)
		}
		s.regionsByPath[n.SourcePath][n.RegionID] = true
		s.regionPaths[n.RegionID] = n.SourcePath
		s.regionRanges[n.RegionID] = n.Region
	})
	s.publishDelta(n.SourcePath, delta)
	debug.LogIntake("region %s: %d entities, %d changes\n", n.RegionID, len(cands), delta.Len())
	return nil
}
