// Package graph holds the canonical in-memory entity graph: entities,
// links, and the source bindings that tie each entity to the file region
// owning it.
//
// The Store is deliberately not goroutine-safe. It has a single logical
// owner (the indexing service's apply loop); every mutation and scan result
// is serialized through that owner so the graph never observes a torn write.
package graph

import (
	"github.com/foliodev/folio/internal/types"
)

// Store is the canonical entity graph.
type Store struct {
	entities map[types.EntityID]*types.Entity
	bindings map[types.EntityID]types.SourceBinding
	links    map[types.EntityID]*types.Link

	// byScope tracks which entity each (scope, locator) pair produced.
	// A scope is a reconciliation unit: a file path for scanned files, or
	// "region:<id>" for annotation regions.
	byScope map[string]map[types.Locator]types.EntityID
	scopeOf map[types.EntityID]string

	// ownedLinks maps an entity to the link entities its properties declare.
	ownedLinks map[types.EntityID][]types.EntityID
	linkOwner  map[types.EntityID]types.EntityID

	// pending holds links whose endpoints are not all present yet. They are
	// not part of the graph: the graph never contains a link with an absent
	// endpoint.
	pending map[types.EntityID]*types.Link
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		entities:   make(map[types.EntityID]*types.Entity),
		bindings:   make(map[types.EntityID]types.SourceBinding),
		links:      make(map[types.EntityID]*types.Link),
		byScope:    make(map[string]map[types.Locator]types.EntityID),
		scopeOf:    make(map[types.EntityID]string),
		ownedLinks: make(map[types.EntityID][]types.EntityID),
		linkOwner:  make(map[types.EntityID]types.EntityID),
		pending:    make(map[types.EntityID]*types.Link),
	}
}

// Entity returns the entity stored under id.
func (s *Store) Entity(id types.EntityID) (*types.Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Link returns the link entity stored under id.
func (s *Store) Link(id types.EntityID) (*types.Link, bool) {
	l, ok := s.links[id]
	return l, ok
}

// Binding returns the current source binding of an entity. Every live
// entity has exactly one.
func (s *Store) Binding(id types.EntityID) (types.SourceBinding, bool) {
	b, ok := s.bindings[id]
	return b, ok
}

// EntityAt returns the entity a (scope, locator) pair currently produces.
func (s *Store) EntityAt(scope string, locator types.Locator) (types.EntityID, bool) {
	locs, ok := s.byScope[scope]
	if !ok {
		return "", false
	}
	id, ok := locs[locator]
	return id, ok
}

// EntityCount returns the number of non-link entities.
func (s *Store) EntityCount() int { return len(s.entities) }

// LinkCount returns the number of materialized links.
func (s *Store) LinkCount() int { return len(s.links) }

// Scopes returns all reconciliation scopes currently holding entities.
func (s *Store) Scopes() []string {
	out := make([]string, 0, len(s.byScope))
	for scope := range s.byScope {
		out = append(out, scope)
	}
	return out
}

// Query returns all entities matching the predicate.
func (s *Store) Query(pred func(*types.Entity) bool) []*types.Entity {
	var out []*types.Entity
	for _, e := range s.entities {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// SetProperties replaces an entity's properties after a verified edit.
// Returns false when the entity does not exist.
func (s *Store) SetProperties(id types.EntityID, props *types.PropertyMap) bool {
	e, ok := s.entities[id]
	if !ok {
		return false
	}
	e.Properties = props
	return true
}

// Subgraph extracts the entities reachable from root by following outgoing
// links up to depth hops, including the traversed link entities.
func (s *Store) Subgraph(root types.EntityID, depth int) (*types.Subgraph, bool) {
	rootEntity, ok := s.entities[root]
	if !ok {
		return nil, false
	}

	sub := &types.Subgraph{Root: root}
	visited := map[types.EntityID]bool{root: true}
	sub.Entities = append(sub.Entities, rootEntity.Clone())

	frontier := []types.EntityID{root}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []types.EntityID
		for _, linkEntity := range s.links {
			if !containsID(frontier, linkEntity.SourceEntityID) {
				continue
			}
			sub.Links = append(sub.Links, linkEntity.Clone())
			dest := linkEntity.DestinationEntityID
			if visited[dest] {
				continue
			}
			visited[dest] = true
			if destEntity, ok := s.entities[dest]; ok {
				sub.Entities = append(sub.Entities, destEntity.Clone())
				next = append(next, dest)
			}
		}
		frontier = next
	}
	return sub, true
}

func containsID(ids []types.EntityID, id types.EntityID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
