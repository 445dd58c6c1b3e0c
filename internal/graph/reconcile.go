package graph

import (
	"sort"

	"github.com/foliodev/folio/internal/debug"
	"github.com/foliodev/folio/internal/types"
)

// Delta is the ordered list of entity changes one reconciliation produced.
type Delta struct {
	Changes []types.EntityChange
}

func (d *Delta) add(id types.EntityID, op types.Op) {
	d.Changes = append(d.Changes, types.EntityChange{EntityID: id, Op: op})
}

// Empty reports whether the reconciliation changed anything observable.
func (d *Delta) Empty() bool { return len(d.Changes) == 0 }

// Len returns the number of constituent changes.
func (d *Delta) Len() int { return len(d.Changes) }

// ScopeForRegion returns the reconciliation scope key of an annotation
// region. Region scopes are independent of the file-path scope so a file
// re-scan never retracts region entities in the same file.
func ScopeForRegion(regionID string) string {
	return "region:" + regionID
}

// Reconcile diffs a scope's new candidate set against its previous one,
// keyed by locator, and applies the difference:
//
//   - locator present before and after, content changed -> updated
//   - locator new -> created
//   - locator missing -> deleted
//
// Diff-then-apply (never clear-and-rebuild) preserves entity identity and
// avoids spurious delete/create pairs that would break links pointing at
// those entities. Bindings are refreshed atomically as part of the same
// pass.
func (s *Store) Reconcile(scope, sourcePath string, cands []types.Candidate) Delta {
	var delta Delta
	prev := s.byScope[scope]
	next := make(map[types.Locator]types.EntityID, len(cands))

	for i := range cands {
		cand := &cands[i]
		id := cand.EntityIDFor(sourcePath)
		next[cand.Locator] = id

		binding := types.SourceBinding{
			EntityID:   id,
			SourcePath: sourcePath,
			Locator:    cand.Locator,
			Strategy:   cand.Strategy,
			RegionID:   cand.RegionID,
			Region:     cand.Region,
		}

		prevID, existed := prev[cand.Locator]
		if existed && prevID != id {
			// Explicit-ID change: the old identity is gone.
			s.removeEntity(prevID, &delta)
			existed = false
		}

		if existed {
			existing := s.entities[id]
			same := existing.EntityTypeID == cand.TypeID && existing.Properties.Equal(cand.Properties)
			// Rebind even when content is unchanged: region ranges shift as
			// surrounding text moves.
			s.bindings[id] = binding
			if !same {
				s.entities[id] = &types.Entity{EntityID: id, EntityTypeID: cand.TypeID, Properties: cand.Properties}
				delta.add(id, types.OpUpdated)
			}
		} else {
			s.entities[id] = &types.Entity{EntityID: id, EntityTypeID: cand.TypeID, Properties: cand.Properties}
			s.bindings[id] = binding
			s.scopeOf[id] = scope
			delta.add(id, types.OpCreated)
		}

		s.reconcileOwnedLinks(sourcePath, cand, id, &delta)
	}

	for locator, id := range prev {
		if _, kept := next[locator]; !kept {
			s.removeEntity(id, &delta)
		}
	}

	if len(next) == 0 {
		delete(s.byScope, scope)
	} else {
		s.byScope[scope] = next
	}

	s.promotePending(&delta)

	if !delta.Empty() {
		debug.LogGraph("reconciled %s: %d changes\n", scope, delta.Len())
	}
	return delta
}

// RemoveScope retracts every entity a scope produced (file deleted, region
// retracted).
func (s *Store) RemoveScope(scope string) Delta {
	var delta Delta
	locs, ok := s.byScope[scope]
	if !ok {
		return delta
	}
	for _, id := range locs {
		s.removeEntity(id, &delta)
	}
	delete(s.byScope, scope)
	return delta
}

// Evict removes a single entity immediately, without waiting for its scope
// to be reconciled. Used when a verified delete has already been written to
// the source.
func (s *Store) Evict(id types.EntityID) Delta {
	var delta Delta
	if scope, ok := s.scopeOf[id]; ok {
		locs := s.byScope[scope]
		for loc, lid := range locs {
			if lid == id {
				delete(locs, loc)
			}
		}
		if len(locs) == 0 {
			delete(s.byScope, scope)
		}
	}
	s.removeEntity(id, &delta)
	return delta
}

// removeEntity deletes an entity, its binding, its owned links, and demotes
// any link whose other endpoint it was. Demoted links wait in pending and
// re-materialize if the entity comes back, so a transient delete/create in
// one file does not permanently sever links from other files.
func (s *Store) removeEntity(id types.EntityID, delta *Delta) {
	if _, ok := s.entities[id]; !ok {
		return
	}
	delete(s.entities, id)
	delete(s.bindings, id)
	delete(s.scopeOf, id)

	for _, linkID := range s.ownedLinks[id] {
		if _, live := s.links[linkID]; live {
			delete(s.links, linkID)
			delta.add(linkID, types.OpDeleted)
		}
		delete(s.pending, linkID)
		delete(s.linkOwner, linkID)
	}
	delete(s.ownedLinks, id)

	for linkID, link := range s.links {
		if link.SourceEntityID == id || link.DestinationEntityID == id {
			delete(s.links, linkID)
			s.pending[linkID] = link
			delta.add(linkID, types.OpDeleted)
		}
	}

	delta.add(id, types.OpDeleted)
}

// reconcileOwnedLinks diffs the links an entity's properties declare against
// the ones currently recorded for it.
func (s *Store) reconcileOwnedLinks(sourcePath string, cand *types.Candidate, ownerID types.EntityID, delta *Delta) {
	desired := make(map[types.EntityID]*types.Link, len(cand.Links))
	for _, cl := range cand.Links {
		linkID := types.DeriveLinkEntityID(sourcePath, cand.Locator, cl.Key)
		props := types.NewPropertyMap()
		props.Set("key", cl.Key)
		desired[linkID] = &types.Link{
			LinkEntityID:        linkID,
			SourceEntityID:      ownerID,
			DestinationEntityID: cl.Destination,
			Properties:          props,
		}
	}

	for _, linkID := range s.ownedLinks[ownerID] {
		if _, keep := desired[linkID]; keep {
			continue
		}
		if _, live := s.links[linkID]; live {
			delete(s.links, linkID)
			delta.add(linkID, types.OpDeleted)
		}
		delete(s.pending, linkID)
		delete(s.linkOwner, linkID)
	}

	ids := make([]types.EntityID, 0, len(desired))
	for linkID, link := range desired {
		ids = append(ids, linkID)
		if existing, live := s.links[linkID]; live {
			if existing.DestinationEntityID != link.DestinationEntityID {
				s.links[linkID] = link
				delta.add(linkID, types.OpUpdated)
			}
			continue
		}
		s.linkOwner[linkID] = ownerID
		s.addLink(linkID, link, delta)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 {
		delete(s.ownedLinks, ownerID)
	} else {
		s.ownedLinks[ownerID] = ids
	}
}

// addLink materializes a link when both endpoints exist, otherwise parks it
// in pending. The graph never contains a link with an absent endpoint.
func (s *Store) addLink(linkID types.EntityID, link *types.Link, delta *Delta) {
	_, srcOK := s.entities[link.SourceEntityID]
	_, dstOK := s.entities[link.DestinationEntityID]
	if srcOK && dstOK {
		s.links[linkID] = link
		delta.add(linkID, types.OpCreated)
		return
	}
	s.pending[linkID] = link
}

// promotePending materializes parked links whose endpoints have appeared.
func (s *Store) promotePending(delta *Delta) {
	for linkID, link := range s.pending {
		_, srcOK := s.entities[link.SourceEntityID]
		_, dstOK := s.entities[link.DestinationEntityID]
		if srcOK && dstOK {
			delete(s.pending, linkID)
			s.links[linkID] = link
			delta.add(linkID, types.OpCreated)
		}
	}
}
