package service

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/foliodev/folio/internal/edit"
	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/graph"
	"github.com/foliodev/folio/internal/types"
)

// Mutations write through to source text: the file edit happens first, is
// verified, and only then does the graph (and the event stream) reflect the
// change. An edit that conflicts with a concurrent file change is retried
// once against freshly scanned content before failing with StaleSourceError.

// ApplyUpdate patches properties of one entity. Nil patch values delete the
// property. Returns the entity as it stands after the verified write.
func (s *Service) ApplyUpdate(entityID types.EntityID, patch types.PropertyPatch) (*types.Entity, error) {
	release, err := s.guardMutation("update")
	if err != nil {
		return nil, err
	}
	defer release()

	if len(patch) == 0 {
		return nil, fmt.Errorf("empty patch for entity %s", entityID)
	}

	mu := s.entityLock(entityID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		binding, ok := s.GetBinding(entityID)
		if !ok {
			return nil, fmt.Errorf("unknown entity %s", entityID)
		}

		sourcePath := binding.SourcePath
		content, err := s.freshContent(sourcePath)
		if err != nil {
			return nil, fault.NewEditConflictError(string(entityID), sourcePath, err)
		}

		// Entity may have disappeared in the freshness reconcile.
		if binding, ok = s.GetBinding(entityID); !ok {
			return nil, fault.NewStaleSourceError(string(entityID), sourcePath)
		}

		strategy, err := s.strategies.ForBinding(binding)
		if err != nil {
			return nil, err
		}

		newContent, err := strategy.Update(content, binding, patch)
		if err != nil {
			if fault.KindOf(err) == fault.KindEditConflict && attempt == 0 {
				s.forceRescan(binding.SourcePath)
				continue
			}
			if fault.KindOf(err) == fault.KindEditConflict {
				return nil, fault.NewStaleSourceError(string(entityID), binding.SourcePath)
			}
			return nil, err
		}

		if err := strategy.Verify(newContent, binding, patch); err != nil {
			return nil, err
		}

		if err := edit.WriteAtomic(s.scanner.Abs(binding.SourcePath), newContent); err != nil {
			return nil, fault.NewEditConflictError(string(entityID), binding.SourcePath, err)
		}

		if binding.Strategy == types.StrategyProgram {
			s.contentHashes.Add(binding.SourcePath, xxhash.Sum64(newContent))
			s.applyProgramPatch(entityID, binding.SourcePath, patch)
		} else {
			s.reconcileContent(binding.SourcePath, newContent, xxhash.Sum64(newContent))
		}

		entity, ok := s.GetEntity(entityID)
		if !ok {
			return nil, fault.NewEditVerificationError(string(entityID), binding.SourcePath,
				"entity vanished after a verified update")
		}
		return entity, nil
	}
}

// applyProgramPatch folds a verified program-strategy update into the graph
// directly; the owning tool's next region notification is the authoritative
// confirmation.
func (s *Service) applyProgramPatch(entityID types.EntityID, sourcePath string, patch types.PropertyPatch) {
	var changed bool
	s.do(func() {
		entity, ok := s.store.Entity(entityID)
		if !ok {
			return
		}
		props := entity.Properties.Clone()
		if props.Apply(patch) {
			s.store.SetProperties(entityID, props)
			changed = true
		}
	})
	if changed {
		s.bus.Publish(&types.EntityUpdateEvent{
			EntityID:   entityID,
			SourcePath: sourcePath,
			Op:         types.OpUpdated,
		})
	}
}

// CreateRequest describes a new entity to materialize in a source file.
type CreateRequest struct {
	SourcePath string
	Strategy   types.StrategyKind
	RegionID   string // required for translation-program creates
	Properties types.PropertyPatch
}

// CreateEntity writes a new entity into a source file and returns it once
// the rewritten file has been reconciled. For translation-program creates
// the returned entity is nil: the annotation tool's next region
// notification reports the entity it now encodes.
func (s *Service) CreateEntity(req CreateRequest) (*types.Entity, error) {
	release, err := s.guardMutation("create")
	if err != nil {
		return nil, err
	}
	defer release()

	if req.SourcePath == "" {
		return nil, fmt.Errorf("create request missing source path")
	}

	target := types.SourceBinding{
		SourcePath: req.SourcePath,
		Strategy:   req.Strategy,
		RegionID:   req.RegionID,
	}
	if req.Strategy == types.StrategyProgram {
		region, ok := s.regionRange(req.RegionID)
		if !ok {
			return nil, fault.NewEditConflictError("", req.SourcePath,
				fmt.Errorf("unknown region %q", req.RegionID))
		}
		target.Region = region
	}

	strategy, err := s.strategies.ForBinding(target)
	if err != nil {
		return nil, err
	}

	content, err := s.freshContent(req.SourcePath)
	if err != nil {
		if req.Strategy != types.StrategyHeaderMeta {
			return nil, fault.NewEditConflictError("", req.SourcePath, err)
		}
		content = nil // new document
	}

	newContent, locator, err := strategy.Create(content, target, req.Properties)
	if err != nil {
		return nil, err
	}
	if locator != "" {
		verifyBinding := target
		verifyBinding.Locator = locator
		if err := strategy.Verify(newContent, verifyBinding, req.Properties); err != nil {
			return nil, err
		}
	}

	if err := edit.WriteAtomic(s.scanner.Abs(req.SourcePath), newContent); err != nil {
		return nil, fault.NewEditConflictError("", req.SourcePath, err)
	}

	if req.Strategy == types.StrategyProgram {
		s.contentHashes.Add(req.SourcePath, xxhash.Sum64(newContent))
		return nil, nil
	}

	s.reconcileContent(req.SourcePath, newContent, xxhash.Sum64(newContent))

	var entity *types.Entity
	s.do(func() {
		if id, ok := s.store.EntityAt(req.SourcePath, locator); ok {
			if e, found := s.store.Entity(id); found {
				entity = e.Clone()
			}
		}
	})
	if entity == nil {
		return nil, fault.NewEditVerificationError("", req.SourcePath,
			fmt.Sprintf("created entity at %s did not appear on re-parse", locator))
	}
	return entity, nil
}

// DeleteEntity removes an entity's source text and retracts it from the
// graph once the write is verified.
func (s *Service) DeleteEntity(entityID types.EntityID) error {
	release, err := s.guardMutation("delete")
	if err != nil {
		return err
	}
	defer release()

	mu := s.entityLock(entityID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		binding, ok := s.GetBinding(entityID)
		if !ok {
			return fmt.Errorf("unknown entity %s", entityID)
		}

		content, err := s.freshContent(binding.SourcePath)
		if err != nil {
			return fault.NewEditConflictError(string(entityID), binding.SourcePath, err)
		}
		if binding, ok = s.GetBinding(entityID); !ok {
			// Already gone; nothing left to delete.
			return nil
		}

		strategy, err := s.strategies.ForBinding(binding)
		if err != nil {
			return err
		}

		newContent, err := strategy.Delete(content, binding)
		if err != nil {
			if fault.KindOf(err) == fault.KindEditConflict && attempt == 0 {
				s.forceRescan(binding.SourcePath)
				continue
			}
			if fault.KindOf(err) == fault.KindEditConflict {
				return fault.NewStaleSourceError(string(entityID), binding.SourcePath)
			}
			return err
		}
		if err := strategy.Verify(newContent, binding, nil); err != nil {
			return err
		}

		if err := edit.WriteAtomic(s.scanner.Abs(binding.SourcePath), newContent); err != nil {
			return fault.NewEditConflictError(string(entityID), binding.SourcePath, err)
		}

		if binding.Strategy == types.StrategyProgram {
			s.contentHashes.Add(binding.SourcePath, xxhash.Sum64(newContent))
			var delta graph.Delta
			s.do(func() { delta = s.store.Evict(entityID) })
			s.publishDelta(binding.SourcePath, delta)
			return nil
		}

		s.reconcileContent(binding.SourcePath, newContent, xxhash.Sum64(newContent))
		return nil
	}
}

// freshContent reads a file and, when its content no longer matches the
// graph's view, reconciles before returning. The mutation then runs against
// bindings that reflect what is actually on disk.
func (s *Service) freshContent(rel string) ([]byte, error) {
	content, err := s.scanner.ReadFile(rel)
	if err != nil {
		return nil, err
	}
	hash := xxhash.Sum64(content)
	if cached, ok := s.contentHashes.Get(rel); !ok || cached != hash {
		s.reconcileContent(rel, content, hash)
	}
	return content, nil
}

// forceRescan drops the cached hash and re-reconciles from disk.
func (s *Service) forceRescan(rel string) {
	s.contentHashes.Remove(rel)
	if content, err := s.scanner.ReadFile(rel); err == nil {
		s.reconcileContent(rel, content, xxhash.Sum64(content))
	}
}

// regionRange looks up the current line range of a live region.
func (s *Service) regionRange(regionID string) (types.Range, bool) {
	var region types.Range
	var found bool
	s.do(func() { region, found = s.regionRanges[regionID] })
	return region, found
}
