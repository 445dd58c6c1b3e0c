// Package edit turns graph mutations back into source text. Each strategy
// rewrites only the bytes that encode the patched properties; everything
// else in the file survives byte-for-byte.
package edit

import (
	"sync"

	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/types"
)

// Strategy rewrites file content to reflect one mutation. Strategies are
// pure: content in, content out, no file system access.
type Strategy interface {
	Kind() types.StrategyKind

	// Update applies a property patch to the entity at binding.
	Update(content []byte, binding types.SourceBinding, patch types.PropertyPatch) ([]byte, error)

	// Create inserts a new entity into the file and returns its locator.
	Create(content []byte, target types.SourceBinding, props types.PropertyPatch) ([]byte, types.Locator, error)

	// Delete removes the entity at binding from the file.
	Delete(content []byte, binding types.SourceBinding) ([]byte, error)

	// Verify re-reads rewritten content and confirms the intended state is
	// actually encoded. A nil patch asserts the entity is absent.
	Verify(content []byte, binding types.SourceBinding, patch types.PropertyPatch) error
}

// Registry resolves the strategy for a source binding and holds the
// translation programs registered per annotation region.
type Registry struct {
	strategies map[types.StrategyKind]Strategy

	mu       sync.Mutex
	programs map[string]types.TranslationProgram
}

// NewRegistry creates a registry with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{
		strategies: make(map[types.StrategyKind]Strategy),
		programs:   make(map[string]types.TranslationProgram),
	}
	r.strategies[types.StrategyHeaderMeta] = &FrontmatterStrategy{}
	r.strategies[types.StrategyTabular] = &TabularStrategy{}
	r.strategies[types.StrategyProgram] = &ProgramStrategy{registry: r}
	return r
}

// BindProgram registers the translation program owning a region. A later
// bind for the same region replaces the earlier program.
func (r *Registry) BindProgram(regionID string, p types.TranslationProgram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[regionID] = p
}

// UnbindProgram drops the program for a retracted region.
func (r *Registry) UnbindProgram(regionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.programs, regionID)
}

func (r *Registry) program(regionID string) (types.TranslationProgram, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.programs[regionID]
	return p, ok
}

// ForBinding returns the strategy responsible for a binding.
func (r *Registry) ForBinding(b types.SourceBinding) (Strategy, error) {
	s, ok := r.strategies[b.Strategy]
	if !ok {
		return nil, fault.NewEditConflictError(string(b.EntityID), b.SourcePath,
			errUnknownStrategy(b.Strategy))
	}
	return s, nil
}

type errUnknownStrategy types.StrategyKind

func (e errUnknownStrategy) Error() string {
	return "no editing strategy registered for " + string(e)
}
