// Package intake converts annotation-tool region notifications into entity
// candidates. An annotation tool owns a region of a file the engine cannot
// parse itself; it reports the entities the region currently encodes and
// supplies the translation program that writes mutations back into it.
package intake

import (
	"errors"
	"fmt"
	"sort"

	"github.com/foliodev/folio/internal/edit"
	"github.com/foliodev/folio/internal/parse"
	"github.com/foliodev/folio/internal/types"
)

// EntitySpec describes one entity an annotation tool found in its region.
type EntitySpec struct {
	// Locator is the entity's position within the region, in the tool's own
	// terms (e.g. "item:0"). It must be unique within the notification.
	Locator types.Locator `json:"locator"`

	TypeID     string         `json:"entityTypeId"`
	Properties map[string]any `json:"properties"`

	// EntityID, when set, pins the entity's identity instead of deriving it
	// from the source location. Tools use this to keep identity stable when
	// entities move between regions.
	EntityID types.EntityID `json:"entityId,omitempty"`
}

// Notification is one report from an annotation tool about the current
// contents of a region. An empty Entities list retracts the region.
type Notification struct {
	RegionID   string      `json:"regionId"`
	SourcePath string      `json:"sourcePath"`
	Region     types.Range `json:"region"`
	Entities   []EntitySpec `json:"entities"`

	// ProgramSource is an inline script compiled into the region's
	// translation program. Ignored when Program is set directly.
	ProgramSource string `json:"programSource,omitempty"`

	// Program is a host-supplied translation program implementation.
	Program types.TranslationProgram `json:"-"`
}

// Validate checks the structural requirements before a notification is
// admitted.
func (n *Notification) Validate() error {
	if n.RegionID == "" {
		return errors.New("notification missing region id")
	}
	if n.SourcePath == "" {
		return errors.New("notification missing source path")
	}
	if n.Region.EndLine < n.Region.StartLine || n.Region.StartLine < 0 {
		return fmt.Errorf("invalid region range [%d,%d)", n.Region.StartLine, n.Region.EndLine)
	}
	seen := make(map[types.Locator]bool, len(n.Entities))
	for i := range n.Entities {
		loc := n.Entities[i].Locator
		if loc == "" {
			return errors.New("entity spec missing locator")
		}
		if seen[loc] {
			return fmt.Errorf("duplicate locator %q in region %s", loc, n.RegionID)
		}
		seen[loc] = true
	}
	if len(n.Entities) > 0 && n.ProgramSource == "" && n.Program == nil {
		return fmt.Errorf("region %s reports entities but no translation program", n.RegionID)
	}
	return nil
}

// IsRetraction reports whether the notification withdraws the region.
func (n *Notification) IsRetraction() bool { return len(n.Entities) == 0 }

// RegionLocator namespaces a tool-reported locator under its region so
// region entities never collide with scan entities in the same file.
func RegionLocator(regionID string, loc types.Locator) types.Locator {
	return types.Locator("region:" + regionID + ":" + string(loc))
}

// Candidates converts the notification into reconciliation candidates.
// Property keys are normalized the same way scanned headers are; the raw
// spelling the tool reported is retained.
func (n *Notification) Candidates() []types.Candidate {
	cands := make([]types.Candidate, 0, len(n.Entities))
	for i := range n.Entities {
		spec := &n.Entities[i]
		props := types.NewPropertyMap()
		for _, key := range sortedKeys(spec.Properties) {
			props.SetRaw(parse.NormalizeKey(key), key, spec.Properties[key])
		}
		typeID := spec.TypeID
		if typeID == "" {
			typeID = "region-entity"
		}
		cands = append(cands, types.Candidate{
			Locator:    RegionLocator(n.RegionID, spec.Locator),
			TypeID:     typeID,
			Properties: props,
			Links:      parse.RefLinks(props),
			Strategy:   types.StrategyProgram,
			RegionID:   n.RegionID,
			Region:     n.Region,
			ExplicitID: spec.EntityID,
		})
	}
	return cands
}

// ResolveProgram returns the translation program the region should be bound
// to, compiling ProgramSource when no implementation was supplied.
func (n *Notification) ResolveProgram() (types.TranslationProgram, error) {
	if n.Program != nil {
		return n.Program, nil
	}
	return edit.NewRisorProgram(n.ProgramSource)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
