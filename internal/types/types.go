// Package types defines the core data model shared by every folio subsystem:
// entities, links, source bindings, parsed candidates, and event payloads.
package types

import (
	"github.com/cespare/xxhash/v2"

	"github.com/foliodev/folio/internal/idcodec"
)

// EntityID uniquely identifies an entity in the graph. IDs are derived
// deterministically from the entity's source location so re-scanning
// unchanged content always yields the same ID.
type EntityID string

// Locator identifies a region within a source file that produced an entity,
// e.g. "frontmatter", "row:3", or "region:<id>:row:0". It is stable across
// scans as long as the region keeps its position.
type Locator string

// StrategyKind selects the editing strategy bound to an entity.
type StrategyKind string

const (
	StrategyHeaderMeta StrategyKind = "header-metadata"
	StrategyTabular    StrategyKind = "tabular"
	StrategyProgram    StrategyKind = "translation-program"
)

// Entity is a typed, identified record of properties sourced from exactly
// one location in the workspace.
type Entity struct {
	EntityID     EntityID     `json:"entityId"`
	EntityTypeID string       `json:"entityTypeId"`
	Properties   *PropertyMap `json:"properties"`
}

// Clone returns a deep copy safe to hand to callers outside the graph owner.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	return &Entity{
		EntityID:     e.EntityID,
		EntityTypeID: e.EntityTypeID,
		Properties:   e.Properties.Clone(),
	}
}

// DiagnosticTypeID is the entity type of stub entities produced when a
// source region cannot be parsed. The parse failure text lives under the
// "error" property so hosts can render an indicator.
const DiagnosticTypeID = "diagnostic/parse-error"

// IsDiagnostic reports whether the entity is a parse-failure stub.
func (e *Entity) IsDiagnostic() bool {
	return e != nil && e.EntityTypeID == DiagnosticTypeID
}

// Link is a first-class entity representing a directed relationship
// between two entities.
type Link struct {
	LinkEntityID        EntityID     `json:"linkEntityId"`
	SourceEntityID      EntityID     `json:"sourceEntityId"`
	DestinationEntityID EntityID     `json:"destinationEntityId"`
	Properties          *PropertyMap `json:"properties"`
}

// Clone returns a deep copy of the link.
func (l *Link) Clone() *Link {
	if l == nil {
		return nil
	}
	return &Link{
		LinkEntityID:        l.LinkEntityID,
		SourceEntityID:      l.SourceEntityID,
		DestinationEntityID: l.DestinationEntityID,
		Properties:          l.Properties.Clone(),
	}
}

// Subgraph is a bounded-depth extraction of the entity graph rooted at one
// entity.
type Subgraph struct {
	Root     EntityID  `json:"root"`
	Entities []*Entity `json:"entities"`
	Links    []*Link   `json:"links"`
}

// Range is a line range within a source file. End is exclusive.
type Range struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// SourceBinding maps an entity to the exact file region and edit strategy
// that owns it. Every entity has exactly one current binding; it is the only
// path through which a mutation can be written back to text.
type SourceBinding struct {
	EntityID   EntityID     `json:"entityId"`
	SourcePath string       `json:"sourcePath"`
	Locator    Locator      `json:"locator"`
	Strategy   StrategyKind `json:"strategy"`

	// RegionID and Region are set for translation-program bindings only.
	RegionID string `json:"regionId,omitempty"`
	Region   Range  `json:"region,omitempty"`
}

// PropertyPatch is a partial set of property changes keyed by canonical
// (normalized) property name. A nil value deletes the property.
type PropertyPatch map[string]any

// TranslationProgram is an externally supplied set of pure text-translation
// operations for a source format the engine cannot parse or write natively.
// Each operation receives the current full source text and returns the
// complete replacement text for the program's owned region only. Programs
// are never granted file-system or network access; they only see text.
type TranslationProgram interface {
	UpdateEntity(source string, entityID EntityID, patch PropertyPatch) (string, error)
	CreateEntity(source string, properties PropertyPatch) (string, error)
	DeleteEntity(source string, entityID EntityID) (string, error)
}

// Candidate is the output of a format parser or annotation intake: one
// prospective entity for a (sourcePath, locator) pair, before reconciliation
// against the current graph.
type Candidate struct {
	Locator    Locator
	TypeID     string
	Properties *PropertyMap
	Links      []CandidateLink
	Strategy   StrategyKind

	// RegionID and Region are set for annotation-sourced candidates.
	RegionID string
	Region   Range

	// ExplicitID overrides ID derivation when the annotation tool supplied
	// an entity ID for this locator.
	ExplicitID EntityID

	// Diagnostic is non-empty for stub candidates produced when the source
	// region could not be parsed.
	Diagnostic string
}

// CandidateLink records a reference from a candidate entity to another
// entity, discovered in one of its property values.
type CandidateLink struct {
	Key         string
	Destination EntityID
}

// EntityIDFor returns the candidate's entity ID within the given source file.
func (c *Candidate) EntityIDFor(sourcePath string) EntityID {
	if c.ExplicitID != "" {
		return c.ExplicitID
	}
	return DeriveEntityID(sourcePath, c.Locator)
}

// DeriveEntityID computes the deterministic entity ID for a source location.
// The hash input separates path and locator with a NUL byte so that
// ("a", "b:c") and ("a:b", "c") never collide.
func DeriveEntityID(sourcePath string, locator Locator) EntityID {
	h := xxhash.New()
	_, _ = h.WriteString(sourcePath)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(locator))
	return EntityID(idcodec.Encode(h.Sum64()))
}

// DeriveLinkEntityID computes the deterministic ID of a link entity owned by
// the entity at (sourcePath, locator) through the given property key.
func DeriveLinkEntityID(sourcePath string, locator Locator, key string) EntityID {
	return DeriveEntityID(sourcePath, Locator(string(locator)+"#"+key))
}
