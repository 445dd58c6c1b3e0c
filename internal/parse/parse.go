// Package parse converts raw file content into entity candidates. Parsers
// are pure functions: (path, content) in, zero or more candidates out.
// Malformed regions yield diagnostic stub candidates, never errors that
// abort a scan.
package parse

import (
	"path/filepath"
	"strings"

	"github.com/foliodev/folio/internal/types"
)

// Parser converts one file format into entity candidates. Strategy names
// the edit strategy that writes back to the format.
type Parser interface {
	Name() string
	Strategy() types.StrategyKind
	Parse(path string, content []byte) []types.Candidate
}

// Registry maps file extensions to parsers.
type Registry struct {
	byExt map[string]Parser
}

// NewRegistry creates a registry with the built-in frontmatter and tabular
// parsers registered.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Parser)}

	fm := &FrontmatterParser{}
	for _, ext := range []string{".md", ".mdx", ".markdown"} {
		r.Register(ext, fm)
	}
	r.Register(".csv", &TabularParser{Comma: ','})
	r.Register(".tsv", &TabularParser{Comma: '\t'})
	return r
}

// Register binds a parser to a file extension (with leading dot).
func (r *Registry) Register(ext string, p Parser) {
	r.byExt[strings.ToLower(ext)] = p
}

// ForPath returns the parser responsible for a file, if any.
func (r *Registry) ForPath(path string) (Parser, bool) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// NormalizeKey converts source header text into a canonical property key:
// trimmed, lowercased, spaces replaced with underscores.
func NormalizeKey(raw string) string {
	key := strings.TrimSpace(raw)
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, " ", "_")
	return key
}

// StubCandidate builds the diagnostic candidate emitted when a source
// region cannot be parsed. The scan of other regions continues.
func StubCandidate(locator types.Locator, strategy types.StrategyKind, diagnostic string) types.Candidate {
	props := types.NewPropertyMap()
	props.Set("error", diagnostic)
	return types.Candidate{
		Locator:    locator,
		TypeID:     types.DiagnosticTypeID,
		Properties: props,
		Strategy:   strategy,
		Diagnostic: diagnostic,
	}
}
