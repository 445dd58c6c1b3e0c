package parse

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/foliodev/folio/internal/types"
)

// FrontmatterLocator is the locator of the single entity a header-metadata
// document produces.
const FrontmatterLocator = types.Locator("frontmatter")

// Frontmatter is a document's metadata preamble split from its body. Only
// the header bytes are entity-bearing; the body is carried verbatim.
type Frontmatter struct {
	Format string // "yaml" (--- fences) or "toml" (+++ fences)
	Header []byte // bytes between the fence lines
	Body   []byte // everything after the closing fence line, verbatim
}

// fence returns the delimiter line for the format.
func (f *Frontmatter) fence() string {
	if f.Format == "toml" {
		return "+++"
	}
	return "---"
}

// Assemble rebuilds full document content from a replacement header,
// leaving the body bytes untouched.
func (f *Frontmatter) Assemble(newHeader []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.fence())
	buf.WriteByte('\n')
	buf.Write(newHeader)
	if len(newHeader) > 0 && newHeader[len(newHeader)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(f.fence())
	buf.WriteByte('\n')
	buf.Write(f.Body)
	return buf.Bytes()
}

// SplitFrontmatter separates a document into preamble and body. Returns
// false when the document has no metadata header.
func SplitFrontmatter(content []byte) (*Frontmatter, bool) {
	firstLine, rest, ok := cutLine(content)
	if !ok {
		return nil, false
	}

	var format string
	switch strings.TrimRight(string(firstLine), "\r") {
	case "---":
		format = "yaml"
	case "+++":
		format = "toml"
	default:
		return nil, false
	}
	fence := strings.TrimRight(string(firstLine), "\r\n")

	// Scan line by line for the closing fence, tracking byte offsets so the
	// body is preserved exactly.
	offset := 0
	for offset < len(rest) {
		line, remainder, _ := cutLine(rest[offset:])
		if strings.TrimRight(string(line), "\r\n") == fence {
			headerEnd := offset
			bodyStart := len(rest) - len(remainder)
			return &Frontmatter{
				Format: format,
				Header: rest[:headerEnd],
				Body:   rest[bodyStart:],
			}, true
		}
		offset += len(line)
	}
	return nil, false
}

// cutLine splits off the first line including its newline byte.
func cutLine(b []byte) (line, rest []byte, ok bool) {
	if len(b) == 0 {
		return nil, nil, false
	}
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i+1], b[i+1:], true
	}
	return b, nil, true
}

// FrontmatterParser produces one candidate per document carrying the
// normalized preamble properties. Documents without a preamble produce
// nothing.
type FrontmatterParser struct{}

func (p *FrontmatterParser) Name() string { return "frontmatter" }

func (p *FrontmatterParser) Strategy() types.StrategyKind { return types.StrategyHeaderMeta }

func (p *FrontmatterParser) Parse(path string, content []byte) []types.Candidate {
	fm, ok := SplitFrontmatter(content)
	if !ok {
		return nil
	}

	props, err := ParseHeader(fm.Format, fm.Header)
	if err != nil {
		return []types.Candidate{StubCandidate(FrontmatterLocator, types.StrategyHeaderMeta, err.Error())}
	}

	return []types.Candidate{{
		Locator:    FrontmatterLocator,
		TypeID:     "document",
		Properties: props,
		Links:      RefLinks(props),
		Strategy:   types.StrategyHeaderMeta,
	}}
}

// ParseHeader decodes preamble bytes into an ordered property map, keeping
// the original key spelling for round-trip fidelity.
func ParseHeader(format string, header []byte) (*types.PropertyMap, error) {
	switch format {
	case "toml":
		return parseTOMLHeader(header)
	default:
		return parseYAMLHeader(header)
	}
}

func parseYAMLHeader(header []byte) (*types.PropertyMap, error) {
	props := types.NewPropertyMap()
	if len(bytes.TrimSpace(header)) == 0 {
		return props, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(header, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml header: %w", err)
	}
	if len(doc.Content) == 0 {
		return props, nil
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("yaml header must be a mapping, got %v", mapping.Tag)
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode := mapping.Content[i]
		valNode := mapping.Content[i+1]
		var value any
		if err := valNode.Decode(&value); err != nil {
			return nil, fmt.Errorf("invalid yaml value for %q: %w", keyNode.Value, err)
		}
		props.SetRaw(NormalizeKey(keyNode.Value), keyNode.Value, value)
	}
	return props, nil
}

var tomlKeyLine = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9_-]+|"[^"]+"|'[^']+')\s*=`)

func parseTOMLHeader(header []byte) (*types.PropertyMap, error) {
	props := types.NewPropertyMap()
	if len(bytes.TrimSpace(header)) == 0 {
		return props, nil
	}

	values := make(map[string]any)
	if err := toml.Unmarshal(header, &values); err != nil {
		return nil, fmt.Errorf("invalid toml header: %w", err)
	}

	// toml.Unmarshal loses declaration order; recover it from the raw text.
	seen := make(map[string]bool)
	for _, match := range tomlKeyLine.FindAllSubmatch(header, -1) {
		raw := strings.Trim(string(match[1]), `"'`)
		if _, ok := values[raw]; !ok || seen[raw] {
			continue
		}
		seen[raw] = true
		props.SetRaw(NormalizeKey(raw), raw, values[raw])
	}

	// Anything the order scan missed (nested tables etc.) appends sorted.
	var leftover []string
	for raw := range values {
		if !seen[raw] {
			leftover = append(leftover, raw)
		}
	}
	sort.Strings(leftover)
	for _, raw := range leftover {
		props.SetRaw(NormalizeKey(raw), raw, values[raw])
	}
	return props, nil
}

// SerializeHeader renders an ordered property map back into preamble bytes
// using each key's original spelling.
func SerializeHeader(format string, props *types.PropertyMap) ([]byte, error) {
	if format == "toml" {
		return serializeTOMLHeader(props)
	}
	return serializeYAMLHeader(props)
}

func serializeYAMLHeader(props *types.PropertyMap) ([]byte, error) {
	if props.Len() == 0 {
		return nil, nil
	}
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range props.Keys() {
		value, _ := props.Get(key)
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: props.RawKey(key)}
		valNode := &yaml.Node{}
		if err := valNode.Encode(value); err != nil {
			return nil, fmt.Errorf("cannot encode yaml value for %q: %w", key, err)
		}
		mapping.Content = append(mapping.Content, keyNode, valNode)
	}
	return yaml.Marshal(mapping)
}

func serializeTOMLHeader(props *types.PropertyMap) ([]byte, error) {
	var buf bytes.Buffer
	for _, key := range props.Keys() {
		value, _ := props.Get(key)
		entry, err := toml.Marshal(map[string]any{props.RawKey(key): value})
		if err != nil {
			return nil, fmt.Errorf("cannot encode toml value for %q: %w", key, err)
		}
		buf.Write(entry)
	}
	return buf.Bytes(), nil
}

// RefLinks extracts reference links from property values using the "ref:"
// prefix convention.
func RefLinks(props *types.PropertyMap) []types.CandidateLink {
	var links []types.CandidateLink
	for _, key := range props.Keys() {
		value, _ := props.Get(key)
		s, ok := value.(string)
		if !ok {
			continue
		}
		if dest, ok := strings.CutPrefix(s, "ref:"); ok && dest != "" {
			links = append(links, types.CandidateLink{Key: key, Destination: types.EntityID(dest)})
		}
	}
	return links
}
