package edit

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/types"
)

// ProgramStrategy delegates text translation to the program bound to the
// entity's annotation region. The program sees the full source text and
// returns replacement text for its owned region only; the strategy splices
// that replacement over the region's lines, leaving the rest of the file
// untouched.
type ProgramStrategy struct {
	registry *Registry
}

func (s *ProgramStrategy) Kind() types.StrategyKind { return types.StrategyProgram }

func (s *ProgramStrategy) boundProgram(binding types.SourceBinding) (types.TranslationProgram, error) {
	p, ok := s.registry.program(binding.RegionID)
	if !ok {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath,
			fmt.Errorf("no translation program bound for region %q", binding.RegionID))
	}
	return p, nil
}

func (s *ProgramStrategy) Update(content []byte, binding types.SourceBinding, patch types.PropertyPatch) ([]byte, error) {
	p, err := s.boundProgram(binding)
	if err != nil {
		return nil, err
	}
	region, err := p.UpdateEntity(string(content), binding.EntityID, patch)
	if err != nil {
		return nil, err
	}
	if err := verifyRegionText(region, binding, patch); err != nil {
		return nil, err
	}
	return spliceRegion(content, binding.Region, region), nil
}

func (s *ProgramStrategy) Create(content []byte, target types.SourceBinding, props types.PropertyPatch) ([]byte, types.Locator, error) {
	p, err := s.boundProgram(target)
	if err != nil {
		return nil, "", err
	}
	region, err := p.CreateEntity(string(content), props)
	if err != nil {
		return nil, "", err
	}
	if err := verifyRegionText(region, target, props); err != nil {
		return nil, "", err
	}
	// The created entity's locator is assigned by the annotation tool's next
	// region notification, not by the program.
	return spliceRegion(content, target.Region, region), "", nil
}

func (s *ProgramStrategy) Delete(content []byte, binding types.SourceBinding) ([]byte, error) {
	p, err := s.boundProgram(binding)
	if err != nil {
		return nil, err
	}
	region, err := p.DeleteEntity(string(content), binding.EntityID)
	if err != nil {
		return nil, err
	}
	return spliceRegion(content, binding.Region, region), nil
}

// Verify checks that every patched value appears in the rewritten region
// text. The engine cannot re-parse program-owned formats, so textual
// presence is the strongest round-trip check available.
func (s *ProgramStrategy) Verify(content []byte, binding types.SourceBinding, patch types.PropertyPatch) error {
	if patch == nil {
		return nil
	}
	region := regionText(content, binding.Region)
	return verifyRegionText(region, binding, patch)
}

func verifyRegionText(region string, binding types.SourceBinding, patch types.PropertyPatch) error {
	for key, value := range patch {
		if value == nil {
			continue
		}
		if !strings.Contains(region, types.Stringify(value)) {
			return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
				fmt.Sprintf("program output does not contain the value for %q", key))
		}
	}
	return nil
}

func splitContentLines(content []byte) [][]byte {
	var lines [][]byte
	for len(content) > 0 {
		i := bytes.IndexByte(content, '\n')
		if i >= 0 {
			lines = append(lines, content[:i+1])
			content = content[i+1:]
		} else {
			lines = append(lines, content)
			content = nil
		}
	}
	return lines
}

// spliceRegion replaces the lines in [r.StartLine, r.EndLine) with the
// replacement text.
func spliceRegion(content []byte, r types.Range, replacement string) []byte {
	lines := splitContentLines(content)

	start := r.StartLine
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := r.EndLine
	if end < start {
		end = start
	}
	if end > len(lines) {
		end = len(lines)
	}

	var buf bytes.Buffer
	for _, line := range lines[:start] {
		buf.Write(line)
	}
	buf.WriteString(replacement)
	if len(replacement) > 0 && !strings.HasSuffix(replacement, "\n") && end < len(lines) {
		buf.WriteByte('\n')
	}
	for _, line := range lines[end:] {
		buf.Write(line)
	}
	return buf.Bytes()
}

// regionText extracts the current text of a region.
func regionText(content []byte, r types.Range) string {
	lines := splitContentLines(content)
	start := r.StartLine
	end := r.EndLine
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	return string(bytes.Join(lines[start:end], nil))
}

var errNoProgramSource = errors.New("translation program has no source")
