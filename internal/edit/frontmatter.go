package edit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/foliodev/folio/internal/fault"
	"github.com/foliodev/folio/internal/parse"
	"github.com/foliodev/folio/internal/types"
)

// FrontmatterStrategy rewrites a document's metadata preamble. The body is
// reattached verbatim; only the header block is re-rendered.
type FrontmatterStrategy struct{}

func (s *FrontmatterStrategy) Kind() types.StrategyKind { return types.StrategyHeaderMeta }

func (s *FrontmatterStrategy) Update(content []byte, binding types.SourceBinding, patch types.PropertyPatch) ([]byte, error) {
	fm, ok := parse.SplitFrontmatter(content)
	if !ok {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath,
			errors.New("document no longer has a metadata header"))
	}

	props, err := parse.ParseHeader(fm.Format, fm.Header)
	if err != nil {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath, err)
	}

	props.Apply(patch)

	header, err := parse.SerializeHeader(fm.Format, props)
	if err != nil {
		return nil, fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath, err.Error())
	}
	return fm.Assemble(header), nil
}

func (s *FrontmatterStrategy) Create(content []byte, target types.SourceBinding, props types.PropertyPatch) ([]byte, types.Locator, error) {
	if _, exists := parse.SplitFrontmatter(content); exists {
		return nil, "", fault.NewEditConflictError("", target.SourcePath,
			errors.New("document already has a metadata header"))
	}

	pm := types.NewPropertyMap()
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if props[key] != nil {
			pm.Set(parse.NormalizeKey(key), props[key])
		}
	}

	header, err := parse.SerializeHeader("yaml", pm)
	if err != nil {
		return nil, "", fault.NewEditVerificationError("", target.SourcePath, err.Error())
	}
	fm := &parse.Frontmatter{Format: "yaml", Body: content}
	return fm.Assemble(header), parse.FrontmatterLocator, nil
}

func (s *FrontmatterStrategy) Delete(content []byte, binding types.SourceBinding) ([]byte, error) {
	fm, ok := parse.SplitFrontmatter(content)
	if !ok {
		return nil, fault.NewEditConflictError(string(binding.EntityID), binding.SourcePath,
			errors.New("document no longer has a metadata header"))
	}
	body := make([]byte, len(fm.Body))
	copy(body, fm.Body)
	return body, nil
}

func (s *FrontmatterStrategy) Verify(content []byte, binding types.SourceBinding, patch types.PropertyPatch) error {
	fm, ok := parse.SplitFrontmatter(content)
	if patch == nil {
		if ok {
			return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
				"metadata header still present after delete")
		}
		return nil
	}
	if !ok {
		return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
			"metadata header missing after rewrite")
	}
	props, err := parse.ParseHeader(fm.Format, fm.Header)
	if err != nil {
		return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
			fmt.Sprintf("rewritten header does not parse: %v", err))
	}
	if !props.Satisfies(patch) {
		return fault.NewEditVerificationError(string(binding.EntityID), binding.SourcePath,
			"rewritten header does not encode the requested patch")
	}
	return nil
}
