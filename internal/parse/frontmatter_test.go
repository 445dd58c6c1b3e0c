package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliodev/folio/internal/types"
)

func TestSplitFrontmatterYAML(t *testing.T) {
	doc := []byte("---\ntitle: T\n---\nbody line\n--- not a fence mid-body\n")
	fm, ok := SplitFrontmatter(doc)
	require.True(t, ok)
	assert.Equal(t, "yaml", fm.Format)
	assert.Equal(t, "title: T\n", string(fm.Header))
	assert.Equal(t, "body line\n--- not a fence mid-body\n", string(fm.Body))

	// Assemble round-trips the original bytes.
	assert.Equal(t, string(doc), string(fm.Assemble(fm.Header)))
}

func TestSplitFrontmatterTOML(t *testing.T) {
	doc := []byte("+++\ntitle = \"T\"\n+++\nbody\n")
	fm, ok := SplitFrontmatter(doc)
	require.True(t, ok)
	assert.Equal(t, "toml", fm.Format)
	assert.Equal(t, "title = \"T\"\n", string(fm.Header))
}

func TestSplitFrontmatterAbsentOrUnclosed(t *testing.T) {
	_, ok := SplitFrontmatter([]byte("just text\n"))
	assert.False(t, ok)

	_, ok = SplitFrontmatter([]byte("---\ntitle: T\nno closing fence\n"))
	assert.False(t, ok)

	_, ok = SplitFrontmatter(nil)
	assert.False(t, ok)
}

func TestFrontmatterParserNormalizesKeys(t *testing.T) {
	p := &FrontmatterParser{}
	cands := p.Parse("a.md", []byte("---\nDue Date: tomorrow\nOWNER: me\n---\n"))
	require.Len(t, cands, 1)

	props := cands[0].Properties
	assert.Equal(t, []string{"due_date", "owner"}, props.Keys())
	assert.Equal(t, "Due Date", props.RawKey("due_date"))
	assert.Equal(t, "OWNER", props.RawKey("owner"))

	v, ok := props.Get("due_date")
	require.True(t, ok)
	assert.Equal(t, "tomorrow", v)
}

func TestFrontmatterParserPreservesKeyOrder(t *testing.T) {
	p := &FrontmatterParser{}
	cands := p.Parse("a.md", []byte("---\nzebra: 1\nalpha: 2\nmiddle: 3\n---\n"))
	require.Len(t, cands, 1)
	assert.Equal(t, []string{"zebra", "alpha", "middle"}, cands[0].Properties.Keys())
}

func TestFrontmatterParserMalformedYieldsStub(t *testing.T) {
	p := &FrontmatterParser{}
	cands := p.Parse("a.md", []byte("---\n: [broken\n---\nbody\n"))
	require.Len(t, cands, 1)
	assert.Equal(t, types.DiagnosticTypeID, cands[0].TypeID)
	assert.NotEmpty(t, cands[0].Diagnostic)
	errProp, _ := cands[0].Properties.Get("error")
	assert.NotEmpty(t, errProp)
}

func TestFrontmatterParserNoPreambleYieldsNothing(t *testing.T) {
	p := &FrontmatterParser{}
	assert.Empty(t, p.Parse("a.md", []byte("# Heading\n\nNo metadata here.\n")))
}

func TestHeaderSerializeRoundTrip(t *testing.T) {
	header := []byte("title: Hello\ntags:\n    - a\n    - b\ncount: 3\n")
	props, err := ParseHeader("yaml", header)
	require.NoError(t, err)

	out, err := SerializeHeader("yaml", props)
	require.NoError(t, err)

	again, err := ParseHeader("yaml", out)
	require.NoError(t, err)
	assert.Equal(t, props.Keys(), again.Keys())
	for _, key := range props.Keys() {
		a, _ := props.Get(key)
		b, _ := again.Get(key)
		assert.Equal(t, a, b, key)
	}
}

func TestTOMLHeaderKeepsDeclarationOrder(t *testing.T) {
	props, err := ParseHeader("toml", []byte("zed = 1\nalpha = \"x\"\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"zed", "alpha"}, props.Keys())
}

func TestRefLinks(t *testing.T) {
	props := types.NewPropertyMap()
	props.Set("owner", "ref:abc123")
	props.Set("title", "plain")
	props.Set("count", 3)
	props.Set("empty", "ref:")

	links := RefLinks(props)
	require.Len(t, links, 1)
	assert.Equal(t, "owner", links[0].Key)
	assert.Equal(t, types.EntityID("abc123"), links[0].Destination)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "due_date", NormalizeKey("  Due Date "))
	assert.Equal(t, "a_b_c", NormalizeKey("A B C"))
	assert.Equal(t, "already_fine", NormalizeKey("already_fine"))
}
