package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliodev/folio/internal/types"
)

func TestTabularParserOneCandidatePerDataRow(t *testing.T) {
	p := &TabularParser{Comma: ','}
	cands := p.Parse("t.csv", []byte("Name,Due Date\nship,2026-01-01\nplan,2026-02-02\n"))
	require.Len(t, cands, 2)

	assert.Equal(t, RowLocator(0), cands[0].Locator)
	assert.Equal(t, RowLocator(1), cands[1].Locator)
	assert.Equal(t, "table-row", cands[0].TypeID)
	assert.Equal(t, types.StrategyTabular, cands[0].Strategy)

	name, _ := cands[0].Properties.Get("name")
	assert.Equal(t, "ship", name)
	due, _ := cands[1].Properties.Get("due_date")
	assert.Equal(t, "2026-02-02", due)
	assert.Equal(t, "Due Date", cands[0].Properties.RawKey("due_date"))
}

func TestTabularParserShortRowsPadEmpty(t *testing.T) {
	p := &TabularParser{Comma: ','}
	cands := p.Parse("t.csv", []byte("a,b,c\n1\n"))
	require.Len(t, cands, 1)
	b, ok := cands[0].Properties.Get("b")
	require.True(t, ok)
	assert.Equal(t, "", b)
}

func TestTabularParserTSV(t *testing.T) {
	p := &TabularParser{Comma: '\t'}
	cands := p.Parse("t.tsv", []byte("name\tage\nbob\t42\n"))
	require.Len(t, cands, 1)
	age, _ := cands[0].Properties.Get("age")
	assert.Equal(t, "42", age)
}

func TestTabularParserQuotedCells(t *testing.T) {
	p := &TabularParser{Comma: ','}
	cands := p.Parse("t.csv", []byte("name,notes\na,\"one, two\"\n"))
	require.Len(t, cands, 1)
	notes, _ := cands[0].Properties.Get("notes")
	assert.Equal(t, "one, two", notes)
}

func TestTabularParserMalformedYieldsStub(t *testing.T) {
	p := &TabularParser{Comma: ','}
	cands := p.Parse("t.csv", []byte("name,notes\na,\"unterminated\n"))
	require.Len(t, cands, 1)
	assert.Equal(t, types.DiagnosticTypeID, cands[0].TypeID)
}

func TestTabularParserHeaderOnlyOrEmpty(t *testing.T) {
	p := &TabularParser{Comma: ','}
	assert.Empty(t, p.Parse("t.csv", []byte("name,age\n")))
	assert.Empty(t, p.Parse("t.csv", nil))
}

func TestTabularParserRefLinkColumns(t *testing.T) {
	p := &TabularParser{Comma: ','}
	cands := p.Parse("t.csv", []byte("name,parent\nchild,ref:xyz\n"))
	require.Len(t, cands, 1)
	require.Len(t, cands[0].Links, 1)
	assert.Equal(t, "parent", cands[0].Links[0].Key)
	assert.Equal(t, types.EntityID("xyz"), cands[0].Links[0].Destination)
}

func TestRegistryRoutesByExtension(t *testing.T) {
	r := NewRegistry()

	p, ok := r.ForPath("notes/a.md")
	require.True(t, ok)
	assert.Equal(t, "frontmatter", p.Name())

	p, ok = r.ForPath("data/t.CSV")
	require.True(t, ok)
	assert.Equal(t, "tabular", p.Name())

	_, ok = r.ForPath("main.go")
	assert.False(t, ok)
}
