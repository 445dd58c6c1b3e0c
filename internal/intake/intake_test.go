package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliodev/folio/internal/types"
)

func validNotification() Notification {
	return Notification{
		RegionID:   "r1",
		SourcePath: "doc.adoc",
		Region:     types.Range{StartLine: 2, EndLine: 8},
		Entities: []EntitySpec{
			{Locator: "item:0", TypeID: "task", Properties: map[string]any{"Title": "First", "owner": "ref:abc"}},
			{Locator: "item:1", TypeID: "task", Properties: map[string]any{"Title": "Second"}},
		},
		ProgramSource: `source`,
	}
}

func TestNotificationValidate(t *testing.T) {
	n := validNotification()
	require.NoError(t, n.Validate())

	missing := validNotification()
	missing.RegionID = ""
	assert.Error(t, missing.Validate())

	dup := validNotification()
	dup.Entities[1].Locator = dup.Entities[0].Locator
	assert.Error(t, dup.Validate())

	noProgram := validNotification()
	noProgram.ProgramSource = ""
	assert.Error(t, noProgram.Validate())

	badRange := validNotification()
	badRange.Region = types.Range{StartLine: 5, EndLine: 2}
	assert.Error(t, badRange.Validate())

	retraction := Notification{RegionID: "r1", SourcePath: "doc.adoc"}
	require.NoError(t, retraction.Validate())
	assert.True(t, retraction.IsRetraction())
}

func TestCandidatesNamespaceLocatorsUnderRegion(t *testing.T) {
	n := validNotification()
	cands := n.Candidates()
	require.Len(t, cands, 2)

	assert.Equal(t, types.Locator("region:r1:item:0"), cands[0].Locator)
	assert.Equal(t, types.StrategyProgram, cands[0].Strategy)
	assert.Equal(t, "r1", cands[0].RegionID)
	assert.Equal(t, n.Region, cands[0].Region)

	// Keys normalized, raw spelling retained.
	title, ok := cands[0].Properties.Get("title")
	require.True(t, ok)
	assert.Equal(t, "First", title)
	assert.Equal(t, "Title", cands[0].Properties.RawKey("title"))

	// ref: values become links.
	require.Len(t, cands[0].Links, 1)
	assert.Equal(t, "owner", cands[0].Links[0].Key)
	assert.Equal(t, types.EntityID("abc"), cands[0].Links[0].Destination)
}

func TestExplicitEntityIDOverridesDerivation(t *testing.T) {
	n := validNotification()
	n.Entities[0].EntityID = "pinned-id"

	cands := n.Candidates()
	assert.Equal(t, types.EntityID("pinned-id"), cands[0].EntityIDFor(n.SourcePath))
	derived := types.DeriveEntityID(n.SourcePath, cands[1].Locator)
	assert.Equal(t, derived, cands[1].EntityIDFor(n.SourcePath))
}

func TestResolveProgramPrefersDirectImplementation(t *testing.T) {
	n := validNotification()
	p, err := n.ResolveProgram()
	require.NoError(t, err)
	assert.NotNil(t, p)

	bad := validNotification()
	bad.ProgramSource = ""
	_, err = bad.ResolveProgram()
	assert.Error(t, err)
}
