package paramreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryLookups(t *testing.T) {
	r := Default()

	nodeID, ok := r.ByName("node_id")
	require.True(t, ok)
	assert.True(t, nodeID.IsMandatory)
	assert.True(t, nodeID.InBounds(5))
	assert.False(t, nodeID.InBounds(0))
	assert.False(t, nodeID.InBounds(256))

	byID, ok := r.ByID(1)
	require.True(t, ok)
	assert.Same(t, nodeID, byID)
}

func TestDuplicateLockMainThreadPreserved(t *testing.T) {
	r := Default()

	e177, ok := r.ByID(177)
	require.True(t, ok)
	e178, ok := r.ByID(178)
	require.True(t, ok)
	assert.Equal(t, "lock_main_thread", e177.Name)
	assert.Equal(t, "lock_main_thread", e178.Name)
	assert.NotEqual(t, e177.ConfigID, e178.ConfigID)

	// ByName resolves to whichever was registered first; both ids
	// remain independently reachable via ByID.
	byName, ok := r.ByName("lock_main_thread")
	require.True(t, ok)
	assert.Equal(t, uint16(177), byName.ConfigID)
}

func TestMandatoryMaskPerSection(t *testing.T) {
	r := Default()
	mask := r.MandatoryMask(SectionDataServer)
	// node_id (bit 0), hostname (bit 1), node_data_path (bit 2).
	assert.Equal(t, uint64(0b111), mask)
}

func TestVersionWindowing(t *testing.T) {
	e, ok := Default().ByName("min_free_mem_percent")
	require.True(t, ok)

	below := MakeVersion(0, 0x50118)
	atBound := MakeVersion(0, 0x50119)
	above := MakeVersion(0, 0x50120)

	assert.False(t, e.IsUsedInVersion(below))
	assert.True(t, e.IsUsedInVersion(atBound))
	assert.True(t, e.IsUsedInVersion(above))
}

func TestIClaustronOnlyRequiresICHalf(t *testing.T) {
	e := Entry{Name: "ic_only", IClaustronOnly: true}
	legacy := MakeVersion(0, 0x50119)
	icAware := MakeVersion(1, 0x50119)

	assert.False(t, e.IsUsedInVersion(legacy))
	assert.True(t, e.IsUsedInVersion(icAware))
}

func TestBuildPanicsOnDuplicateConfigID(t *testing.T) {
	defer func() {
		r := recover()
		assert.NotNil(t, r)
	}()
	Build([]Entry{
		{ConfigID: 1, Name: "a"},
		{ConfigID: 1, Name: "b"},
	})
}

func TestCompositeVersionHalves(t *testing.T) {
	v := MakeVersion(7, 327948)
	assert.Equal(t, uint32(7), v.ICHalf())
	assert.Equal(t, uint32(327948), v.NDBHalf())
}
