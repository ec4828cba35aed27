package allocation

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
)

func TestUsageIsTrackedPerContext(t *testing.T) {
	alloc := New(CreateInfo{Size: 4096, Type: TypeBuffer})
	require.False(t, alloc.IsUsed())
	require.Equal(t, NotUsed, alloc.TaskCount(0))

	alloc.UpdateTaskCount(3, 1)
	alloc.UpdateTaskCount(7, 4)
	require.True(t, alloc.IsUsed())
	require.True(t, alloc.IsUsedByContext(1))
	require.False(t, alloc.IsUsedByContext(2))
	require.Equal(t, []platform.ContextID{1, 4}, alloc.UsedContexts())

	alloc.ReleaseUsageInContext(1)
	require.False(t, alloc.IsUsedByContext(1))
	require.True(t, alloc.IsUsed())

	alloc.ReleaseUsageInContext(4)
	require.False(t, alloc.IsUsed())
}

func TestResidencyFlags(t *testing.T) {
	alloc := New(CreateInfo{Size: 4096})
	require.False(t, alloc.IsResidentOnAnyContext())

	alloc.SetResident(3, true)
	require.True(t, alloc.IsResident(3))
	require.False(t, alloc.IsResident(0))
	require.True(t, alloc.IsResidentOnAnyContext())

	alloc.SetResidentEverywhere(false)
	require.False(t, alloc.IsResidentOnAnyContext())
}

func TestScratchClass(t *testing.T) {
	testCases := map[Type]bool{
		TypeScratchSurface: true,
		TypePrivateSurface: true,
		TypeCommandBuffer:  false,
		TypeBuffer:         false,
	}

	for allocType, expected := range testCases {
		t.Run(allocType.String(), func(t *testing.T) {
			require.Equal(t, expected, allocType.IsScratchClass())
		})
	}
}

func TestTableGenerations(t *testing.T) {
	table := NewTable()

	first := New(CreateInfo{Size: 4096, GpuAddress: 0x10000})
	firstID := table.Insert(first)
	require.Equal(t, firstID, first.ID())
	require.Equal(t, 1, table.Len())

	found, ok := table.FindByGpuAddress(0x10000)
	require.True(t, ok)
	require.Same(t, first, found)

	removed, err := table.Remove(firstID)
	require.NoError(t, err)
	require.Same(t, first, removed)
	require.Equal(t, InvalidID, first.ID())

	_, ok = table.FindByGpuAddress(0x10000)
	require.False(t, ok)

	second := New(CreateInfo{Size: 4096, GpuAddress: 0x20000})
	secondID := table.Insert(second)
	require.NotEqual(t, firstID, secondID)
	require.Equal(t, firstID.index(), secondID.index())

	_, err = table.Get(firstID)
	require.True(t, errors.Is(err, memutils.ErrInvalidHandle))

	got, err := table.Get(secondID)
	require.NoError(t, err)
	require.Same(t, second, got)

	_, err = table.Get(InvalidID)
	require.Error(t, err)
}

func TestTableEach(t *testing.T) {
	table := NewTable()
	for i := 0; i < 5; i++ {
		table.Insert(New(CreateInfo{Size: uint64(i+1) * 4096}))
	}

	var total uint64
	table.Each(func(alloc *Allocation) bool {
		total += alloc.Size()
		return true
	})
	require.Equal(t, uint64(15*4096), total)

	visited := 0
	table.Each(func(alloc *Allocation) bool {
		visited++
		return visited < 2
	})
	require.Equal(t, 2, visited)
}

func TestPrintParameters(t *testing.T) {
	alloc := New(CreateInfo{
		Size:       8192,
		Type:       TypeCommandBuffer,
		GpuAddress: 0xff000,
		Flags:      FlagEvictable,
		Name:       "ring",
	})
	alloc.UpdateTaskCount(12, 2)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	alloc.PrintParameters(&obj)
	obj.End()

	out := string(writer.Bytes())
	require.True(t, strings.Contains(out, `"Type":"TypeCommandBuffer"`))
	require.True(t, strings.Contains(out, `"GpuAddress":"0xff000"`))
	require.True(t, strings.Contains(out, `"Name":"ring"`))
	require.True(t, strings.Contains(out, `"2":12`))
}

func TestResidencyTaskCounts(t *testing.T) {
	alloc := New(CreateInfo{Size: 4096})
	require.Empty(t, alloc.ResidencyContexts())
	require.Zero(t, alloc.LatestResidencyTaskCount())

	alloc.UpdateResidencyTaskCount(4, 0)
	alloc.UpdateResidencyTaskCount(9, 5)
	require.Equal(t, []platform.ContextID{0, 5}, alloc.ResidencyContexts())
	require.Equal(t, uint64(9), alloc.LatestResidencyTaskCount())
	require.Equal(t, uint64(4), alloc.ResidencyTaskCount(0))
}
