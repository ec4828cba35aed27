package residency

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/csr/allocation"
)

func TestTrimCandidatesCompaction(t *testing.T) {
	table := allocation.NewTable()
	candidates := newTrimCandidates()

	var allocs []*allocation.Allocation
	for i := 0; i < 6; i++ {
		alloc := allocation.New(allocation.CreateInfo{Size: 4096})
		table.Insert(alloc)
		allocs = append(allocs, alloc)
		candidates.Add(alloc)
	}
	candidates.Add(allocs[0])
	require.Equal(t, 6, candidates.Len())

	require.True(t, candidates.Remove(allocs[1]))
	require.True(t, candidates.Remove(allocs[2]))
	require.Equal(t, 2, candidates.holes)
	require.False(t, candidates.Remove(allocs[2]))

	require.True(t, candidates.Remove(allocs[3]))
	require.Equal(t, 3, candidates.holes)
	require.Equal(t, 3, candidates.Len())
	require.NoError(t, candidates.Validate())

	var visited []*allocation.Allocation
	candidates.Each(func(alloc *allocation.Allocation) {
		visited = append(visited, alloc)
	})
	require.Equal(t, []*allocation.Allocation{allocs[0], allocs[4], allocs[5]}, visited)

	// Removing the tail shrinks the list enough that the holes get compacted away
	require.True(t, candidates.Remove(allocs[5]))
	require.Equal(t, 0, candidates.holes)
	require.Len(t, candidates.list, 2)
	require.NoError(t, candidates.Validate())

	pos, ok := candidates.positions.Get(allocs[4].ID())
	require.True(t, ok)
	require.Equal(t, 1, pos)

	require.True(t, candidates.Remove(allocs[4]))
	require.Equal(t, 1, candidates.Len())
	require.True(t, candidates.Has(allocs[0]))
}
