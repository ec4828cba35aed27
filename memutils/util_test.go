package memutils

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestAlignment(t *testing.T) {
	testCases := map[string]struct {
		Value     uint64
		Alignment uint64
		Up        uint64
		Down      uint64
	}{
		"Already Aligned": {Value: 4096, Alignment: 4096, Up: 4096, Down: 4096},
		"Zero":            {Value: 0, Alignment: 64, Up: 0, Down: 0},
		"One Over":        {Value: 4097, Alignment: 4096, Up: 8192, Down: 4096},
		"Command Buffer":  {Value: 70000, Alignment: PageSize64K, Up: 131072, Down: 65536},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Up, AlignUp(testCase.Value, testCase.Alignment))
			require.Equal(t, testCase.Down, AlignDown(testCase.Value, testCase.Alignment))
		})
	}
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(uint64(65536), "alignment"))
	require.NoError(t, CheckPow2(1, "alignment"))

	err := CheckPow2(uint64(3000), "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, PowerOfTwoError))
	require.Contains(t, err.Error(), "alignment is 3000")
}

func TestPoolStatistics(t *testing.T) {
	var stats PoolStatistics
	stats.Clear()

	stats.AddAllocation(4096)
	stats.AddAllocation(65536)
	stats.AddAllocation(8192)

	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, uint64(4096+65536+8192), stats.AllocationBytes)
	require.Equal(t, uint64(4096), stats.AllocationSizeMin)
	require.Equal(t, uint64(65536), stats.AllocationSizeMax)
}
