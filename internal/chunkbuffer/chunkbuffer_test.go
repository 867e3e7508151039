package chunkbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// row builds a srcRows x srcCols source slice filled with a marker value,
// so a completed chunk's rows can be identified by content.
func row(srcRows, srcCols int, marker uint16) []uint16 {
	s := make([]uint16, srcRows*srcCols)
	for i := range s {
		s[i] = marker
	}
	return s
}

func TestFillCompletesChunkAndFetchConsumesOnce(t *testing.T) {
	cb := New[uint16](3, nil)
	cb.Resize(2, 2, 2) // G=2, H=2, W=2

	Fill(cb, 0, row(2, 2, 1), 2, 2) // chunk 0, row 0
	assert.False(t, cb.Fetch(10*time.Millisecond), "chunk not yet complete")

	Fill(cb, 1, row(2, 2, 2), 2, 2) // chunk 0, row 1 -> completes

	require.True(t, cb.Fetch(100*time.Millisecond))
	front := cb.Front()
	assert.Equal(t, uint16(1), front.At(0, 0, 0))
	assert.Equal(t, uint16(2), front.At(1, 0, 0))

	assert.False(t, cb.Fetch(20*time.Millisecond), "chunk already consumed, nothing else ready")
}

func TestOutdatedChunkIgnored(t *testing.T) {
	cb := New[uint16](3, nil)
	cb.Resize(2, 2, 2)

	Fill(cb, 4, row(2, 2, 9), 2, 2) // chunk 2, row 0 -> oldest resident is chunk 2
	assert.Equal(t, 1, cb.Occupied())

	Fill(cb, 2, row(2, 2, 5), 2, 2) // chunk 1 < oldest resident(2): dropped
	assert.Equal(t, 1, cb.Occupied(), "outdated chunk must not allocate a new slot")
}

func TestEvictionAtCapacityDropsOldestResidentChunk(t *testing.T) {
	cb := New[uint16](2, nil)
	cb.Resize(2, 2, 2)

	Fill(cb, 0, row(2, 2, 100), 2, 2) // chunk 0, row 0
	Fill(cb, 2, row(2, 2, 50), 2, 2)  // chunk 1, row 0
	assert.Equal(t, 2, cb.Occupied(), "buffer filled exactly to capacity")

	Fill(cb, 4, row(2, 2, 70), 2, 2) // chunk 2: no free slot, evicts chunk 0
	assert.Equal(t, 2, cb.Occupied(), "eviction keeps occupancy at capacity")

	Fill(cb, 3, row(2, 2, 60), 2, 2) // chunk 1, row 1 -> completes
	require.True(t, cb.Fetch(100*time.Millisecond))
	front := cb.Front()
	assert.Equal(t, uint16(50), front.At(0, 0, 0), "fetched chunk must be chunk 1, not the evicted chunk 0")
	assert.Equal(t, uint16(60), front.At(1, 0, 0))
}

func TestFillDownsamplesHigherResolutionSource(t *testing.T) {
	cb := New[uint16](1, nil)
	cb.Resize(1, 2, 2) // G=1, H=2, W=2

	// Source is 4x4; stride 2 in both row and column.
	src := make([]uint16, 16)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			src[r*4+c] = uint16(r*4 + c)
		}
	}
	Fill(cb, 0, src, 4, 4)

	require.True(t, cb.Fetch(100*time.Millisecond))
	front := cb.Front()
	assert.Equal(t, uint16(0), front.At(0, 0, 0))
	assert.Equal(t, uint16(2), front.At(0, 0, 1))
	assert.Equal(t, uint16(8), front.At(0, 1, 0))
	assert.Equal(t, uint16(10), front.At(0, 1, 1))
}
