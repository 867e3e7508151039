package triplebuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceBufferInsertAllocatesAllThreeSlots(t *testing.T) {
	sb := NewSliceBuffer(false)
	sb.Resize(4, 4)
	inserted := sb.Insert(0)
	assert.True(t, inserted)
	assert.False(t, sb.Insert(0), "re-inserting an existing slot is a no-op")
	assert.Contains(t, sb.Back(), 0)
}

func TestAllSlicesModeEntriesAlwaysReady(t *testing.T) {
	sb := NewSliceBuffer(false)
	sb.Resize(2, 2)
	sb.Insert(0)
	assert.True(t, sb.Back()[0].Ready)
}

func TestOnDemandModeClearsReadyOnSwap(t *testing.T) {
	sb := NewSliceBuffer(true)
	sb.Resize(2, 2)
	sb.Insert(1)

	sb.Back()[1].Ready = true
	sb.Back()[1].Timestamp = 7
	sb.Back()[1].Pixels.Set(0, 0, 9)
	sb.Prepare()

	require.True(t, sb.Fetch(time.Second))
	front := sb.Front()
	require.Contains(t, front, 1)
	assert.True(t, front[1].Ready, "freshly produced slice must be ready right after its own swap")
	assert.Equal(t, uint64(7), front[1].Timestamp)

	// A second Prepare/Fetch cycle with no fresh write to back observes the
	// slot as not ready: the first Prepare cleared the flags of the map it
	// rotated out to back, and that map is what this cycle publishes to
	// front.
	sb.Prepare()
	require.True(t, sb.Fetch(time.Second))
	assert.False(t, sb.Front()[1].Ready, "without a fresh update, on-demand slots read as not-ready")
}
