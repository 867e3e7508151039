package slicemediator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
)

type fakeReconstructor struct {
	calls int
	value float32
}

func (f *fakeReconstructor) UploadSinograms(int, []float32, int) error { return nil }

func (f *fakeReconstructor) ReconstructSlice(geometry.Orientation, int, []float32) error {
	return nil
}

func (f *fakeReconstructor) ReconstructVolume(int, []float32) error { return nil }
func (f *fakeReconstructor) Close() error                           { return nil }

func (f *fakeReconstructor) fillingReconstructSlice(_ geometry.Orientation, _ int, out []float32) error {
	f.calls++
	for i := range out {
		out[i] = f.value
	}
	return nil
}

// stubReconstructor wraps fakeReconstructor so ReconstructSlice actually
// fills out, letting tests observe reconstructed values.
type stubReconstructor struct{ *fakeReconstructor }

func (s stubReconstructor) ReconstructSlice(o geometry.Orientation, idx int, out []float32) error {
	return s.fillingReconstructSlice(o, idx, out)
}

func TestUpdateAllocatesSlotOnFirstTouch(t *testing.T) {
	m := New(zap.NewNop())
	m.Resize(2, 2)
	m.Update(0, 3, geometry.Orientation{})

	back := m.AllSlices().Back()
	require.Contains(t, back, 0)
	assert.Len(t, m.updated, 1)
}

func TestReconAllReconstructsEveryTrackedSlotAndClearsUpdated(t *testing.T) {
	m := New(zap.NewNop())
	m.Resize(2, 2)
	m.Update(0, 3, geometry.Orientation{})
	m.Update(1, 3, geometry.Orientation{})

	r := stubReconstructor{&fakeReconstructor{value: 7}}
	require.NoError(t, m.ReconAll(r, 0))

	assert.Empty(t, m.updated)
	require.True(t, m.AllSlices().Fetch(0))
	front := m.AllSlices().Front()
	assert.True(t, front[0].Ready)
	assert.Equal(t, float32(7), front[0].Pixels.At(0, 0))
}

func TestReconOnDemandNoOpsWhenNothingUpdated(t *testing.T) {
	m := New(zap.NewNop())
	m.Resize(2, 2)
	m.Update(0, 3, geometry.Orientation{})

	r := stubReconstructor{&fakeReconstructor{value: 1}}
	require.NoError(t, m.ReconOnDemand(r, 0))
	require.NoError(t, m.ReconOnDemand(r, 0)) // updated already cleared by first call
	assert.Equal(t, 1, r.calls)
}

func TestReconOnDemandOnlyReconstructsUpdatedSlots(t *testing.T) {
	m := New(zap.NewNop())
	m.Resize(2, 2)
	m.Update(0, 3, geometry.Orientation{})
	m.Update(1, 3, geometry.Orientation{})

	r := stubReconstructor{&fakeReconstructor{value: 9}}
	require.NoError(t, m.ReconOnDemand(r, 0))
	assert.Equal(t, 2, r.calls)

	require.True(t, m.OnDemandSlices().Fetch(0))
	front := m.OnDemandSlices().Front()
	assert.True(t, front[0].Ready)
	assert.True(t, front[1].Ready)
}
