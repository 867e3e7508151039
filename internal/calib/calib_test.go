package calib

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psi-reconstruct/reconserver/internal/tensor"
)

func frame(rows, cols int, fill uint16) *tensor.Tensor2[uint16] {
	t := tensor.NewTensor2[uint16](rows, cols)
	t.Fill(fill)
	return t
}

func TestAverageIsPermutationInvariant(t *testing.T) {
	frames := []*tensor.Tensor2[uint16]{frame(2, 2, 1), frame(2, 2, 3), frame(2, 2, 8)}
	a := Average(frames)

	reordered := []*tensor.Tensor2[uint16]{frames[2], frames[0], frames[1]}
	b := Average(reordered)

	assert.Equal(t, a.Data(), b.Data())
	assert.InDelta(t, float32(4), a.At(0, 0), 1e-6)
}

func TestComputeReciprocalWellDefined(t *testing.T) {
	darks := []*tensor.Tensor2[uint16]{frame(2, 2, 0), frame(2, 2, 0)}
	flats := []*tensor.Tensor2[uint16]{frame(2, 2, 1), frame(2, 2, 1)}
	darkAvg, reciprocal := ComputeReciprocal(darks, flats)

	for i := range darkAvg.Data() {
		assert.Equal(t, float32(0), darkAvg.Data()[i])
		assert.Equal(t, float32(1), reciprocal.Data()[i])
	}
}

func TestComputeReciprocalEqualDarkFlatYieldsOne(t *testing.T) {
	darks := []*tensor.Tensor2[uint16]{frame(1, 1, 5)}
	flats := []*tensor.Tensor2[uint16]{frame(1, 1, 5)}
	_, reciprocal := ComputeReciprocal(darks, flats)
	assert.Equal(t, float32(1), reciprocal.At(0, 0))
}

func TestFlatFieldAppliesCorrectionInPlace(t *testing.T) {
	data := []float32{10, 20}
	dark := []float32{2, 4}
	reciprocal := []float32{0.5, 2}
	FlatField(data, dark, reciprocal)
	assert.Equal(t, float32(4), data[0])  // (10-2)*0.5
	assert.Equal(t, float32(32), data[1]) // (20-4)*2
}

func TestNegativeLogClampsNonPositive(t *testing.T) {
	data := []float32{0, -1, float32(math.E)}
	NegativeLog(data)
	assert.Equal(t, float32(0), data[0])
	assert.Equal(t, float32(0), data[1])
	assert.InDelta(t, float32(-1), data[2], 1e-6)
}

func TestDownsampleStrideDecimation(t *testing.T) {
	src := tensor.NewTensor2[float32](4, 4)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			src.Set(r, c, float32(r*4+c))
		}
	}
	dst := tensor.NewTensor2[float32](2, 2)
	Downsample(dst, src)
	assert.Equal(t, float32(0), dst.At(0, 0))
	assert.Equal(t, float32(2), dst.At(0, 1))
	assert.Equal(t, float32(8), dst.At(1, 0))
	assert.Equal(t, float32(10), dst.At(1, 1))
}

func TestEngineComputeIsLazyAndCachesDownsampledResult(t *testing.T) {
	e := NewEngine()
	e.AddDark(frame(4, 4, 0))
	e.AddFlat(frame(4, 4, 1))

	darkAvg, reciprocal := e.Compute(2, 2)
	require.True(t, e.Computed())
	assert.Equal(t, [2]int{2, 2}, darkAvg.Shape())
	for i := range reciprocal.Data() {
		assert.Equal(t, float32(1), reciprocal.Data()[i])
	}

	// A second Compute call before Invalidate/Reset returns the cache.
	darkAvg2, _ := e.Compute(2, 2)
	assert.Same(t, darkAvg, darkAvg2)
}

func TestEngineMaybeResetClearsPoolWhenDarkArrivesAfterCompute(t *testing.T) {
	e := NewEngine()
	e.AddDark(frame(2, 2, 0))
	e.AddFlat(frame(2, 2, 1))
	e.Compute(2, 2)
	require.True(t, e.Computed())

	e.AddDark(frame(2, 2, 0)) // signals a new calibration
	assert.False(t, e.Computed(), "a dark arriving after compute must reset the cached reciprocal")
}

func TestEngineInvalidateForcesRecomputeWithoutClearingPools(t *testing.T) {
	e := NewEngine()
	e.AddDark(frame(4, 4, 0))
	e.AddFlat(frame(4, 4, 1))
	e.Compute(4, 4)

	e.Invalidate()
	assert.False(t, e.Computed())

	darkAvg, _ := e.Compute(2, 2)
	assert.Equal(t, [2]int{2, 2}, darkAvg.Shape(), "recompute must use the still-accumulated pools at the new resolution")
}
