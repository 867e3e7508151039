package software

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
)

func uniformProj(rows, cols, angleCount int) geometry.ProjectionGeometry {
	return geometry.New(geometry.Parallel, rows, cols, 1, 1, 0, 0, angleCount)
}

func TestUploadSinogramsRejectsBadBufferIndex(t *testing.T) {
	r, err := New(uniformProj(2, 4, 3), geometry.Slice(4, 4, 2), geometry.Cube(4, 2))
	require.NoError(t, err)
	assert.Error(t, r.UploadSinograms(2, make([]float32, 2*3*4), 1))
}

func TestReconstructVolumeErrorsWithoutUpload(t *testing.T) {
	r, err := New(uniformProj(2, 4, 3), geometry.Slice(4, 4, 2), geometry.Cube(4, 2))
	require.NoError(t, err)
	out := make([]float32, 4*4*4)
	assert.Error(t, r.ReconstructVolume(0, out))
}

func TestReconstructVolumeOfConstantSinogramIsApproximatelyConstant(t *testing.T) {
	const rows, cols, angleCount = 4, 8, 16
	proj := uniformProj(rows, cols, angleCount)
	r, err := New(proj, geometry.Slice(4, 4, 2), geometry.Cube(4, 2))
	require.NoError(t, err)

	sino := make([]float32, rows*angleCount*cols)
	for i := range sino {
		sino[i] = 1
	}
	require.NoError(t, r.UploadSinograms(0, sino, rows))

	out := make([]float32, 4*4*4)
	require.NoError(t, r.ReconstructVolume(0, out))

	// every interior voxel sees the same constant sinogram value at every
	// angle, so the backprojection sum should match the analytic scale
	// (pi/numAngles)*numAngles == pi, modulo edge voxels that fall outside
	// the detector footprint and contribute zero for some angles.
	center := out[2*4*4+2*4+2]
	assert.InDelta(t, 3.14159, center, 0.2)
}

func TestReconstructSliceRespectsOrientationExtent(t *testing.T) {
	const rows, cols, angleCount = 2, 8, 8
	proj := uniformProj(rows, cols, angleCount)
	sliceVol := geometry.Slice(4, 4, 2)
	r, err := New(proj, sliceVol, geometry.Cube(4, 2))
	require.NoError(t, err)

	sino := make([]float32, rows*angleCount*cols)
	for i := range sino {
		sino[i] = 2
	}
	require.NoError(t, r.UploadSinograms(0, sino, rows))

	orientation := geometry.DefaultOrientation(sliceVol)
	out := make([]float32, 4*4)
	require.NoError(t, r.ReconstructSlice(orientation, 0, out))
	assert.Len(t, out, 16)
	// every pixel of the default orientation lies inside the detector
	// footprint at every angle, so each sums 8 angles of value 2 scaled by
	// pi/8.
	for _, v := range out {
		assert.InDelta(t, 2*math.Pi, v, 1e-4)
	}
}

func TestConeBeamAppliesFDKWeightBeforeUpload(t *testing.T) {
	const rows, cols, angleCount = 2, 4, 2
	proj := geometry.New(geometry.Cone, rows, cols, 1, 1, 100, 50, angleCount)
	r, err := New(proj, geometry.Slice(4, 4, 2), geometry.Cube(4, 2))
	require.NoError(t, err)
	require.NotNil(t, r.fdkWeight)

	sino := make([]float32, rows*angleCount*cols)
	for i := range sino {
		sino[i] = 1
	}
	require.NoError(t, r.UploadSinograms(0, sino, rows))

	// the central pixel's weight is ~1 (u=v=0 -> src2origin/src2origin),
	// but an off-center pixel's weight must be strictly less than 1.
	assert.Less(t, r.buffers[0][0], float32(1.0))
}
