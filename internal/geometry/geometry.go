// Package geometry holds the shared scan and volume descriptors:
// ProjectionGeometry describes the acquisition (beam shape, detector size,
// angles); VolumeGeometry describes a reconstruction target, either the
// single-voxel-thick slice slab or the cubic preview volume.
package geometry

import "math"

// BeamShape selects the FBP kernel variant.
type BeamShape int

const (
	Parallel BeamShape = iota
	Cone
)

// ProjectionGeometry describes the acquisition scan.
type ProjectionGeometry struct {
	BeamShape       BeamShape
	Cols, Rows      int
	PixelWidth      float64
	PixelHeight     float64
	Src2Origin      float64 // source-to-origin distance; unused for Parallel
	Origin2Detector float64 // origin-to-detector distance; unused for Parallel
	Angles          []float64
}

// EquispacedAngles fills angles[0,pi) for a scan of count projections, the
// default for both discrete and continuous acquisition.
func EquispacedAngles(count int) []float64 {
	angles := make([]float64, count)
	if count <= 0 {
		return angles
	}
	step := math.Pi / float64(count)
	for i := range angles {
		angles[i] = step * float64(i)
	}
	return angles
}

// New builds a ProjectionGeometry of shape [count, rows, cols] with default
// equispaced angles over [0, pi).
func New(shape BeamShape, rows, cols int, pixelWidth, pixelHeight, src2Origin, origin2Detector float64, count int) ProjectionGeometry {
	return ProjectionGeometry{
		BeamShape:       shape,
		Cols:            cols,
		Rows:            rows,
		PixelWidth:      pixelWidth,
		PixelHeight:     pixelHeight,
		Src2Origin:      src2Origin,
		Origin2Detector: origin2Detector,
		Angles:          EquispacedAngles(count),
	}
}

// VolumeGeometry describes a reconstruction target: the bounding box and
// voxel counts of either the cubic preview volume or the single-slice slab.
type VolumeGeometry struct {
	ColCount, RowCount, SliceCount int
	MinX, MaxX                    float64
	MinY, MaxY                    float64
	MinZ, MaxZ                    float64
}

// Cube builds the cubic preview volume geometry of n^3 voxels spanning
// [-halfExtent, halfExtent] on every axis.
func Cube(n int, halfExtent float64) VolumeGeometry {
	return VolumeGeometry{
		ColCount: n, RowCount: n, SliceCount: n,
		MinX: -halfExtent, MaxX: halfExtent,
		MinY: -halfExtent, MaxY: halfExtent,
		MinZ: -halfExtent, MaxZ: halfExtent,
	}
}

// Slice builds the single-voxel-thick slab geometry at z=0 used for
// per-call oriented-slice reconstruction: a sliceW x sliceH voxel grid
// spanning [-halfExtent, halfExtent] in x/y and a single voxel in z.
func Slice(sliceW, sliceH int, halfExtent float64) VolumeGeometry {
	return VolumeGeometry{
		ColCount: sliceW, RowCount: sliceH, SliceCount: 1,
		MinX: -halfExtent, MaxX: halfExtent,
		MinY: -halfExtent, MaxY: halfExtent,
		MinZ: 0, MaxZ: 0,
	}
}

// HalfExtent returns half the span of the x axis, the common scale factor
// used when deriving a slice's affine transform from the volume geometry.
func (v VolumeGeometry) HalfExtent() float64 {
	return (v.MaxX - v.MinX) / 2
}

// Orientation is a slice's position and basis in world coordinates: base
// corner plus the two in-plane axes, each spanning the slice's full extent.
type Orientation struct {
	Base  [3]float64
	XAxis [3]float64
	YAxis [3]float64
}

// DefaultOrientation returns the axis-aligned z=0 slice spanning the full
// extent of vol, base-cornered at (-halfExtent, -halfExtent, 0).
func DefaultOrientation(vol VolumeGeometry) Orientation {
	h := vol.HalfExtent()
	return Orientation{
		Base:  [3]float64{-h, -h, 0},
		XAxis: [3]float64{2 * h, 0, 0},
		YAxis: [3]float64{0, 2 * h, 0},
	}
}
