package vulkan

import (
	"encoding/binary"
	"math"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
)

func putFloat32(b []byte, off int, v float64) {
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
}

func putUint32(b []byte, off int, v int) {
	binary.LittleEndian.PutUint32(b[off:], uint32(v))
}

// packVolumePushConstants lays out the scan geometry plus the axis-aligned
// cubic preview volume's extent for the compute shader: rows, cols,
// angleCount, N, then pixel width/height, the volume half-extent and
// src2origin.
func packVolumePushConstants(proj geometry.ProjectionGeometry, vol geometry.VolumeGeometry, n int) []byte {
	b := make([]byte, 32)
	putUint32(b, 0, proj.Rows)
	putUint32(b, 4, proj.Cols)
	putUint32(b, 8, len(proj.Angles))
	putUint32(b, 12, n)
	putFloat32(b, 16, proj.PixelWidth)
	putFloat32(b, 20, proj.PixelHeight)
	putFloat32(b, 24, vol.HalfExtent())
	putFloat32(b, 28, proj.Src2Origin)
	return b
}

// packOrientationPushConstants lays out the scan geometry plus the
// oriented slice's world-space base and axes for the compute shader.
// 32 bytes only covers the scalar header; the orientation vectors are
// appended immediately after for a shader-side layout of
// {header(32B), base[3], pad, xAxis[3], pad, yAxis[3], pad}.
func packOrientationPushConstants(proj geometry.ProjectionGeometry, o geometry.Orientation, w, h int) []byte {
	header := make([]byte, 32)
	putUint32(header, 0, proj.Rows)
	putUint32(header, 4, proj.Cols)
	putUint32(header, 8, len(proj.Angles))
	putUint32(header, 12, w)
	putFloat32(header, 16, proj.PixelWidth)
	putFloat32(header, 20, proj.PixelHeight)
	putFloat32(header, 24, float64(h))
	putFloat32(header, 28, proj.Src2Origin)

	b := make([]byte, 32+3*16)
	copy(b, header)
	putVec3(b, 32, o.Base)
	putVec3(b, 48, o.XAxis)
	putVec3(b, 64, o.YAxis)
	return b
}

func putVec3(b []byte, off int, v [3]float64) {
	putFloat32(b, off, v[0])
	putFloat32(b, off+4, v[1])
	putFloat32(b, off+8, v[2])
}
