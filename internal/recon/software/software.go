// Package software implements internal/recon.Reconstructor entirely in Go:
// standard filtered back-projection accumulation (the ramp/Shepp-Logan
// filter already ran upstream during preprocessing, so this stage only
// accumulates), used when no Vulkan device is available and by tests that
// need a deterministic, dependency-free reconstructor.
//
// The FDK weighting formula is the standard Feldkamp-Davis-Kress cosine
// weight src2origin/||y-s||.
package software

import (
	"fmt"
	"math"
	"sync"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
)

// Reconstructor is a pure-Go double-buffered back-projector.
type Reconstructor struct {
	mu sync.Mutex

	proj       geometry.ProjectionGeometry
	sliceVol   geometry.VolumeGeometry
	previewVol geometry.VolumeGeometry

	fdkWeight []float32 // len rows*cols, nil unless BeamShape == Cone

	buffers [2][]float32 // sinogram data [rows, angles, cols] row-major
}

// New constructs a software reconstructor for proj's scan geometry,
// reconstructing into sliceVol (per-call oriented slices) or previewVol
// (the cubic preview volume).
func New(proj geometry.ProjectionGeometry, sliceVol, previewVol geometry.VolumeGeometry) (*Reconstructor, error) {
	r := &Reconstructor{proj: proj, sliceVol: sliceVol, previewVol: previewVol}
	if proj.BeamShape == geometry.Cone {
		r.fdkWeight = make([]float32, proj.Rows*proj.Cols)
		for row := 0; row < proj.Rows; row++ {
			v := (float64(row) - float64(proj.Rows)/2) * proj.PixelHeight
			for col := 0; col < proj.Cols; col++ {
				u := (float64(col) - float64(proj.Cols)/2) * proj.PixelWidth
				dist := math.Sqrt(proj.Src2Origin*proj.Src2Origin + u*u + v*v)
				w := 1.0
				if dist != 0 {
					w = proj.Src2Origin / dist
				}
				r.fdkWeight[row*proj.Cols+col] = float32(w)
			}
		}
	}
	return r, nil
}

func validBufferIdx(idx int) error {
	if idx != 0 && idx != 1 {
		return fmt.Errorf("software: buffer index %d out of range [0,1]", idx)
	}
	return nil
}

// UploadSinograms copies data into projection memory slot bufferIdx,
// applying the cone-beam FDK weight in place first when configured.
func (r *Reconstructor) UploadSinograms(bufferIdx int, data []float32, count int) error {
	if err := validBufferIdx(bufferIdx); err != nil {
		return err
	}
	want := r.proj.Rows * len(r.proj.Angles) * r.proj.Cols
	if count*r.proj.Cols*r.proj.Rows > 0 && len(data) < want {
		return fmt.Errorf("software: sinogram data too short: got %d want %d", len(data), want)
	}

	buf := append([]float32(nil), data[:want]...)
	if r.fdkWeight != nil {
		cols := r.proj.Cols
		for row := 0; row < r.proj.Rows; row++ {
			for g := range r.proj.Angles {
				base := row*len(r.proj.Angles)*cols + g*cols
				for c := 0; c < cols; c++ {
					buf[base+c] *= r.fdkWeight[row*cols+c]
				}
			}
		}
	}

	r.mu.Lock()
	r.buffers[bufferIdx] = buf
	r.mu.Unlock()
	return nil
}

// ReconstructSlice evaluates the back-projection at the world position of
// every output pixel of the oriented slice, computed directly per pixel as
// base + u*xAxis + v*yAxis rather than via an intermediate rotation
// matrix — algebraically equivalent for a software fallback that never
// hands the transient geometry to a GPU kernel.
func (r *Reconstructor) ReconstructSlice(o geometry.Orientation, bufferIdx int, out []float32) error {
	if err := validBufferIdx(bufferIdx); err != nil {
		return err
	}
	r.mu.Lock()
	buf := r.buffers[bufferIdx]
	r.mu.Unlock()
	if buf == nil {
		return fmt.Errorf("software: no sinogram uploaded to buffer %d", bufferIdx)
	}

	w, h := r.sliceVol.ColCount, r.sliceVol.RowCount
	if len(out) != w*h {
		return fmt.Errorf("software: slice output length %d != %d*%d", len(out), w, h)
	}

	for v := 0; v < h; v++ {
		fracV := (float64(v) + 0.5) / float64(h)
		for u := 0; u < w; u++ {
			fracU := (float64(u) + 0.5) / float64(w)
			x := o.Base[0] + fracU*o.XAxis[0] + fracV*o.YAxis[0]
			y := o.Base[1] + fracU*o.XAxis[1] + fracV*o.YAxis[1]
			z := o.Base[2] + fracU*o.XAxis[2] + fracV*o.YAxis[2]
			out[v*w+u] = r.backproject(buf, x, y, z)
		}
	}
	return nil
}

// ReconstructVolume back-projects every voxel of the axis-aligned cubic
// preview volume.
func (r *Reconstructor) ReconstructVolume(bufferIdx int, out []float32) error {
	if err := validBufferIdx(bufferIdx); err != nil {
		return err
	}
	r.mu.Lock()
	buf := r.buffers[bufferIdx]
	r.mu.Unlock()
	if buf == nil {
		return fmt.Errorf("software: no sinogram uploaded to buffer %d", bufferIdx)
	}

	n := r.previewVol.ColCount
	if len(out) != n*n*n {
		return fmt.Errorf("software: volume output length %d != %d^3", len(out), n)
	}

	vol := r.previewVol
	for zi := 0; zi < n; zi++ {
		z := vol.MinZ + (float64(zi)+0.5)/float64(n)*(vol.MaxZ-vol.MinZ)
		for yi := 0; yi < n; yi++ {
			y := vol.MinY + (float64(yi)+0.5)/float64(n)*(vol.MaxY-vol.MinY)
			for xi := 0; xi < n; xi++ {
				x := vol.MinX + (float64(xi)+0.5)/float64(n)*(vol.MaxX-vol.MinX)
				out[zi*n*n+yi*n+xi] = r.backproject(buf, x, y, z)
			}
		}
	}
	return nil
}

// Close is a no-op: the software reconstructor owns no external resources.
func (r *Reconstructor) Close() error { return nil }

// backproject accumulates the filtered sinogram value at (x,y,z)'s detector
// position across every projection angle, the standard parallel-beam FBP
// back-projection sum pi/numAngles * sum_g p(theta_g, s(x,y,theta_g)),
// bilinearly interpolated in the row/column (z/detector-offset) plane.
func (r *Reconstructor) backproject(buf []float32, x, y, z float64) float32 {
	rows, cols := r.proj.Rows, r.proj.Cols
	angles := r.proj.Angles
	if len(angles) == 0 || rows == 0 || cols == 0 {
		return 0
	}

	rowf := z/r.proj.PixelHeight + float64(rows)/2
	if rowf < 0 || rowf > float64(rows-1) {
		return 0
	}
	r0 := int(math.Floor(rowf))
	r1 := r0 + 1
	if r1 > rows-1 {
		r1 = r0
	}
	frow := rowf - float64(r0)

	var sum float64
	stride := len(angles) * cols
	for g, theta := range angles {
		s := x*math.Cos(theta) + y*math.Sin(theta)
		colf := s/r.proj.PixelWidth + float64(cols)/2
		if colf < 0 || colf > float64(cols-1) {
			continue
		}
		c0 := int(math.Floor(colf))
		c1 := c0 + 1
		if c1 > cols-1 {
			c1 = c0
		}
		fcol := colf - float64(c0)

		v00 := buf[r0*stride+g*cols+c0]
		v01 := buf[r0*stride+g*cols+c1]
		v10 := buf[r1*stride+g*cols+c0]
		v11 := buf[r1*stride+g*cols+c1]
		top := float64(v00)*(1-fcol) + float64(v01)*fcol
		bot := float64(v10)*(1-fcol) + float64(v11)*fcol
		sum += top*(1-frow) + bot*frow
	}

	scale := math.Pi / float64(len(angles))
	return float32(sum * scale)
}
