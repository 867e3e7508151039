// Package calib implements the reciprocal / flat-field engine: it
// accumulates dark and flat calibration frames, derives the per-pixel
// reciprocal once per acquisition, and applies flat-field correction (and
// the negative-log fallback used when Paganin phase retrieval is disabled)
// to incoming projections.
package calib

import (
	"math"
	"sync"

	"github.com/psi-reconstruct/reconserver/internal/tensor"
)

// maxCalibrationFrames bounds each pool's resident frame count.
const maxCalibrationFrames = 1000

// Average computes the pixel-wise mean of frames at their native
// resolution. The result is independent of frame order.
func Average(frames []*tensor.Tensor2[uint16]) *tensor.Tensor2[float32] {
	if len(frames) == 0 {
		return tensor.NewTensor2[float32](0, 0)
	}
	avg := tensor.NewTensor2[float32](frames[0].Rows(), frames[0].Cols())
	ad := avg.Data()
	for _, f := range frames {
		for i, v := range f.Data() {
			ad[i] += float32(v)
		}
	}
	n := float32(len(frames))
	for i := range ad {
		ad[i] /= n
	}
	return avg
}

// ComputeReciprocal averages darks and flats and derives dark_avg and
// reciprocal = 1/(flat_avg-dark_avg), with 1.0 where the denominator is
// zero, both at source resolution.
func ComputeReciprocal(darks, flats []*tensor.Tensor2[uint16]) (darkAvg, reciprocal *tensor.Tensor2[float32]) {
	darkAvg = Average(darks)
	flatAvg := Average(flats)
	reciprocal = tensor.NewTensor2[float32](darkAvg.Rows(), darkAvg.Cols())
	dd, fd, rd := darkAvg.Data(), flatAvg.Data(), reciprocal.Data()
	for i := range dd {
		if dd[i] == fd[i] {
			rd[i] = 1
		} else {
			rd[i] = 1 / (fd[i] - dd[i])
		}
	}
	return darkAvg, reciprocal
}

// Downsample nearest-neighbour decimates src into dst, whose shape must
// evenly divide src's. Shared row-stride logic with chunkbuffer.Fill via
// tensor.DownsampleRowInto.
func Downsample[T tensor.Numeric](dst, src *tensor.Tensor2[T]) {
	rowStride := src.Rows() / dst.Rows()
	for r := 0; r < dst.Rows(); r++ {
		tensor.DownsampleRowInto(dst.Row(r), src.Row(r*rowStride), src.Cols())
	}
}

// FlatField applies p[i] = (p[i] - dark[i]) * reciprocal[i] in place.
func FlatField(data, dark, reciprocal []float32) {
	for i := range data {
		data[i] = (data[i] - dark[i]) * reciprocal[i]
	}
}

// NegativeLog applies p[i] = p[i] <= 0 ? 0 : -log(p[i]) in place, used when
// Paganin phase retrieval is disabled.
func NegativeLog(data []float32) {
	for i, v := range data {
		if v <= 0 {
			data[i] = 0
		} else {
			data[i] = float32(-math.Log(float64(v)))
		}
	}
}

// Engine owns the dark/flat calibration pools and the lazily-computed,
// downsampled-resolution reciprocal the preprocessor applies to every
// projection. Reads (Computed) and writes (AddDark/AddFlat/Compute) race at
// consume time, hence the RWMutex.
type Engine struct {
	mu sync.RWMutex

	darks []*tensor.Tensor2[uint16]
	flats []*tensor.Tensor2[uint16]

	computed   bool
	darkAvg    *tensor.Tensor2[float32] // downsampled resolution
	reciprocal *tensor.Tensor2[float32]
}

// NewEngine constructs an empty engine.
func NewEngine() *Engine { return &Engine{} }

// AddDark appends a dark frame, applying the maybe-reset rule: a dark
// arriving after the reciprocal was already computed signals a new
// calibration, so the pools are cleared first.
func (e *Engine) AddDark(img *tensor.Tensor2[uint16]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetIfComputedLocked()
	e.darks = appendBounded(e.darks, img)
}

// AddFlat appends a flat frame under the same maybe-reset rule as AddDark.
func (e *Engine) AddFlat(img *tensor.Tensor2[uint16]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetIfComputedLocked()
	e.flats = appendBounded(e.flats, img)
}

func appendBounded(pool []*tensor.Tensor2[uint16], img *tensor.Tensor2[uint16]) []*tensor.Tensor2[uint16] {
	if len(pool) >= maxCalibrationFrames {
		pool = pool[1:]
	}
	return append(pool, img)
}

func (e *Engine) resetIfComputedLocked() {
	if e.computed {
		e.darks = nil
		e.flats = nil
		e.computed = false
		e.darkAvg = nil
		e.reciprocal = nil
	}
}

// Reset unconditionally clears the pools and any computed reciprocal
// (called on processing (re)start).
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.darks = nil
	e.flats = nil
	e.computed = false
	e.darkAvg = nil
	e.reciprocal = nil
}

// Invalidate forces the next Compute to recompute from the accumulated
// pools without discarding them (called on a downsampling-factor change).
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.computed = false
}

// Computed reports whether a reciprocal is currently cached.
func (e *Engine) Computed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.computed
}

// Compute returns the cached dark_avg/reciprocal if already computed;
// otherwise it averages the accumulated pools at source resolution,
// derives the reciprocal, downsamples both to rows x cols, caches them and
// marks Computed. A no-op recompute (rows/cols unchanged, already computed)
// costs nothing beyond the cache check.
func (e *Engine) Compute(rows, cols int) (darkAvg, reciprocal *tensor.Tensor2[float32]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.computed {
		return e.darkAvg, e.reciprocal
	}

	srcDark, srcReciprocal := ComputeReciprocal(e.darks, e.flats)
	if srcDark.Rows() == rows && srcDark.Cols() == cols {
		e.darkAvg, e.reciprocal = srcDark, srcReciprocal
	} else {
		e.darkAvg = tensor.NewTensor2[float32](rows, cols)
		e.reciprocal = tensor.NewTensor2[float32](rows, cols)
		Downsample(e.darkAvg, srcDark)
		Downsample(e.reciprocal, srcReciprocal)
	}
	e.computed = true
	return e.darkAvg, e.reciprocal
}
