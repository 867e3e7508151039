// Package paganin implements single-distance Paganin phase retrieval,
// applied per-projection ahead of the ramp filter when phase retrieval is
// configured: forward 2-D FFT, multiply by the spectral filter
// 1/(1+k(u²+v²)), inverse FFT, take the elementwise natural log of the
// magnitude. k is the standard TIE-Hom (Paganin 2002) single-material
// ratio lambda*distance*delta/(4*pi*beta). The 2-D FFT is separable
// row-then-column 1-D complex transforms via
// gonum.org/v1/gonum/dsp/fourier.CmplxFFT.
package paganin

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Params are the physical configuration for phase retrieval: detector
// pixel size, X-ray wavelength, refractive index decrement (delta) and
// absorption index (beta), and the sample-to-detector propagation
// distance, all in consistent length units.
type Params struct {
	PixelSize  float64
	Wavelength float64
	Delta      float64
	Beta       float64
	Distance   float64
}

// Filter is the per-thread precomputed plan + spectral filter: row and
// column FFT plans and the real-valued filter array, amortized across
// every projection a preprocessing thread handles.
type Filter struct {
	rows, cols     int
	rowFFT, colFFT *fourier.CmplxFFT
	spectral       []float64 // rows*cols, row-major
}

// New precomputes the FFT plans and spectral filter for rows x cols
// projections under p.
func New(rows, cols int, p Params) *Filter {
	f := &Filter{
		rows:     rows,
		cols:     cols,
		rowFFT:   fourier.NewCmplxFFT(cols),
		colFFT:   fourier.NewCmplxFFT(rows),
		spectral: make([]float64, rows*cols),
	}
	k := p.Wavelength * p.Distance * p.Delta / (4 * math.Pi * p.Beta)
	for i := 0; i < rows; i++ {
		u := freqUnits(i, rows, p.PixelSize)
		for j := 0; j < cols; j++ {
			v := freqUnits(j, cols, p.PixelSize)
			f.spectral[i*cols+j] = 1 / (1 + k*(u*u+v*v))
		}
	}
	return f
}

// freqUnits returns the signed spatial frequency (radians per unit length)
// of FFT bin i of an n-point transform sampled at pixelSize.
func freqUnits(i, n int, pixelSize float64) float64 {
	bin := i
	if mid := (n + 1) / 2; i >= mid {
		bin = i - n
	}
	return 2 * math.Pi * float64(bin) / (float64(n) * pixelSize)
}

// Apply runs phase retrieval on one rows x cols projection in place:
// separable 2-D forward FFT, multiply by the spectral filter, separable
// inverse FFT, then the elementwise natural log of the magnitude.
func (f *Filter) Apply(data []float32) {
	buf := make([]complex128, f.rows*f.cols)
	for i, v := range data {
		buf[i] = complex(float64(v), 0)
	}

	f.transformRows(buf, f.rowFFT.Coefficients)
	f.transformCols(buf, f.colFFT.Coefficients)

	for i := range buf {
		buf[i] *= complex(f.spectral[i], 0)
	}

	f.transformCols(buf, f.colFFT.Sequence)
	f.transformRows(buf, f.rowFFT.Sequence)

	scale := 1.0 / float64(f.rows*f.cols)
	for i, v := range buf {
		mag := math.Hypot(real(v), imag(v)) * scale
		if mag <= 0 {
			data[i] = 0
		} else {
			data[i] = float32(math.Log(mag))
		}
	}
}

func (f *Filter) transformRows(buf []complex128, op func(dst, src []complex128) []complex128) {
	row := make([]complex128, f.cols)
	for r := 0; r < f.rows; r++ {
		copy(row, buf[r*f.cols:(r+1)*f.cols])
		op(row, row)
		copy(buf[r*f.cols:(r+1)*f.cols], row)
	}
}

func (f *Filter) transformCols(buf []complex128, op func(dst, src []complex128) []complex128) {
	col := make([]complex128, f.rows)
	for c := 0; c < f.cols; c++ {
		for r := 0; r < f.rows; r++ {
			col[r] = buf[r*f.cols+c]
		}
		op(col, col)
		for r := 0; r < f.rows; r++ {
			buf[r*f.cols+c] = col[r]
		}
	}
}
