package paganin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// With Distance=0 the spectral filter collapses to 1 everywhere (k=0), so
// Apply reduces to a 2-D FFT round trip followed by log-magnitude, i.e.
// log(|data|) for strictly positive input.
func TestApplyWithZeroDistanceIsLogOfInput(t *testing.T) {
	f := New(4, 4, Params{PixelSize: 1, Wavelength: 1e-10, Delta: 1, Beta: 1, Distance: 0})

	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i + 1)
	}
	f.Apply(data)

	for i, v := range data {
		want := float32(math.Log(float64(i + 1)))
		assert.InDelta(t, want, v, 1e-3)
	}
}

func TestSpectralFilterIsOneAtZeroFrequencyRegardlessOfDistance(t *testing.T) {
	f := New(4, 4, Params{PixelSize: 1e-6, Wavelength: 1e-10, Delta: 1e-6, Beta: 1e-9, Distance: 1})
	require.Len(t, f.spectral, 16)
	assert.Equal(t, 1.0, f.spectral[0], "DC bin has u=v=0, so the filter is exactly 1 there")
}

func TestApplyDoesNotPanicOnDegenerateShape(t *testing.T) {
	f := New(1, 1, Params{PixelSize: 1, Wavelength: 1e-10, Delta: 1, Beta: 1, Distance: 1})
	data := []float32{3}
	assert.NotPanics(t, func() { f.Apply(data) })
}
