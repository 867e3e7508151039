package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, zap.NewNop())

	m.CountDark()
	m.CountFlat()
	m.CountFlat()
	m.CountProjection()

	assert.Equal(t, 1.0, counterValue(t, m.darks))
	assert.Equal(t, 2.0, counterValue(t, m.flats))
	assert.Equal(t, 1.0, counterValue(t, m.projections))
}

func TestCountTomogramTracksTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, zap.NewNop())

	for i := 0; i < 25; i++ {
		m.CountTomogram()
	}
	assert.Equal(t, uint64(25), m.numTomograms)
	assert.Equal(t, 25.0, counterValue(t, m.tomograms))
}

func TestResetZeroesTomogramCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, zap.NewNop())
	m.CountTomogram()
	m.Reset()
	assert.Equal(t, uint64(0), m.numTomograms)
}
