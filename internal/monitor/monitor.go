// Package monitor tracks ingest/reconstruction throughput counters and
// periodically logs a summary.
//
// Counters are exported as Prometheus metrics
// (github.com/prometheus/client_golang) in addition to the periodic zap
// throughput log CountTomogram prints and the session summary Summarize
// prints.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const reportTomogramThroughputEvery = 10

// Monitor counts darks, flats, projections and tomograms and reports a
// periodic throughput summary. Reset restarts the tomogram count and the
// timing baselines; the Prometheus counters keep their running totals.
type Monitor struct {
	log *zap.Logger

	start     time.Time
	tomoStart time.Time

	darks        prometheus.Counter
	flats        prometheus.Counter
	projections  prometheus.Counter
	tomograms    prometheus.Counter
	tomogramRate prometheus.Gauge

	numTomograms uint64
}

// New constructs a Monitor and registers its metrics with reg (pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func New(reg prometheus.Registerer, log *zap.Logger) *Monitor {
	m := &Monitor{
		log:       log,
		start:     time.Now(),
		tomoStart: time.Now(),
		darks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconserver_darks_total", Help: "Dark frames ingested.",
		}),
		flats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconserver_flats_total", Help: "Flat frames ingested.",
		}),
		projections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconserver_projections_total", Help: "Projection frames ingested.",
		}),
		tomograms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconserver_tomograms_total", Help: "Tomograms reconstructed.",
		}),
		tomogramRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconserver_tomogram_rate_hz", Help: "Tomograms per second over the last reporting window.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.darks, m.flats, m.projections, m.tomograms, m.tomogramRate)
	}
	return m
}

// CountDark records one ingested dark frame.
func (m *Monitor) CountDark() { m.darks.Inc() }

// CountFlat records one ingested flat frame.
func (m *Monitor) CountFlat() { m.flats.Inc() }

// CountProjection records one ingested projection frame.
func (m *Monitor) CountProjection() { m.projections.Inc() }

// CountTomogram records one completed reconstruction cycle and logs a
// throughput summary every reportTomogramThroughputEvery tomograms,
// mirroring Monitor::addTomogram's periodic spdlog throughput line.
func (m *Monitor) CountTomogram() {
	m.tomograms.Inc()
	m.numTomograms++
	if m.numTomograms%reportTomogramThroughputEvery == 0 {
		elapsed := time.Since(m.tomoStart)
		rate := float64(reportTomogramThroughputEvery) / elapsed.Seconds()
		m.tomogramRate.Set(rate)
		m.log.Info("tomogram throughput", zap.Float64("hz", rate), zap.Uint64("total", m.numTomograms))
		m.tomoStart = time.Now()
	}
}

// Reset zeroes the elapsed-time baselines, used when processing
// (re)starts.
func (m *Monitor) Reset() {
	m.start = time.Now()
	m.tomoStart = time.Now()
	m.numTomograms = 0
}

// Summarize logs the session's aggregate counters.
func (m *Monitor) Summarize() {
	elapsed := time.Since(m.start)
	m.log.Info("session summary",
		zap.Duration("elapsed", elapsed),
		zap.Uint64("tomograms", m.numTomograms),
	)
}
