// Package slicemediator implements the slice mediator: it tracks up to K
// concurrently displayed slice definitions by slot id, and orchestrates
// full-set vs. on-demand slice reconstruction against a shared
// Reconstructor, publishing through two independent slice triple buffers.
package slicemediator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
	"github.com/psi-reconstruct/reconserver/internal/recon"
	"github.com/psi-reconstruct/reconserver/internal/triplebuffer"
)

// param is one tracked slot's current definition.
type param struct {
	timestamp   uint64
	orientation geometry.Orientation
}

// Mediator holds K concurrent slice definitions and drives their
// reconstruction into the all-slices and on-demand slice buffers.
type Mediator struct {
	log *zap.Logger

	mu      sync.Mutex
	params  map[int]param
	updated map[int]struct{}

	allSlices      *triplebuffer.SliceBuffer
	onDemandSlices *triplebuffer.SliceBuffer
}

// New constructs an empty mediator. The maximum number of concurrent
// slices is implicit in the slot ids callers pass to Update; this package
// does not itself bound them.
func New(log *zap.Logger) *Mediator {
	return &Mediator{
		log:            log,
		params:         make(map[int]param),
		updated:        make(map[int]struct{}),
		allSlices:      triplebuffer.NewSliceBuffer(false),
		onDemandSlices: triplebuffer.NewSliceBuffer(true),
	}
}

// Update records a new orientation for the slot timestamp mod slotCount:
// overwrite params[sid], allocate matching entries in both buffers on
// first touch, and mark sid updated.
func (m *Mediator) Update(timestamp uint64, slotCount int, orientation geometry.Orientation) {
	sid := int(timestamp % uint64(slotCount))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[sid] = param{timestamp: timestamp, orientation: orientation}
	m.allSlices.Insert(sid)
	m.onDemandSlices.Insert(sid)
	m.updated[sid] = struct{}{}
}

// ReconAll reconstructs every tracked slot into all_slices.back(), stamps
// its timestamp, clears updated, and publishes. bufferIdx selects which of
// the reconstructor's double-buffered sinogram sets to read from.
func (m *Mediator) ReconAll(r recon.Reconstructor, bufferIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	back := m.allSlices.Back()
	for sid, p := range m.params {
		entry := back[sid]
		if entry == nil {
			continue
		}
		if err := r.ReconstructSlice(p.orientation, bufferIdx, entry.Pixels.Data()); err != nil {
			m.log.Warn("all-slices reconstruction failed", zap.Int("slot", sid), zap.Error(err))
			continue
		}
		entry.Timestamp = p.timestamp
		entry.Ready = true
	}
	clear(m.updated)
	if dropped := m.allSlices.Prepare(); dropped {
		m.log.Warn("all-slices buffer dropped a previous generation")
	}
	return nil
}

// ReconOnDemand reconstructs only slots marked updated since the last
// cycle into ondemand_slices.back(), stamps timestamps, sets Ready, clears
// updated, and publishes. It is a no-op if nothing changed.
func (m *Mediator) ReconOnDemand(r recon.Reconstructor, bufferIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.updated) == 0 {
		return nil
	}

	back := m.onDemandSlices.Back()
	for sid := range m.updated {
		p, ok := m.params[sid]
		entry := back[sid]
		if !ok || entry == nil {
			continue
		}
		if err := r.ReconstructSlice(p.orientation, bufferIdx, entry.Pixels.Data()); err != nil {
			m.log.Warn("on-demand slice reconstruction failed", zap.Int("slot", sid), zap.Error(err))
			continue
		}
		entry.Timestamp = p.timestamp
		entry.Ready = true
	}
	clear(m.updated)
	if dropped := m.onDemandSlices.Prepare(); dropped {
		m.log.Warn("on-demand slice buffer dropped a previous generation")
	}
	return nil
}

// Resize re-allocates every tracked slot's pixel tensor in both buffers.
func (m *Mediator) Resize(rows, cols int) {
	m.allSlices.Resize(rows, cols)
	m.onDemandSlices.Resize(rows, cols)
}

// AllSlices exposes the all-slices triple buffer for consumer Fetch calls.
func (m *Mediator) AllSlices() *triplebuffer.SliceBuffer { return m.allSlices }

// OnDemandSlices exposes the on-demand triple buffer for consumer Fetch
// calls.
func (m *Mediator) OnDemandSlices() *triplebuffer.SliceBuffer { return m.onDemandSlices }
