package triplebuffer

import (
	"sync"
	"time"

	"github.com/psi-reconstruct/reconserver/internal/tensor"
)

// SliceEntry is one slot's value inside a SliceBuffer: whether it is fresh
// (meaningful only in on-demand mode), its generation timestamp, and its
// reconstructed pixels. Timestamp mod the slot count must equal the slot id
// this entry is keyed under.
type SliceEntry struct {
	Ready     bool
	Timestamp uint64
	Pixels    *tensor.Tensor2[float32]
}

// SliceMap is the value type rotated by a SliceBuffer: one entry per slot id.
type SliceMap map[int]*SliceEntry

// swapInto exchanges two SliceMaps' entries in place (same key set assumed —
// slicemediator.Update allocates matching keys in all three SliceBuffer
// slots before they are ever swapped). When onDemand is set, every entry
// landing in o (the map rotated away from m) has its Ready flag cleared, so
// a consumer only ever sees freshly produced slices per swap.
func (m SliceMap) swapInto(o SliceMap, onDemand bool) {
	for k := range m {
		m[k], o[k] = o[k], m[k]
	}
	if onDemand {
		for _, e := range o {
			e.Ready = false
		}
	}
}

// SliceBuffer is a triple buffer of SliceMaps: back/ready/front, with
// optional on-demand ready-flag-clearing behavior on swap.
type SliceBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	back     SliceMap
	ready    SliceMap
	front    SliceMap
	isReady  bool
	onDemand bool
	shape    [2]int
}

// NewSliceBuffer constructs an empty slice buffer. onDemand selects whether
// Prepare and Fetch clear the Ready flag of every entry in the map each
// rotates out (to back and to ready respectively), so only entries the
// producer marked Ready since the last Prepare reach front as Ready
// (used by the ondemand_slices buffer; all_slices uses onDemand=false since
// every slot is reconstructed every tomogram).
func NewSliceBuffer(onDemand bool) *SliceBuffer {
	sb := &SliceBuffer{
		back:     SliceMap{},
		ready:    SliceMap{},
		front:    SliceMap{},
		onDemand: onDemand,
	}
	sb.cond = sync.NewCond(&sb.mu)
	return sb
}

// Insert allocates a new slot id in all three maps if absent, returning
// true if it was newly inserted. New entries in on-demand mode start
// Ready=false; in all-slices mode they start Ready=true (every slot is
// always reconstructed each tomogram there).
func (sb *SliceBuffer) Insert(slot int) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if _, exists := sb.back[slot]; exists {
		return false
	}
	ready := !sb.onDemand
	sb.back[slot] = &SliceEntry{Ready: ready, Pixels: tensor.NewTensor2[float32](sb.shape[0], sb.shape[1])}
	sb.ready[slot] = &SliceEntry{Ready: ready, Pixels: tensor.NewTensor2[float32](sb.shape[0], sb.shape[1])}
	sb.front[slot] = &SliceEntry{Ready: ready, Pixels: tensor.NewTensor2[float32](sb.shape[0], sb.shape[1])}
	return true
}

// Resize re-allocates every entry's pixel tensor across all three maps.
func (sb *SliceBuffer) Resize(rows, cols int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.shape = [2]int{rows, cols}
	for _, m := range []SliceMap{sb.back, sb.ready, sb.front} {
		for _, e := range m {
			e.Pixels.Resize(rows, cols)
		}
	}
}

// Back returns the producer-owned map for in-place reconstruction writes.
// Caller must hold no external lock; entries themselves are not mutex
// protected, matching the single-writer-at-a-time contract of a triple
// buffer's back slot.
func (sb *SliceBuffer) Back() SliceMap { return sb.back }

// Prepare publishes back as ready, as TripleBuffer.Prepare does, returning
// whether a previous unconsumed ready value was dropped.
func (sb *SliceBuffer) Prepare() (dropped bool) {
	sb.mu.Lock()
	sb.ready.swapInto(sb.back, sb.onDemand)
	dropped = sb.isReady
	sb.isReady = true
	sb.mu.Unlock()
	sb.cond.Signal()
	return dropped
}

// Fetch swaps the ready map into front, applying on-demand ready-flag
// clearing. See TripleBuffer.Fetch for timeout semantics.
func (sb *SliceBuffer) Fetch(timeout time.Duration) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if timeout < 0 {
		for !sb.isReady {
			sb.cond.Wait()
		}
	} else {
		deadline := time.Now().Add(timeout)
		timedOut := false
		timer := time.AfterFunc(timeout, func() {
			sb.mu.Lock()
			timedOut = true
			sb.cond.Broadcast()
			sb.mu.Unlock()
		})
		defer timer.Stop()
		for !sb.isReady {
			if timedOut || !time.Now().Before(deadline) {
				return false
			}
			sb.cond.Wait()
		}
	}

	sb.front.swapInto(sb.ready, sb.onDemand)
	sb.isReady = false
	return true
}

// Front returns the consumer-owned map for reads.
func (sb *SliceBuffer) Front() SliceMap {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.front
}
