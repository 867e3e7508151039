// Package chunkbuffer implements the group assembler: a ring of chunk
// slots, each shaped [G,H,W], that collects G projection frames — one per
// angle in a tomogram — before handing the completed chunk to the
// preprocessor. A FIFO of resident chunk indices, a chunk-index -> slot
// map, a free-slot queue and a per-slot fill counter track which chunks
// are in flight and which slot each lives in.
package chunkbuffer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psi-reconstruct/reconserver/internal/tensor"
)

// ChunkBuffer is a triple-buffer-like ring: the producer (the DAQ consume
// stage, via Fill) writes rows into whichever slot currently holds the
// chunk a frame belongs to; the consumer (the preprocess stage, via Fetch)
// waits for the oldest chunk to fill and swaps it into front.
type ChunkBuffer[T tensor.Numeric] struct {
	log *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond

	slots   []*tensor.Tensor3[T] // capacity slots, each shape [G,H,W]
	counter []int                // fill counter per slot, 0..G

	chunkIdx []int       // FIFO of resident chunk indices, oldest first
	slotOf   map[int]int // chunk index -> slot
	free     []int       // unoccupied slot indices, FIFO

	front   *tensor.Tensor3[T]
	isReady bool

	capacity int
	g, h, w  int
}

// New constructs a ring of capacity chunk slots. Shapes are zero until the
// first Resize; capacity must be positive.
func New[T tensor.Numeric](capacity int, log *zap.Logger) *ChunkBuffer[T] {
	if capacity <= 0 {
		panic("chunkbuffer: capacity must be positive")
	}
	cb := &ChunkBuffer[T]{
		log:      log,
		slots:    make([]*tensor.Tensor3[T], capacity),
		counter:  make([]int, capacity),
		slotOf:   make(map[int]int, capacity),
		free:     make([]int, 0, capacity),
		front:    tensor.NewTensor3[T](0, 0, 0),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		cb.slots[i] = tensor.NewTensor3[T](0, 0, 0)
	}
	cb.cond = sync.NewCond(&cb.mu)
	cb.resetLocked()
	return cb
}

// Capacity returns the number of chunk slots.
func (cb *ChunkBuffer[T]) Capacity() int { return cb.capacity }

// Ready reports whether a completed chunk is waiting for Fetch, used by the
// consume stage's back-pressure policy.
func (cb *ChunkBuffer[T]) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.isReady
}

// Occupied returns the number of slots currently holding a resident chunk.
func (cb *ChunkBuffer[T]) Occupied() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.capacity - len(cb.free)
}

// Resize reallocates every slot and the front buffer to shape [g,h,w] and
// resets all ring state (resident chunks, counters, the free list).
func (cb *ChunkBuffer[T]) Resize(g, h, w int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
	cb.g, cb.h, cb.w = g, h, w
	for _, s := range cb.slots {
		s.Resize(g, h, w)
	}
	cb.front.Resize(g, h, w)
}

// Reset drops every resident chunk without reallocating.
func (cb *ChunkBuffer[T]) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
}

func (cb *ChunkBuffer[T]) resetLocked() {
	cb.isReady = false
	cb.chunkIdx = cb.chunkIdx[:0]
	cb.free = cb.free[:0]
	for k := range cb.slotOf {
		delete(cb.slotOf, k)
	}
	for i := 0; i < cb.capacity; i++ {
		cb.counter[i] = 0
		cb.free = append(cb.free, i)
	}
}

// registerChunk assigns idx the next free slot. Caller holds cb.mu and has
// verified a free slot exists.
func (cb *ChunkBuffer[T]) registerChunk(idx int) {
	cb.chunkIdx = append(cb.chunkIdx, idx)
	slot := cb.free[0]
	cb.free = cb.free[1:]
	cb.slotOf[idx] = slot
}

// popOldestLocked evicts the oldest resident chunk, no matter whether it was
// ready, freeing its slot for reuse. Caller holds cb.mu and chunkIdx is
// non-empty.
func (cb *ChunkBuffer[T]) popOldestLocked() {
	idx := cb.chunkIdx[0]
	cb.chunkIdx = cb.chunkIdx[1:]
	slot := cb.slotOf[idx]
	cb.counter[slot] = 0
	cb.free = append(cb.free, slot)
	delete(cb.slotOf, idx)
	cb.isReady = false
}

// Fetch waits for a ready chunk and swaps it into front. See
// triplebuffer.TripleBuffer.Fetch for timeout semantics.
func (cb *ChunkBuffer[T]) Fetch(timeout time.Duration) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if timeout < 0 {
		for !cb.isReady {
			cb.cond.Wait()
		}
	} else {
		deadline := time.Now().Add(timeout)
		timedOut := false
		timer := time.AfterFunc(timeout, func() {
			cb.mu.Lock()
			timedOut = true
			cb.cond.Broadcast()
			cb.mu.Unlock()
		})
		defer timer.Stop()
		for !cb.isReady {
			if timedOut || !time.Now().Before(deadline) {
				return false
			}
			cb.cond.Wait()
		}
	}

	readySlot := cb.slotOf[cb.chunkIdx[0]]
	cb.front.Swap(cb.slots[readySlot])
	cb.popOldestLocked()
	return true
}

// Front returns the consumer-owned completed chunk.
func (cb *ChunkBuffer[T]) Front() *tensor.Tensor3[T] { return cb.front }

// Fill is a free function, not a method, because it introduces a second
// type parameter (the wire pixel type D) independent of the buffer's stored
// element type T — Go methods cannot add type parameters beyond the
// receiver's.
//
// It copies one projection (the frame at frameIndex, shape
// srcRows x srcCols of element type D) into plane row_idx of the chunk it
// belongs to,
// downsampling by integer row/column stride if the source resolution
// exceeds the buffer's [H,W]. chunk_idx = frameIndex/G, row_idx =
// frameIndex%G.
func Fill[D, T tensor.Numeric](cb *ChunkBuffer[T], frameIndex int, src []D, srcRows, srcCols int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	chunkIdx := frameIndex / cb.g
	rowIdx := frameIndex % cb.g

	switch {
	case len(cb.chunkIdx) == 0:
		cb.registerChunk(chunkIdx)
	case chunkIdx > cb.chunkIdx[len(cb.chunkIdx)-1]:
		for i := cb.chunkIdx[len(cb.chunkIdx)-1] + 1; i <= chunkIdx; i++ {
			if len(cb.free) == 0 {
				dropped := cb.chunkIdx[0]
				cb.popOldestLocked()
				if cb.log != nil {
					cb.log.Warn("memory buffer full, chunk dropped", zap.Int("chunk", dropped))
				}
			}
			cb.registerChunk(i)
		}
	case chunkIdx < cb.chunkIdx[0]:
		if cb.log != nil {
			cb.log.Warn("received frame with outdated chunk index, data ignored", zap.Int("chunk", chunkIdx))
		}
		return
	}

	slot := cb.slotOf[chunkIdx]
	dst := cb.slots[slot]
	rowStride := srcRows / cb.h
	for r := 0; r < cb.h; r++ {
		srcOff := (r * rowStride) * srcCols
		dstOff := rowIdx*cb.h*cb.w + r*cb.w
		tensor.DownsampleRowInto(dst.Data()[dstOff:dstOff+cb.w], src[srcOff:srcOff+srcCols], srcCols)
	}

	cb.counter[slot]++
	if cb.counter[slot] == cb.g {
		for cb.chunkIdx[0] != chunkIdx {
			earlier := cb.chunkIdx[0]
			cb.popOldestLocked()
			if cb.log != nil {
				cb.log.Warn("chunk ready, earlier chunk dropped", zap.Int("ready", chunkIdx), zap.Int("dropped", earlier))
			}
		}
		cb.isReady = true
		cb.cond.Signal()
	}
}
