// Package projmediator samples raw projections at an operator-chosen
// stride for live preview, pushing the sampled subset onto a bounded,
// never-blocking image queue that drops the oldest entry when full.
package projmediator

import (
	"sync"
	"time"

	"github.com/psi-reconstruct/reconserver/internal/queue"
	"github.com/psi-reconstruct/reconserver/internal/tensor"
)

// imageQueueCapacity is the fixed bounded-image-queue capacity.
const imageQueueCapacity = 10

// Image is one sampled projection pushed through the mediator.
type Image struct {
	Index  int
	Pixels *tensor.Tensor2[float32]
}

// Mediator samples raw projections at a configurable stride and fans the
// sampled subset into a bounded preview queue.
type Mediator struct {
	mu    sync.Mutex
	every int
	phase int

	images *queue.Queue[Image]
}

// New constructs a mediator with the default filter (every=1, phase=0:
// every frame passes) until SetFilter narrows it.
func New() *Mediator {
	return &Mediator{
		every:  1,
		phase:  0,
		images: queue.New[Image](imageQueueCapacity),
	}
}

// SetFilter selects the sampling predicate: only frames whose
// index mod every == phase are enqueued.
func (m *Mediator) SetFilter(every, phase int) {
	if every <= 0 {
		every = 1
	}
	m.mu.Lock()
	m.every = every
	m.phase = phase % every
	m.mu.Unlock()
}

// Emplace applies the current sampling predicate to p and, if it passes,
// pushes p onto the bounded image queue, dropping the oldest entry if the
// queue is already full.
func (m *Mediator) Emplace(p Image) {
	m.mu.Lock()
	every, phase := m.every, m.phase
	m.mu.Unlock()

	if ((p.Index % every) + every) % every != phase {
		return
	}
	m.images.Push(p)
}

// TryNext dequeues the oldest sampled image without blocking.
func (m *Mediator) TryNext(out *Image) bool {
	return m.images.TryPop(out)
}

// WaitNext blocks up to timeout for a sampled image.
func (m *Mediator) WaitNext(out *Image, timeout time.Duration) bool {
	return m.images.WaitAndPop(out, timeout)
}

// Reset clears the image queue and restores the default (pass-everything)
// filter, used when acquisition or processing stops.
func (m *Mediator) Reset() {
	m.mu.Lock()
	m.every, m.phase = 1, 0
	m.mu.Unlock()
	m.images.Reset()
}
