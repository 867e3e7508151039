// Package preprocess implements the CPU preprocessing fan-out: given a
// completed raw chunk, it applies flat-field correction, Paganin phase
// retrieval or negative-log, and the ramp filter to every projection in
// parallel, and publishes the index-transposed sinogram chunk via a triple
// buffer.
//
// Concurrency is bounded to a fixed worker count with
// golang.org/x/sync/errgroup and golang.org/x/sync/semaphore; a small
// channel-based pool hands each in-flight projection one of a fixed set of
// per-worker scratch filter plans.
package preprocess

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/psi-reconstruct/reconserver/internal/calib"
	"github.com/psi-reconstruct/reconserver/internal/paganin"
	"github.com/psi-reconstruct/reconserver/internal/rampfilter"
	"github.com/psi-reconstruct/reconserver/internal/tensor"
	"github.com/psi-reconstruct/reconserver/internal/triplebuffer"
)

// Config selects the preprocessing parameters.
type Config struct {
	Threads            int
	RampFilterName     string
	Paganin            *paganin.Params // nil disables phase retrieval
	DisableNegativeLog bool
}

// Preprocessor owns the per-thread ramp-filter and (optional) Paganin
// plans. The zero value is not usable; call Init before Process.
type Preprocessor struct {
	log *zap.Logger

	threads            int
	slots              chan int // threads scratch-slot ids
	ramp               []*rampfilter.Filter
	phase              []*paganin.Filter // nil when Paganin is disabled
	disableNegativeLog bool
}

// New constructs an uninitialized preprocessor.
func New(log *zap.Logger) *Preprocessor {
	return &Preprocessor{log: log}
}

// Init (re)builds the per-thread plans for chunks of shape rows x cols.
// Must be re-called whenever rows/cols, the ramp filter name, or the
// Paganin parameters change; recreating either on parameter change is the
// caller's responsibility.
func (p *Preprocessor) Init(rows, cols int, cfg Config) error {
	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}

	ramp := make([]*rampfilter.Filter, threads)
	for i := range ramp {
		f, err := rampfilter.Factory(cfg.RampFilterName, cols)
		if err != nil {
			return fmt.Errorf("preprocess: %w", err)
		}
		ramp[i] = f
	}

	var phase []*paganin.Filter
	if cfg.Paganin != nil {
		phase = make([]*paganin.Filter, threads)
		for i := range phase {
			phase[i] = paganin.New(rows, cols, *cfg.Paganin)
		}
	}

	slots := make(chan int, threads)
	for i := 0; i < threads; i++ {
		slots <- i
	}

	p.threads = threads
	p.ramp = ramp
	p.phase = phase
	p.disableNegativeLog = cfg.DisableNegativeLog
	p.slots = slots
	return nil
}

// Process runs the parallel-for fan-out over raw (shape [G,H,W]) and
// publishes the index-transposed sinogram chunk (shape [H,G,W]) onto sino.
func (p *Preprocessor) Process(
	raw *tensor.Tensor3[float32],
	sino *triplebuffer.TripleBuffer[*tensor.Tensor3[float32]],
	darkAvg, reciprocal []float32,
) error {
	shape := raw.Shape()
	g, h, w := shape[0], shape[1], shape[2]

	sinoChunk := sino.Back()
	sinoChunk.Resize(h, g, w)
	sinoData := sinoChunk.Data()

	// Snapshot the plans so a concurrent Init (a ramp-filter swap) only
	// affects later chunks, never this one.
	threads, slots, ramp, phase, disableNegativeLog := p.threads, p.slots, p.ramp, p.phase, p.disableNegativeLog

	sem := semaphore.NewWeighted(int64(threads))
	grp, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < g; i++ {
		i := i
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		grp.Go(func() error {
			defer sem.Release(1)
			slot := <-slots
			defer func() { slots <- slot }()

			proj := raw.Plane(i)
			calib.FlatField(proj, darkAvg, reciprocal)

			if phase != nil {
				phase[slot].Apply(proj)
			} else if !disableNegativeLog {
				calib.NegativeLog(proj)
			}

			ramp[slot].Apply(proj, h)

			// Index transpose [i,r,c] -> [r,i,c]: the same formula as
			// tensor.Tensor3.TransposeAxis01Into, specialized here to copy
			// row-by-row as soon as this projection's processing finishes
			// rather than waiting for every projection in the chunk.
			for r := 0; r < h; r++ {
				dstOff := r*g*w + i*w
				srcOff := r * w
				copy(sinoData[dstOff:dstOff+w], proj[srcOff:srcOff+w])
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}

	if sino.Prepare() {
		p.log.Warn("sinogram data dropped due to slowness of downstream pipeline")
	}
	return nil
}
