// Package pipeline implements the reconstruction server's controller: the
// server-state machine and the consume/preprocess/upload/reconstruct stage
// goroutines that wire every other component of the server into one
// running process.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psi-reconstruct/reconserver/internal/calib"
	"github.com/psi-reconstruct/reconserver/internal/chunkbuffer"
	"github.com/psi-reconstruct/reconserver/internal/daq"
	"github.com/psi-reconstruct/reconserver/internal/geometry"
	"github.com/psi-reconstruct/reconserver/internal/monitor"
	"github.com/psi-reconstruct/reconserver/internal/preprocess"
	"github.com/psi-reconstruct/reconserver/internal/projmediator"
	"github.com/psi-reconstruct/reconserver/internal/queue"
	"github.com/psi-reconstruct/reconserver/internal/recon"
	"github.com/psi-reconstruct/reconserver/internal/slicemediator"
	"github.com/psi-reconstruct/reconserver/internal/tensor"
	"github.com/psi-reconstruct/reconserver/internal/triplebuffer"
)

// ServerState is the top-level state machine: UNKNOWN -> READY <->
// ACQUIRING, READY <-> PROCESSING. All other transitions are no-ops.
type ServerState int

const (
	Unknown ServerState = iota
	Ready
	Acquiring
	Processing
)

func (s ServerState) String() string {
	switch s {
	case Ready:
		return "READY"
	case Acquiring:
		return "ACQUIRING"
	case Processing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// ScanMode selects single- vs double-buffered GPU upload.
type ScanMode int

const (
	Discrete ScanMode = iota
	Continuous
)

// Stage timeouts: how long each stage goroutine waits on its upstream
// buffer before rechecking the stop channel.
const (
	consumeDequeueTimeout  = 100 * time.Millisecond
	preprocessFetchTimeout = 100 * time.Millisecond
	sinogramFetchTimeout   = 100 * time.Millisecond
	gpuSignalTimeout       = 10 * time.Millisecond
	backPressureSleep      = time.Millisecond
)

// Params groups everything a (re)start of processing needs to rebuild the
// pipeline: scan/volume geometry, preprocessing configuration, and the
// reconstructor backend to build.
type Params struct {
	Projection        geometry.ProjectionGeometry
	SliceVolume       geometry.VolumeGeometry
	PreviewVolume     geometry.VolumeGeometry
	Preprocess        preprocess.Config
	ReconFactory      recon.Factory
	Orientation       geometry.Orientation
}

// Application is the top-level controller: it owns every other component
// and drives the consume/preprocess/upload/reconstruct stage goroutines.
type Application struct {
	log     *zap.Logger
	monitor *monitor.Monitor

	ingest    *queue.Queue[daq.Frame]
	calib     *calib.Engine
	chunks    *chunkbuffer.ChunkBuffer[float32]
	preproc   *preprocess.Preprocessor
	sinoBuf   *triplebuffer.TripleBuffer[*tensor.Tensor3[float32]]
	volumeBuf *triplebuffer.TripleBuffer[*tensor.Tensor3[float32]]
	sliceMed  *slicemediator.Mediator
	projMed   *projmediator.Mediator

	consumeWorkers int

	mu             sync.Mutex
	state          ServerState
	scanMode       ScanMode
	params         Params
	volumeRequired bool
	waitOnSlowness bool

	gpuMu           sync.Mutex
	gpuCond         *sync.Cond
	reconstructor   recon.Reconstructor
	gpuBufferIndex  int
	sinoUploaded    bool
	sinoInitialized bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Application in state UNKNOWN. ingest is the queue the
// DAQ client enqueues classified frames onto; the Application itself
// satisfies daq.StateReader so it can gate the DAQ client's receive loop.
// rawBufferChunks sizes the resident raw-chunk ring's capacity.
func New(log *zap.Logger, mon *monitor.Monitor, ingest *queue.Queue[daq.Frame], consumeWorkers, rawBufferChunks int) *Application {
	if consumeWorkers <= 0 {
		consumeWorkers = 4
	}
	if rawBufferChunks <= 0 {
		rawBufferChunks = 3
	}
	a := &Application{
		log:            log,
		monitor:        mon,
		ingest:         ingest,
		calib:          calib.NewEngine(),
		chunks:         chunkbuffer.New[float32](rawBufferChunks, log),
		preproc:        preprocess.New(log),
		sinoBuf:        triplebuffer.New[*tensor.Tensor3[float32]](tensor.NewTensor3[float32](0, 0, 0), tensor.NewTensor3[float32](0, 0, 0), tensor.NewTensor3[float32](0, 0, 0)),
		volumeBuf:      triplebuffer.New[*tensor.Tensor3[float32]](tensor.NewTensor3[float32](0, 0, 0), tensor.NewTensor3[float32](0, 0, 0), tensor.NewTensor3[float32](0, 0, 0)),
		sliceMed:       slicemediator.New(log),
		projMed:        projmediator.New(),
		consumeWorkers: consumeWorkers,
		waitOnSlowness: true,
	}
	a.gpuCond = sync.NewCond(&a.gpuMu)
	return a
}

// Acquiring satisfies daq.StateReader: the DAQ ingest loop runs while the
// server is ACQUIRING or PROCESSING.
func (a *Application) Acquiring() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == Acquiring || a.state == Processing
}

// State returns the current server state.
func (a *Application) State() ServerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ProjectionMediator exposes the projection mediator for the RPC layer's
// live-preview stream.
func (a *Application) ProjectionMediator() *projmediator.Mediator { return a.projMed }

// SliceMediator exposes the slice mediator for the RPC layer's slice stream.
func (a *Application) SliceMediator() *slicemediator.Mediator { return a.sliceMed }

// VolumeBuffer exposes the preview-volume triple buffer for the RPC layer.
func (a *Application) VolumeBuffer() *triplebuffer.TripleBuffer[*tensor.Tensor3[float32]] {
	return a.volumeBuf
}

// SetPipelinePolicy toggles the consume stage's back-pressure policy.
func (a *Application) SetPipelinePolicy(waitOnSlowness bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waitOnSlowness = waitOnSlowness
}

// SetScanMode sets discrete vs continuous GPU buffering and, in continuous
// mode, the projection group size. Valid only while READY; called in any
// other state it is a no-op logged at warn level.
func (a *Application) SetScanMode(mode ScanMode, updateInterval int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Ready {
		a.log.Warn("SetScanMode ignored outside READY", zap.String("state", a.state.String()))
		return nil
	}
	a.scanMode = mode
	if mode == Continuous {
		if updateInterval < 16 || updateInterval > 128 || updateInterval%16 != 0 {
			return fmt.Errorf("pipeline: update_interval %d out of range [16,128] step 16", updateInterval)
		}
		a.params.Projection.Angles = geometry.EquispacedAngles(updateInterval)
	}
	return nil
}

// SetDownsampling validates the factors and invalidates the cached
// reciprocal so it is recomputed on next use. The factors are not stored:
// the raw-chunk resolution, and so the recomputed reciprocal's shape, stay
// at the projection geometry's rows x cols.
func (a *Application) SetDownsampling(col, row int) error {
	if col < 1 || row < 1 {
		return fmt.Errorf("pipeline: downsample factors must be >= 1, got col=%d row=%d", col, row)
	}
	a.calib.Invalidate()
	return nil
}

// SetRampFilter swaps the ramp-filter variant, reinitializing the
// preprocessor. Tomograms already in flight are unaffected.
func (a *Application) SetRampFilter(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params.Preprocess.RampFilterName = name
	return a.preproc.Init(a.params.Projection.Rows, a.params.Projection.Cols, a.params.Preprocess)
}

// SetSlice forwards to the slice mediator. slotCount is the caller-supplied
// number of concurrent slice slots; the slot updated is timestamp mod
// slotCount.
func (a *Application) SetSlice(timestamp uint64, slotCount int, orientation geometry.Orientation) {
	a.sliceMed.Update(timestamp, slotCount, orientation)
}

// SetVolume turns preview-volume reconstruction on or off.
func (a *Application) SetVolume(required bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volumeRequired = required
}

// SetServerState drives the top-level state machine. Disallowed
// transitions are no-ops logged at warn level.
func (a *Application) SetServerState(target ServerState, params Params) error {
	a.mu.Lock()
	current := a.state
	allowed := isAllowedTransition(current, target)
	a.mu.Unlock()

	if !allowed {
		a.log.Warn("server state transition rejected",
			zap.String("from", current.String()), zap.String("to", target.String()))
		return nil
	}

	switch target {
	case Acquiring:
		a.startAcquiring(params)
	case Processing:
		if err := a.startProcessing(params); err != nil {
			return err
		}
	case Ready:
		if current == Processing {
			a.stopProcessing()
		} else if current == Acquiring {
			a.stopAcquiring()
		}
	}

	a.mu.Lock()
	a.state = target
	a.mu.Unlock()
	return nil
}

func isAllowedTransition(from, to ServerState) bool {
	switch from {
	case Unknown:
		return to == Ready
	case Ready:
		return to == Acquiring || to == Processing
	case Acquiring:
		return to == Ready
	case Processing:
		return to == Ready
	default:
		return false
	}
}

// startAcquiring initializes acquisition-only parameters; DAQ ingest opens
// because Acquiring() now reports true.
func (a *Application) startAcquiring(params Params) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = params
}

// startProcessing initializes the full pipeline (flat-field buffers,
// preprocessor, reconstructor, geometry) and spawns the stage goroutines.
func (a *Application) startProcessing(params Params) error {
	a.mu.Lock()
	a.params = params
	a.mu.Unlock()

	g := len(params.Projection.Angles)
	h, w := params.Projection.Rows, params.Projection.Cols
	a.chunks.Resize(g, h, w)
	a.calib.Reset()
	a.monitor.Reset()

	if err := a.preproc.Init(h, w, params.Preprocess); err != nil {
		return fmt.Errorf("pipeline: preprocessor init: %w", err)
	}

	reconstructor, err := params.ReconFactory(params.Projection, params.SliceVolume, params.PreviewVolume)
	if err != nil {
		return fmt.Errorf("pipeline: reconstructor init: %w", err)
	}

	a.gpuMu.Lock()
	if a.reconstructor != nil {
		if err := a.reconstructor.Close(); err != nil {
			a.log.Warn("closing previous reconstructor", zap.Error(err))
		}
	}
	a.reconstructor = reconstructor
	a.gpuBufferIndex = 0
	a.sinoUploaded = false
	a.sinoInitialized = false
	a.gpuMu.Unlock()

	a.sliceMed.Resize(params.SliceVolume.RowCount, params.SliceVolume.ColCount)

	a.startStages()
	return nil
}

// stopAcquiring stops DAQ ingest (Acquiring() now reports false) and resets
// the projection mediator.
func (a *Application) stopAcquiring() {
	a.projMed.Reset()
	a.monitor.Summarize()
}

// stopProcessing stops the stage goroutines, resets the projection
// mediator and emits the monitor summary.
func (a *Application) stopProcessing() {
	a.stopStages()
	a.projMed.Reset()
	a.monitor.Summarize()
}

func (a *Application) startStages() {
	a.stop = make(chan struct{})
	for i := 0; i < a.consumeWorkers; i++ {
		a.wg.Add(1)
		go a.runConsume()
	}
	a.wg.Add(1)
	go a.runPreprocess()
	a.wg.Add(1)
	go a.runUpload()
	a.wg.Add(1)
	go a.runReconstruct()
}

func (a *Application) stopStages() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	a.wg.Wait()
	a.stop = nil
}

// Close tears down the stage goroutines and the GPU reconstructor. Safe to
// call regardless of current state.
func (a *Application) Close() error {
	a.stopStages()
	a.gpuMu.Lock()
	defer a.gpuMu.Unlock()
	if a.reconstructor != nil {
		return a.reconstructor.Close()
	}
	return nil
}

// runConsume implements the Consume stage: dequeue classified frames,
// route PROJECTION frames to the group assembler and the projection
// mediator, route DARK/FLAT frames to the reciprocal engine, applying the
// back-pressure policy between the two.
func (a *Application) runConsume() {
	defer a.wg.Done()
	var frame daq.Frame
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		if !a.ingest.WaitAndPop(&frame, consumeDequeueTimeout) {
			continue
		}

		a.mu.Lock()
		wait := a.waitOnSlowness
		a.mu.Unlock()
		if wait && a.chunks.Ready() {
			time.Sleep(backPressureSleep)
		}

		switch frame.Type {
		case daq.Projection:
			chunkbuffer.Fill[uint16, float32](a.chunks, frame.Index, frame.Pixels.Data(), frame.Pixels.Rows(), frame.Pixels.Cols())
			a.projMed.Emplace(projmediator.Image{Index: frame.Index, Pixels: widen(frame.Pixels)})
			a.monitor.CountProjection()
		case daq.Dark:
			a.calib.AddDark(frame.Pixels)
			a.monitor.CountDark()
		case daq.Flat:
			a.calib.AddFlat(frame.Pixels)
			a.monitor.CountFlat()
		}
	}
}

// widen promotes a raw u16 frame to float32 for the live-preview stream,
// which never applies flat-field correction.
func widen(src *tensor.Tensor2[uint16]) *tensor.Tensor2[float32] {
	dst := tensor.NewTensor2[float32](src.Rows(), src.Cols())
	dd := dst.Data()
	for i, v := range src.Data() {
		dd[i] = float32(v)
	}
	return dst
}

// runPreprocess implements the Preprocess stage: fetch a raw chunk,
// compute the reciprocal lazily, run the preprocessor over it.
func (a *Application) runPreprocess() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		if !a.chunks.Fetch(preprocessFetchTimeout) {
			continue
		}

		raw := a.chunks.Front()
		shape := raw.Shape()
		darkAvg, reciprocal := a.calib.Compute(shape[1], shape[2])

		if err := a.preproc.Process(raw, a.sinoBuf, darkAvg.Data(), reciprocal.Data()); err != nil {
			a.log.Warn("preprocess failed, chunk dropped", zap.Error(err))
		}
	}
}

// runUpload implements the Upload stage: fetch a sinogram chunk, acquire
// the GPU mutex, upload to the inactive buffer (discrete) or in place
// (continuous), then signal the reconstruct thread.
func (a *Application) runUpload() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		if !a.sinoBuf.Fetch(sinogramFetchTimeout) {
			continue
		}

		chunk := a.sinoBuf.Front()
		shape := chunk.Shape()
		count := shape[1]

		a.mu.Lock()
		mode := a.scanMode
		a.mu.Unlock()

		a.gpuMu.Lock()
		reconstructor := a.reconstructor
		if reconstructor == nil {
			a.gpuMu.Unlock()
			continue
		}
		idx := a.gpuBufferIndex
		if mode == Discrete {
			idx = 1 - a.gpuBufferIndex
		}
		if err := reconstructor.UploadSinograms(idx, chunk.Data(), count); err != nil {
			a.log.Warn("sinogram upload failed", zap.Error(err))
			a.gpuMu.Unlock()
			continue
		}
		if mode == Discrete {
			a.gpuBufferIndex = idx
		}
		a.sinoUploaded = true
		a.sinoInitialized = true
		a.gpuMu.Unlock()
		a.gpuCond.Broadcast()
	}
}

// runReconstruct implements the Reconstruct stage: wait up to 10ms for an
// upload signal; on signal reconstruct the preview volume (if requested)
// and every tracked slice; on timeout, reconstruct only the slices touched
// since the last cycle.
func (a *Application) runReconstruct() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		signaled, idx, reconstructor := a.waitForUpload()
		if reconstructor == nil {
			continue
		}

		if signaled {
			a.mu.Lock()
			wantVolume := a.volumeRequired
			previewVol := a.params.PreviewVolume
			a.mu.Unlock()

			a.gpuMu.Lock()
			if wantVolume {
				vol := a.volumeBuf.Back()
				vol.Resize(previewVol.RowCount, previewVol.ColCount, previewVol.SliceCount)
				if err := reconstructor.ReconstructVolume(idx, vol.Data()); err != nil {
					a.log.Warn("volume reconstruction failed", zap.Error(err))
				} else if a.volumeBuf.Prepare() {
					a.log.Debug("preview volume dropped, consumer too slow")
				}
			}
			if err := a.sliceMed.ReconAll(reconstructor, idx); err != nil {
				a.log.Warn("reconAll failed", zap.Error(err))
			}
			a.sinoUploaded = false
			a.gpuMu.Unlock()
			a.monitor.CountTomogram()
		} else {
			a.gpuMu.Lock()
			if err := a.sliceMed.ReconOnDemand(reconstructor, idx); err != nil {
				a.log.Warn("reconOnDemand failed", zap.Error(err))
			}
			a.gpuMu.Unlock()
		}
	}
}

// waitForUpload waits up to gpuSignalTimeout on the GPU condition variable,
// following the same timer+Broadcast idiom as triplebuffer.Fetch (sync.Cond
// has no native timed wait). It returns whether an upload signaled during
// the wait, the buffer index to reconstruct from, and the current
// reconstructor (nil if none is initialized yet).
func (a *Application) waitForUpload() (signaled bool, bufferIdx int, reconstructor recon.Reconstructor) {
	a.gpuMu.Lock()
	defer a.gpuMu.Unlock()

	if a.reconstructor == nil {
		return false, 0, nil
	}

	timedOut := false
	if !a.sinoUploaded {
		timer := time.AfterFunc(gpuSignalTimeout, func() {
			a.gpuMu.Lock()
			timedOut = true
			a.gpuCond.Broadcast()
			a.gpuMu.Unlock()
		})
		for !a.sinoUploaded && !timedOut {
			a.gpuCond.Wait()
		}
		timer.Stop()
	}

	if a.sinoUploaded {
		return true, a.gpuBufferIndex, a.reconstructor
	}
	if a.sinoInitialized {
		return false, a.gpuBufferIndex, a.reconstructor
	}
	return false, 0, nil
}
