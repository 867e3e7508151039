// Command reconserver is the tomographic reconstruction server: it wires
// together the DAQ ingest client, the pipeline controller and the RPC
// transport into one long-running process.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/psi-reconstruct/reconserver/internal/config"
	"github.com/psi-reconstruct/reconserver/internal/daq"
	"github.com/psi-reconstruct/reconserver/internal/geometry"
	"github.com/psi-reconstruct/reconserver/internal/monitor"
	"github.com/psi-reconstruct/reconserver/internal/paganin"
	"github.com/psi-reconstruct/reconserver/internal/pipeline"
	"github.com/psi-reconstruct/reconserver/internal/preprocess"
	"github.com/psi-reconstruct/reconserver/internal/queue"
	"github.com/psi-reconstruct/reconserver/internal/recon"
	"github.com/psi-reconstruct/reconserver/internal/recon/software"
	"github.com/psi-reconstruct/reconserver/internal/recon/vulkan"
	"github.com/psi-reconstruct/reconserver/internal/rpcserver"
)

// flagSet mirrors config.Config one field at a time so cobra can bind
// directly into plain variables; buildConfig below assembles the typed
// config.Config that the rest of the program actually uses.
type flagSet struct {
	daqHost   string
	daqPort   int
	daqSocket string
	rpcPort   int

	beamShape  string
	cols, rows int
	angles     int
	downCol    int
	downRow    int
	minX, maxX float64
	minY, maxY float64
	minZ, maxZ float64
	sliceSize  int
	previewSz  int
	pixelW     float64
	pixelH     float64
	src2Origin float64
	orig2Det   float64

	rampFilter    string
	retrievePhase bool
	paganinPixel  float64
	paganinWave   float64
	paganinDelta  float64
	paganinBeta   float64
	paganinDist   float64

	rawBufferSize    int
	imageprocThreads int
	waitOnSlowness   bool

	autoProcessing bool
	backend        string // "software" or "vulkan"
	shaderSPIRV    string
}

func main() {
	var fs flagSet

	root := &cobra.Command{
		Use:   "reconserver",
		Short: "Real-time tomographic reconstruction server",
		Long: `reconserver ingests dark/flat/projection frames from a beamline DAQ
stream, preprocesses and reconstructs them on the fly, and serves live
projection previews, on-demand slices and preview volumes over RPC.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, fs)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&fs.daqHost, "daq-host", "127.0.0.1", "DAQ ingest socket host")
	f.IntVar(&fs.daqPort, "daq-port", 9667, "DAQ ingest socket port")
	f.StringVar(&fs.daqSocket, "daq-socket", "PULL", "DAQ socket kind (PULL or SUB)")
	f.IntVar(&fs.rpcPort, "rpc-port", 9970, "RPC listener port")

	f.StringVar(&fs.beamShape, "beam-shape", "parallel", "beam geometry: parallel or cone")
	f.IntVar(&fs.cols, "cols", 512, "detector column count")
	f.IntVar(&fs.rows, "rows", 512, "detector row count")
	f.IntVar(&fs.angles, "angles", 360, "projections per tomogram (discrete mode group size)")
	f.IntVar(&fs.downCol, "downsample-col", 1, "column downsample factor")
	f.IntVar(&fs.downRow, "downsample-row", 1, "row downsample factor")
	f.Float64Var(&fs.minX, "min-x", 0, "reconstructed volume lower x bound (unset: symmetric default)")
	f.Float64Var(&fs.maxX, "max-x", 0, "reconstructed volume upper x bound (unset: symmetric default)")
	f.Float64Var(&fs.minY, "min-y", 0, "reconstructed volume lower y bound (unset: symmetric default)")
	f.Float64Var(&fs.maxY, "max-y", 0, "reconstructed volume upper y bound (unset: symmetric default)")
	f.Float64Var(&fs.minZ, "min-z", 0, "reconstructed volume lower z bound (unset: symmetric default)")
	f.Float64Var(&fs.maxZ, "max-z", 0, "reconstructed volume upper z bound (unset: symmetric default)")
	f.IntVar(&fs.sliceSize, "slice-size", 512, "on-demand slice side length")
	f.IntVar(&fs.previewSz, "preview-size", 128, "preview volume side length")
	f.Float64Var(&fs.pixelW, "pixel-width", 1, "detector pixel width")
	f.Float64Var(&fs.pixelH, "pixel-height", 1, "detector pixel height")
	f.Float64Var(&fs.src2Origin, "src-to-origin", 0, "source-to-origin distance (cone beam only)")
	f.Float64Var(&fs.orig2Det, "origin-to-detector", 0, "origin-to-detector distance (cone beam only)")

	f.StringVar(&fs.rampFilter, "ramp-filter", "shepp", `ramp filter variant: "shepp" or "ramlak"`)
	f.BoolVar(&fs.retrievePhase, "retrieve-phase", false, "enable Paganin phase retrieval ahead of the ramp filter")
	f.Float64Var(&fs.paganinPixel, "paganin-pixel-size", 1, "Paganin detector pixel size")
	f.Float64Var(&fs.paganinWave, "paganin-wavelength", 1e-10, "Paganin X-ray wavelength")
	f.Float64Var(&fs.paganinDelta, "paganin-delta", 1e-6, "Paganin refractive index decrement")
	f.Float64Var(&fs.paganinBeta, "paganin-beta", 1e-9, "Paganin absorption index")
	f.Float64Var(&fs.paganinDist, "paganin-distance", 1, "Paganin sample-to-detector distance")

	f.IntVar(&fs.rawBufferSize, "raw-buffer-size", 3, "number of resident raw chunk slots")
	f.IntVar(&fs.imageprocThreads, "imageproc-threads", 4, "preprocessing arena thread count")
	f.BoolVar(&fs.waitOnSlowness, "wait-on-slowness", true, "apply consume-stage back-pressure instead of dropping frames")

	f.BoolVar(&fs.autoProcessing, "auto-processing", false, "transition straight to PROCESSING on startup instead of waiting for Control.SetServerState")
	f.StringVar(&fs.backend, "backend", "software", `reconstructor backend: "software" or "vulkan"`)
	f.StringVar(&fs.shaderSPIRV, "shader-spirv", "", "path to the compiled Vulkan reconstruction shader (backend=vulkan only)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildConfig assembles a config.Config from parsed flags. Optional volume
// bounds are only carried through if the corresponding flag was actually
// passed on the command line (cmd.Flags().Changed), so an unset bound
// falls through to config.ResolveBound's symmetric default.
func buildConfig(cmd *cobra.Command, fs flagSet) (config.Config, error) {
	var shape geometry.BeamShape
	switch fs.beamShape {
	case "parallel":
		shape = geometry.Parallel
	case "cone":
		shape = geometry.Cone
	default:
		return config.Config{}, fmt.Errorf("reconserver: unknown beam shape %q", fs.beamShape)
	}

	changed := cmd.Flags().Changed
	optBound := func(name string, v float64) *float64 {
		if !changed(name) {
			return nil
		}
		out := v
		return &out
	}

	cfg := config.Config{
		Connection: config.Connection{
			DAQHost:   fs.daqHost,
			DAQPort:   fs.daqPort,
			DAQSocket: fs.daqSocket,
			RPCPort:   fs.rpcPort,
		},
		Geometry: config.Geometry{
			BeamShape:       shape,
			Cols:            fs.cols,
			Rows:            fs.rows,
			Angles:          fs.angles,
			DownsampleCol:   fs.downCol,
			DownsampleRow:   fs.downRow,
			MinX:            optBound("min-x", fs.minX),
			MaxX:            optBound("max-x", fs.maxX),
			MinY:            optBound("min-y", fs.minY),
			MaxY:            optBound("max-y", fs.maxY),
			MinZ:            optBound("min-z", fs.minZ),
			MaxZ:            optBound("max-z", fs.maxZ),
			SliceSize:       fs.sliceSize,
			PreviewSize:     fs.previewSz,
			PixelWidth:      fs.pixelW,
			PixelHeight:     fs.pixelH,
			Src2Origin:      fs.src2Origin,
			Origin2Detector: fs.orig2Det,
		},
		Preprocessing: config.Preprocessing{
			RampFilter:    fs.rampFilter,
			RetrievePhase: fs.retrievePhase,
			Paganin: paganin.Params{
				PixelSize:  fs.paganinPixel,
				Wavelength: fs.paganinWave,
				Delta:      fs.paganinDelta,
				Beta:       fs.paganinBeta,
				Distance:   fs.paganinDist,
			},
		},
		Pipeline: config.Pipeline{
			RawBufferSize:    fs.rawBufferSize,
			ImageprocThreads: fs.imageprocThreads,
			WaitOnSlowness:   fs.waitOnSlowness,
		},
		AutoProcessing:  fs.autoProcessing,
		Backend:         fs.backend,
		ShaderSPIRVPath: fs.shaderSPIRV,
	}
	return cfg, nil
}

// run constructs every component and blocks until ctx is cancelled (SIGINT
// or SIGTERM) or an unrecoverable error occurs. The caller maps a nil
// return to exit code 0 and a non-nil error to a non-zero exit code.
func run(ctx context.Context, cfg config.Config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("reconserver: building logger: %w", err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reconserver: invalid configuration: %w", err)
	}

	factory, err := reconFactory(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	mon := monitor.New(reg, log)

	ingest := queue.New[daq.Frame](cfg.Pipeline.RawBufferSize * cfg.Geometry.Angles)
	app := pipeline.New(log, mon, ingest, cfg.Pipeline.ImageprocThreads, cfg.Pipeline.RawBufferSize)

	sliceLo, sliceHi := config.ResolveBound(cfg.Geometry.MinX, cfg.Geometry.MaxX, cfg.Geometry.SliceSize)
	previewLo, previewHi := config.ResolveBound(cfg.Geometry.MinZ, cfg.Geometry.MaxZ, cfg.Geometry.PreviewSize)
	params := pipeline.Params{
		Projection: geometry.New(cfg.Geometry.BeamShape, cfg.Geometry.Rows, cfg.Geometry.Cols,
			cfg.Geometry.PixelWidth, cfg.Geometry.PixelHeight, cfg.Geometry.Src2Origin, cfg.Geometry.Origin2Detector,
			cfg.Geometry.Angles),
		SliceVolume:   geometry.Slice(cfg.Geometry.SliceSize, cfg.Geometry.SliceSize, (sliceHi-sliceLo)/2),
		PreviewVolume: geometry.Cube(cfg.Geometry.PreviewSize, (previewHi-previewLo)/2),
		Preprocess: preprocess.Config{
			Threads:            cfg.Pipeline.ImageprocThreads,
			RampFilterName:     cfg.Preprocessing.RampFilter,
			DisableNegativeLog: false,
		},
		ReconFactory: factory,
	}
	if cfg.Preprocessing.RetrievePhase {
		p := cfg.Preprocessing.Paganin
		params.Preprocess.Paganin = &p
	}
	app.SetPipelinePolicy(cfg.Pipeline.WaitOnSlowness)

	if err := app.SetServerState(pipeline.Ready, pipeline.Params{}); err != nil {
		return fmt.Errorf("reconserver: entering READY: %w", err)
	}
	if cfg.AutoProcessing {
		if err := app.SetServerState(pipeline.Processing, params); err != nil {
			return fmt.Errorf("reconserver: auto-processing startup: %w", err)
		}
	}
	defer app.Close()

	socket, err := daq.DialTCPSocket(net.JoinHostPort(cfg.Connection.DAQHost, strconv.Itoa(cfg.Connection.DAQPort)), 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("reconserver: dialing DAQ socket: %w", err)
	}
	defer socket.Close()

	client := daq.New(socket, app, ingest, cfg.Pipeline.ImageprocThreads, log)
	client.Start()
	defer client.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", rpcserver.New(app, log))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Connection.RPCPort))
	srv := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.Info("reconserver listening", zap.String("addr", addr), zap.String("backend", cfg.Backend))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("reconserver: rpc listener: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("rpc listener shutdown", zap.Error(err))
	}
	mon.Summarize()
	return nil
}

// reconFactory picks the reconstructor backend per --backend, grounded on
// the same recon.Factory adapters cmd/reconserver's tests exercise
// directly (internal/recon/software, internal/recon/vulkan).
func reconFactory(cfg config.Config) (recon.Factory, error) {
	switch cfg.Backend {
	case "software":
		return software.Factory, nil
	case "vulkan":
		if cfg.ShaderSPIRVPath == "" {
			return nil, fmt.Errorf("reconserver: --backend=vulkan requires --shader-spirv")
		}
		return vulkan.NewFactory(cfg.ShaderSPIRVPath), nil
	default:
		return nil, fmt.Errorf("reconserver: unknown backend %q", cfg.Backend)
	}
}
