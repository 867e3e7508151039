// Package config holds the typed configuration the CLI (cmd/reconserver)
// parses flags into, grouped by concern: connection, geometry,
// preprocessing, pipeline, mode.
package config

import (
	"fmt"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
	"github.com/psi-reconstruct/reconserver/internal/paganin"
)

// Connection groups the DAQ ingest and RPC listener settings.
type Connection struct {
	DAQHost   string
	DAQPort   int
	DAQSocket string // PULL or SUB
	RPCPort   int
}

// Geometry groups the scan and reconstruction target geometry flags.
type Geometry struct {
	BeamShape          geometry.BeamShape
	Cols, Rows         int
	Angles             int
	DownsampleCol      int
	DownsampleRow      int
	MinX, MaxX         *float64
	MinY, MaxY         *float64
	MinZ, MaxZ         *float64
	SliceSize          int
	PreviewSize        int
	PixelWidth         float64
	PixelHeight        float64
	Src2Origin         float64
	Origin2Detector    float64
}

// Preprocessing groups the pipeline's optional phase-retrieval and
// ramp-filter flags.
type Preprocessing struct {
	RampFilter    string
	RetrievePhase bool
	Paganin       paganin.Params
}

// Pipeline groups raw-buffer sizing and CPU concurrency flags.
type Pipeline struct {
	RawBufferSize    int
	ImageprocThreads int
	WaitOnSlowness   bool
}

// Config is the fully parsed CLI configuration.
type Config struct {
	Connection      Connection
	Geometry        Geometry
	Preprocessing   Preprocessing
	Pipeline        Pipeline
	AutoProcessing  bool
	Backend         string // "software" or "vulkan"
	ShaderSPIRVPath string
}

// Validate fails fast on invalid bounding boxes (min >= max) and
// non-positive capacities.
func (c Config) Validate() error {
	if c.Pipeline.RawBufferSize <= 0 {
		return fmt.Errorf("config: raw-buffer-size must be positive, got %d", c.Pipeline.RawBufferSize)
	}
	if c.Pipeline.ImageprocThreads <= 0 {
		return fmt.Errorf("config: imageproc-threads must be positive, got %d", c.Pipeline.ImageprocThreads)
	}
	if c.Geometry.Cols <= 0 || c.Geometry.Rows <= 0 {
		return fmt.Errorf("config: cols/rows must be positive, got %d/%d", c.Geometry.Cols, c.Geometry.Rows)
	}
	if err := checkBounds("x", c.Geometry.MinX, c.Geometry.MaxX); err != nil {
		return err
	}
	if err := checkBounds("y", c.Geometry.MinY, c.Geometry.MaxY); err != nil {
		return err
	}
	if err := checkBounds("z", c.Geometry.MinZ, c.Geometry.MaxZ); err != nil {
		return err
	}
	switch c.Preprocessing.RampFilter {
	case "shepp", "ramlak":
	default:
		return fmt.Errorf("config: unknown ramp filter %q", c.Preprocessing.RampFilter)
	}
	return nil
}

func checkBounds(axis string, min, max *float64) error {
	if min != nil && max != nil && *min >= *max {
		return fmt.Errorf("config: min %s (%g) must be smaller than max %s (%g)", axis, *min, axis, *max)
	}
	return nil
}

// ResolveBound returns min and max, each falling back independently to its
// side of the symmetric [-size/2, size/2] default when unset (ports
// details::parseReconstructedVolumeBoundary).
func ResolveBound(min, max *float64, size int) (float64, float64) {
	lo := -float64(size) / 2
	hi := float64(size) / 2
	if min != nil {
		lo = *min
	}
	if max != nil {
		hi = *max
	}
	return lo, hi
}
