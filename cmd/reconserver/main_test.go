package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psi-reconstruct/reconserver/internal/recon/software"
)

// newParsedCommand builds the same flag set main wires onto root and parses
// args against it, so buildConfig sees a real cobra.Command with an accurate
// Flags().Changed view.
func newParsedCommand(t *testing.T, args ...string) (*cobra.Command, flagSet) {
	t.Helper()
	var fs flagSet
	cmd := &cobra.Command{Use: "reconserver", RunE: func(*cobra.Command, []string) error { return nil }}

	f := cmd.Flags()
	f.StringVar(&fs.daqHost, "daq-host", "127.0.0.1", "")
	f.IntVar(&fs.daqPort, "daq-port", 9667, "")
	f.StringVar(&fs.daqSocket, "daq-socket", "PULL", "")
	f.IntVar(&fs.rpcPort, "rpc-port", 9970, "")
	f.StringVar(&fs.beamShape, "beam-shape", "parallel", "")
	f.IntVar(&fs.cols, "cols", 512, "")
	f.IntVar(&fs.rows, "rows", 512, "")
	f.IntVar(&fs.angles, "angles", 360, "")
	f.IntVar(&fs.downCol, "downsample-col", 1, "")
	f.IntVar(&fs.downRow, "downsample-row", 1, "")
	f.Float64Var(&fs.minX, "min-x", 0, "")
	f.Float64Var(&fs.maxX, "max-x", 0, "")
	f.Float64Var(&fs.minY, "min-y", 0, "")
	f.Float64Var(&fs.maxY, "max-y", 0, "")
	f.Float64Var(&fs.minZ, "min-z", 0, "")
	f.Float64Var(&fs.maxZ, "max-z", 0, "")
	f.IntVar(&fs.sliceSize, "slice-size", 512, "")
	f.IntVar(&fs.previewSz, "preview-size", 128, "")
	f.Float64Var(&fs.pixelW, "pixel-width", 1, "")
	f.Float64Var(&fs.pixelH, "pixel-height", 1, "")
	f.Float64Var(&fs.src2Origin, "src-to-origin", 0, "")
	f.Float64Var(&fs.orig2Det, "origin-to-detector", 0, "")
	f.StringVar(&fs.rampFilter, "ramp-filter", "shepp", "")
	f.BoolVar(&fs.retrievePhase, "retrieve-phase", false, "")
	f.Float64Var(&fs.paganinPixel, "paganin-pixel-size", 1, "")
	f.Float64Var(&fs.paganinWave, "paganin-wavelength", 1e-10, "")
	f.Float64Var(&fs.paganinDelta, "paganin-delta", 1e-6, "")
	f.Float64Var(&fs.paganinBeta, "paganin-beta", 1e-9, "")
	f.Float64Var(&fs.paganinDist, "paganin-distance", 1, "")
	f.IntVar(&fs.rawBufferSize, "raw-buffer-size", 3, "")
	f.IntVar(&fs.imageprocThreads, "imageproc-threads", 4, "")
	f.BoolVar(&fs.waitOnSlowness, "wait-on-slowness", true, "")
	f.BoolVar(&fs.autoProcessing, "auto-processing", false, "")
	f.StringVar(&fs.backend, "backend", "software", "")
	f.StringVar(&fs.shaderSPIRV, "shader-spirv", "", "")

	require.NoError(t, f.Parse(args))
	return cmd, fs
}

func TestBuildConfigLeavesUnsetBoundsNil(t *testing.T) {
	cmd, fs := newParsedCommand(t, "--min-x=-10")
	cfg, err := buildConfig(cmd, fs)
	require.NoError(t, err)

	require.NotNil(t, cfg.Geometry.MinX)
	assert.Equal(t, -10.0, *cfg.Geometry.MinX)
	assert.Nil(t, cfg.Geometry.MaxX, "max-x was never passed, so it must stay unresolved")
	assert.Nil(t, cfg.Geometry.MinY)
	assert.Nil(t, cfg.Geometry.MaxY)
}

func TestBuildConfigRejectsUnknownBeamShape(t *testing.T) {
	cmd, fs := newParsedCommand(t, "--beam-shape=spiral")
	_, err := buildConfig(cmd, fs)
	assert.Error(t, err)
}

func TestBuildConfigCarriesBackendSelection(t *testing.T) {
	cmd, fs := newParsedCommand(t, "--backend=vulkan", "--shader-spirv=/tmp/recon.spv")
	cfg, err := buildConfig(cmd, fs)
	require.NoError(t, err)
	assert.Equal(t, "vulkan", cfg.Backend)
	assert.Equal(t, "/tmp/recon.spv", cfg.ShaderSPIRVPath)
}

func TestReconFactoryDefaultsToSoftware(t *testing.T) {
	cmd, fs := newParsedCommand(t)
	cfg, err := buildConfig(cmd, fs)
	require.NoError(t, err)

	factory, err := reconFactory(cfg)
	require.NoError(t, err)
	assert.NotNil(t, factory)
}

func TestReconFactoryVulkanRequiresShaderPath(t *testing.T) {
	cmd, fs := newParsedCommand(t, "--backend=vulkan")
	cfg, err := buildConfig(cmd, fs)
	require.NoError(t, err)

	_, err = reconFactory(cfg)
	assert.Error(t, err, "vulkan backend without --shader-spirv must fail fast")
}

func TestReconFactoryRejectsUnknownBackend(t *testing.T) {
	cmd, fs := newParsedCommand(t, "--backend=quantum")
	cfg, err := buildConfig(cmd, fs)
	require.NoError(t, err)

	_, err = reconFactory(cfg)
	assert.Error(t, err)
}

// TestSoftwareFactoryIsAReconFactory guards against the recon.Factory adapter
// silently drifting from software.Factory's own signature.
func TestSoftwareFactoryIsAReconFactory(t *testing.T) {
	assert.NotNil(t, software.Factory)
}
