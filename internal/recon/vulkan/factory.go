package vulkan

import (
	"github.com/psi-reconstruct/reconserver/internal/geometry"
	"github.com/psi-reconstruct/reconserver/internal/recon"
)

// NewFactory returns a recon.Factory that opens a fresh Vulkan compute
// pipeline against shaderSPIRVPath for every call — the shape
// startProcessing needs since the reconstructor is rebuilt whenever the
// scan geometry changes.
func NewFactory(shaderSPIRVPath string) recon.Factory {
	return func(proj geometry.ProjectionGeometry, sliceVol, previewVol geometry.VolumeGeometry) (recon.Reconstructor, error) {
		return New(shaderSPIRVPath, proj, sliceVol, previewVol)
	}
}
