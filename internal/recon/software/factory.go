package software

import (
	"github.com/psi-reconstruct/reconserver/internal/geometry"
	"github.com/psi-reconstruct/reconserver/internal/recon"
)

// Factory adapts New to the recon.Factory type: a plain function value
// cannot satisfy it directly since New returns *Reconstructor while
// Factory's return type is the recon.Reconstructor interface.
func Factory(proj geometry.ProjectionGeometry, sliceVol, previewVol geometry.VolumeGeometry) (recon.Reconstructor, error) {
	return New(proj, sliceVol, previewVol)
}
