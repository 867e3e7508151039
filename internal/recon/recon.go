// Package recon defines the reconstructor contract: double-buffered
// sinogram upload and filtered back-projection for both a single oriented
// slice and the cubic preview volume. Two implementations satisfy
// Reconstructor: internal/recon/vulkan (a GPU compute pipeline) and
// internal/recon/software (a pure-Go fallback used when no Vulkan device
// is present, and in tests).
package recon

import "github.com/psi-reconstruct/reconserver/internal/geometry"

// Reconstructor abstracts the two beam shapes behind one contract.
// Callers serialize UploadSinograms and Reconstruct* calls against the
// same bufferIdx with a single external mutex; opposite buffer indices in
// discrete mode never race by construction.
type Reconstructor interface {
	// UploadSinograms copies count projections (angles) worth of data into GPU
	// projection memory slot bufferIdx (0 or 1 when double-buffered, 0
	// only in continuous/single-buffered mode). data is laid out
	// [rows, angles, cols] row-major, matching the sinogram chunk shape
	// the preprocessing stage publishes.
	UploadSinograms(bufferIdx int, data []float32, count int) error

	// ReconstructSlice reconstructs one arbitrarily oriented 2-D slice
	// from bufferIdx's cached sinograms into out, sized sliceH*sliceW.
	ReconstructSlice(orientation geometry.Orientation, bufferIdx int, out []float32) error

	// ReconstructVolume reconstructs the full cubic preview volume from
	// bufferIdx's cached sinograms into out, sized N*N*N.
	ReconstructVolume(bufferIdx int, out []float32) error

	// Close releases any backing GPU resources.
	Close() error
}

// Factory constructs a Reconstructor for the given geometry. Implementations
// live in internal/recon/vulkan and internal/recon/software.
type Factory func(proj geometry.ProjectionGeometry, sliceVol, previewVol geometry.VolumeGeometry) (Reconstructor, error)
