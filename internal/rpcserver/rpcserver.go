// Package rpcserver is the transport adapter for the external RPC
// surface: request/response control and image-processing calls are plain
// HTTP/JSON over a chi router; the two server-streaming methods (live
// projection preview, slice/volume fan-out) are one websocket connection
// each, pulling from their mediator with a bounded
// "fetch(timeout), send whatever's there, skip on timeout" readiness loop
// that turns the pipeline's internal pull-style readiness into a push
// stream.
package rpcserver

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/psi-reconstruct/reconserver/internal/geometry"
	"github.com/psi-reconstruct/reconserver/internal/pipeline"
	"github.com/psi-reconstruct/reconserver/internal/projmediator"
)

// maxPreviewDim bounds the longer side of any streamed preview image;
// above it, frames are downscaled before PNG encoding to keep the
// websocket streams bandwidth-bounded regardless of detector/volume size.
const maxPreviewDim = 512

// projectionStreamInterval and reconStreamInterval are the streaming
// methods' poll cadence: 100 ms for projections, 10 ms for
// slices/volumes.
const (
	projectionStreamInterval = 100 * time.Millisecond
	reconStreamInterval      = 10 * time.Millisecond
)

// Server wires the RPC surface onto a *pipeline.Application.
type Server struct {
	log      *zap.Logger
	app      *pipeline.Application
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds a Server with every route registered.
func New(app *pipeline.Application, log *zap.Logger) *Server {
	s := &Server{
		log:      log,
		app:      app,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	s.router = s.routes()
	return s
}

// ServeHTTP satisfies http.Handler so the caller decides how to listen.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/control/server-state", s.handleSetServerState)
	r.Post("/control/scan-mode", s.handleSetScanMode)
	r.Post("/imageproc/downsampling", s.handleSetDownsampling)
	r.Post("/imageproc/ramp-filter", s.handleSetRampFilter)
	r.Get("/projection/stream", s.handleProjectionStream)
	r.Post("/reconstruction/slice", s.handleSetSlice)
	r.Post("/reconstruction/volume", s.handleSetVolume)
	r.Get("/reconstruction/stream", s.handleReconStream)

	return r
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// setServerStateRequest mirrors Control.SetServerState.
type setServerStateRequest struct {
	State string `json:"state"`
}

func parseServerState(s string) (pipeline.ServerState, bool) {
	switch s {
	case "READY":
		return pipeline.Ready, true
	case "ACQUIRING":
		return pipeline.Acquiring, true
	case "PROCESSING":
		return pipeline.Processing, true
	case "UNKNOWN":
		return pipeline.Unknown, true
	default:
		return pipeline.Unknown, false
	}
}

func (s *Server) handleSetServerState(w http.ResponseWriter, r *http.Request) {
	var req setServerStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	target, ok := parseServerState(req.State)
	if !ok {
		writeError(w, errUnknownState(req.State), http.StatusBadRequest)
		return
	}
	if err := s.app.SetServerState(target, pipeline.Params{}); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeAck(w)
}

type unknownStateError string

func (e unknownStateError) Error() string { return "rpcserver: unknown server state " + string(e) }

func errUnknownState(s string) error { return unknownStateError(s) }

// setScanModeRequest mirrors Control.SetScanMode.
type setScanModeRequest struct {
	Mode           string `json:"mode"`
	UpdateInterval int    `json:"update_interval"`
}

func (s *Server) handleSetScanMode(w http.ResponseWriter, r *http.Request) {
	var req setScanModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	mode := pipeline.Discrete
	if req.Mode == "CONTINUOUS" {
		mode = pipeline.Continuous
	}
	if err := s.app.SetScanMode(mode, req.UpdateInterval); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeAck(w)
}

// setDownsamplingRequest mirrors Imageproc.SetDownsampling.
type setDownsamplingRequest struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

func (s *Server) handleSetDownsampling(w http.ResponseWriter, r *http.Request) {
	var req setDownsamplingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.app.SetDownsampling(req.Col, req.Row); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeAck(w)
}

// setRampFilterRequest mirrors Imageproc.SetRampFilter.
type setRampFilterRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSetRampFilter(w http.ResponseWriter, r *http.Request) {
	var req setRampFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.app.SetRampFilter(req.Name); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeAck(w)
}

// setSliceRequest mirrors Reconstruction.SetSlice: a flattened 3x3
// orientation (base, x-axis, y-axis) as 9 floats.
type setSliceRequest struct {
	Timestamp   uint64     `json:"timestamp"`
	SlotCount   int        `json:"slot_count"`
	Orientation [9]float64 `json:"orientation"`
}

func orientationFromFlat(a [9]float64) geometry.Orientation {
	return geometry.Orientation{
		Base:  [3]float64{a[0], a[1], a[2]},
		XAxis: [3]float64{a[3], a[4], a[5]},
		YAxis: [3]float64{a[6], a[7], a[8]},
	}
}

func (s *Server) handleSetSlice(w http.ResponseWriter, r *http.Request) {
	var req setSliceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	s.app.SetSlice(req.Timestamp, req.SlotCount, orientationFromFlat(req.Orientation))
	writeAck(w)
}

// setVolumeRequest mirrors Reconstruction.SetVolume.
type setVolumeRequest struct {
	Required bool `json:"required"`
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	var req setVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	s.app.SetVolume(req.Required)
	writeAck(w)
}

// projectionFrame is one message of the Projection.GetProjectionData
// stream: `{id, col_count, row_count, bytes}`.
type projectionFrame struct {
	ID       int    `json:"id"`
	ColCount int    `json:"col_count"`
	RowCount int    `json:"row_count"`
	Bytes    []byte `json:"bytes"`
}

// handleProjectionStream upgrades to a websocket and pushes one PNG-encoded
// preview frame per projection the mediator produces, polling with a 100ms
// timeout per iteration.
func (s *Server) handleProjectionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("projection stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	mediator := s.app.ProjectionMediator()
	var img projmediator.Image
	for {
		if !mediator.WaitNext(&img, projectionStreamInterval) {
			continue
		}
		png, err := encodeGrayPNG(img.Pixels.Data(), img.Pixels.Rows(), img.Pixels.Cols())
		if err != nil {
			s.log.Warn("projection preview encode failed", zap.Error(err))
			continue
		}
		frame := projectionFrame{ID: img.Index, ColCount: img.Pixels.Cols(), RowCount: img.Pixels.Rows(), Bytes: png}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// reconFrame is one message of the Reconstruction.GetReconData stream: a
// discriminated union of a slice frame or a volume frame.
type reconFrame struct {
	Slice  *sliceFrame  `json:"slice,omitempty"`
	Volume *volumeFrame `json:"volume,omitempty"`
}

type sliceFrame struct {
	Timestamp uint64 `json:"ts"`
	ColCount  int    `json:"col"`
	RowCount  int    `json:"row"`
	Bytes     []byte `json:"bytes"`
}

type volumeFrame struct {
	ColCount   int    `json:"col"`
	RowCount   int    `json:"row"`
	SliceCount int    `json:"slice"`
	Bytes      []byte `json:"bytes"`
}

// handleReconStream upgrades to a websocket and fans out both the all-
// slices buffer and the preview-volume buffer, polling the slices with a
// 10ms timeout and the volume without waiting.
func (s *Server) handleReconStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("recon stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	allSlices := s.app.SliceMediator().AllSlices()
	volumeBuf := s.app.VolumeBuffer()

	for {
		sent := false
		if allSlices.Fetch(reconStreamInterval) {
			for _, entry := range allSlices.Front() {
				if !entry.Ready {
					continue
				}
				png, err := encodeGrayPNG(entry.Pixels.Data(), entry.Pixels.Rows(), entry.Pixels.Cols())
				if err != nil {
					s.log.Warn("slice preview encode failed", zap.Error(err))
					continue
				}
				frame := reconFrame{Slice: &sliceFrame{
					Timestamp: entry.Timestamp,
					ColCount:  entry.Pixels.Cols(),
					RowCount:  entry.Pixels.Rows(),
					Bytes:     png,
				}}
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
				sent = true
			}
		}
		if volumeBuf.Fetch(0) {
			vol := volumeBuf.Front()
			shape := vol.Shape()
			// Flatten the N x N x N volume into an N x N^2 contact sheet
			// (one row per z-slice) rather than inventing a 3-D preview
			// format the spec never defines.
			png, err := encodeGrayPNG(vol.Data(), shape[0], shape[1]*shape[2])
			if err == nil {
				frame := reconFrame{Volume: &volumeFrame{ColCount: shape[2], RowCount: shape[1], SliceCount: shape[0], Bytes: png}}
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
				sent = true
			}
		}
		if !sent {
			time.Sleep(reconStreamInterval)
		}
	}
}

// encodeGrayPNG normalizes data's min/max to the full 0-255 range,
// downscales with golang.org/x/image/draw when either side exceeds
// maxPreviewDim, and PNG-encodes the result as a grayscale image — the
// "encode a downsampled preview to bytes" need the DESIGN ledger's
// dropped-ebiten entry points at golang.org/x/image for (x/image has no
// PNG encoder of its own, so stdlib image/png does the final encode).
func encodeGrayPNG(data []float32, rows, cols int) ([]byte, error) {
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := (data[r*cols+c] - lo) / span
			img.SetGray(c, r, color.Gray{Y: uint8(v * 255)})
		}
	}

	out := image.Image(img)
	if rows > maxPreviewDim || cols > maxPreviewDim {
		out = downscale(img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// downscale fits src within maxPreviewDim on its longer side using a
// bilinear scaler, preserving aspect ratio.
func downscale(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(maxPreviewDim) / float64(w)
	if hScale := float64(maxPreviewDim) / float64(h); hScale < scale {
		scale = hScale
	}
	dstW := max(1, int(float64(w)*scale))
	dstH := max(1, int(float64(h)*scale))

	dst := image.NewGray(image.Rect(0, 0, dstW, dstH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
