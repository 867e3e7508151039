// Package daq implements the data-acquisition client: a pool of worker
// goroutines that pull frame metadata/payload pairs off an inbound socket,
// classify and validate them, and push the result onto the ingest queue
// shared with the pipeline controller.
//
// The client depends only on the Socket interface below, so any framed
// byte-stream transport delivering a JSON metadata message followed by a
// raw pixel payload can be substituted.
package daq

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psi-reconstruct/reconserver/internal/queue"
	"github.com/psi-reconstruct/reconserver/internal/tensor"
)

// ProjectionType classifies an ingest frame by its image_attributes.scan_index.
type ProjectionType int

const (
	Dark ProjectionType = iota
	Flat
	Projection
	Unknown ProjectionType = 99
)

func (t ProjectionType) String() string {
	switch t {
	case Dark:
		return "DARK"
	case Flat:
		return "FLAT"
	case Projection:
		return "PROJECTION"
	default:
		return "UNKNOWN"
	}
}

func classify(scanIndex int) ProjectionType {
	switch scanIndex {
	case 0:
		return Dark
	case 1:
		return Flat
	case 2:
		return Projection
	default:
		return Unknown
	}
}

// Frame is the ingest-queue element: consumed once by the consume stage
// and discarded.
type Frame struct {
	Type   ProjectionType
	Index  int
	Pixels *tensor.Tensor2[uint16]
}

// header is the JSON metadata message preceding every raw payload:
// `{frame, shape: [rows, cols], image_attributes: {scan_index}}`.
type header struct {
	Frame      int    `json:"frame"`
	Shape      [2]int `json:"shape"`
	Attributes struct {
		ScanIndex int `json:"scan_index"`
	} `json:"image_attributes"`
}

// Socket is the minimal transport contract a DAQ client needs: receive the
// JSON metadata message, then receive the raw payload that follows it. Both
// calls are expected to be cheap/non-blocking-ish relative to timeout; a
// concrete implementation (e.g. a ZeroMQ PULL socket, or the length-prefixed
// TCP stream TCPSocket in tcpsocket.go) satisfies it.
type Socket interface {
	ReceiveHeader() ([]byte, error)
	ReceivePayload() ([]byte, error)
}

// StateReader lets the DAQ client learn whether the pipeline is currently
// acquiring without importing the pipeline package (which imports this one).
type StateReader interface {
	Acquiring() bool
}

// Client is the stateful DAQ ingest wrapper. Start spawns Workers worker
// goroutines; each loops waiting for Acquiring, receiving a
// metadata/payload pair, validating and classifying it, and enqueuing a
// Frame.
type Client struct {
	log     *zap.Logger
	socket  Socket
	state   StateReader
	ingest  *queue.Queue[Frame]
	workers int

	mu        sync.Mutex
	socketMu  sync.Mutex
	haveShape bool
	wantRows  int
	wantCols  int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a DAQ client. workers <= 0 defaults to 2.
func New(socket Socket, state StateReader, ingest *queue.Queue[Frame], workers int, log *zap.Logger) *Client {
	if workers <= 0 {
		workers = 2
	}
	return &Client{
		log:     log,
		socket:  socket,
		state:   state,
		ingest:  ingest,
		workers: workers,
		stop:    make(chan struct{}),
	}
}

// Start spawns the worker pool. Idempotent only in the sense that calling it
// twice spawns a second pool; callers own the Client's lifecycle.
func (c *Client) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.run()
	}
}

// Stop signals every worker to return and waits for them to exit.
func (c *Client) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if !c.state.Acquiring() {
			time.Sleep(time.Millisecond)
			continue
		}

		hdr, payload, err := c.receive()
		if err != nil {
			c.log.Warn("daq receive failed", zap.Error(err))
			continue
		}
		if hdr == nil {
			time.Sleep(time.Millisecond) // benign would-block, no message pending
			continue
		}

		var meta header
		if err := json.Unmarshal(hdr, &meta); err != nil {
			c.log.Warn("malformed ingest metadata, frame dropped", zap.Error(err))
			continue
		}

		projType := classify(meta.Attributes.ScanIndex)
		if projType == Unknown {
			c.log.Warn("unknown scan index, frame dropped", zap.Int("scan_index", meta.Attributes.ScanIndex))
			continue
		}

		rows, cols := meta.Shape[0], meta.Shape[1]
		if !c.validateShape(rows, cols) {
			c.log.Warn("shape mismatch against first-observed shape, frame dropped",
				zap.Int("rows", rows), zap.Int("cols", cols))
			continue
		}

		if len(payload) != rows*cols*2 {
			c.log.Warn("payload size mismatch, frame dropped",
				zap.Int("want", rows*cols*2), zap.Int("got", len(payload)))
			continue
		}

		pixels := tensor.NewTensor2[uint16](rows, cols)
		for i := 0; i < rows*cols; i++ {
			pixels.Data()[i] = binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
		}

		frame := Frame{Type: projType, Index: meta.Frame, Pixels: pixels}
		c.enqueue(frame)
	}
}

// receive fetches one metadata+payload pair under a single mutex so the two
// reads from socket stay paired even with multiple worker goroutines.
func (c *Client) receive() (hdr, payload []byte, err error) {
	c.socketMu.Lock()
	defer c.socketMu.Unlock()
	hdr, err = c.socket.ReceiveHeader()
	if err != nil || hdr == nil {
		return nil, nil, err
	}
	payload, err = c.socket.ReceivePayload()
	if err != nil {
		return nil, nil, fmt.Errorf("daq: payload receive: %w", err)
	}
	return hdr, payload, nil
}

// validateShape records the first-observed shape and rejects any later
// mismatch.
func (c *Client) validateShape(rows, cols int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveShape {
		c.haveShape = true
		c.wantRows, c.wantCols = rows, cols
		return true
	}
	return rows == c.wantRows && cols == c.wantCols
}

// enqueue pushes onto the bounded ingest queue, retrying for up to 100ms if
// full before dropping.
func (c *Client) enqueue(f Frame) {
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		if c.ingest.TryPush(f) {
			return
		}
		if !time.Now().Before(deadline) {
			c.log.Debug("ingest queue full, frame dropped after retry window", zap.Int("frame", f.Index))
			return
		}
		time.Sleep(time.Millisecond)
	}
}
