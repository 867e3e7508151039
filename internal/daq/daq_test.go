package daq

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psi-reconstruct/reconserver/internal/queue"
)

// fakeSocket replays a fixed sequence of (header, payload) pairs, then
// blocks (returns nil, nil) like a non-blocking recv with nothing pending.
type fakeSocket struct {
	mu       sync.Mutex
	headers  [][]byte
	payloads [][]byte
	i        int
}

func (s *fakeSocket) ReceiveHeader() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.headers) {
		return nil, nil
	}
	return s.headers[s.i], nil
}

func (s *fakeSocket) ReceivePayload() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.payloads) {
		return nil, errors.New("no payload pending")
	}
	p := s.payloads[s.i]
	s.i++
	return p, nil
}

type alwaysAcquiring struct{}

func (alwaysAcquiring) Acquiring() bool { return true }

func u16Payload(rows, cols int, fill uint16) []byte {
	buf := make([]byte, rows*cols*2)
	for i := 0; i < rows*cols; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], fill)
	}
	return buf
}

func header1(frame, scanIndex, rows, cols int) []byte {
	return []byte(`{"frame":` + itoa(frame) + `,"shape":[` + itoa(rows) + `,` + itoa(cols) + `],"image_attributes":{"scan_index":` + itoa(scanIndex) + `}}`)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestClientClassifiesAndEnqueuesProjection(t *testing.T) {
	sock := &fakeSocket{
		headers:  [][]byte{header1(0, 2, 2, 2)},
		payloads: [][]byte{u16Payload(2, 2, 42)},
	}
	ingest := queue.New[Frame](0)
	c := New(sock, alwaysAcquiring{}, ingest, 1, zap.NewNop())
	c.Start()
	defer c.Stop()

	var f Frame
	require.True(t, ingest.WaitAndPop(&f, time.Second))
	assert.Equal(t, Projection, f.Type)
	assert.Equal(t, uint16(42), f.Pixels.At(0, 0))
}

func TestClientDropsUnknownScanIndex(t *testing.T) {
	sock := &fakeSocket{
		headers:  [][]byte{header1(0, 7, 2, 2)},
		payloads: [][]byte{u16Payload(2, 2, 1)},
	}
	ingest := queue.New[Frame](0)
	c := New(sock, alwaysAcquiring{}, ingest, 1, zap.NewNop())
	c.Start()
	defer c.Stop()

	var f Frame
	assert.False(t, ingest.WaitAndPop(&f, 50*time.Millisecond))
}

func TestClientDropsShapeMismatchAgainstFirstObserved(t *testing.T) {
	sock := &fakeSocket{
		headers: [][]byte{
			header1(0, 2, 2, 2),
			header1(1, 2, 4, 4),
		},
		payloads: [][]byte{
			u16Payload(2, 2, 1),
			u16Payload(4, 4, 2),
		},
	}
	ingest := queue.New[Frame](0)
	c := New(sock, alwaysAcquiring{}, ingest, 1, zap.NewNop())
	c.Start()
	defer c.Stop()

	var f Frame
	require.True(t, ingest.WaitAndPop(&f, time.Second))
	assert.Equal(t, 0, f.Index)
	assert.False(t, ingest.WaitAndPop(&f, 50*time.Millisecond), "mismatched shape must be dropped")
}

type toggleState struct {
	acquiring atomic.Bool
}

func (s *toggleState) Acquiring() bool { return s.acquiring.Load() }

func TestClientWaitsWhileNotAcquiring(t *testing.T) {
	sock := &fakeSocket{
		headers:  [][]byte{header1(0, 2, 1, 1)},
		payloads: [][]byte{u16Payload(1, 1, 9)},
	}
	state := &toggleState{}
	ingest := queue.New[Frame](0)
	c := New(sock, state, ingest, 1, zap.NewNop())
	c.Start()
	defer c.Stop()

	var f Frame
	assert.False(t, ingest.WaitAndPop(&f, 30*time.Millisecond), "must not receive while not acquiring")

	state.acquiring.Store(true)
	require.True(t, ingest.WaitAndPop(&f, time.Second))
	assert.Equal(t, uint16(9), f.Pixels.At(0, 0))
}
