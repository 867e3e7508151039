package daq

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// TCPSocket is the concrete daq.Socket used by cmd/reconserver: a
// length-prefixed framing (4-byte big-endian length + payload) over a
// plain net.Conn, carrying the metadata/payload message pairs a DAQ client
// expects.
type TCPSocket struct {
	conn    net.Conn
	timeout time.Duration
}

// DialTCPSocket connects to addr with the given per-read timeout.
func DialTCPSocket(addr string, timeout time.Duration) (*TCPSocket, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("daq: dial %s: %w", addr, err)
	}
	return &TCPSocket{conn: conn, timeout: timeout}, nil
}

func (s *TCPSocket) readFrame() ([]byte, error) {
	if s.timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil // benign would-block, matches Socket's contract
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReceiveHeader reads one length-prefixed JSON metadata frame.
func (s *TCPSocket) ReceiveHeader() ([]byte, error) { return s.readFrame() }

// ReceivePayload reads one length-prefixed raw pixel frame.
func (s *TCPSocket) ReceivePayload() ([]byte, error) {
	buf, err := s.readFrame()
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, fmt.Errorf("daq: payload frame timed out mid-pair")
	}
	return buf, nil
}

// Close closes the underlying connection.
func (s *TCPSocket) Close() error { return s.conn.Close() }
