// Package mux implements a single-link stream multiplexer: a
// DialStream() call per logical connection, independent per-stream and
// per-session flow control, a cap on concurrent streams, and
// session-wide failure propagation.
//
// The wire frame format here is the multiplexer's own concern and is
// distinct from the ATYP-encoded target-address header written by the
// ingress layer as ordinary stream payload once a stream is open — the
// multiplexer never interprets it, mirroring xray-core's common/mux
// frame/session split but simplified to plain io.Reader/io.Writer plus
// channels instead of xray's internal buf/pipe buffer-pooling layer.
package mux

import (
	"encoding/binary"
	"io"

	"github.com/ech-tunnel/echtun/common/errors"
)

// FrameType identifies what a frame carries.
type FrameType uint8

const (
	// FrameNew opens a new stream. Payload is empty; the target
	// address header is sent as the first Data frame.
	FrameNew FrameType = 0x01
	// FrameData carries stream payload bytes.
	FrameData FrameType = 0x02
	// FrameWindowUpdate grants additional send-window to the peer.
	// Payload is a 4-byte big-endian increment.
	FrameWindowUpdate FrameType = 0x03
	// FrameClose half-closes a stream (no more data from the sender).
	FrameClose FrameType = 0x04
	// FrameReset aborts a stream immediately, both directions.
	FrameReset FrameType = 0x05
)

// frameHeaderLen is 2 (length) + 2 (stream id) + 1 (type).
const frameHeaderLen = 5

// maxFramePayload is the largest payload carried by a single frame (the
// most the 2-byte length field can express); larger writes are split
// across multiple frames.
const maxFramePayload = 0xFFFF

// Frame is one multiplexer wire unit.
type Frame struct {
	StreamID uint16
	Type     FrameType
	Payload  []byte
}

// WriteTo serializes f onto w.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	if len(f.Payload) > 0xFFFF {
		return 0, errors.New("mux frame payload exceeds 65535 bytes").
			AtKind(errors.KindProtocolViolation)
	}
	header := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint16(header[0:2], uint16(len(f.Payload)))
	binary.BigEndian.PutUint16(header[2:4], f.StreamID)
	header[4] = byte(f.Type)

	if _, err := w.Write(header); err != nil {
		return 0, err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return int64(len(header)), err
		}
	}
	return int64(len(header) + len(f.Payload)), nil
}

// ReadFrame deserializes one Frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[0:2])
	f := &Frame{
		StreamID: binary.BigEndian.Uint16(header[2:4]),
		Type:     FrameType(header[4]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// splitPayload yields payload in chunks no larger than maxFramePayload,
// so a single logical write never produces an oversized frame.
func splitPayload(payload []byte) [][]byte {
	if len(payload) <= maxFramePayload {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := maxFramePayload
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
