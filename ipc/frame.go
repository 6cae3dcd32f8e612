// Package ipc implements the framed socket transport for the kernel.
//
// Every message on the wire is a length-prefixed frame:
//
//	[4 bytes frame length, big-endian uint32] [1 byte type] [payload]
//
// The length covers the type byte and the payload but not the prefix
// itself, so the smallest legal frame declares length 1 (a bare type
// byte). Request and response payloads are JSON; stream chunks are
// opaque bytes.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type constants.
const (
	// MsgTypeRequest carries a JSON-encoded method call, client to server.
	MsgTypeRequest byte = 0x01

	// MsgTypeResponse carries a JSON-encoded result, server to client.
	MsgTypeResponse byte = 0x02

	// MsgTypeStreamChunk carries one element of a streamed response.
	// The server sends zero or more chunks followed by a stream end.
	MsgTypeStreamChunk byte = 0x03

	// MsgTypeStreamEnd terminates a streamed response. Empty payload.
	MsgTypeStreamEnd byte = 0x04

	// MsgTypeError carries a JSON-encoded error, server to client.
	MsgTypeError byte = 0xFF
)

// DefaultMaxFrameLength is the frame length cap used when no limit is
// configured. Both ends of a connection must agree on the limit: a writer
// configured above the reader's limit produces frames the reader rejects.
const DefaultMaxFrameLength = 16 * 1024 * 1024

// Frame is a single framed message.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes one framed message to w. Payloads that would push the
// declared frame length past limit are refused before anything is written.
func WriteFrame(w io.Writer, frame Frame, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxFrameLength
	}
	if len(frame.Payload) > limit-1 {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(frame.Payload), limit-1)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(1+len(frame.Payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write([]byte{frame.Type}); err != nil {
		return fmt.Errorf("write frame type: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r. A declared length of zero
// is malformed: every frame carries at least its type byte. A declared
// length above limit is rejected without reading the body.
func ReadFrame(r io.Reader, limit int) (Frame, error) {
	if limit <= 0 {
		limit = DefaultMaxFrameLength
	}
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("frame length 0 is too short: a frame carries at least a type byte")
	}
	if length > uint32(limit) {
		return Frame{}, fmt.Errorf("frame length %d exceeds maximum %d", length, limit)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	return Frame{Type: body[0], Payload: body[1:]}, nil
}
