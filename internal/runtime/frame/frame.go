// Package frame implements the AMQP 0-9-1 frame codec.
//
// Wire layout, all integers big-endian:
//
//	[1 type][2 channel][4 payload length][payload][1 frame-end 0xCE]
//
// Decoded payloads are rented from a bufpool.Pool and owned by whoever holds
// the Frame; encoding writes into a caller-supplied buffer without allocating.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/drblury/amqpcore/internal/runtime/bufpool"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
)

// Type is the first byte of every frame.
type Type byte

const (
	TypeMethod    Type = 1
	TypeHeader    Type = 2
	TypeBody      Type = 3
	TypeHeartbeat Type = 8
)

const (
	// FrameEnd terminates every frame.
	FrameEnd byte = 0xCE
	// HeaderSize is type + channel + length.
	HeaderSize = 7
	// Overhead is the number of non-payload bytes in a frame.
	Overhead = HeaderSize + 1

	// ProtocolHeader opens an AMQP 0-9-1 connection.
	ProtocolHeader = "AMQP\x00\x00\x09\x01"

	methodHeaderSize  = 4
	contentHeaderSize = 12
)

func (t Type) Valid() bool {
	switch t {
	case TypeMethod, TypeHeader, TypeBody, TypeHeartbeat:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypeMethod:
		return "method"
	case TypeHeader:
		return "header"
	case TypeBody:
		return "body"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Frame is one decoded frame. Payload is owned by the holder of the Frame
// and must be released exactly once.
type Frame struct {
	Type    Type
	Channel uint16
	Payload *bufpool.Payload
}

// Release hands the payload back to its pool.
func (f Frame) Release() {
	if f.Payload != nil {
		f.Payload.Release()
	}
}

// Bytes returns the payload bytes, or nil for a frame without payload.
func (f Frame) Bytes() []byte {
	if f.Payload == nil {
		return nil
	}
	return f.Payload.Bytes()
}

// MethodHeader identifies a protocol method.
type MethodHeader struct {
	ClassID  uint16
	MethodID uint16
}

func (m MethodHeader) String() string {
	return fmt.Sprintf("%d.%d", m.ClassID, m.MethodID)
}

// ParseMethod splits a method payload into its header and argument bytes.
// The returned slice aliases payload.
func ParseMethod(payload []byte) (MethodHeader, []byte, error) {
	if len(payload) < methodHeaderSize {
		return MethodHeader{}, nil, &errspkg.MalformedFrameError{
			Reason:   "method payload too short",
			Expected: methodHeaderSize,
			Received: len(payload),
		}
	}
	return MethodHeader{
		ClassID:  binary.BigEndian.Uint16(payload[0:2]),
		MethodID: binary.BigEndian.Uint16(payload[2:4]),
	}, payload[methodHeaderSize:], nil
}

// ContentHeaderInfo is the fixed part of a content header payload.
type ContentHeaderInfo struct {
	ClassID  uint16
	BodySize uint64
}

// ParseContentHeader splits a content header payload into its fixed part and
// property bytes. The returned slice aliases payload.
func ParseContentHeader(payload []byte) (ContentHeaderInfo, []byte, error) {
	if len(payload) < contentHeaderSize {
		return ContentHeaderInfo{}, nil, &errspkg.MalformedFrameError{
			Reason:   "content header payload too short",
			Expected: contentHeaderSize,
			Received: len(payload),
		}
	}
	return ContentHeaderInfo{
		ClassID:  binary.BigEndian.Uint16(payload[0:2]),
		BodySize: binary.BigEndian.Uint64(payload[4:12]),
	}, payload[contentHeaderSize:], nil
}
