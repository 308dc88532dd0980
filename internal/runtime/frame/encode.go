package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
)

// PayloadWriter serializes one frame payload.
type PayloadWriter interface {
	FrameType() Type
	// MaxPayloadSize is the worst-case payload length.
	MaxPayloadSize() int
	// WritePayload writes into dst, which holds at least MaxPayloadSize
	// bytes, and returns the bytes written.
	WritePayload(dst []byte) (int, error)
}

// MaxFrameSize is the buffer size Encode needs for p.
func MaxFrameSize(p PayloadWriter) int {
	return Overhead + p.MaxPayloadSize()
}

// Encode writes one frame for p on channel into dst and returns its exact
// length. dst must hold MaxFrameSize(p) bytes; nothing is allocated.
func Encode(dst []byte, channel uint16, p PayloadWriter) (int, error) {
	need := MaxFrameSize(p)
	if len(dst) < need {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", errspkg.ErrShortBuffer, need, len(dst))
	}

	dst[0] = byte(p.FrameType())
	binary.BigEndian.PutUint16(dst[1:3], channel)
	n, err := p.WritePayload(dst[HeaderSize : need-1])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(dst[3:HeaderSize], uint32(n))
	dst[HeaderSize+n] = FrameEnd
	return HeaderSize + n + 1, nil
}

// Method is a method frame payload. Args holds the already serialized
// method arguments.
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     []byte
}

func (m Method) FrameType() Type     { return TypeMethod }
func (m Method) MaxPayloadSize() int { return methodHeaderSize + len(m.Args) }

func (m Method) WritePayload(dst []byte) (int, error) {
	binary.BigEndian.PutUint16(dst[0:2], m.ClassID)
	binary.BigEndian.PutUint16(dst[2:4], m.MethodID)
	return methodHeaderSize + copy(dst[methodHeaderSize:], m.Args), nil
}

// ContentHeader is a content header payload. Properties holds the already
// serialized property flags and values.
type ContentHeader struct {
	ClassID    uint16
	BodySize   uint64
	Properties []byte
}

func (h ContentHeader) FrameType() Type     { return TypeHeader }
func (h ContentHeader) MaxPayloadSize() int { return contentHeaderSize + len(h.Properties) }

func (h ContentHeader) WritePayload(dst []byte) (int, error) {
	binary.BigEndian.PutUint16(dst[0:2], h.ClassID)
	binary.BigEndian.PutUint16(dst[2:4], 0)
	binary.BigEndian.PutUint64(dst[4:12], h.BodySize)
	return contentHeaderSize + copy(dst[contentHeaderSize:], h.Properties), nil
}

// Body is one body frame payload, copied verbatim.
type Body []byte

func (b Body) FrameType() Type     { return TypeBody }
func (b Body) MaxPayloadSize() int { return len(b) }

func (b Body) WritePayload(dst []byte) (int, error) {
	return copy(dst, b), nil
}

// Heartbeat is the empty heartbeat payload. Prefer HeartbeatFrame when the
// whole frame is needed.
type Heartbeat struct{}

func (Heartbeat) FrameType() Type                     { return TypeHeartbeat }
func (Heartbeat) MaxPayloadSize() int                 { return 0 }
func (Heartbeat) WritePayload(dst []byte) (int, error) { return 0, nil }

var heartbeatFrame = [Overhead]byte{byte(TypeHeartbeat), 0, 0, 0, 0, 0, 0, FrameEnd}

// HeartbeatFrame returns the pre-built heartbeat frame on channel 0. The
// slice is shared and must not be modified.
func HeartbeatFrame() []byte {
	return heartbeatFrame[:]
}

// SplitBody cuts body into chunks that each fit one body frame under
// frameMax, where frameMax counts the frame overhead. An empty body yields
// no chunks.
func SplitBody(body []byte, frameMax uint32) []Body {
	if len(body) == 0 {
		return nil
	}
	chunk := len(body)
	if frameMax > Overhead && int(frameMax)-Overhead < chunk {
		chunk = int(frameMax) - Overhead
	}
	out := make([]Body, 0, (len(body)+chunk-1)/chunk)
	for start := 0; start < len(body); start += chunk {
		end := min(start+chunk, len(body))
		out = append(out, Body(body[start:end]))
	}
	return out
}

// WriteProtocolHeader sends the client protocol header.
func WriteProtocolHeader(w io.Writer) error {
	_, err := io.WriteString(w, ProtocolHeader)
	return err
}
