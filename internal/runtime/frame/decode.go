package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/drblury/amqpcore/internal/runtime/bufpool"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/metrics"
)

// DefaultMaxPayload bounds payload allocation when no frame-max was
// negotiated yet.
const DefaultMaxPayload = 128 * 1024

type byteReader interface {
	io.Reader
	io.ByteReader
}

// Reader decodes frames from a byte stream. It is not safe for concurrent
// use; a connection has exactly one reader goroutine.
type Reader struct {
	src        byteReader
	pool       bufpool.Pool
	maxPayload uint32
	metrics    *metrics.Metrics
}

// ReaderOption customises a Reader.
type ReaderOption func(*Reader)

// WithPool sets the pool payloads are rented from.
func WithPool(pool bufpool.Pool) ReaderOption {
	return func(r *Reader) {
		if pool != nil {
			r.pool = pool
		}
	}
}

// WithMaxPayload rejects frames whose declared length exceeds n.
func WithMaxPayload(n uint32) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxPayload = n
		}
	}
}

// WithMetrics counts decoded frames and decode failures on m. A nil m
// records nothing.
func WithMetrics(m *metrics.Metrics) ReaderOption {
	return func(r *Reader) { r.metrics = m }
}

// NewReader wraps src. Sources that are not already byte readers get a
// bufio.Reader so the single-byte reads stay cheap.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	br, ok := src.(byteReader)
	if !ok {
		br = bufio.NewReader(src)
	}
	r := &Reader{
		src:        br,
		pool:       bufpool.Default(),
		maxPayload: DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetMaxPayload changes the limit once frame-max has been negotiated.
func (r *Reader) SetMaxPayload(n uint32) {
	if n > 0 {
		r.maxPayload = n
	}
}

// ReadFrame blocks until one whole frame has been read. On success the
// caller owns the returned payload. On every error path the payload, if one
// was rented, has already been released.
func (r *Reader) ReadFrame() (Frame, error) {
	f, err := r.readFrame()
	if err != nil {
		r.metrics.FrameError(errorReason(err))
		return Frame{}, err
	}
	r.metrics.FrameDecoded(f.Type.String(), f.Payload.Len())
	return f, nil
}

func (r *Reader) readFrame() (Frame, error) {
	first, err := r.src.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, errspkg.ErrPossibleAuthenticationFailure
		}
		return Frame{}, err
	}

	if first == ProtocolHeader[0] {
		return Frame{}, r.readVersionMismatch()
	}

	typ := Type(first)
	if !typ.Valid() {
		return Frame{}, &errspkg.MalformedFrameError{Reason: fmt.Sprintf("unknown frame type %d", first)}
	}

	var hdr [HeaderSize - 1]byte
	if n, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return Frame{}, shortRead(err, "truncated frame header", len(hdr), n)
	}
	channel := binary.BigEndian.Uint16(hdr[0:2])
	length := binary.BigEndian.Uint32(hdr[2:6])

	if length > r.maxPayload {
		return Frame{}, &errspkg.MalformedFrameError{
			Reason: fmt.Sprintf("payload length %d exceeds limit %d", length, r.maxPayload),
		}
	}

	payload := bufpool.NewPayload(r.pool, int(length))
	if length > 0 {
		if n, err := io.ReadFull(r.src, payload.Bytes()); err != nil {
			payload.Release()
			return Frame{}, shortRead(err, "truncated payload", int(length), n)
		}
	}

	end, err := r.src.ReadByte()
	if err != nil {
		payload.Release()
		return Frame{}, shortRead(err, "missing frame end marker", 1, 0)
	}
	if end != FrameEnd {
		payload.Release()
		return Frame{}, &errspkg.MalformedFrameError{Reason: fmt.Sprintf("bad frame end marker 0x%02x", end)}
	}

	return Frame{Type: typ, Channel: channel, Payload: payload}, nil
}

// readVersionMismatch consumes the rest of a protocol header sent by a peer
// that rejected our version.
func (r *Reader) readVersionMismatch() error {
	var rest [len(ProtocolHeader) - 1]byte
	if n, err := io.ReadFull(r.src, rest[:]); err != nil {
		return shortRead(err, "truncated protocol header", len(rest), n)
	}
	if string(rest[:3]) != ProtocolHeader[1:4] {
		return &errspkg.MalformedFrameError{Reason: "invalid protocol header"}
	}
	return &errspkg.ProtocolVersionMismatchError{Major: rest[4], Minor: rest[5], Revision: rest[6]}
}

func shortRead(err error, reason string, expected, received int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &errspkg.MalformedFrameError{Reason: reason, Expected: expected, Received: received}
	}
	return err
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, errspkg.ErrPossibleAuthenticationFailure):
		return "eof"
	case errors.Is(err, errspkg.ErrProtocolVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, errspkg.ErrMalformedFrame):
		return "malformed"
	default:
		return "io"
	}
}

// Decode reads a single frame from src. An src that is already an
// io.ByteReader is read exactly up to the frame end. Any other io.Reader is
// wrapped in a bufio.Reader that may read ahead past the frame, and those
// bytes are lost when Decode returns; decode streams through NewReader.
func Decode(src io.Reader, opts ...ReaderOption) (Frame, error) {
	return NewReader(src, opts...).ReadFrame()
}
