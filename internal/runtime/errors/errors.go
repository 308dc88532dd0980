package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrMalformedFrame                = sterrors.New("amqpcore: malformed frame")
	ErrProtocolVersionMismatch       = sterrors.New("amqpcore: protocol version mismatch")
	ErrPossibleAuthenticationFailure = sterrors.New("amqpcore: end of stream before frame start, possible authentication failure")
	ErrShortBuffer                   = sterrors.New("amqpcore: destination buffer too small for frame")
	ErrUnexpectedFrame               = sterrors.New("amqpcore: unexpected frame")
	ErrHeartbeatTimeout              = sterrors.New("amqpcore: peer missed heartbeats")
	ErrConnectionClosed              = sterrors.New("amqpcore: connection closed")

	ErrChannelAllocationExhausted = sterrors.New("amqpcore: no free channel ids")
	ErrChannelAllocationConflict  = sterrors.New("amqpcore: channel id unavailable")
	ErrChannelNotFound            = sterrors.New("amqpcore: channel not found")
	ErrChannelMismatch            = sterrors.New("amqpcore: session channel number does not match")
	ErrSessionClosed              = sterrors.New("amqpcore: session already shut down")

	ErrDispatchQueueClosed  = sterrors.New("amqpcore: dispatch queue closed")
	ErrDispatchQueueOpen    = sterrors.New("amqpcore: dispatch queue still open")
	ErrConfirmsNotSupported = sterrors.New("amqpcore: consumer does not handle publisher confirms")
	ErrConsumerNotFound     = sterrors.New("amqpcore: consumer not registered")

	ErrConfigRequired    = sterrors.New("amqpcore: configuration is required")
	ErrTransportRequired = sterrors.New("amqpcore: transport is required")
	ErrDecoderRequired   = sterrors.New("amqpcore: method decoder is required")
	ErrUnknownTransport  = sterrors.New("amqpcore: unknown transport")
	ErrNoListener        = sterrors.New("amqpcore: nothing listening on address")
	ErrPublisherRequired = sterrors.New("amqpcore: publisher is required")
	ErrTopicRequired     = sterrors.New("amqpcore: topic is required")
)

// MalformedFrameError describes a frame that violates the wire layout.
// Expected and Received are byte counts and are only set for short reads.
type MalformedFrameError struct {
	Reason   string
	Expected int
	Received int
}

func (e *MalformedFrameError) Error() string {
	if e.Expected > 0 || e.Received > 0 {
		return fmt.Sprintf("%s: %s (expected %d bytes, received %d)", ErrMalformedFrame, e.Reason, e.Expected, e.Received)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedFrame, e.Reason)
}

func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// ProtocolVersionMismatchError carries the version a peer proposed when it
// answered with a protocol header instead of a frame.
type ProtocolVersionMismatchError struct {
	Major    byte
	Minor    byte
	Revision byte
}

func (e *ProtocolVersionMismatchError) Error() string {
	return fmt.Sprintf("%s: peer proposed %d-%d-%d", ErrProtocolVersionMismatch, e.Major, e.Minor, e.Revision)
}

func (e *ProtocolVersionMismatchError) Is(target error) bool {
	return target == ErrProtocolVersionMismatch
}

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "amqpcore: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ChannelError annotates a channel management sentinel with the channel id.
func ChannelError(sentinel error, channel uint16) error {
	return fmt.Errorf("%w: channel %d", sentinel, channel)
}
