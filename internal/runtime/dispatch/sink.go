package dispatch

import "fmt"

// Keys of the detail map handed to an ExceptionSink.
const (
	DetailConsumer = "consumer"
	DetailContext  = "context"
	DetailChannel  = "channel"
)

// ExceptionSink receives failures of consumer callbacks. It is called on the
// dispatch goroutine.
type ExceptionSink interface {
	OnCallbackException(err error, detail map[string]any)
}

// SinkFunc adapts a function to ExceptionSink.
type SinkFunc func(err error, detail map[string]any)

func (f SinkFunc) OnCallbackException(err error, detail map[string]any) {
	f(err, detail)
}

// CallbackError wraps the failure of one consumer callback.
type CallbackError struct {
	Consumer string
	Callback string
	Channel  uint16
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("amqpcore: %s.%s on channel %d failed: %v", e.Consumer, e.Callback, e.Channel, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// PanicError is the error recorded for a callback that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}
