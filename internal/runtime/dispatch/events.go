// Package dispatch runs consumer callbacks for one channel, in arrival order,
// on a goroutine separate from the connection reader.
package dispatch

import (
	"fmt"

	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// Kind enumerates the callback kinds a queue can dispatch.
type Kind int

const (
	KindDeliver Kind = iota
	KindCancel
	KindCancelOk
	KindConsumeOk
	KindShutdown
	KindAck
	KindNack
)

// CallbackName is the label used in exception details, metrics and spans.
func (k Kind) CallbackName() string {
	switch k {
	case KindDeliver:
		return "HandleBasicDeliver"
	case KindCancel:
		return "HandleBasicCancel"
	case KindCancelOk:
		return "HandleBasicCancelOk"
	case KindConsumeOk:
		return "HandleBasicConsumeOk"
	case KindShutdown:
		return "HandleModelShutdown"
	case KindAck:
		return "HandleBasicAck"
	case KindNack:
		return "HandleBasicNack"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) String() string { return k.CallbackName() }

// Event is one callback invocation waiting in a queue. The set of
// implementations is closed.
type Event interface {
	Kind() Kind
	event()
}

// Deliver carries one message. Body and Properties are owned by the event.
type Deliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  []byte
	Body        []byte
}

// Cancel reports a broker-initiated consumer cancellation.
type Cancel struct {
	ConsumerTag string
}

type CancelOk struct {
	ConsumerTag string
}

type ConsumeOk struct {
	ConsumerTag string
}

// Shutdown tells a consumer its channel closed.
type Shutdown struct {
	Reason shutdown.Reason
}

// Ack is a publisher confirm.
type Ack struct {
	DeliveryTag uint64
	Multiple    bool
}

// Nack is a negative publisher confirm.
type Nack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (Deliver) Kind() Kind   { return KindDeliver }
func (Cancel) Kind() Kind    { return KindCancel }
func (CancelOk) Kind() Kind  { return KindCancelOk }
func (ConsumeOk) Kind() Kind { return KindConsumeOk }
func (Shutdown) Kind() Kind  { return KindShutdown }
func (Ack) Kind() Kind       { return KindAck }
func (Nack) Kind() Kind      { return KindNack }

func (Deliver) event()   {}
func (Cancel) event()    {}
func (CancelOk) event()  {}
func (ConsumeOk) event() {}
func (Shutdown) event()  {}
func (Ack) event()       {}
func (Nack) event()      {}
