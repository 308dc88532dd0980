package dispatch

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
)

// Consumer receives the callbacks of one subscription. Every method runs on
// the channel's dispatch goroutine; a returned error or a panic is reported
// to the queue's ExceptionSink.
type Consumer interface {
	HandleBasicDeliver(ctx context.Context, d Deliver) error
	HandleBasicCancel(ctx context.Context, c Cancel) error
	HandleBasicCancelOk(ctx context.Context, c CancelOk) error
	HandleBasicConsumeOk(ctx context.Context, c ConsumeOk) error
	HandleModelShutdown(ctx context.Context, s Shutdown) error
}

// ConfirmListener receives publisher confirms. Consumers implement it
// optionally.
type ConfirmListener interface {
	HandleBasicAck(ctx context.Context, a Ack) error
	HandleBasicNack(ctx context.Context, n Nack) error
}

// NopConsumer ignores every callback. Embed it to implement only the
// callbacks a consumer cares about.
type NopConsumer struct{}

func (NopConsumer) HandleBasicDeliver(context.Context, Deliver) error     { return nil }
func (NopConsumer) HandleBasicCancel(context.Context, Cancel) error       { return nil }
func (NopConsumer) HandleBasicCancelOk(context.Context, CancelOk) error   { return nil }
func (NopConsumer) HandleBasicConsumeOk(context.Context, ConsumeOk) error { return nil }
func (NopConsumer) HandleModelShutdown(context.Context, Shutdown) error   { return nil }

// ConsumerFuncs adapts plain functions to Consumer. Nil fields ignore their
// callback.
type ConsumerFuncs struct {
	Name       string
	OnDeliver  func(ctx context.Context, d Deliver) error
	OnCancel   func(ctx context.Context, c Cancel) error
	OnShutdown func(ctx context.Context, s Shutdown) error
}

func (f ConsumerFuncs) HandleBasicDeliver(ctx context.Context, d Deliver) error {
	if f.OnDeliver == nil {
		return nil
	}
	return f.OnDeliver(ctx, d)
}

func (f ConsumerFuncs) HandleBasicCancel(ctx context.Context, c Cancel) error {
	if f.OnCancel == nil {
		return nil
	}
	return f.OnCancel(ctx, c)
}

func (f ConsumerFuncs) HandleBasicCancelOk(context.Context, CancelOk) error   { return nil }
func (f ConsumerFuncs) HandleBasicConsumeOk(context.Context, ConsumeOk) error { return nil }

func (f ConsumerFuncs) HandleModelShutdown(ctx context.Context, s Shutdown) error {
	if f.OnShutdown == nil {
		return nil
	}
	return f.OnShutdown(ctx, s)
}

func (f ConsumerFuncs) String() string {
	if f.Name == "" {
		return "ConsumerFuncs"
	}
	return f.Name
}

// ConfirmConsumer turns a ConfirmListener into a Consumer so confirms can
// travel through a dispatch queue.
type ConfirmConsumer struct {
	NopConsumer
	ConfirmListener
}

func (c ConfirmConsumer) String() string {
	return "confirms:" + ConsumerName(c.ConfirmListener)
}

// ConsumerName labels a consumer in logs and exception details.
func ConsumerName(c any) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", c)
}

// invoke routes ev to the matching callback of c.
func invoke(ctx context.Context, c Consumer, ev Event) error {
	switch ev := ev.(type) {
	case Deliver:
		return c.HandleBasicDeliver(ctx, ev)
	case Cancel:
		return c.HandleBasicCancel(ctx, ev)
	case CancelOk:
		return c.HandleBasicCancelOk(ctx, ev)
	case ConsumeOk:
		return c.HandleBasicConsumeOk(ctx, ev)
	case Shutdown:
		return c.HandleModelShutdown(ctx, ev)
	case Ack:
		cl, ok := c.(ConfirmListener)
		if !ok {
			return errspkg.ErrConfirmsNotSupported
		}
		return cl.HandleBasicAck(ctx, ev)
	case Nack:
		cl, ok := c.(ConfirmListener)
		if !ok {
			return errspkg.ErrConfirmsNotSupported
		}
		return cl.HandleBasicNack(ctx, ev)
	default:
		return fmt.Errorf("dispatch: unhandled event %T", ev)
	}
}
