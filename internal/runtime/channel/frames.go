package channel

import (
	"fmt"

	"github.com/drblury/amqpcore/internal/runtime/dispatch"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/frame"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/session"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

func unexpected(f frame.Frame, why string) error {
	return fmt.Errorf("%w: %s frame on channel %d: %s", errspkg.ErrUnexpectedFrame, f.Type, f.Channel, why)
}

// HandleFrame consumes one inbound frame and releases its payload. It runs on
// the connection's reader goroutine and never waits for a callback.
func (c *Channel) HandleFrame(f frame.Frame) error {
	if _, fired := c.signal.Fired(); fired {
		f.Release()
		return errspkg.ChannelError(errspkg.ErrSessionClosed, c.id)
	}

	switch f.Type {
	case frame.TypeMethod:
		return c.handleMethod(f)
	case frame.TypeHeader:
		return c.handleHeader(f)
	case frame.TypeBody:
		return c.handleBody(f)
	default:
		f.Release()
		return unexpected(f, "not valid on a channel")
	}
}

func (c *Channel) handleMethod(f frame.Frame) error {
	defer f.Release()
	if c.pending != nil {
		return unexpected(f, "content frames expected")
	}

	mh, args, err := frame.ParseMethod(f.Bytes())
	if err != nil {
		return err
	}
	ev, err := c.decoder.Decode(mh, args)
	if err != nil {
		return fmt.Errorf("decode method %s on channel %d: %w", mh, c.id, err)
	}
	if ev == nil {
		return nil
	}
	if d, ok := ev.(dispatch.Deliver); ok {
		c.pending = &content{deliver: d}
		return nil
	}
	return c.dispatch(ev)
}

func (c *Channel) handleHeader(f frame.Frame) error {
	defer f.Release()
	if c.pending == nil || c.pending.haveHeader {
		return unexpected(f, "no delivery awaiting a content header")
	}

	info, props, err := frame.ParseContentHeader(f.Bytes())
	if err != nil {
		return err
	}
	p := c.pending
	p.haveHeader = true
	p.bodySize = info.BodySize
	p.deliver.Properties = append([]byte(nil), props...)
	if p.bodySize == 0 {
		return c.complete()
	}
	return nil
}

func (c *Channel) handleBody(f frame.Frame) error {
	p := c.pending
	if p == nil || !p.haveHeader {
		f.Release()
		return unexpected(f, "no delivery awaiting a body")
	}
	if uint64(len(p.body))+uint64(f.Payload.Len()) > p.bodySize {
		f.Release()
		return unexpected(f, fmt.Sprintf("body exceeds declared size %d", p.bodySize))
	}

	if p.body == nil && uint64(f.Payload.Len()) == p.bodySize {
		p.body = f.Payload.Detach()
	} else {
		if p.body == nil {
			p.body = make([]byte, 0, p.bodySize)
		}
		p.body = append(p.body, f.Bytes()...)
		f.Release()
	}

	if uint64(len(p.body)) == p.bodySize {
		return c.complete()
	}
	return nil
}

func (c *Channel) complete() error {
	p := c.pending
	c.pending = nil
	p.deliver.Body = p.body
	if p.deliver.Body == nil {
		p.deliver.Body = []byte{}
	}
	return c.dispatch(p.deliver)
}

// dispatch routes a decoded event to its consumer's queue.
func (c *Channel) dispatch(ev dispatch.Event) error {
	switch ev := ev.(type) {
	case dispatch.Deliver:
		consumer, err := c.lookup(ev.ConsumerTag)
		if err != nil {
			return err
		}
		return c.queue.Enqueue(consumer, ev)
	case dispatch.ConsumeOk:
		consumer, err := c.lookup(ev.ConsumerTag)
		if err != nil {
			return err
		}
		return c.queue.Enqueue(consumer, ev)
	case dispatch.Cancel:
		consumer, ok := c.UnregisterConsumer(ev.ConsumerTag)
		if !ok {
			return fmt.Errorf("%w: tag %q on channel %d", errspkg.ErrConsumerNotFound, ev.ConsumerTag, c.id)
		}
		return c.queue.Enqueue(consumer, ev)
	case dispatch.CancelOk:
		consumer, ok := c.UnregisterConsumer(ev.ConsumerTag)
		if !ok {
			return fmt.Errorf("%w: tag %q on channel %d", errspkg.ErrConsumerNotFound, ev.ConsumerTag, c.id)
		}
		return c.queue.Enqueue(consumer, ev)
	case dispatch.Ack, dispatch.Nack:
		c.mu.Lock()
		listener := c.confirms
		c.mu.Unlock()
		if listener == nil {
			c.logger.Debug("Dropping publisher confirm, no listener", logging.LogFields{"kind": ev.Kind().String()})
			return nil
		}
		return c.queue.Enqueue(dispatch.ConfirmConsumer{ConfirmListener: listener}, ev)
	case dispatch.Shutdown:
		return c.peerClose(ev.Reason)
	default:
		return fmt.Errorf("amqpcore: unhandled event %T on channel %d", ev, c.id)
	}
}

// peerClose answers a channel.close from the peer and shuts the channel down.
func (c *Channel) peerClose(reason shutdown.Reason) error {
	var err error
	if c.reply != nil {
		err = c.reply(c.id, frame.Method{ClassID: session.ClassChannel, MethodID: session.MethodChannelCloseOk})
	}
	c.signal.Fire(reason)
	return err
}
