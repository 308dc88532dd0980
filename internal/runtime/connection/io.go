package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/frame"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// WriteProtocolHeader opens the conversation with the peer.
func (c *Connection) WriteProtocolHeader() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := frame.WriteProtocolHeader(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteFrame encodes and sends one frame.
func (c *Connection) WriteFrame(channel uint16, p frame.PayloadWriter) error {
	return c.WriteFrames(channel, p)
}

// WriteMethod sends one method frame. It matches session.ReplyFunc.
func (c *Connection) WriteMethod(channel uint16, m frame.Method) error {
	return c.WriteFrame(channel, m)
}

// WriteFrames sends ps back to back on channel; no other frame is written in
// between.
func (c *Connection) WriteFrames(channel uint16, ps ...frame.PayloadWriter) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for _, p := range ps {
		n, err := frame.Encode(c.scratch, channel, p)
		if err != nil {
			return fmt.Errorf("encode %s frame for channel %d: %w", p.FrameType(), channel, err)
		}
		if _, err := c.w.Write(c.scratch[:n]); err != nil {
			return err
		}
		c.metrics.FrameEncoded(p.FrameType().String())
	}
	return c.w.Flush()
}

// WriteContent sends a method followed by its content header and body, the
// body split to fit frame-max.
func (c *Connection) WriteContent(channel uint16, method frame.Method, header frame.ContentHeader, body []byte) error {
	header.BodySize = uint64(len(body))
	chunks := frame.SplitBody(body, c.cfg.FrameMax)
	ps := make([]frame.PayloadWriter, 0, 2+len(chunks))
	ps = append(ps, method, header)
	for _, chunk := range chunks {
		ps = append(ps, chunk)
	}
	return c.WriteFrames(channel, ps...)
}

// WriteHeartbeat sends the pre-built heartbeat frame.
func (c *Connection) WriteHeartbeat() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(frame.HeartbeatFrame()); err != nil {
		return err
	}
	c.metrics.FrameEncoded(frame.TypeHeartbeat.String())
	return c.w.Flush()
}

// ReadLoop decodes frames until the stream fails or the connection closes.
// Heartbeats only refresh liveness, channel 0 goes to the ControlHandler and
// everything else to the owning session. A decode error is fatal: every
// session is shut down with a library reason carrying it.
func (c *Connection) ReadLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			if c.closing() {
				return nil
			}
			return err
		}
		f, err := c.reader.ReadFrame()
		if err != nil {
			if c.closing() {
				return nil
			}
			c.fail(err)
			return err
		}
		c.touch()

		switch {
		case f.Type == frame.TypeHeartbeat:
			f.Release()
		case f.Channel == 0:
			if err := c.handleControl(f); err != nil {
				c.fail(err)
				return err
			}
		default:
			c.route(f)
		}
	}
}

func (c *Connection) handleControl(f frame.Frame) error {
	if c.control == nil {
		c.logger.Debug("Dropping control frame, no handler", logging.LogFields{"frame_type": f.Type.String()})
		f.Release()
		return nil
	}
	return c.control.HandleControl(f)
}

// route hands f to the session owning its channel.
func (c *Connection) route(f frame.Frame) {
	s, err := c.registry.Lookup(f.Channel)
	if err != nil {
		c.logger.Debug("Dropping frame for unknown channel", logging.LogFields{
			"channel":    f.Channel,
			"frame_type": f.Type.String(),
		})
		f.Release()
		return
	}

	err = s.HandleFrame(f)
	switch {
	case err == nil:
	case errors.Is(err, errspkg.ErrUnexpectedFrame), errors.Is(err, errspkg.ErrMalformedFrame):
		reason := shutdown.LibraryError(shutdown.ReplyUnexpected, err)
		if qErr := c.QuiesceChannel(f.Channel, reason); qErr != nil {
			c.logger.Error("Failed to quiesce channel", qErr, logging.LogFields{"channel": f.Channel})
		}
	case errors.Is(err, errspkg.ErrSessionClosed):
		c.logger.Trace("Frame for closing channel", logging.LogFields{"channel": f.Channel})
	default:
		c.logger.Error("Channel failed to handle frame", err, logging.LogFields{"channel": f.Channel})
	}
}

// Run drives the connection: the read loop, the heartbeat loop when
// heartbeats are enabled, and a watcher closing the stream once ctx ends.
// It returns the first error.
func (c *Connection) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.ReadLoop(gctx)
	})
	if !c.cfg.HeartbeatDisabled && c.cfg.Heartbeat > 0 {
		g.Go(func() error {
			return c.heartbeatLoop(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			if !c.closing() {
				_ = c.Close(shutdown.ApplicationClose("context done"))
			}
		case <-c.signal.Done():
		}
		return nil
	})

	return g.Wait()
}

// heartbeatLoop sends a heartbeat every half interval and fails the
// connection when nothing arrived for two intervals.
func (c *Connection) heartbeatLoop(ctx context.Context) error {
	interval := c.cfg.Heartbeat
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.signal.Done():
			return nil
		case <-ticker.C:
			if since := time.Since(c.LastRead()); since > 2*interval {
				err := fmt.Errorf("%w: nothing received for %s", errspkg.ErrHeartbeatTimeout, since.Round(time.Millisecond))
				c.fail(err)
				return err
			}
			if err := c.WriteHeartbeat(); err != nil {
				if c.closing() {
					return nil
				}
				c.fail(err)
				return err
			}
		}
	}
}
