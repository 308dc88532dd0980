// Package connection wires the frame codec, the session registry and the
// channel sessions to one byte stream.
package connection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/amqpcore/internal/runtime/bufpool"
	"github.com/drblury/amqpcore/internal/runtime/channel"
	"github.com/drblury/amqpcore/internal/runtime/config"
	"github.com/drblury/amqpcore/internal/runtime/dispatch"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/frame"
	"github.com/drblury/amqpcore/internal/runtime/ids"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metrics"
	"github.com/drblury/amqpcore/internal/runtime/session"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// ControlHandler receives channel 0 frames other than heartbeats and owns
// their payload.
type ControlHandler interface {
	HandleControl(f frame.Frame) error
}

// ControlHandlerFunc adapts a function to ControlHandler.
type ControlHandlerFunc func(f frame.Frame) error

func (fn ControlHandlerFunc) HandleControl(f frame.Frame) error {
	return fn(f)
}

// ChannelCloser sends channel.close for a channel being quiesced. Method
// argument encoding lives outside this package.
type ChannelCloser func(channel uint16, reason shutdown.Reason) error

// Deps are the collaborators of a Connection. Decoder is required.
type Deps struct {
	Decoder channel.MethodDecoder
	Control ControlHandler
	Closer  ChannelCloser
	Sink    dispatch.ExceptionSink
	Pool    bufpool.Pool
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	Hooks   dispatch.Hooks
	Tracer  trace.Tracer
}

// Connection multiplexes channel sessions over one byte stream.
type Connection struct {
	id       string
	cfg      config.Config
	rwc      io.ReadWriteCloser
	reader   *frame.Reader
	registry *session.Registry
	signal   *shutdown.Signal
	pool     bufpool.Pool

	control ControlHandler
	closer  ChannelCloser
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	wmu     sync.Mutex
	w       *bufio.Writer
	scratch []byte

	lastRead  atomic.Int64
	closeOnce sync.Once
}

// New builds a connection over rwc. Nothing is read or written until
// Run or one of the write methods is called.
func New(rwc io.ReadWriteCloser, cfg config.Config, deps Deps) (*Connection, error) {
	if rwc == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if deps.Decoder == nil {
		return nil, errspkg.ErrDecoderRequired
	}
	cfg = cfg.WithDefaults()
	if err := errspkg.NewConfigValidationError(cfg.Validate()); err != nil {
		return nil, err
	}

	id := ids.ConnectionID()
	logger := logging.OrNop(deps.Logger).With(logging.LogFields{"connection": id})
	pool := deps.Pool
	if pool == nil {
		pool = bufpool.Default()
	}

	c := &Connection{
		id:      id,
		cfg:     cfg,
		rwc:     rwc,
		signal:  shutdown.New(),
		pool:    pool,
		control: deps.Control,
		closer:  deps.Closer,
		logger:  logger,
		metrics: deps.Metrics,
		w:       bufio.NewWriterSize(rwc, int(cfg.FrameMax)),
		scratch: make([]byte, cfg.FrameMax),
	}
	c.reader = frame.NewReader(rwc,
		frame.WithPool(pool),
		frame.WithMaxPayload(cfg.FrameMax-frame.Overhead),
		frame.WithMetrics(deps.Metrics),
	)
	c.registry = session.NewRegistry(cfg.ChannelMax,
		channel.Factory(deps.Decoder,
			channel.WithReply(c.WriteMethod),
			channel.WithExceptionSink(deps.Sink),
			channel.WithLogger(logger),
			channel.WithMetrics(deps.Metrics),
			channel.WithHooks(deps.Hooks),
			channel.WithTracer(deps.Tracer),
			channel.WithDrainTimeout(cfg.ShutdownDrainTimeout),
		),
		session.WithLogger(logger),
		session.WithMetrics(deps.Metrics),
	)
	c.touch()
	return c, nil
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Config() config.Config { return c.cfg }

func (c *Connection) Registry() *session.Registry { return c.registry }

func (c *Connection) Pool() bufpool.Pool { return c.pool }

// Shutdown fires when the connection closes or fails.
func (c *Connection) Shutdown() *shutdown.Signal { return c.signal }

func (c *Connection) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

// LastRead is when the last frame arrived.
func (c *Connection) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// OpenChannel binds a channel session to the lowest free id.
func (c *Connection) OpenChannel() (*channel.Channel, error) {
	s, err := c.registry.Open()
	if err != nil {
		return nil, err
	}
	return s.(*channel.Channel), nil
}

// OpenChannelWithID binds a channel session to id.
func (c *Connection) OpenChannelWithID(id uint16) (*channel.Channel, error) {
	s, err := c.registry.OpenWithID(id)
	if err != nil {
		return nil, err
	}
	return s.(*channel.Channel), nil
}

// Channels lists the live channel sessions ordered by id.
func (c *Connection) Channels() []*channel.Channel {
	var out []*channel.Channel
	for _, s := range c.registry.Sessions() {
		if ch, ok := s.(*channel.Channel); ok {
			out = append(out, ch)
		}
	}
	return out
}

// QuiesceChannel replaces the session on id with a quiescing one that only
// waits for the close handshake, asks the peer to close the channel and shuts
// the previous session down with reason.
func (c *Connection) QuiesceChannel(id uint16, reason shutdown.Reason) error {
	q := session.NewQuiescing(id, reason, c.WriteMethod, c.logger)
	previous, err := c.registry.Swap(id, q)
	if err != nil {
		return err
	}
	c.logger.Info("Quiescing channel", logging.LogFields{
		"channel":    id,
		"reply_code": reason.ReplyCode,
		"reason":     reason.ReplyText,
	})

	var closeErr error
	if c.closer != nil {
		closeErr = c.closer(id, reason)
	}
	previous.Shutdown().Fire(reason)
	return closeErr
}

// Close shuts every channel down with reason, waits for their teardown and
// closes the byte stream.
func (c *Connection) Close(reason shutdown.Reason) error {
	var err error
	c.closeOnce.Do(func() {
		c.signal.Fire(reason)
		channels := c.Channels()
		c.registry.ShutdownAll(reason)
		for _, ch := range channels {
			<-ch.Done()
		}
		err = c.rwc.Close()
		c.logger.Info("Connection closed", logging.LogFields{
			"initiator":  reason.Initiator.String(),
			"reply_code": reason.ReplyCode,
		})
	})
	return err
}

// fail tears the connection down after a fatal read or heartbeat error.
func (c *Connection) fail(err error) {
	code := shutdown.ReplyInternalError
	if errors.Is(err, errspkg.ErrMalformedFrame) {
		code = shutdown.ReplyFrameError
	}
	reason := shutdown.LibraryError(code, err)
	if !c.signal.Fire(reason) {
		return
	}
	c.logger.Error("Connection failed", err, nil)
	c.registry.ShutdownAll(reason)
	c.closeOnce.Do(func() {
		_ = c.rwc.Close()
	})
}

func (c *Connection) closing() bool {
	_, fired := c.signal.Fired()
	return fired
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection(%s, channels=%d)", c.id, c.registry.Count())
}
