// Package channel implements the session bound to one AMQP channel: it
// assembles content frames into deliveries and hands decoded events to the
// channel's dispatch queue.
package channel

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/amqpcore/internal/runtime/config"
	"github.com/drblury/amqpcore/internal/runtime/dispatch"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/frame"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metrics"
	"github.com/drblury/amqpcore/internal/runtime/session"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// MethodDecoder turns method arguments into dispatch events. A nil event
// means the method needs no callback. args aliases the frame payload, which
// is released once Decode returns; implementations copy what they keep.
type MethodDecoder interface {
	Decode(m frame.MethodHeader, args []byte) (dispatch.Event, error)
}

// MethodDecoderFunc adapts a function to MethodDecoder.
type MethodDecoderFunc func(m frame.MethodHeader, args []byte) (dispatch.Event, error)

func (f MethodDecoderFunc) Decode(m frame.MethodHeader, args []byte) (dispatch.Event, error) {
	return f(m, args)
}

// content is a delivery waiting for its header and body frames.
type content struct {
	deliver    dispatch.Deliver
	haveHeader bool
	bodySize   uint64
	body       []byte
}

// Channel is a session.Session that dispatches consumer callbacks.
type Channel struct {
	id      uint16
	decoder MethodDecoder
	reply   session.ReplyFunc
	queue   *dispatch.Queue
	signal  *shutdown.Signal
	closed  chan struct{}

	drainTimeout time.Duration
	logger       logging.ServiceLogger

	mu        sync.Mutex
	consumers map[string]dispatch.Consumer
	confirms  dispatch.ConfirmListener

	// pending is only touched by the goroutine calling HandleFrame.
	pending *content
}

type options struct {
	sink         dispatch.ExceptionSink
	reply        session.ReplyFunc
	logger       logging.ServiceLogger
	metrics      *metrics.Metrics
	hooks        dispatch.Hooks
	tracer       trace.Tracer
	ctx          context.Context
	drainTimeout time.Duration
}

type Option func(*options)

// WithExceptionSink receives callback failures of this channel.
func WithExceptionSink(sink dispatch.ExceptionSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithReply sends method frames back to the peer, e.g. channel.close-ok.
func WithReply(reply session.ReplyFunc) Option {
	return func(o *options) { o.reply = reply }
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(o *options) { o.logger = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithHooks(h dispatch.Hooks) Option {
	return func(o *options) { o.hooks = o.hooks.Merge(h) }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithContext is the parent context of every consumer callback.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithDrainTimeout bounds how long Close waits for the in-flight callback
// before giving up on the final Shutdown notices.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// New creates the channel bound to id.
func New(id uint16, decoder MethodDecoder, opts ...Option) (*Channel, error) {
	if decoder == nil {
		return nil, errspkg.ErrDecoderRequired
	}
	o := options{drainTimeout: config.DefaultShutdownDrainTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)

	queueOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithHooks(o.hooks),
		dispatch.WithTracer(o.tracer),
		dispatch.WithContext(o.ctx),
	}

	c := &Channel{
		id:           id,
		decoder:      decoder,
		reply:        o.reply,
		queue:        dispatch.New(id, o.sink, queueOpts...),
		signal:       shutdown.New(),
		closed:       make(chan struct{}),
		drainTimeout: o.drainTimeout,
		logger:       logger.With(logging.LogFields{"channel": id}),
		consumers:    make(map[string]dispatch.Consumer),
	}
	c.signal.Subscribe(func(reason shutdown.Reason) {
		discarded := c.queue.Close()
		go c.teardown(reason, discarded)
	})
	return c, nil
}

// Factory builds a session.SessionFactory producing channels.
func Factory(decoder MethodDecoder, opts ...Option) session.SessionFactory {
	return func(id uint16) (session.Session, error) {
		return New(id, decoder, opts...)
	}
}

func (c *Channel) ChannelNumber() uint16 { return c.id }

func (c *Channel) Shutdown() *shutdown.Signal { return c.signal }

// Done is closed once teardown finished.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// RegisterConsumer routes deliveries tagged tag to consumer.
func (c *Channel) RegisterConsumer(tag string, consumer dispatch.Consumer) error {
	if consumer == nil {
		return fmt.Errorf("amqpcore: nil consumer for tag %q", tag)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.consumers[tag]; exists {
		return fmt.Errorf("amqpcore: consumer tag %q already registered on channel %d", tag, c.id)
	}
	c.consumers[tag] = consumer
	return nil
}

// UnregisterConsumer removes and returns the consumer for tag.
func (c *Channel) UnregisterConsumer(tag string) (dispatch.Consumer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	consumer, ok := c.consumers[tag]
	delete(c.consumers, tag)
	return consumer, ok
}

// ConsumerTags lists the registered tags in sorted order.
func (c *Channel) ConsumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.consumers))
}

// SetConfirmListener routes publisher confirms to l. Nil disables them.
func (c *Channel) SetConfirmListener(l dispatch.ConfirmListener) {
	c.mu.Lock()
	c.confirms = l
	c.mu.Unlock()
}

func (c *Channel) QueueState() dispatch.State { return c.queue.State() }

func (c *Channel) QueueLen() int { return c.queue.Len() }

func (c *Channel) lookup(tag string) (dispatch.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	consumer, ok := c.consumers[tag]
	if !ok {
		return nil, fmt.Errorf("%w: tag %q on channel %d", errspkg.ErrConsumerNotFound, tag, c.id)
	}
	return consumer, nil
}

// Close fires the channel's shutdown signal with reason and waits until
// teardown finished.
func (c *Channel) Close(reason shutdown.Reason) {
	c.signal.Fire(reason)
	<-c.closed
}

// teardown runs once the shutdown signal fired and the queue was closed: it
// waits up to the drain timeout for the in-flight callback, hands every
// consumer its final Shutdown and detaches the sink.
func (c *Channel) teardown(reason shutdown.Reason, discarded int) {
	defer close(c.closed)

	c.mu.Lock()
	consumers := make([]dispatch.Consumer, 0, len(c.consumers))
	for _, tag := range slices.Sorted(maps.Keys(c.consumers)) {
		consumers = append(consumers, c.consumers[tag])
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()
	if err := c.queue.RunFinal(ctx, dispatch.Shutdown{Reason: reason}, consumers...); err != nil {
		c.logger.Info("In-flight callback outlived the drain timeout, shutdown notices skipped", logging.LogFields{
			"timeout":   c.drainTimeout.String(),
			"consumers": len(consumers),
		})
	}
	c.queue.DetachSink()
	c.logger.Debug("Channel closed", logging.LogFields{
		"initiator":  reason.Initiator.String(),
		"reply_code": reason.ReplyCode,
		"discarded":  discarded,
	})
}
