package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metrics"
)

const tracerName = "github.com/drblury/amqpcore/dispatch"

// State is the lifecycle state of a Queue.
type State int

const (
	// Idle: no drain goroutine is running.
	Idle State = iota
	// Draining: a drain goroutine owns the head of the queue.
	Draining
	// Closed: nothing new is accepted or started.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type workItem struct {
	consumer Consumer
	event    Event
	enqueued time.Time
}

// Queue is the FIFO of pending callbacks of one channel. Enqueue never blocks
// on a callback; a single drain goroutine, started on demand, runs the items
// one at a time and retires when the queue is empty.
type Queue struct {
	mu    sync.Mutex
	items *queue.Queue
	state State
	sink  ExceptionSink
	// idle is closed whenever no drain goroutine is running.
	idle chan struct{}

	channel uint16
	ctx     context.Context
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	hooks   Hooks
	tracer  trace.Tracer
}

type Option func(*Queue)

func WithLogger(log logging.ServiceLogger) Option {
	return func(q *Queue) { q.logger = logging.OrNop(log) }
}

// WithMetrics records callback and discard metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
		q.hooks = q.hooks.Merge(MetricsHooks(m))
	}
}

// WithHooks adds lifecycle hooks after any already configured.
func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = q.hooks.Merge(h) }
}

func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) {
		if t != nil {
			q.tracer = t
		}
	}
}

// WithContext sets the parent context of every callback.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) {
		if ctx != nil {
			q.ctx = ctx
		}
	}
}

// New creates an idle queue for channel. A nil sink drops callback failures.
func New(channel uint16, sink ExceptionSink, opts ...Option) *Queue {
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		items:   queue.New(),
		sink:    sink,
		idle:    idle,
		channel: channel,
		ctx:     context.Background(),
		logger:  logging.NopLogger(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(logging.LogFields{"channel": channel})
	return q
}

// Enqueue appends ev for consumer. It fails with ErrDispatchQueueClosed once
// Close ran.
func (q *Queue) Enqueue(consumer Consumer, ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == Closed {
		return errspkg.ErrDispatchQueueClosed
	}
	q.items.Add(workItem{consumer: consumer, event: ev, enqueued: time.Now()})
	if q.state == Idle {
		q.state = Draining
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return nil
}

func (q *Queue) drain(idle chan struct{}) {
	defer close(idle)
	for {
		q.mu.Lock()
		if q.state == Closed {
			q.mu.Unlock()
			return
		}
		if q.items.Length() == 0 {
			q.state = Idle
			q.mu.Unlock()
			return
		}
		it := q.items.Remove().(workItem)
		q.mu.Unlock()

		q.run(it)
	}
}

func (q *Queue) run(it workItem) {
	callback := it.event.Kind().CallbackName()
	consumer := ConsumerName(it.consumer)

	ctx, span := q.tracer.Start(q.ctx, "amqpcore.dispatch."+callback,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int("amqp.channel", int(q.channel)),
			attribute.String("amqp.consumer", consumer),
		),
	)
	defer span.End()

	info := CallbackInfo{
		Channel:    q.channel,
		Consumer:   consumer,
		Callback:   callback,
		Kind:       it.event.Kind(),
		Context:    ctx,
		EnqueuedAt: it.enqueued,
		StartedAt:  time.Now(),
	}
	q.hooks.start(info)

	err := safeInvoke(ctx, it.consumer, it.event)
	info.Duration = time.Since(info.StartedAt)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.hooks.done(info, err)
	if err != nil {
		q.report(&CallbackError{Consumer: consumer, Callback: callback, Channel: q.channel, Err: err})
	}
}

func safeInvoke(ctx context.Context, c Consumer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return invoke(ctx, c, ev)
}

// report hands a callback failure to the sink, or drops it when no sink is
// attached.
func (q *Queue) report(cbErr *CallbackError) {
	q.mu.Lock()
	sink := q.sink
	q.mu.Unlock()

	if sink == nil {
		q.metrics.ExceptionDropped()
		q.logger.Debug("Dropping callback failure, no exception sink attached", logging.LogFields{
			"consumer": cbErr.Consumer,
			"callback": cbErr.Callback,
			"error":    cbErr.Err.Error(),
		})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Exception sink panicked", &PanicError{Value: r}, logging.LogFields{"callback": cbErr.Callback})
		}
	}()
	sink.OnCallbackException(cbErr, map[string]any{
		DetailConsumer: cbErr.Consumer,
		DetailContext:  cbErr.Callback,
		DetailChannel:  q.channel,
	})
}

// Close stops the queue. Pending items are discarded and their count
// returned; a callback already running finishes. Close is idempotent.
func (q *Queue) Close() int {
	q.mu.Lock()
	if q.state == Closed {
		q.mu.Unlock()
		return 0
	}
	q.state = Closed
	discarded := q.items.Length()
	q.items = queue.New()
	q.mu.Unlock()

	q.metrics.ItemsDiscarded(discarded)
	if discarded > 0 {
		q.logger.Info("Discarded pending callbacks on close", logging.LogFields{"discarded": discarded})
	}
	return discarded
}

// RunFinal runs ev for each consumer on the calling goroutine, with the usual
// hooks, span and failure reporting. The queue must be closed; RunFinal first
// waits for the in-flight callback to return, so nothing overlaps it.
func (q *Queue) RunFinal(ctx context.Context, ev Event, consumers ...Consumer) error {
	if q.State() != Closed {
		return errspkg.ErrDispatchQueueOpen
	}
	if err := q.Wait(ctx); err != nil {
		return err
	}
	for _, c := range consumers {
		q.run(workItem{consumer: c, event: ev, enqueued: time.Now()})
	}
	return nil
}

// DetachSink stops reporting callback failures. Later failures are dropped.
func (q *Queue) DetachSink() {
	q.mu.Lock()
	q.sink = nil
	q.mu.Unlock()
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len is the number of items not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

func (q *Queue) Channel() uint16 {
	return q.channel
}

// Wait blocks until the current drain goroutine retires, either because the
// queue ran empty or because it was closed.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
