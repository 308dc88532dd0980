package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metrics"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

type recordingConsumer struct {
	NopConsumer

	mu        sync.Mutex
	delivered []uint64
	shutdowns int
	failOn    uint64
	panicOn   uint64
	block     chan struct{}
	started   chan uint64
}

func (c *recordingConsumer) HandleBasicDeliver(_ context.Context, d Deliver) error {
	if c.started != nil {
		c.started <- d.DeliveryTag
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.delivered = append(c.delivered, d.DeliveryTag)
	c.mu.Unlock()

	if d.DeliveryTag == c.panicOn {
		panic("consumer exploded")
	}
	if d.DeliveryTag == c.failOn {
		return errors.New("consumer failed")
	}
	return nil
}

func (c *recordingConsumer) HandleModelShutdown(context.Context, Shutdown) error {
	c.mu.Lock()
	c.shutdowns++
	c.mu.Unlock()
	return nil
}

func (c *recordingConsumer) String() string { return "recorder" }

func (c *recordingConsumer) shutdownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}

func (c *recordingConsumer) tags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.delivered...)
}

type report struct {
	err    error
	detail map[string]any
}

type recordingSink struct {
	mu      sync.Mutex
	reports []report
}

func (s *recordingSink) OnCallbackException(err error, detail map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report{err: err, detail: detail})
}

func (s *recordingSink) all() []report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report(nil), s.reports...)
}

func wait(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueueFailureDoesNotStopLaterCallbacks(t *testing.T) {
	sink := &recordingSink{}
	q := New(1, sink)
	c := &recordingConsumer{failOn: 3}

	for tag := uint64(1); tag <= 5; tag++ {
		require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: tag}))
	}
	wait(t, q)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, c.tags())

	reports := sink.all()
	require.Len(t, reports, 1)
	var cbErr *CallbackError
	require.ErrorAs(t, reports[0].err, &cbErr)
	assert.Equal(t, "HandleBasicDeliver", cbErr.Callback)
	assert.Equal(t, "recorder", cbErr.Consumer)
	assert.Equal(t, uint16(1), cbErr.Channel)
	assert.EqualError(t, cbErr.Err, "consumer failed")
	assert.Equal(t, "HandleBasicDeliver", reports[0].detail[DetailContext])
	assert.Equal(t, "recorder", reports[0].detail[DetailConsumer])
	assert.Equal(t, uint16(1), reports[0].detail[DetailChannel])
}

func TestQueuePanicIsReported(t *testing.T) {
	sink := &recordingSink{}
	q := New(2, sink)
	c := &recordingConsumer{panicOn: 1}

	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 2}))
	wait(t, q)

	assert.Equal(t, []uint64{1, 2}, c.tags())
	reports := sink.all()
	require.Len(t, reports, 1)
	var panicErr *PanicError
	require.ErrorAs(t, reports[0].err, &panicErr)
	assert.Equal(t, "consumer exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestQueueWithoutSinkDropsFailures(t *testing.T) {
	log := logging.NewRecorder()
	reg := prometheus.NewRegistry()
	m := metrics.New("dispatch_test", reg)
	require.NoError(t, m.Register())

	q := New(3, nil, WithLogger(log), WithMetrics(m))
	c := &recordingConsumer{failOn: 1}
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 2}))
	wait(t, q)

	assert.Equal(t, []uint64{1, 2}, c.tags())
	entry, ok := log.Find("Dropping callback failure, no exception sink attached")
	require.True(t, ok)
	assert.Equal(t, "debug", entry.Level)
	assert.Equal(t, "HandleBasicDeliver", entry.Fields["callback"])
}

func TestQueueDetachSink(t *testing.T) {
	sink := &recordingSink{}
	q := New(1, sink)
	q.DetachSink()

	require.NoError(t, q.Enqueue(&recordingConsumer{failOn: 1}, Deliver{DeliveryTag: 1}))
	wait(t, q)
	assert.Empty(t, sink.all())
}

func TestQueueSinkPanicIsContained(t *testing.T) {
	q := New(1, SinkFunc(func(error, map[string]any) { panic("sink exploded") }))
	c := &recordingConsumer{failOn: 1}

	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 2}))
	wait(t, q)
	assert.Equal(t, []uint64{1, 2}, c.tags())
}

func TestQueueEnqueueDoesNotWaitForCallbacks(t *testing.T) {
	q := New(1, nil)
	c := &recordingConsumer{block: make(chan struct{}), started: make(chan uint64, 1)}

	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))
	assert.Equal(t, uint64(1), <-c.started)
	assert.Equal(t, Draining, q.State())

	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 2}))
	assert.Equal(t, 1, q.Len())

	close(c.block)
	<-c.started
	wait(t, q)
	assert.Equal(t, Idle, q.State())
	assert.Equal(t, []uint64{1, 2}, c.tags())
}

func TestQueueCloseDiscardsPendingAndLetsInFlightFinish(t *testing.T) {
	log := logging.NewRecorder()
	q := New(4, nil, WithLogger(log))
	c := &recordingConsumer{block: make(chan struct{}), started: make(chan uint64, 4)}

	for tag := uint64(1); tag <= 4; tag++ {
		require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: tag}))
	}
	<-c.started

	assert.Equal(t, 3, q.Close())
	assert.Zero(t, q.Close())
	assert.Equal(t, Closed, q.State())
	assert.ErrorIs(t, q.Enqueue(c, Deliver{DeliveryTag: 5}), errspkg.ErrDispatchQueueClosed)

	close(c.block)
	wait(t, q)
	assert.Equal(t, []uint64{1}, c.tags())
	assert.Zero(t, q.Len())

	entry, ok := log.Find("Discarded pending callbacks on close")
	require.True(t, ok)
	assert.Equal(t, 3, entry.Fields["discarded"])
}

func TestRunFinalWaitsForInFlightCallback(t *testing.T) {
	sink := &recordingSink{}
	q := New(2, sink)
	c := &recordingConsumer{block: make(chan struct{}), started: make(chan uint64, 2)}
	failing := ConsumerFuncs{
		Name:       "failing",
		OnShutdown: func(context.Context, Shutdown) error { return errors.New("shutdown failed") },
	}

	assert.ErrorIs(t, q.RunFinal(context.Background(), Shutdown{}, c), errspkg.ErrDispatchQueueOpen)

	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 2}))
	<-c.started
	assert.Equal(t, 1, q.Close())

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.RunFinal(short, Shutdown{}, c), context.DeadlineExceeded)
	assert.Zero(t, c.shutdownCount())

	close(c.block)
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	require.NoError(t, q.RunFinal(ctx, Shutdown{Reason: shutdown.ApplicationClose("bye")}, c, failing))

	assert.Equal(t, []uint64{1}, c.tags())
	assert.Equal(t, 1, c.shutdownCount())
	reports := sink.all()
	require.Len(t, reports, 1)
	var cbErr *CallbackError
	require.ErrorAs(t, reports[0].err, &cbErr)
	assert.Equal(t, "failing", cbErr.Consumer)
	assert.Equal(t, KindShutdown.CallbackName(), cbErr.Callback)
}

func TestQueueConfirms(t *testing.T) {
	sink := &recordingSink{}
	q := New(1, sink)

	var acked []uint64
	listener := confirmFuncs{onAck: func(a Ack) { acked = append(acked, a.DeliveryTag) }}
	require.NoError(t, q.Enqueue(ConfirmConsumer{ConfirmListener: listener}, Ack{DeliveryTag: 7}))
	require.NoError(t, q.Enqueue(&recordingConsumer{}, Nack{DeliveryTag: 8}))
	wait(t, q)

	assert.Equal(t, []uint64{7}, acked)
	reports := sink.all()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0].err, errspkg.ErrConfirmsNotSupported)
	assert.Equal(t, "HandleBasicNack", reports[0].detail[DetailContext])
}

type confirmFuncs struct {
	onAck func(Ack)
}

func (c confirmFuncs) HandleBasicAck(_ context.Context, a Ack) error {
	c.onAck(a)
	return nil
}

func (c confirmFuncs) HandleBasicNack(context.Context, Nack) error { return nil }

func TestQueueDispatchesEveryKind(t *testing.T) {
	var got []string
	c := ConsumerFuncs{
		Name: "funcs",
		OnDeliver: func(context.Context, Deliver) error {
			got = append(got, "deliver")
			return nil
		},
		OnCancel: func(context.Context, Cancel) error {
			got = append(got, "cancel")
			return nil
		},
		OnShutdown: func(context.Context, Shutdown) error {
			got = append(got, "shutdown")
			return nil
		},
	}
	q := New(1, nil)

	events := []Event{
		ConsumeOk{ConsumerTag: "t"},
		Deliver{ConsumerTag: "t"},
		Cancel{ConsumerTag: "t"},
		CancelOk{ConsumerTag: "t"},
		Shutdown{Reason: shutdown.ApplicationClose("")},
	}
	for _, ev := range events {
		require.NoError(t, q.Enqueue(c, ev))
	}
	wait(t, q)

	assert.Equal(t, []string{"deliver", "cancel", "shutdown"}, got)
	assert.Equal(t, "funcs", ConsumerName(c))
}

func TestQueueRunsHooksAndPassesContext(t *testing.T) {
	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "base")

	var (
		started []string
		failed  []string
		done    int
		seenCtx any
	)
	hooks := Hooks{
		OnCallbackStart: func(info CallbackInfo) {
			started = append(started, info.Callback)
			seenCtx = info.Context.Value(ctxKey{})
		},
		OnCallbackDone:  func(CallbackInfo) { done++ },
		OnCallbackError: func(info CallbackInfo, _ error) { failed = append(failed, info.Callback) },
	}

	q := New(1, nil, WithHooks(hooks), WithContext(base))
	c := &recordingConsumer{failOn: 2}
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 2}))
	wait(t, q)

	assert.Equal(t, []string{"HandleBasicDeliver", "HandleBasicDeliver"}, started)
	assert.Equal(t, []string{"HandleBasicDeliver"}, failed)
	assert.Equal(t, 1, done)
	assert.Equal(t, "base", seenCtx)
}

func TestQueueRestartsDrainAfterIdle(t *testing.T) {
	q := New(1, nil)
	c := &recordingConsumer{}

	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))
	wait(t, q)
	assert.Equal(t, Idle, q.State())

	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 2}))
	wait(t, q)
	assert.Equal(t, []uint64{1, 2}, c.tags())
}

func TestQueueOrderAcrossConcurrentProducers(t *testing.T) {
	q := New(1, nil)
	c := &recordingConsumer{}

	// A single producer's events stay ordered even while others enqueue.
	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_ = q.Enqueue(c, Deliver{DeliveryTag: uint64(p*1000 + i + 1)})
			}
		}()
	}
	wg.Wait()
	wait(t, q)

	last := map[uint64]int64{0: -1, 1: -1, 2: -1, 3: -1}
	tags := c.tags()
	require.Len(t, tags, 200)
	for _, tag := range tags {
		producer, seq := tag/1000, int64(tag%1000)
		assert.Greater(t, seq, last[producer])
		last[producer] = seq
	}
}

func TestWaitHonoursContext(t *testing.T) {
	q := New(1, nil)
	c := &recordingConsumer{block: make(chan struct{})}
	require.NoError(t, q.Enqueue(c, Deliver{DeliveryTag: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)

	close(c.block)
	wait(t, q)
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "HandleModelShutdown", KindShutdown.CallbackName())
	assert.Equal(t, "HandleBasicNack", Nack{}.Kind().CallbackName())
	assert.Equal(t, "draining", Draining.String())
}
