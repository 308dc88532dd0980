package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/amqpcore/internal/runtime/bufpool"
	"github.com/drblury/amqpcore/internal/runtime/channel"
	"github.com/drblury/amqpcore/internal/runtime/config"
	"github.com/drblury/amqpcore/internal/runtime/dispatch"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/frame"
	"github.com/drblury/amqpcore/internal/runtime/session"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// testDecoder: basic.deliver (60,60) carries [1 tag length][tag][8 delivery tag].
var testDecoder = channel.MethodDecoderFunc(func(m frame.MethodHeader, args []byte) (dispatch.Event, error) {
	if m == (frame.MethodHeader{ClassID: 60, MethodID: 60}) {
		n := int(args[0])
		return dispatch.Deliver{
			ConsumerTag: string(args[1 : 1+n]),
			DeliveryTag: binary.BigEndian.Uint64(args[1+n:]),
		}, nil
	}
	return nil, nil
})

func deliverArgs(tag string, deliveryTag uint64) []byte {
	out := append([]byte{byte(len(tag))}, tag...)
	return binary.BigEndian.AppendUint64(out, deliveryTag)
}

type peer struct {
	t      *testing.T
	conn   net.Conn
	frames chan frame.Frame
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	p := &peer{t: t, conn: conn, frames: make(chan frame.Frame, 64)}
	go func() {
		defer close(p.frames)
		r := frame.NewReader(conn)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	return p
}

func (p *peer) send(channel uint16, ps ...frame.PayloadWriter) {
	p.t.Helper()
	for _, pw := range ps {
		buf := make([]byte, frame.MaxFrameSize(pw))
		n, err := frame.Encode(buf, channel, pw)
		require.NoError(p.t, err)
		_, err = p.conn.Write(buf[:n])
		require.NoError(p.t, err)
	}
}

func (p *peer) expect() frame.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "peer stream closed")
		return f
	case <-time.After(5 * time.Second):
		p.t.Fatal("no frame from connection")
		return frame.Frame{}
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HeartbeatDisabled = true
	cfg.Heartbeat = 0
	cfg.FrameMax = config.MinFrameMax
	cfg.ShutdownDrainTimeout = time.Second
	return cfg
}

func setup(t *testing.T, cfg config.Config, deps Deps) (*Connection, *peer, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	if deps.Decoder == nil {
		deps.Decoder = testDecoder
	}
	c, err := New(client, cfg, deps)
	require.NoError(t, err)

	p := newPeer(t, server)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = c.Close(shutdown.ApplicationClose("test cleanup"))
		_ = server.Close()
	})
	return c, p, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

type deliveries struct {
	dispatch.NopConsumer
	ch chan dispatch.Deliver
}

func (d deliveries) HandleBasicDeliver(_ context.Context, del dispatch.Deliver) error {
	d.ch <- del
	return nil
}

func TestNewValidates(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := New(nil, testConfig(), Deps{Decoder: testDecoder})
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)

	_, err = New(client, testConfig(), Deps{})
	assert.ErrorIs(t, err, errspkg.ErrDecoderRequired)

	cfg := testConfig()
	cfg.FrameMax = 100
	_, err = New(client, cfg, Deps{Decoder: testDecoder})
	var cfgErr errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRoutesDeliveriesToChannels(t *testing.T) {
	pool := bufpool.NewCountingPool()
	c, p, _ := setup(t, testConfig(), Deps{Pool: pool})

	ch1, err := c.OpenChannel()
	require.NoError(t, err)
	ch2, err := c.OpenChannel()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), ch2.ChannelNumber())

	got1 := deliveries{ch: make(chan dispatch.Deliver, 4)}
	got2 := deliveries{ch: make(chan dispatch.Deliver, 4)}
	require.NoError(t, ch1.RegisterConsumer("one", got1))
	require.NoError(t, ch2.RegisterConsumer("two", got2))

	p.send(2,
		frame.Method{ClassID: 60, MethodID: 60, Args: deliverArgs("two", 7)},
		frame.ContentHeader{ClassID: 60, BodySize: 5},
		frame.Body("he"), frame.Body("llo"),
	)
	p.send(1,
		frame.Method{ClassID: 60, MethodID: 60, Args: deliverArgs("one", 1)},
		frame.ContentHeader{ClassID: 60, BodySize: 0},
	)
	// Frames for a channel nobody opened are dropped.
	p.send(9, frame.Body("lost"))
	p.send(0, frame.Heartbeat{})

	d2 := <-got2.ch
	assert.Equal(t, "hello", string(d2.Body))
	assert.Equal(t, uint64(7), d2.DeliveryTag)
	d1 := <-got1.ch
	assert.Empty(t, d1.Body)

	require.NoError(t, c.Close(shutdown.ApplicationClose("")))
	assert.Eventually(t, func() bool { return pool.Outstanding() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestControlFramesGoToHandler(t *testing.T) {
	control := make(chan frame.MethodHeader, 1)
	handler := ControlHandlerFunc(func(f frame.Frame) error {
		defer f.Release()
		mh, _, err := frame.ParseMethod(f.Bytes())
		if err != nil {
			return err
		}
		control <- mh
		return nil
	})
	_, p, _ := setup(t, testConfig(), Deps{Control: handler})

	p.send(0, frame.Heartbeat{}, frame.Method{ClassID: 10, MethodID: 30})
	select {
	case mh := <-control:
		assert.Equal(t, frame.MethodHeader{ClassID: 10, MethodID: 30}, mh)
	case <-time.After(5 * time.Second):
		t.Fatal("control frame not delivered")
	}
}

func TestMalformedFrameShutsEverythingDown(t *testing.T) {
	c, p, done := setup(t, testConfig(), Deps{})
	ch, err := c.OpenChannel()
	require.NoError(t, err)

	_, err = p.conn.Write([]byte{9, 0, 0, 0, 0, 0, 0, frame.FrameEnd})
	require.NoError(t, err)

	err = waitRun(t, done)
	assert.ErrorIs(t, err, errspkg.ErrMalformedFrame)

	<-ch.Done()
	reason, fired := ch.Shutdown().Fired()
	require.True(t, fired)
	assert.Equal(t, shutdown.Library, reason.Initiator)
	assert.Equal(t, shutdown.ReplyFrameError, reason.ReplyCode)
	assert.ErrorIs(t, reason, errspkg.ErrMalformedFrame)

	connReason, fired := c.Shutdown().Fired()
	require.True(t, fired)
	assert.Equal(t, reason.ReplyCode, connReason.ReplyCode)
	assert.Eventually(t, func() bool { return c.Registry().Count() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestUnexpectedFrameQuiescesChannel(t *testing.T) {
	var (
		mu     sync.Mutex
		closed []uint16
	)
	closer := func(ch uint16, reason shutdown.Reason) error {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, ch)
		assert.Equal(t, shutdown.ReplyUnexpected, reason.ReplyCode)
		return nil
	}
	c, p, _ := setup(t, testConfig(), Deps{Closer: closer})

	ch, err := c.OpenChannel()
	require.NoError(t, err)

	p.send(1, frame.Body("orphan body"))
	<-ch.Done()

	require.Eventually(t, func() bool {
		s, err := c.Registry().Lookup(1)
		if err != nil {
			return false
		}
		_, ok := s.(*session.Quiescing)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []uint16{1}, closed)
	mu.Unlock()

	// The id stays taken until the close handshake completes.
	next, err := c.OpenChannel()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), next.ChannelNumber())

	p.send(1, frame.Method{ClassID: session.ClassChannel, MethodID: session.MethodChannelClose})
	reply := p.expect()
	mh, _, err := frame.ParseMethod(reply.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint16(1), reply.Channel)
	assert.Equal(t, session.MethodChannelCloseOk, mh.MethodID)
	reply.Release()

	require.Eventually(t, func() bool {
		_, err := c.Registry().Lookup(1)
		return errors.Is(err, errspkg.ErrChannelNotFound)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestWriteContentSplitsBody(t *testing.T) {
	c, p, _ := setup(t, testConfig(), Deps{})

	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i)
	}
	require.NoError(t, c.WriteContent(1, frame.Method{ClassID: 60, MethodID: 40}, frame.ContentHeader{ClassID: 60}, body))

	method := p.expect()
	assert.Equal(t, frame.TypeMethod, method.Type)
	method.Release()

	header := p.expect()
	info, _, err := frame.ParseContentHeader(header.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(body)), info.BodySize)
	header.Release()

	var got []byte
	for len(got) < len(body) {
		f := p.expect()
		require.Equal(t, frame.TypeBody, f.Type)
		assert.LessOrEqual(t, f.Payload.Len(), int(config.MinFrameMax)-frame.Overhead)
		got = append(got, f.Bytes()...)
		f.Release()
	}
	assert.Equal(t, body, got)
}

func TestWriteFrameRejectsOversizedFrame(t *testing.T) {
	c, _, _ := setup(t, testConfig(), Deps{})
	err := c.WriteFrame(1, frame.Body(make([]byte, config.MinFrameMax)))
	assert.ErrorIs(t, err, errspkg.ErrShortBuffer)
}

func TestHeartbeatsAreSentAndSilenceFails(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatDisabled = false
	cfg.Heartbeat = 40 * time.Millisecond
	_, p, done := setup(t, cfg, Deps{})

	hb := p.expect()
	assert.Equal(t, frame.TypeHeartbeat, hb.Type)
	hb.Release()

	go func() {
		for f := range p.frames {
			f.Release()
		}
	}()
	err := waitRun(t, done)
	assert.ErrorIs(t, err, errspkg.ErrHeartbeatTimeout)
}

func TestCloseDeliversShutdownAndStopsRun(t *testing.T) {
	c, _, done := setup(t, testConfig(), Deps{})
	ch, err := c.OpenChannel()
	require.NoError(t, err)

	shut := make(chan shutdown.Reason, 1)
	require.NoError(t, ch.RegisterConsumer("c", dispatch.ConsumerFuncs{
		OnShutdown: func(_ context.Context, s dispatch.Shutdown) error {
			shut <- s.Reason
			return nil
		},
	}))

	require.NoError(t, c.Close(shutdown.ApplicationClose("bye")))
	assert.NoError(t, waitRun(t, done))

	reason := <-shut
	assert.Equal(t, "bye", reason.ReplyText)
	assert.Zero(t, c.Registry().Count())
	assert.NoError(t, c.Close(shutdown.ApplicationClose("again")))
}

func TestWriteProtocolHeader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	c, err := New(client, testConfig(), Deps{Decoder: testDecoder})
	require.NoError(t, err)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(frame.ProtocolHeader))
		_, _ = server.Read(buf)
		got <- buf
	}()
	require.NoError(t, c.WriteProtocolHeader())
	assert.Equal(t, frame.ProtocolHeader, string(<-got))
	assert.Contains(t, c.String(), c.ID())
}
