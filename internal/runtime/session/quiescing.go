package session

import (
	"github.com/drblury/amqpcore/internal/runtime/frame"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// Channel class method ids the quiescing session reacts to.
const (
	ClassChannel         uint16 = 20
	MethodChannelClose   uint16 = 40
	MethodChannelCloseOk uint16 = 41
)

// ReplyFunc sends a method frame on a channel.
type ReplyFunc func(channel uint16, m frame.Method) error

// Quiescing stands in for a channel after a protocol violation. It drops
// every frame except channel.close, which it answers with channel.close-ok,
// and channel.close-ok. Either one fires its shutdown with the stored reason.
type Quiescing struct {
	channel uint16
	reason  shutdown.Reason
	reply   ReplyFunc
	signal  *shutdown.Signal
	logger  logging.ServiceLogger
}

func NewQuiescing(channel uint16, reason shutdown.Reason, reply ReplyFunc, log logging.ServiceLogger) *Quiescing {
	return &Quiescing{
		channel: channel,
		reason:  reason,
		reply:   reply,
		signal:  shutdown.New(),
		logger:  logging.OrNop(log).With(logging.LogFields{"channel": channel, "session": "quiescing"}),
	}
}

func (q *Quiescing) ChannelNumber() uint16 { return q.channel }

func (q *Quiescing) Shutdown() *shutdown.Signal { return q.signal }

// Reason is the reason the channel was quiesced with.
func (q *Quiescing) Reason() shutdown.Reason { return q.reason }

func (q *Quiescing) HandleFrame(f frame.Frame) error {
	defer f.Release()

	if f.Type != frame.TypeMethod {
		q.logger.Trace("Dropping frame on quiescing channel", logging.LogFields{"frame_type": f.Type.String()})
		return nil
	}
	mh, _, err := frame.ParseMethod(f.Bytes())
	if err != nil {
		return err
	}
	if mh.ClassID != ClassChannel {
		q.logger.Trace("Dropping method on quiescing channel", logging.LogFields{"method": mh.String()})
		return nil
	}

	switch mh.MethodID {
	case MethodChannelClose:
		var replyErr error
		if q.reply != nil {
			replyErr = q.reply(q.channel, frame.Method{ClassID: ClassChannel, MethodID: MethodChannelCloseOk})
		}
		q.signal.Fire(q.reason)
		return replyErr
	case MethodChannelCloseOk:
		q.signal.Fire(q.reason)
	default:
		q.logger.Trace("Dropping method on quiescing channel", logging.LogFields{"method": mh.String()})
	}
	return nil
}
