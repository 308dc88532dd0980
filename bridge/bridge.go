// Package bridge forwards deliveries from a channel consumer into a Watermill
// publisher, so existing Watermill routers can handle AMQP traffic.
package bridge

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/amqpcore/internal/runtime/dispatch"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/ids"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metadata"
)

// TopicFunc picks the Watermill topic of a delivery.
type TopicFunc func(d dispatch.Deliver) string

// Consumer is a dispatch.Consumer publishing every delivery as a Watermill
// message. Message uuids are ULIDs; the routing fields travel as metadata.
type Consumer struct {
	publisher message.Publisher
	topic     TopicFunc
	extra     metadata.Metadata
	logger    logging.ServiceLogger
	name      string
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger used for cancel and shutdown notices.
func WithLogger(l logging.ServiceLogger) Option {
	return func(c *Consumer) { c.logger = logging.OrNop(l) }
}

// WithTopicFunc routes deliveries per message instead of to a fixed topic.
func WithTopicFunc(fn TopicFunc) Option {
	return func(c *Consumer) {
		if fn != nil {
			c.topic = fn
		}
	}
}

// WithMetadata adds fixed headers to every published message.
func WithMetadata(md metadata.Metadata) Option {
	return func(c *Consumer) { c.extra = md.Clone() }
}

// ByRoutingKey publishes each delivery to a topic named after its routing key.
func ByRoutingKey(d dispatch.Deliver) string {
	return d.RoutingKey
}

// NewConsumer publishes to topic through publisher.
func NewConsumer(publisher message.Publisher, topic string, opts ...Option) (*Consumer, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	c := &Consumer{
		publisher: publisher,
		topic:     func(dispatch.Deliver) string { return topic },
		logger:    logging.NopLogger(),
		name:      "bridge:" + topic,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Consumer) String() string { return c.name }

// NewMessage converts d into a Watermill message.
func (c *Consumer) NewMessage(d dispatch.Deliver) *message.Message {
	md := metadata.FromDeliver(d)
	for k, v := range c.extra {
		md[k] = v
	}
	msg := message.NewMessage(ids.New(), d.Body)
	msg.Metadata = metadata.ToWatermill(md)
	return msg
}

func (c *Consumer) HandleBasicDeliver(ctx context.Context, d dispatch.Deliver) error {
	topic := c.topic(d)
	if topic == "" {
		return fmt.Errorf("%w: delivery %d on %q", errspkg.ErrTopicRequired, d.DeliveryTag, d.ConsumerTag)
	}
	msg := c.NewMessage(d)
	msg.SetContext(ctx)
	if err := c.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish delivery %d to %s: %w", d.DeliveryTag, topic, err)
	}
	return nil
}

func (c *Consumer) HandleBasicCancel(_ context.Context, cancel dispatch.Cancel) error {
	c.logger.Info("Broker cancelled bridged consumer", logging.LogFields{"consumer_tag": cancel.ConsumerTag})
	return nil
}

func (c *Consumer) HandleBasicCancelOk(_ context.Context, ok dispatch.CancelOk) error {
	c.logger.Debug("Bridged consumer cancelled", logging.LogFields{"consumer_tag": ok.ConsumerTag})
	return nil
}

func (c *Consumer) HandleBasicConsumeOk(_ context.Context, ok dispatch.ConsumeOk) error {
	c.logger.Debug("Bridged consumer registered", logging.LogFields{"consumer_tag": ok.ConsumerTag})
	return nil
}

func (c *Consumer) HandleModelShutdown(_ context.Context, s dispatch.Shutdown) error {
	c.logger.Info("Bridged channel shut down", logging.LogFields{
		"initiator":  s.Reason.Initiator.String(),
		"reply_code": s.Reason.ReplyCode,
		"reason":     s.Reason.ReplyText,
	})
	return nil
}
