// Package metadata maps delivery routing fields to string headers, the form
// Watermill messages carry them in.
package metadata

import (
	"maps"
	"strconv"

	"github.com/drblury/amqpcore/internal/runtime/dispatch"
)

// Header keys set by FromDeliver.
const (
	KeyConsumerTag = "amqp_consumer_tag"
	KeyDeliveryTag = "amqp_delivery_tag"
	KeyRedelivered = "amqp_redelivered"
	KeyExchange    = "amqp_exchange"
	KeyRoutingKey  = "amqp_routing_key"
	KeyChannel     = "amqp_channel"
)

// Metadata represents the headers carried alongside a delivery.
type Metadata map[string]string

// Clone returns a shallow copy; it is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	maps.Copy(cloned, m)
	return cloned
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// FromDeliver records the routing fields of d.
func FromDeliver(d dispatch.Deliver) Metadata {
	md := Metadata{
		KeyConsumerTag: d.ConsumerTag,
		KeyDeliveryTag: strconv.FormatUint(d.DeliveryTag, 10),
		KeyRedelivered: strconv.FormatBool(d.Redelivered),
		KeyRoutingKey:  d.RoutingKey,
	}
	if d.Exchange != "" {
		md[KeyExchange] = d.Exchange
	}
	return md
}

// Deliver rebuilds the routing fields recorded by FromDeliver around body.
// Missing or unparsable numeric fields are left zero.
func (m Metadata) Deliver(body []byte) dispatch.Deliver {
	d := dispatch.Deliver{
		ConsumerTag: m[KeyConsumerTag],
		Exchange:    m[KeyExchange],
		RoutingKey:  m[KeyRoutingKey],
		Body:        body,
	}
	d.DeliveryTag, _ = strconv.ParseUint(m[KeyDeliveryTag], 10, 64)
	d.Redelivered, _ = strconv.ParseBool(m[KeyRedelivered])
	return d
}
