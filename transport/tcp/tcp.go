// Package tcp provides the plain TCP byte stream.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/drblury/amqpcore/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "tcp"

// DefaultPort is the IANA port for AMQP without TLS.
const DefaultPort = "5672"

// DialerFactory allows overriding the net.Dialer for testing.
var DialerFactory = func() *net.Dialer {
	return &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 15 * time.Second}
}

func init() {
	Register()
}

// Register registers the TCP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Dial, transport.TCPCapabilities)
}

// Dial connects to addr, appending DefaultPort when addr carries no port.
func Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	addr = WithDefaultPort(addr)
	conn, err := DialerFactory().DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func WithDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, DefaultPort)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.TCPCapabilities
}
