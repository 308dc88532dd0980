// Package transport provides the byte streams a connection runs over. Each
// stream implementation (tcp, memory, ...) lives in its own sub-package and
// registers a Dialer with the transport registry.
package transport

import (
	"context"
	"io"
)

// Dialer opens a byte stream to addr.
type Dialer func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
