// Package memory provides in-process byte streams built on net.Pipe. It is
// meant for tests and for running a fake peer next to the client.
package memory

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// AcceptFunc receives the server end of every stream dialed to its address.
type AcceptFunc func(conn net.Conn)

// Network is a namespace of in-process listeners.
type Network struct {
	mu        sync.RWMutex
	listeners map[string]AcceptFunc
}

// DefaultNetwork backs the registered "memory" transport.
var DefaultNetwork = NewNetwork()

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]AcceptFunc)}
}

// Listen routes streams dialed to addr to accept until the returned func is
// called. A second Listen on the same address replaces the first.
func (n *Network) Listen(addr string, accept AcceptFunc) (unlisten func()) {
	n.mu.Lock()
	n.listeners[addr] = accept
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.listeners, addr)
		})
	}
}

// Dial hands the server end of a new pipe to the listener on addr and
// returns the client end.
func (n *Network) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	accept, ok := n.listeners[addr]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: memory://%s", errspkg.ErrNoListener, addr)
	}

	client, server := net.Pipe()
	go accept(server)
	return client, nil
}

func init() {
	Register()
}

// Register registers the memory transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, DefaultNetwork.Dial, transport.MemoryCapabilities)
}

// Listen registers accept on the default network.
func Listen(addr string, accept AcceptFunc) func() {
	return DefaultNetwork.Listen(addr, accept)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}
