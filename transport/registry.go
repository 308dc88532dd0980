package transport

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
)

// Registry maps transport names to their dialers and capabilities.
// Transport packages register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	dialers      map[string]Dialer
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[string]Dialer),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a dialer under name, matching config.Config.Transport.
func (r *Registry) Register(name string, dialer Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = dialer
}

// RegisterWithCapabilities adds a dialer and its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, dialer Dialer, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = dialer
	r.capabilities[name] = caps
}

// GetCapabilities returns a zero Capabilities carrying only the name when the
// transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Dial opens a stream to addr with the dialer registered under name.
func (r *Registry) Dial(ctx context.Context, name, addr string) (io.ReadWriteCloser, error) {
	r.mu.RLock()
	dialer, ok := r.dialers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownTransport, name, r.Names())
	}
	return dialer(ctx, addr)
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[name]
	return ok
}

// Register adds a dialer to the default registry.
func Register(name string, dialer Dialer) {
	DefaultRegistry.Register(name, dialer)
}

// RegisterWithCapabilities adds a dialer and its capabilities to the default registry.
func RegisterWithCapabilities(name string, dialer Dialer, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, dialer, caps)
}

// GetCapabilities looks name up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}

// Dial opens a stream through the default registry.
func Dial(ctx context.Context, name, addr string) (io.ReadWriteCloser, error) {
	return DefaultRegistry.Dial(ctx, name, addr)
}

// Names lists the transports in the default registry.
func Names() []string {
	return DefaultRegistry.Names()
}

// Has reports whether the default registry knows name.
func Has(name string) bool {
	return DefaultRegistry.Has(name)
}
