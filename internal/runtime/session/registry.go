package session

import (
	"errors"
	"slices"
	"sync"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metrics"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

type entry struct {
	session     Session
	unsubscribe func()
}

// Registry maps channel numbers to live sessions. A single mutex covers the
// id allocator and the session map; it is never held while a shutdown signal
// fires or a SessionFactory runs.
type Registry struct {
	mu       sync.Mutex
	ids      *IDAllocator
	pending  map[uint16]struct{}
	sessions map[uint16]*entry

	factory SessionFactory
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithLogger logs session lifecycle events to log. A nil log discards them.
func WithLogger(log logging.ServiceLogger) RegistryOption {
	return func(r *Registry) { r.logger = logging.OrNop(log) }
}

// WithMetrics tracks open channels and allocation failures on m.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a registry for ids [1, channelMax].
func NewRegistry(channelMax uint16, factory SessionFactory, opts ...RegistryOption) *Registry {
	r := &Registry{
		ids:      NewIDAllocator(channelMax),
		pending:  make(map[uint16]struct{}),
		sessions: make(map[uint16]*entry),
		factory:  factory,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allocate takes the lowest free id and holds it until CreateSession or
// Release.
func (r *Registry) Allocate() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.allocateLocked()
	if err != nil {
		return 0, err
	}
	r.pending[id] = struct{}{}
	return id, nil
}

// Reserve takes a specific id and holds it until CreateSession or Release.
func (r *Registry) Reserve(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reserveLocked(id); err != nil {
		return err
	}
	r.pending[id] = struct{}{}
	return nil
}

// Release frees an id taken by Allocate or Reserve that never got a session.
func (r *Registry) Release(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return errspkg.ChannelError(errspkg.ErrChannelNotFound, id)
	}
	delete(r.pending, id)
	r.ids.Free(id)
	return nil
}

// CreateSession binds a new session to an id previously returned by Allocate
// or Reserve.
func (r *Registry) CreateSession(id uint16) (Session, error) {
	r.mu.Lock()
	if _, ok := r.pending[id]; !ok {
		r.mu.Unlock()
		return nil, errspkg.ChannelError(errspkg.ErrChannelAllocationConflict, id)
	}
	delete(r.pending, id)
	r.mu.Unlock()
	return r.bind(id)
}

// Open allocates the lowest free id and binds a new session to it.
func (r *Registry) Open() (Session, error) {
	r.mu.Lock()
	id, err := r.allocateLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.bind(id)
}

// OpenWithID reserves id and binds a new session to it.
func (r *Registry) OpenWithID(id uint16) (Session, error) {
	r.mu.Lock()
	err := r.reserveLocked(id)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.bind(id)
}

func (r *Registry) allocateLocked() (uint16, error) {
	id, err := r.ids.Allocate()
	if err != nil {
		r.metrics.AllocationFailed("exhausted")
		return 0, err
	}
	return id, nil
}

func (r *Registry) reserveLocked(id uint16) error {
	if err := r.ids.Reserve(id); err != nil {
		r.metrics.AllocationFailed("conflict")
		return err
	}
	return nil
}

// bind runs the factory for an id the caller already holds and publishes the
// session. On failure the id is freed.
func (r *Registry) bind(id uint16) (Session, error) {
	s, err := r.factory(id)
	if err == nil && s.ChannelNumber() != id {
		err = errspkg.ChannelError(errspkg.ErrChannelMismatch, id)
	}
	if err != nil {
		r.mu.Lock()
		r.ids.Free(id)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = &entry{session: s}
	count := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetChannelsOpen(count)

	if !r.watch(id, s) {
		return nil, errspkg.ChannelError(errspkg.ErrSessionClosed, id)
	}
	r.logger.Debug("Channel session opened", logging.LogFields{"channel": id})
	return s, nil
}

// watch subscribes to the shutdown signal of s, the live session for id.
// It reports false when s had already shut down, in which case it has been
// removed again.
func (r *Registry) watch(id uint16, s Session) bool {
	unsubscribe, ok := s.Shutdown().Subscribe(func(shutdown.Reason) {
		r.remove(id, s)
	})
	if !ok {
		r.remove(id, s)
		return false
	}

	r.mu.Lock()
	e := r.sessions[id]
	stored := e != nil && e.session == s
	if stored {
		e.unsubscribe = unsubscribe
	}
	r.mu.Unlock()
	if !stored {
		unsubscribe()
	}
	return true
}

// remove drops id only while s is still its live session.
func (r *Registry) remove(id uint16, s Session) {
	r.mu.Lock()
	e := r.sessions[id]
	if e == nil || e.session != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.ids.Free(id)
	count := len(r.sessions)
	r.mu.Unlock()

	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	r.metrics.SetChannelsOpen(count)
	r.logger.Debug("Channel session removed", logging.LogFields{"channel": id})
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id uint16) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, errspkg.ChannelError(errspkg.ErrChannelNotFound, id)
	}
	return e.session, nil
}

// Swap replaces the live session for id with replacement, which must carry
// the same channel number. The previous session stops being watched, so its
// later shutdown leaves the id bound to replacement.
func (r *Registry) Swap(id uint16, replacement Session) (Session, error) {
	if replacement.ChannelNumber() != id {
		return nil, errspkg.ChannelError(errspkg.ErrChannelMismatch, id)
	}

	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, errspkg.ChannelError(errspkg.ErrChannelNotFound, id)
	}
	previous, unsubscribe := e.session, e.unsubscribe
	r.sessions[id] = &entry{session: replacement}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if !r.watch(id, replacement) {
		return previous, errspkg.ChannelError(errspkg.ErrSessionClosed, id)
	}
	r.logger.Debug("Channel session swapped", logging.LogFields{"channel": id})
	return previous, nil
}

// Count is the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists the live channel ids in ascending order.
func (r *Registry) Snapshot() []uint16 {
	r.mu.Lock()
	ids := make([]uint16, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Sessions lists the live sessions ordered by channel id.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Session) int {
		return int(a.ChannelNumber()) - int(b.ChannelNumber())
	})
	return out
}

// Available is the number of ids neither bound nor held.
func (r *Registry) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids.Available()
}

// ShutdownAll fires the shutdown signal of every live session with reason.
// Signals fire outside the registry lock.
func (r *Registry) ShutdownAll(reason shutdown.Reason) {
	for _, s := range r.Sessions() {
		s.Shutdown().Fire(reason)
	}
}

// IsAllocationError reports whether err came from the id allocator.
func IsAllocationError(err error) bool {
	return errors.Is(err, errspkg.ErrChannelAllocationExhausted) ||
		errors.Is(err, errspkg.ErrChannelAllocationConflict)
}
