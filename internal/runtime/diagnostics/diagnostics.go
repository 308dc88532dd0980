// Package diagnostics serves a read-only JSON view of live connections and,
// when enabled, their Prometheus metrics.
package diagnostics

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/amqpcore/internal/runtime/bufpool"
	"github.com/drblury/amqpcore/internal/runtime/channel"
	"github.com/drblury/amqpcore/internal/runtime/config"
	"github.com/drblury/amqpcore/internal/runtime/jsoncodec"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/session"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// Source is what the handler reads from a connection.
type Source interface {
	ID() string
	Config() config.Config
	Registry() *session.Registry
	Pool() bufpool.Pool
	LastRead() time.Time
	Shutdown() *shutdown.Signal
}

// ChannelStatus describes one bound channel id.
type ChannelStatus struct {
	ID         uint16   `json:"id"`
	Quiescing  bool     `json:"quiescing,omitempty"`
	QueueState string   `json:"queue_state,omitempty"`
	QueueLen   int      `json:"queue_len"`
	Consumers  []string `json:"consumers,omitempty"`
}

// ConnectionStatus describes one connection.
type ConnectionStatus struct {
	ID                string          `json:"id"`
	Closed            bool            `json:"closed"`
	CloseReason       string          `json:"close_reason,omitempty"`
	ChannelMax        uint16          `json:"channel_max"`
	FrameMax          uint32          `json:"frame_max"`
	ChannelsAvailable int             `json:"channels_available"`
	LastRead          time.Time       `json:"last_read"`
	Channels          []ChannelStatus `json:"channels"`
	Pool              *bufpool.Stats  `json:"pool,omitempty"`
}

// Snapshot is the body of GET /api/channels.
type Snapshot struct {
	TakenAt     time.Time          `json:"taken_at"`
	Connections []ConnectionStatus `json:"connections"`
	Resources   ResourceUsage      `json:"resources"`
}

// Handler serves the diagnostics endpoints.
type Handler struct {
	mu        sync.RWMutex
	sources   []Source
	origins   []string
	gatherer  prometheus.Gatherer
	resources *resourceTracker
	logger    logging.ServiceLogger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCORSOrigins sets the allowed origins; "*" allows any.
func WithCORSOrigins(origins []string) Option {
	return func(h *Handler) { h.origins = origins }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(h *Handler) { h.logger = logging.OrNop(l) }
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		resources: newResourceTracker(),
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add starts reporting src.
func (h *Handler) Add(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, src)
}

// Remove stops reporting the source with id.
func (h *Handler) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = slices.DeleteFunc(h.sources, func(s Source) bool { return s.ID() == id })
}

// Routes mounts the endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("/api/channels", http.HandlerFunc(h.handleGetChannels))
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// Snapshot builds the current view of every source.
func (h *Handler) Snapshot() Snapshot {
	h.mu.RLock()
	sources := slices.Clone(h.sources)
	h.mu.RUnlock()

	snap := Snapshot{
		TakenAt:     time.Now().UTC(),
		Connections: make([]ConnectionStatus, 0, len(sources)),
		Resources:   h.resources.Snapshot(),
	}
	for _, src := range sources {
		snap.Connections = append(snap.Connections, describe(src))
	}
	return snap
}

func describe(src Source) ConnectionStatus {
	cfg := src.Config()
	registry := src.Registry()
	status := ConnectionStatus{
		ID:                src.ID(),
		ChannelMax:        cfg.ChannelMax,
		FrameMax:          cfg.FrameMax,
		ChannelsAvailable: registry.Available(),
		LastRead:          src.LastRead().UTC(),
		Channels:          []ChannelStatus{},
	}
	if reason, fired := src.Shutdown().Fired(); fired {
		status.Closed = true
		status.CloseReason = reason.Error()
	}
	if p, ok := src.Pool().(interface{ Stats() bufpool.Stats }); ok {
		stats := p.Stats()
		status.Pool = &stats
	}

	for _, s := range registry.Sessions() {
		cs := ChannelStatus{ID: s.ChannelNumber()}
		switch s := s.(type) {
		case *channel.Channel:
			cs.QueueState = s.QueueState().String()
			cs.QueueLen = s.QueueLen()
			cs.Consumers = s.ConsumerTags()
		case *session.Quiescing:
			cs.Quiescing = true
		}
		status.Channels = append(status.Channels, cs)
	}
	return status
}

func (h *Handler) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(h.origins) > 0 {
		if allowed := h.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, h.Snapshot()); err != nil {
		h.logger.Error("Failed to encode diagnostics snapshot", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (h *Handler) allowedOrigin(origin string) string {
	for _, allowed := range h.origins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
