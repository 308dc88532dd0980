package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/drblury/amqpcore/internal/runtime/logging"
)

const shutdownGrace = 5 * time.Second

// Server exposes a Handler over HTTP.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger logging.ServiceLogger
}

// NewServer mounts h on a fresh mux listening on port.
func NewServer(port int, h *Handler, logger logging.ServiceLogger) *Server {
	mux := http.NewServeMux()
	h.Routes(mux)
	return &Server{
		addr:   fmt.Sprintf(":%d", port),
		mux:    mux,
		logger: logging.OrNop(logger),
	}
}

// Handle mounts an extra handler next to the diagnostics endpoints.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Run listens on the configured port and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("diagnostics: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Starting diagnostics server", logging.LogFields{"address": ln.Addr().String()})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("Diagnostics server failed", err, logging.LogFields{"address": ln.Addr().String()})
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
