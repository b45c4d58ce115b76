package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGrace = 5 * time.Second

// Server bundles the health probes and the Prometheus metrics endpoint on
// one listener. The OpenTelemetry prometheus exporter feeds the default
// registry, which /metrics serves.
type Server struct {
	srv    *http.Server
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer builds the HTTP server on addr with the given readiness
// checkers.
func NewServer(addr string, logger *slog.Logger, checkers ...Checker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux:    mux,
		logger: logger,
	}
}

// Handle mounts an additional handler on the server's mux. Must be called
// before Run.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health/metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
