package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	port       int
	checker    *HealthChecker
}

// NewServer creates a new observability server
func NewServer(port int, checker *HealthChecker) *Server {
	s := &Server{
		port:    port,
		checker: checker,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the ops mux. Exposed so tests can drive it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.checker.HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", s.checker.ReadinessHandler())

	mux.Handle("/metrics", MetricsHandler())
	return mux
}

// Start starts the observability server. It returns nil after Shutdown.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
