package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rathix/devproxy/internal/health"
)

// HealthPath answers liveness probes from tooling that waits for the dev
// server to come up.
const HealthPath = "/__devserver/health"

// Options configures a Server.
type Options struct {
	Addr string
	// Proxy receives every request not claimed by an internal route. It
	// forwards rule matches and serves the static site otherwise.
	Proxy          http.Handler
	MetricsPath    string
	MetricsHandler http.Handler
	// Backends, when set, adds per-target reachability to the health
	// response.
	Backends BackendStatus
	Logger   *slog.Logger
}

// BackendStatus reports the last observed state of each proxy target.
type BackendStatus interface {
	Snapshot() []health.Backend
}

type healthResponse struct {
	Status   string           `json:"status"`
	Backends []health.Backend `json:"backends,omitempty"`
}

// Server is the development HTTP server.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds the router: recovery, request IDs, real client IPs and request
// logging wrap every route.
func New(opts Options) *Server {
	s := &Server{logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	healthHandler := func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		if opts.Backends != nil {
			resp.Backends = opts.Backends.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
	r.Get(HealthPath, healthHandler)
	r.Head(HealthPath, healthHandler)
	if opts.MetricsHandler != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, opts.MetricsHandler)
	}
	r.NotFound(opts.Proxy.ServeHTTP)
	r.MethodNotAllowed(opts.Proxy.ServeHTTP)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address and blocks until ctx is cancelled,
// then drains connections.
func (s *Server) Run(ctx context.Context) error {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening (HTTP)", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		s.logger.Info("Server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}
