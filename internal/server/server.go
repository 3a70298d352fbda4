// Package server builds the HTTP listener: gorilla/mux for the
// /metrics and catch-all routes, wrapped in the access-log and
// request-ID middleware, matching this proxy's long-standing
// mux-plus-gorilla/handlers listener stack.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keepcache/keepcached/internal/middleware"
	"github.com/keepcache/keepcached/internal/pipeline"
)

// New builds the root handler: /metrics, then the pipeline catch-all
// for everything else (the health endpoint is handled inside the
// pipeline itself, per the spec's stage-2 short-circuit). reg is the
// same registry every collector in cmd/keepcached/main.go registers
// on (origin-client, analytics, Go/process/version collectors); using
// promhttp.HandlerFor(reg, ...) instead of promhttp.Handler() (which
// serves only the global default registry, touched by none of those
// collectors) is what makes /metrics actually expose them.
func New(p *pipeline.Pipeline, reg *prometheus.Registry, accessLogWriter interface{ Write([]byte) (int, error) }) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithRequestID)
	if accessLogWriter != nil {
		r.Use(middleware.AccessLog(accessLogWriter))
	}

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.PathPrefix("/").Handler(middleware.Trace("request")(p))
	return r
}

// Server wraps http.Server with the graceful-shutdown drain window
// and health-timer/plugin-host teardown the concurrency model
// specifies.
type Server struct {
	httpServer *http.Server
	onShutdown func(ctx context.Context)
}

// NewServer wraps handler (typically the *mux.Router from New) with
// the listener lifecycle.
func NewServer(addr string, handler http.Handler, onShutdown func(ctx context.Context)) *Server {
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: handler},
		onShutdown: onShutdown,
	}
}

// ListenAndServe starts accepting connections.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS starts accepting connections with the configured
// TLS certificate/key.
func (s *Server) ListenAndServeTLS(cert, key string) error {
	return s.httpServer.ListenAndServeTLS(cert, key)
}

// Shutdown stops accepting new connections, waits up to drain for
// in-flight requests, then invokes onShutdown (health timer stop,
// onServerStop hook, analytics flush are the caller's responsibility
// inside that callback).
func (s *Server) Shutdown(drain time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	if s.onShutdown != nil {
		s.onShutdown(ctx)
	}
	return err
}
