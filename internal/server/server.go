// Package server exposes the product registry over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"serveml/internal/logging"
	"serveml/internal/metrics"
	"serveml/internal/product"
)

// DefaultMaxBodyBytes bounds request bodies when Config leaves it unset.
const DefaultMaxBodyBytes = 4 << 20

// Registry is the subset of *registry.Registry the server drives.
type Registry interface {
	Loaded() bool
	Add(ctx context.Context, modelPayload, validatorPayload []byte) (int64, error)
	Infer(ctx context.Context, key int64, args product.Args) (any, error)
	Remove(ctx context.Context, key int64) error
	List() []int64
}

// Config holds server configuration.
type Config struct {
	// Registry serves every product route. Required.
	Registry Registry

	// Metrics is exposed at /metrics and counts requests. Optional.
	Metrics *metrics.Metrics

	// MaxBodyBytes bounds request bodies, after decompression.
	MaxBodyBytes int64

	// Logger for structured logging.
	Logger *slog.Logger
}

// Server is the HTTP front of the registry.
type Server struct {
	reg     Registry
	metrics *metrics.Metrics
	maxBody int64
	logger  *slog.Logger

	mux     *http.ServeMux
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	stopped  bool
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// New creates a Server. The handler chain is built once here.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	s := &Server{
		reg:     cfg.Registry,
		metrics: cfg.Metrics,
		maxBody: cfg.MaxBodyBytes,
		logger:  logging.Default(cfg.Logger).With("component", "server"),
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	s.mux = s.buildMux()
	s.handler = s.requestIDMiddleware(s.metricsMiddleware(s.trackingMiddleware(compressMiddleware(s.mux))))
	return s, nil
}

// Handler returns the complete handler chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /add_product", s.handleAdd)
	mux.HandleFunc("POST /infer/{product_key}", s.handleInfer)
	mux.HandleFunc("POST /remove_product/{product_key}", s.handleRemove)
	mux.HandleFunc("POST /list_products", s.handleList)

	s.registerProbes(mux)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

// registerProbes adds Kubernetes liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Ready once the registry has recovered its products and until drain
	// begins.
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// Ready reports whether the server should receive traffic.
func (s *Server) Ready() bool {
	return s.reg.Loaded() && !s.draining.Load()
}

// Serve serves HTTP/1.1 and cleartext HTTP/2 on listener. It blocks until
// the server is stopped or fails.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	case s.server != nil:
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", listener.Addr().String())

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests, rejecting new ones, then shuts the
// listener down. ctx bounds the whole sequence. A Serve call that has not
// started yet returns at once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("draining in-flight requests")
	s.draining.Store(true)

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.logger.Info("drain complete")
	case <-ctx.Done():
		s.logger.Warn("drain interrupted", "error", ctx.Err())
	}

	if srv == nil {
		return nil
	}
	s.logger.Info("server stopping")
	return srv.Shutdown(ctx)
}
