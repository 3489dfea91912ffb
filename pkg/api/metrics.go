// Package api serves the sidecar's metrics snapshot over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/metrics"
	"github.com/rs/zerolog"
)

// MetricsPath is the only path the server answers
const MetricsPath = "/metrics"

// Snapshotter renders the current metrics in text exposition format
type Snapshotter interface {
	Snapshot() (string, error)
}

// MetricsServer answers GET and HEAD /metrics with a snapshot; every other
// request gets 404
type MetricsServer struct {
	source Snapshotter
	logger zerolog.Logger
	mux    *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// NewMetricsServer creates a metrics server backed by source
func NewMetricsServer(source Snapshotter, logger zerolog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	ms := &MetricsServer{
		source: source,
		logger: logger,
		mux:    mux,
	}

	mux.HandleFunc(MetricsPath, ms.metricsHandler)

	return ms
}

// Start binds addr and serves in the background. A bind failure is returned
// here; later serve errors are reported through Err.
func (ms *MetricsServer) Start(addr string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.server != nil {
		return errors.New("metrics server already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ms.listener = listener
	ms.serveErr = make(chan error, 1)
	ms.server = &http.Server{
		Handler:      ms.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := ms.server
	serveErr := ms.serveErr
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.logger.Error().Err(err).Msg("Metrics server failed")
			serveErr <- err
		}
		close(serveErr)
	}()

	ms.logger.Info().Str("addr", listener.Addr().String()).Msg("Metrics server listening")
	return nil
}

// Addr returns the bound address, or nil before Start
func (ms *MetricsServer) Addr() net.Addr {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.listener == nil {
		return nil
	}
	return ms.listener.Addr()
}

// Err delivers a serve failure and is closed when serving ends. Nil before Start.
func (ms *MetricsServer) Err() <-chan error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.serveErr
}

// Stop shuts the server down, waiting for in-flight requests until ctx expires
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.mu.Lock()
	server := ms.server
	ms.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	ms.logger.Info().Msg("Metrics server stopped")
	return nil
}

// Handler returns the HTTP handler for embedding in other servers
func (ms *MetricsServer) Handler() http.Handler {
	return ms.mux
}

func (ms *MetricsServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}

	body, err := ms.source.Snapshot()
	if err != nil {
		ms.logger.Error().Err(err).Msg("Failed to render metrics")
		http.Error(w, "failed to render metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", metrics.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(body))
}
