// Package sidecar wires the tailer, queue, dispatcher, Loki client and
// metrics server into one process and owns their start and shutdown order.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cuemby/loki-sidecar/pkg/api"
	"github.com/cuemby/loki-sidecar/pkg/batch"
	"github.com/cuemby/loki-sidecar/pkg/config"
	"github.com/cuemby/loki-sidecar/pkg/health"
	"github.com/cuemby/loki-sidecar/pkg/log"
	"github.com/cuemby/loki-sidecar/pkg/loki"
	"github.com/cuemby/loki-sidecar/pkg/metrics"
	"github.com/cuemby/loki-sidecar/pkg/parser"
	"github.com/cuemby/loki-sidecar/pkg/tailer"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted = errors.New("sidecar already started")
	ErrShutdown       = errors.New("sidecar shut down")
)

// Option customizes a Sidecar
type Option func(*Sidecar)

// WithMetricsAddr overrides the metrics listen address, which otherwise is
// every interface on the configured port
func WithMetricsAddr(addr string) Option {
	return func(s *Sidecar) {
		s.metricsAddr = addr
	}
}

// Sidecar is a running log shipper
type Sidecar struct {
	cfg         *config.Config
	metricsAddr string
	logger      zerolog.Logger

	metrics    *metrics.Registry
	queue      *batch.Queue
	client     *loki.Client
	dispatcher *batch.Dispatcher
	tailer     *tailer.Tailer
	server     *api.MetricsServer
	rescanner  *rescanner
	readiness  health.Checker

	checkCtx    context.Context
	checkCancel context.CancelFunc

	// errCh carries the first component failure after Start
	errCh chan error

	mu       sync.Mutex
	started  bool
	shutdown bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg and builds every component without starting any of them
func New(cfg *config.Config, opts ...Option) (*Sidecar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sidecar{
		cfg:         cfg,
		metricsAddr: net.JoinHostPort("", strconv.Itoa(cfg.MetricsPort)),
		logger:      log.WithComponent("sidecar"),
		errCh:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.metrics = metrics.NewRegistry()
	s.queue = batch.NewQueue(cfg.QueueCapacity)

	client, err := loki.NewClient(loki.Config{
		Endpoint:      cfg.LokiEndpoint,
		Timeout:       cfg.PushTimeout,
		Compress:      cfg.Compress,
		PreserveOrder: cfg.PreserveOrder,
		Logger:        log.WithComponent("loki"),
	})
	if err != nil {
		return nil, err
	}
	s.client = client

	s.dispatcher = batch.NewDispatcher(batch.DispatcherConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		Logger:        log.WithComponent("dispatcher"),
	}, s.queue, s.client, s.metrics)

	t, err := tailer.New(tailer.Config{
		Directory:     cfg.LogDirectory,
		Suffix:        cfg.LogFileSuffix,
		PollInterval:  cfg.PollInterval,
		WatchNewFiles: cfg.WatchNewFiles,
		Logger:        log.WithComponent("tailer"),
	}, parser.New(cfg.ServiceName, cfg.Namespace), s.queue, s.metrics)
	if err != nil {
		return nil, err
	}
	s.tailer = t

	s.server = api.NewMetricsServer(s.metrics, log.WithComponent("api"))
	s.rescanner = newRescanner(cfg.RescanSchedule, s.tailer.Rescan, s.logger)
	s.readiness = health.NewLokiChecker(cfg.LokiEndpoint, cfg.PushTimeout)
	s.checkCtx, s.checkCancel = context.WithCancel(context.Background())

	return s, nil
}

// Start brings up the metrics server, the dispatcher and the tailer, in that
// order. If a step fails, everything already started is stopped again.
// A sidecar starts at most once.
func (s *Sidecar) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.shutdown:
		return ErrShutdown
	case s.started:
		return ErrAlreadyStarted
	}
	s.started = true

	if err := s.server.Start(s.metricsAddr); err != nil {
		s.shutdown = true
		s.tailer.Stop()
		return err
	}

	s.dispatcher.Start()

	if err := s.tailer.Start(); err != nil {
		s.shutdown = true
		_ = s.stop(context.Background())
		return fmt.Errorf("failed to start tailer: %w", err)
	}

	if err := s.rescanner.start(); err != nil {
		s.shutdown = true
		_ = s.stop(context.Background())
		return err
	}

	s.logger.Info().
		Str("directory", s.cfg.LogDirectory).
		Str("loki", s.client.PushURL()).
		Str("service", s.cfg.ServiceName).
		Str("namespace", s.cfg.Namespace).
		Str("metrics_addr", s.MetricsAddr()).
		Msg("Sidecar started")

	go s.checkLoki()
	go s.watchComponents(s.tailer.Done(), s.tailer.Err, s.server.Err())
	return nil
}

// watchComponents reports the first component that stops on its own. Both
// channels also fire during Shutdown, carrying no error.
func (s *Sidecar) watchComponents(tailerDone <-chan struct{}, tailerErr func() error, serverErr <-chan error) {
	select {
	case <-tailerDone:
		if err := tailerErr(); err != nil {
			s.errCh <- fmt.Errorf("tailer stopped: %w", err)
		}
	case err, ok := <-serverErr:
		if ok && err != nil {
			s.errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}
}

// checkLoki reports once whether Loki is ready. It never blocks shipping.
func (s *Sidecar) checkLoki() {
	result := s.readiness.Check(s.checkCtx)
	if s.checkCtx.Err() != nil {
		return
	}
	if result.Healthy {
		s.logger.Info().Dur("duration", result.Duration).Msg("Loki is ready")
		return
	}
	s.logger.Warn().
		Str("result", result.Message).
		Msg("Loki is not ready, batches will fail until it is")
}

// Shutdown stops the tailer, then lets the dispatcher flush what is queued,
// then stops the metrics server. If ctx expires first the remaining steps are
// still taken and ctx's error is returned. Only the first call does any work.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return s.stop(ctx)
}

func (s *Sidecar) stop(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("Shutting down")

		s.checkCancel()

		s.rescanner.stop()

		s.tailer.Stop()
		if err := waitFor(ctx, s.tailer.Done()); err != nil {
			s.logger.Warn().Err(err).Msg("Tailer did not stop in time")
			s.shutdownErr = err
		}

		// Start is a no-op when running and lets an unstarted loop exit
		s.dispatcher.Start()
		s.dispatcher.Stop()
		if err := waitFor(ctx, s.dispatcher.Done()); err != nil {
			s.logger.Warn().Err(err).Int("pending", s.queue.Len()).Msg("Dispatcher did not flush in time")
			s.shutdownErr = err
		}

		if err := s.server.Stop(ctx); err != nil && s.shutdownErr == nil {
			s.shutdownErr = err
		}

		v := s.metrics.Values()
		s.logger.Info().
			Uint64("processed", v.LogsProcessed).
			Uint64("sent", v.LogsSent).
			Uint64("errors", v.Errors).
			Uint64("dropped", v.LogsDropped).
			Msg("Sidecar stopped")
	})
	return s.shutdownErr
}

// Metrics returns the registry every component records into
func (s *Sidecar) Metrics() *metrics.Registry {
	return s.metrics
}

// MetricsAddr returns the bound metrics address once started, otherwise the
// configured one
func (s *Sidecar) MetricsAddr() string {
	if addr := s.server.Addr(); addr != nil {
		return addr.String()
	}
	return s.metricsAddr
}

// Err delivers the failure of a component that stopped on its own after
// Start. Nothing is sent for a requested Shutdown.
func (s *Sidecar) Err() <-chan error {
	return s.errCh
}

// Rescan asks the tailer to pick up new files in the log directory
func (s *Sidecar) Rescan() {
	s.tailer.Rescan()
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
