package batch

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/metrics"
	"github.com/cuemby/loki-sidecar/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults applied when a DispatcherConfig leaves a field unset
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
)

// Sender delivers one batch. A non-nil error means the whole batch failed.
type Sender interface {
	Send(ctx context.Context, records []types.Record) error
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	// BatchSize caps the records handed to the sender at once (default: 100)
	BatchSize int

	// FlushInterval bounds how long the dispatcher sleeps with nothing to do (default: 5s)
	FlushInterval time.Duration

	Logger zerolog.Logger
}

// Dispatcher drains the queue into batches and hands them to a Sender.
// Delivery is at most once: a failed batch is counted and discarded.
type Dispatcher struct {
	queue         *Queue
	sender        Sender
	metrics       *metrics.Registry
	batchSize     int
	flushInterval time.Duration
	logger        zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewDispatcher creates a dispatcher for queue
func NewDispatcher(cfg DispatcherConfig, queue *Queue, sender Sender, reg *metrics.Registry) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	return &Dispatcher{
		queue:         queue,
		sender:        sender,
		metrics:       reg,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calls after the first are no-ops.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop asks the loop to flush what is queued and exit. It does not wait;
// use Wait for that. Safe to call more than once and from any goroutine.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

// Wait blocks until the loop has exited after its final flush
func (d *Dispatcher) Wait() {
	<-d.doneCh
}

// Done is closed when the loop has exited
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneCh
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	d.logger.Info().
		Int("batch_size", d.batchSize).
		Dur("flush_interval", d.flushInterval).
		Msg("Dispatcher started")

	timer := time.NewTimer(d.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-d.stopCh:
			d.flushAll()
			d.logger.Info().Msg("Dispatcher stopped")
			return
		case <-d.queue.Ready():
		case <-timer.C:
		}

		d.dispatch(d.queue.Drain(d.batchSize))
		timer.Reset(d.flushInterval)
	}
}

// flushAll sends everything still queued, batchSize records at a time
func (d *Dispatcher) flushAll() {
	for {
		batch := d.queue.Drain(d.batchSize)
		if len(batch) == 0 {
			return
		}
		d.dispatch(batch)
	}
}

func (d *Dispatcher) dispatch(batch []types.Record) {
	if len(batch) == 0 {
		return
	}

	batchID := uuid.NewString()
	if err := d.sender.Send(context.Background(), batch); err != nil {
		d.metrics.IncErrors()
		d.logger.Error().
			Err(err).
			Str("batch_id", batchID).
			Int("records", len(batch)).
			Msg("Failed to send logs to Loki, batch dropped")
		return
	}

	d.metrics.AddSent(len(batch))
	d.logger.Debug().
		Str("batch_id", batchID).
		Int("records", len(batch)).
		Msg("Sent logs to Loki")
}
