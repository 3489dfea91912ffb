package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/metrics"
	"github.com/cuemby/loki-sidecar/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every batch it is handed
type fakeSender struct {
	mu      sync.Mutex
	batches [][]types.Record
	err     error
	delay   time.Duration
}

func (f *fakeSender) Send(ctx context.Context, records []types.Record) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, records)
	return f.err
}

func (f *fakeSender) snapshot() [][]types.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]types.Record, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeSender) total() int {
	n := 0
	for _, b := range f.snapshot() {
		n += len(b)
	}
	return n
}

func newTestDispatcher(q *Queue, s Sender, reg *metrics.Registry, batchSize int, interval time.Duration) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		BatchSize:     batchSize,
		FlushInterval: interval,
		Logger:        zerolog.Nop(),
	}, q, s, reg)
}

func TestNewDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, NewQueue(0), &fakeSender{}, metrics.NewRegistry())
	assert.Equal(t, DefaultBatchSize, d.batchSize)
	assert.Equal(t, DefaultFlushInterval, d.flushInterval)
}

func TestDispatcherSendsOnEnqueue(t *testing.T) {
	q := NewQueue(0)
	sender := &fakeSender{}
	reg := metrics.NewRegistry()

	// A long interval proves delivery is driven by the enqueue signal
	d := newTestDispatcher(q, sender, reg, 10, time.Hour)
	d.Start()
	defer func() {
		d.Stop()
		d.Wait()
	}()

	q.Enqueue(rec(1))

	require.Eventually(t, func() bool { return sender.total() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), reg.Values().LogsSent)
}

func TestDispatcherBatchSizeBound(t *testing.T) {
	q := NewQueue(0)
	sender := &fakeSender{}
	reg := metrics.NewRegistry()

	for i := 0; i < 95; i++ {
		q.Enqueue(rec(i))
	}

	d := newTestDispatcher(q, sender, reg, 10, time.Hour)
	d.Start()

	require.Eventually(t, func() bool { return sender.total() == 95 }, 2*time.Second, 10*time.Millisecond)
	d.Stop()
	d.Wait()

	var got []string
	for _, b := range sender.snapshot() {
		assert.LessOrEqual(t, len(b), 10)
		assert.NotEmpty(t, b)
		got = append(got, messages(b)...)
	}

	// FIFO across batches
	require.Len(t, got, 95)
	for i, m := range got {
		assert.Equal(t, rec(i).Message, m)
	}
}

func TestDispatcherFlushesOnStop(t *testing.T) {
	q := NewQueue(0)
	// Slow sends keep records queued when Stop arrives
	sender := &fakeSender{delay: 20 * time.Millisecond}
	reg := metrics.NewRegistry()

	d := newTestDispatcher(q, sender, reg, 7, time.Hour)
	d.Start()

	const n = 50
	for i := 0; i < n; i++ {
		q.Enqueue(rec(i))
	}
	d.Stop()
	d.Stop()
	d.Wait()

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, n, sender.total())
	assert.Equal(t, uint64(n), reg.Values().LogsSent)

	seen := make(map[string]bool)
	for _, b := range sender.snapshot() {
		assert.LessOrEqual(t, len(b), 7)
		for _, r := range b {
			assert.False(t, seen[r.Message], "record %s dispatched twice", r.Message)
			seen[r.Message] = true
		}
	}
}

func TestDispatcherFailedBatchesDropped(t *testing.T) {
	q := NewQueue(0)
	sender := &fakeSender{err: errors.New("connection refused")}
	reg := metrics.NewRegistry()

	for i := 0; i < 25; i++ {
		q.Enqueue(rec(i))
	}

	d := newTestDispatcher(q, sender, reg, 10, time.Hour)
	d.Start()
	d.Stop()
	d.Wait()

	batches := sender.snapshot()
	require.Len(t, batches, 3)

	v := reg.Values()
	assert.Equal(t, uint64(3), v.Errors, "one error per failed batch")
	assert.Equal(t, uint64(0), v.LogsSent)
	assert.Equal(t, 0, q.Len(), "failed batches are not re-queued")
}

func TestDispatcherEmptyWakeups(t *testing.T) {
	q := NewQueue(0)
	sender := &fakeSender{}

	d := newTestDispatcher(q, sender, metrics.NewRegistry(), 10, 5*time.Millisecond)
	d.Start()
	time.Sleep(50 * time.Millisecond)
	d.Stop()
	d.Wait()

	assert.Empty(t, sender.snapshot(), "timeouts on an empty queue must not produce batches")
}

func TestDispatcherStopBeforeStart(t *testing.T) {
	q := NewQueue(0)
	q.Enqueue(rec(1))
	sender := &fakeSender{}

	d := newTestDispatcher(q, sender, metrics.NewRegistry(), 10, time.Hour)
	d.Stop()
	d.Start()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit")
	}
	assert.Equal(t, 1, sender.total())
}
