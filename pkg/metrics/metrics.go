package metrics

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// ContentType is the exposition content type served with Snapshot output
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

const namespace = "log_sidecar"

var (
	logsProcessedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "logs_processed_total"),
		"Total number of log lines processed",
		nil, nil,
	)

	logsSentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "logs_sent_total"),
		"Total number of log lines sent to Loki",
		nil, nil,
	)

	errorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "errors_total"),
		"Total number of errors encountered",
		nil, nil,
	)

	logsDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "logs_dropped_total"),
		"Total number of log lines rejected because the queue was full",
		nil, nil,
	)

	lastProcessedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "last_processed_timestamp"),
		"Unix timestamp of last processed log",
		nil, nil,
	)

	uptimeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "uptime_seconds"),
		"Uptime of the log sidecar in seconds",
		nil, nil,
	)

	processingRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "processing_rate_per_second"),
		"Current log processing rate per second",
		nil, nil,
	)
)

// Registry holds the sidecar's operational counters. Increments are lock-free
// and safe from any goroutine. One Registry is created at startup and handed
// to every component that records into it.
type Registry struct {
	logsProcessed atomic.Uint64
	logsSent      atomic.Uint64
	errors        atomic.Uint64
	logsDropped   atomic.Uint64
	lastProcessed atomic.Int64

	start time.Time
	now   func() time.Time

	// mu serializes snapshot composition only
	mu       sync.Mutex
	registry *prometheus.Registry
}

// Values is a point-in-time copy of the registry
type Values struct {
	LogsProcessed          uint64
	LogsSent               uint64
	Errors                 uint64
	LogsDropped            uint64
	LastProcessedTimestamp int64
	UptimeSeconds          int64
	ProcessingRate         float64
}

// NewRegistry creates a registry whose uptime starts now
func NewRegistry() *Registry {
	r := &Registry{
		start: time.Now(),
		now:   time.Now,
	}
	r.registry = prometheus.NewRegistry()
	r.registry.MustRegister(r)
	return r
}

// IncProcessed records one accepted log line and stamps the last processed time
func (r *Registry) IncProcessed() {
	r.logsProcessed.Add(1)
	r.lastProcessed.Store(r.now().Unix())
}

// AddSent records n log lines delivered in a successful push
func (r *Registry) AddSent(n int) {
	if n <= 0 {
		return
	}
	r.logsSent.Add(uint64(n))
}

// IncErrors records one failed push, regardless of batch size
func (r *Registry) IncErrors() {
	r.errors.Add(1)
}

// IncDropped records one log line rejected by a full queue
func (r *Registry) IncDropped() {
	r.logsDropped.Add(1)
}

// Uptime returns whole seconds elapsed since the registry was created
func (r *Registry) Uptime() int64 {
	return int64(r.now().Sub(r.start) / time.Second)
}

// Values reads every counter. The reads are individually atomic and may be
// drawn from slightly different instants.
func (r *Registry) Values() Values {
	processed := r.logsProcessed.Load()
	uptime := r.Uptime()
	return Values{
		LogsProcessed:          processed,
		LogsSent:               r.logsSent.Load(),
		Errors:                 r.errors.Load(),
		LogsDropped:            r.logsDropped.Load(),
		LastProcessedTimestamp: r.lastProcessed.Load(),
		UptimeSeconds:          uptime,
		ProcessingRate:         ProcessingRate(processed, uptime),
	}
}

// ProcessingRate derives lines per second, 0 when no time has elapsed
func ProcessingRate(processed uint64, uptimeSeconds int64) float64 {
	if uptimeSeconds <= 0 {
		return 0
	}
	return float64(processed) / float64(uptimeSeconds)
}

// Describe implements prometheus.Collector
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- logsProcessedDesc
	ch <- logsSentDesc
	ch <- errorsDesc
	ch <- logsDroppedDesc
	ch <- lastProcessedDesc
	ch <- uptimeDesc
	ch <- processingRateDesc
}

// Collect implements prometheus.Collector
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	v := r.Values()
	ch <- prometheus.MustNewConstMetric(logsProcessedDesc, prometheus.CounterValue, float64(v.LogsProcessed))
	ch <- prometheus.MustNewConstMetric(logsSentDesc, prometheus.CounterValue, float64(v.LogsSent))
	ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(v.Errors))
	ch <- prometheus.MustNewConstMetric(logsDroppedDesc, prometheus.CounterValue, float64(v.LogsDropped))
	ch <- prometheus.MustNewConstMetric(lastProcessedDesc, prometheus.GaugeValue, float64(v.LastProcessedTimestamp))
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, float64(v.UptimeSeconds))
	ch <- prometheus.MustNewConstMetric(processingRateDesc, prometheus.GaugeValue, v.ProcessingRate)
}

// Snapshot renders every metric in the text exposition format
func (r *Registry) Snapshot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	families, err := r.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("failed to render metric %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
