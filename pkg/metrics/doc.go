/*
Package metrics keeps the sidecar's operational counters and renders them in
Prometheus text exposition format.

The Registry is a prometheus.Collector registered on its own private
prometheus.Registry, so nothing leaks into the global default registry and
every sidecar instance (including each one in a test) has independent
values.

# Metrics

	log_sidecar_logs_processed_total          lines parsed and accepted by the queue
	log_sidecar_logs_sent_total               records in batches Loki accepted
	log_sidecar_errors_total                  failed batches (one per batch)
	log_sidecar_logs_dropped_total            lines rejected by a full queue
	log_sidecar_last_processed_timestamp      unix seconds of the last processed line
	log_sidecar_uptime_seconds                whole seconds since the registry was created
	log_sidecar_processing_rate_per_second    processed / uptime, 0 during the first second

Counters are atomics and may be incremented from any goroutine without
coordination. Snapshot serializes composition so concurrent scrapes never
interleave, but the values inside one snapshot are read individually and need
not come from the same instant.

# Usage

	reg := metrics.NewRegistry()
	reg.IncProcessed()
	reg.AddSent(100)

	text, err := reg.Snapshot()
	// serve text with Content-Type metrics.ContentType
*/
package metrics
