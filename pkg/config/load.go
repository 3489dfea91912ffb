package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvLogDirectory   = "LOG_DIRECTORY"
	EnvLogFileSuffix  = "LOG_FILE_SUFFIX"
	EnvWatchNewFiles  = "WATCH_NEW_FILES"
	EnvRescanSchedule = "RESCAN_SCHEDULE"
	EnvPollInterval   = "POLL_INTERVAL_MS"
	EnvLokiEndpoint   = "LOKI_ENDPOINT"
	EnvServiceName    = "SERVICE_NAME"
	EnvNamespace      = "NAMESPACE"
	EnvMetricsPort    = "METRICS_PORT"
	EnvBatchSize      = "BATCH_SIZE"
	EnvFlushInterval  = "FLUSH_INTERVAL_MS"
	EnvQueueCapacity  = "QUEUE_CAPACITY"
	EnvPushTimeout    = "PUSH_TIMEOUT_MS"
	EnvCompress       = "LOKI_COMPRESS"
	EnvPreserveOrder  = "LOKI_PRESERVE_ORDER"
	EnvLogLevel       = "SIDECAR_LOG_LEVEL"
	EnvLogJSON        = "SIDECAR_LOG_JSON"
)

// LookupFunc reports the value of an environment variable and whether it is set.
// os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
//
// Malformed environment values never fail the load: the previous value is
// kept and a warning describing the problem is returned so the caller can log
// it once logging is up. File errors are returned as errors.
func Load(path string, lookup LookupFunc) (*Config, []string, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envReader{lookup: lookup}
	env.apply(cfg)

	return cfg, env.warnings, nil
}

type envReader struct {
	lookup   LookupFunc
	warnings []string
}

func (r *envReader) apply(cfg *Config) {
	r.str(EnvLogDirectory, &cfg.LogDirectory)
	r.str(EnvLogFileSuffix, &cfg.LogFileSuffix)
	r.boolean(EnvWatchNewFiles, &cfg.WatchNewFiles)
	r.str(EnvRescanSchedule, &cfg.RescanSchedule)
	r.millis(EnvPollInterval, &cfg.PollInterval)

	r.str(EnvLokiEndpoint, &cfg.LokiEndpoint)
	r.str(EnvServiceName, &cfg.ServiceName)
	r.str(EnvNamespace, &cfg.Namespace)

	r.integer(EnvMetricsPort, &cfg.MetricsPort, 1)
	r.integer(EnvBatchSize, &cfg.BatchSize, 1)
	r.millis(EnvFlushInterval, &cfg.FlushInterval)
	r.integer(EnvQueueCapacity, &cfg.QueueCapacity, 0)
	r.millis(EnvPushTimeout, &cfg.PushTimeout)
	r.boolean(EnvCompress, &cfg.Compress)
	r.boolean(EnvPreserveOrder, &cfg.PreserveOrder)

	r.str(EnvLogLevel, &cfg.LogLevel)
	r.boolean(EnvLogJSON, &cfg.LogJSON)
}

// str overrides dst whenever key is set, including to the empty string
func (r *envReader) str(key string, dst *string) {
	if val, ok := r.lookup(key); ok {
		*dst = val
	}
}

func (r *envReader) integer(key string, dst *int, min int) {
	val, ok := r.lookup(key)
	if !ok || val == "" {
		return
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < min {
		r.warnf("invalid %s=%q (want an integer >= %d), using %d", key, val, min, *dst)
		return
	}
	*dst = i
}

func (r *envReader) millis(key string, dst *time.Duration) {
	val, ok := r.lookup(key)
	if !ok || val == "" {
		return
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil || ms <= 0 {
		r.warnf("invalid %s=%q (want a positive number of milliseconds), using %s", key, val, *dst)
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}

func (r *envReader) boolean(key string, dst *bool) {
	val, ok := r.lookup(key)
	if !ok || val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		r.warnf("invalid %s=%q (want true or false), using %t", key, val, *dst)
		return
	}
	*dst = b
}

func (r *envReader) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}
