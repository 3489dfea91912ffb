// Package config assembles the sidecar configuration from built-in defaults,
// an optional YAML file and the environment. Command-line flags are applied
// on top by the caller before Validate.
package config

import (
	"time"
)

// Built-in defaults
const (
	DefaultLogDirectory  = "/var/log/app"
	DefaultLogFileSuffix = ".log"
	DefaultLokiEndpoint  = "http://loki:3100"
	DefaultServiceName   = "unknown"
	DefaultNamespace     = "default"
	DefaultMetricsPort   = 9090
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultPollInterval  = time.Second
	DefaultQueueCapacity = 10000
	DefaultPushTimeout   = 30 * time.Second
	DefaultLogLevel      = "info"
)

// Config is the complete sidecar configuration
type Config struct {
	// LogDirectory is scanned for files to tail
	LogDirectory string `yaml:"log_directory"`

	// LogFileSuffix selects the tailed files
	LogFileSuffix string `yaml:"log_file_suffix"`

	// WatchNewFiles tails matching files created after startup
	WatchNewFiles bool `yaml:"watch_new_files"`

	// RescanSchedule is a cron expression for re-scanning LogDirectory. Empty disables it.
	RescanSchedule string `yaml:"rescan_schedule"`

	// PollInterval bounds each wait for file readiness
	PollInterval time.Duration `yaml:"poll_interval"`

	// LokiEndpoint is the Loki base URL; the push path is appended
	LokiEndpoint string `yaml:"loki_endpoint"`

	// ServiceName and Namespace label every record
	ServiceName string `yaml:"service_name"`
	Namespace   string `yaml:"namespace"`

	// MetricsPort is the TCP port of the metrics endpoint
	MetricsPort int `yaml:"metrics_port"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	// QueueCapacity bounds pending records. 0 means unbounded.
	QueueCapacity int `yaml:"queue_capacity"`

	PushTimeout time.Duration `yaml:"push_timeout"`

	// Compress gzips push bodies
	Compress bool `yaml:"compress"`

	// PreserveOrder keeps read order inside a stream instead of sorting by timestamp
	PreserveOrder bool `yaml:"preserve_order"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogDirectory:  DefaultLogDirectory,
		LogFileSuffix: DefaultLogFileSuffix,
		WatchNewFiles: true,
		PollInterval:  DefaultPollInterval,
		LokiEndpoint:  DefaultLokiEndpoint,
		ServiceName:   DefaultServiceName,
		Namespace:     DefaultNamespace,
		MetricsPort:   DefaultMetricsPort,
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
		QueueCapacity: DefaultQueueCapacity,
		PushTimeout:   DefaultPushTimeout,
		LogLevel:      DefaultLogLevel,
		LogJSON:       true,
	}
}
