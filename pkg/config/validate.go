package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrMissingServiceName is returned when the service label would be empty
var ErrMissingServiceName = errors.New("service name must not be empty")

// FieldError is a validation failure of one field
type FieldError struct {
	Field   string
	Message string
	Err     error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// ValidationError collects every failed field
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Unwrap exposes the field errors to errors.Is and errors.As
func (e ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, fe := range e.Errors {
		errs[i] = fe
	}
	return errs
}

// Validate checks the configuration and returns a ValidationError listing
// every problem, or nil
func (c *Config) Validate() error {
	var errs []FieldError
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	if c.ServiceName == "" {
		errs = append(errs, FieldError{Field: "service_name", Message: "must not be empty", Err: ErrMissingServiceName})
	}
	if c.LogDirectory == "" {
		add("log_directory", "must not be empty")
	}
	if c.LogFileSuffix == "" {
		add("log_file_suffix", "must not be empty")
	}

	if c.LokiEndpoint == "" {
		add("loki_endpoint", "must not be empty")
	} else if u, err := url.Parse(c.LokiEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("loki_endpoint", fmt.Sprintf("%q is not an http(s) URL", c.LokiEndpoint))
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		add("metrics_port", fmt.Sprintf("%d is out of range 1-65535", c.MetricsPort))
	}
	if c.BatchSize < 1 {
		add("batch_size", "must be positive")
	}
	if c.FlushInterval <= 0 {
		add("flush_interval", "must be positive")
	}
	if c.PollInterval <= 0 {
		add("poll_interval", "must be positive")
	}
	if c.PushTimeout <= 0 {
		add("push_timeout", "must be positive")
	}
	if c.QueueCapacity < 0 {
		add("queue_capacity", "must not be negative")
	}

	if c.RescanSchedule != "" {
		if _, err := cron.ParseStandard(c.RescanSchedule); err != nil {
			add("rescan_schedule", fmt.Sprintf("invalid cron expression: %v", err))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log_level", fmt.Sprintf("unknown level %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
