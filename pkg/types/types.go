package types

import (
	"strconv"
	"strings"
)

// DefaultLevel is the severity assigned when a line carries none
const DefaultLevel = "INFO"

// Fallback field values for lines that are not structured records
const (
	FallbackLogger = "unknown"
	FallbackThread = "main"
)

// Record is one normalized log line. Records are treated as immutable once
// the parser has built them.
type Record struct {
	// Timestamp is the instant the line was emitted. Either nanoseconds since
	// the epoch as a decimal string or whatever the application wrote.
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Logger    string `json:"logger"`
	Thread    string `json:"thread"`

	// Service and Namespace come from static configuration
	Service   string `json:"service"`
	Namespace string `json:"namespace"`
}

// Labels returns the label set the record is streamed under
func (r Record) Labels() LabelSet {
	return LabelSet{
		Service:   r.Service,
		Namespace: r.Namespace,
		Level:     r.Level,
		Logger:    r.Logger,
	}
}

// LabelSet partitions a batch into backend streams
type LabelSet struct {
	Service   string
	Namespace string
	Level     string
	Logger    string
}

// Key returns a deterministic encoding of the label set. Each field is
// length-prefixed, so two label sets share a key only if they are equal,
// whatever bytes the fields hold.
func (l LabelSet) Key() string {
	var b strings.Builder
	for _, v := range [...]string{l.Service, l.Namespace, l.Level, l.Logger} {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}

// Map returns the label set in the form the push API expects
func (l LabelSet) Map() map[string]string {
	return map[string]string{
		"service":   l.Service,
		"namespace": l.Namespace,
		"level":     l.Level,
		"logger":    l.Logger,
	}
}
