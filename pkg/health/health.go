// Package health checks whether the Loki backend is ready to accept pushes.
//
// The sidecar checks once at startup and only logs the outcome: pushes are
// attempted regardless, and a backend that is down costs failed batches, not
// a failed start.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReadyPath is Loki's readiness endpoint
const ReadyPath = "/ready"

// DefaultTimeout bounds one check
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker performs a readiness check
type Checker interface {
	Check(ctx context.Context) Result
}

// HTTPChecker requests a URL and treats a status in [ExpectedStatusMin,
// ExpectedStatusMax] as healthy
type HTTPChecker struct {
	URL string

	// ExpectedStatusMin is the minimum acceptable HTTP status code (default: 200)
	ExpectedStatusMin int

	// ExpectedStatusMax is the maximum acceptable HTTP status code (default: 299)
	ExpectedStatusMax int

	Client *http.Client
}

// NewHTTPChecker creates a checker for url
func NewHTTPChecker(url string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPChecker{
		URL:               url,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 299,
		Client:            &http.Client{Timeout: timeout},
	}
}

// NewLokiChecker creates a checker for the readiness endpoint of the Loki
// instance at endpoint
func NewLokiChecker(endpoint string, timeout time.Duration) *HTTPChecker {
	return NewHTTPChecker(strings.TrimRight(endpoint, "/")+ReadyPath, timeout)
}

// Check performs one request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := func(healthy bool, msg string) Result {
		return Result{Healthy: healthy, Message: msg, CheckedAt: start, Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return result(false, fmt.Sprintf("failed to create request: %v", err))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return result(false, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax

	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return result(healthy, message)
}
