package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// PushPath is appended to the configured endpoint
const PushPath = "/loki/api/v1/push"

// DefaultTimeout bounds a whole push request
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept for the error
const maxErrorBody = 1024

// Config configures a Client
type Config struct {
	// Endpoint is the Loki base URL, e.g. http://loki:3100
	Endpoint string

	// Timeout bounds each push (default: 30s)
	Timeout time.Duration

	// Compress gzips the request body
	Compress bool

	// PreserveOrder keeps stream values in batch order instead of sorting by timestamp
	PreserveOrder bool

	// HTTPClient overrides the default transport
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// Client pushes batches of records to Loki
type Client struct {
	pushURL       string
	http          *http.Client
	timeout       time.Duration
	compress      bool
	preserveOrder bool
	logger        zerolog.Logger
	now           func() time.Time
}

// PushError reports a push that reached Loki but was not accepted
type PushError struct {
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("loki push failed: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("loki push failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a client for the given endpoint
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid loki endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid loki endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid loki endpoint %q: missing host", cfg.Endpoint)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		pushURL:       endpoint + PushPath,
		http:          httpClient,
		timeout:       timeout,
		compress:      cfg.Compress,
		preserveOrder: cfg.PreserveOrder,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// PushURL returns the full push URL
func (c *Client) PushURL() string {
	return c.pushURL
}

// Send pushes the whole batch in one request. It returns nil only for a 2xx
// response; any other status, a transport error or a timeout is an error and
// nothing is retried.
func (c *Client) Send(ctx context.Context, records []types.Record) error {
	if len(records) == 0 {
		return nil
	}

	payload, err := c.BuildPayload(records)
	if err != nil {
		return err
	}

	body, err := c.encode(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "loki-sidecar")
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("loki push timed out after %s: %w", c.timeout, err)
		}
		return fmt.Errorf("loki push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &PushError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	c.logger.Debug().
		Int("records", len(records)).
		Int("streams", len(payload.Streams)).
		Int("bytes", len(body)).
		Msg("Pushed batch to Loki")
	return nil
}

func (c *Client) encode(payload PushRequest) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push payload: %w", err)
	}
	if !c.compress {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress push payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress push payload: %w", err)
	}
	return buf.Bytes(), nil
}
