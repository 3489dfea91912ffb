package loki

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(level, logger, ts, msg string) types.Record {
	return types.Record{
		Timestamp: ts,
		Level:     level,
		Message:   msg,
		Logger:    logger,
		Thread:    "main",
		Service:   "checkout",
		Namespace: "prod",
	}
}

func newTestClient(t *testing.T, endpoint string, modify func(*Config)) *Client {
	t.Helper()
	cfg := Config{Endpoint: endpoint, Logger: zerolog.Nop()}
	if modify != nil {
		modify(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(0, 5000) }
	return c
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantURL  string
		wantErr  bool
	}{
		{name: "plain", endpoint: "http://loki:3100", wantURL: "http://loki:3100/loki/api/v1/push"},
		{name: "trailing slash", endpoint: "https://loki.example.com/", wantURL: "https://loki.example.com/loki/api/v1/push"},
		{name: "path prefix", endpoint: "http://gateway/logs", wantURL: "http://gateway/logs/loki/api/v1/push"},
		{name: "no scheme", endpoint: "loki:3100", wantErr: true},
		{name: "bad scheme", endpoint: "ftp://loki", wantErr: true},
		{name: "empty", endpoint: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(Config{Endpoint: tt.endpoint})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, c.PushURL())
			assert.Equal(t, DefaultTimeout, c.timeout)
		})
	}
}

func TestBuildPayloadGrouping(t *testing.T) {
	c := newTestClient(t, "http://loki:3100", nil)

	payload, err := c.BuildPayload([]types.Record{
		record("INFO", "http", "100", "a1"),
		record("WARN", "db", "101", "b1"),
		record("INFO", "http", "102", "a2"),
	})
	require.NoError(t, err)

	require.Len(t, payload.Streams, 2)

	a := payload.Streams[0]
	assert.Equal(t, map[string]string{
		"service":   "checkout",
		"namespace": "prod",
		"level":     "INFO",
		"logger":    "http",
	}, a.Stream)
	require.Len(t, a.Values, 2)
	assert.Equal(t, "100", a.Values[0][0])
	assert.Equal(t, "102", a.Values[1][0])

	b := payload.Streams[1]
	assert.Equal(t, "WARN", b.Stream["level"])
	assert.Equal(t, "db", b.Stream["logger"])
	require.Len(t, b.Values, 1)

	var line types.Record
	require.NoError(t, json.Unmarshal([]byte(b.Values[0][1]), &line))
	assert.Equal(t, record("WARN", "db", "101", "b1"), line)
}

func TestBuildPayloadLabelsWithArbitraryBytes(t *testing.T) {
	c := newTestClient(t, "http://loki:3100", nil)

	// Levels and loggers come straight from parsed lines and may hold any bytes
	payload, err := c.BuildPayload([]types.Record{
		record("X\xffY", "Z", "100", "first"),
		record("X", "Y\xffZ", "101", "second"),
	})
	require.NoError(t, err)

	require.Len(t, payload.Streams, 2)
	assert.Equal(t, "X\xffY", payload.Streams[0].Stream["level"])
	assert.Equal(t, "Z", payload.Streams[0].Stream["logger"])
	assert.Len(t, payload.Streams[0].Values, 1)
	assert.Equal(t, "X", payload.Streams[1].Stream["level"])
	assert.Equal(t, "Y\xffZ", payload.Streams[1].Stream["logger"])
	assert.Len(t, payload.Streams[1].Values, 1)
}

func TestBuildPayloadSerializedRecord(t *testing.T) {
	c := newTestClient(t, "http://loki:3100", nil)

	payload, err := c.BuildPayload([]types.Record{record("INFO", "http", "100", "hello")})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"timestamp":"100","level":"INFO","message":"hello","logger":"http","thread":"main","service":"checkout","namespace":"prod"}`,
		payload.Streams[0].Values[0][1],
	)
}

func TestBuildPayloadOrdering(t *testing.T) {
	records := []types.Record{
		record("INFO", "http", "300", "third"),
		record("INFO", "http", "100", "first"),
		record("INFO", "http", "200", "second-a"),
		record("INFO", "http", "200", "second-b"),
	}

	t.Run("sorted by timestamp", func(t *testing.T) {
		c := newTestClient(t, "http://loki:3100", nil)
		payload, err := c.BuildPayload(records)
		require.NoError(t, err)

		var got []string
		for _, v := range payload.Streams[0].Values {
			got = append(got, v[0])
		}
		assert.Equal(t, []string{"100", "200", "200", "300"}, got)

		// Equal timestamps keep batch order
		var second types.Record
		require.NoError(t, json.Unmarshal([]byte(payload.Streams[0].Values[1][1]), &second))
		assert.Equal(t, "second-a", second.Message)
	})

	t.Run("insertion order preserved", func(t *testing.T) {
		c := newTestClient(t, "http://loki:3100", func(cfg *Config) { cfg.PreserveOrder = true })
		payload, err := c.BuildPayload(records)
		require.NoError(t, err)

		var got []string
		for _, v := range payload.Streams[0].Values {
			got = append(got, v[0])
		}
		assert.Equal(t, []string{"300", "100", "200", "200"}, got)
	})
}

func TestStreamTimestamp(t *testing.T) {
	c := newTestClient(t, "http://loki:3100", nil)

	tests := []struct {
		name   string
		raw    string
		wantNS int64
		wantTS string
	}{
		{name: "nanoseconds", raw: "1712345678000000000", wantNS: 1712345678000000000, wantTS: "1712345678000000000"},
		{name: "empty uses now", raw: "", wantNS: 5000, wantTS: "5000"},
		{name: "rfc3339", raw: "2024-04-05T10:00:00.5Z", wantNS: 1712311200500000000, wantTS: "1712311200500000000"},
		{name: "garbage uses now", raw: "yesterday", wantNS: 5000, wantTS: "5000"},
		{name: "negative uses now", raw: "-1", wantNS: 5000, wantTS: "5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns, ts := c.streamTimestamp(tt.raw)
			assert.Equal(t, tt.wantNS, ns)
			assert.Equal(t, tt.wantTS, ts)
		})
	}
}

func TestSendSuccess(t *testing.T) {
	var got PushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PushPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	err := c.Send(context.Background(), []types.Record{
		record("INFO", "http", "1", "a"),
		record("ERROR", "http", "2", "b"),
	})
	require.NoError(t, err)
	assert.Len(t, got.Streams, 2)
}

func TestSendCompressed(t *testing.T) {
	var got PushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.NoError(t, json.NewDecoder(zr).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(cfg *Config) { cfg.Compress = true })
	require.NoError(t, c.Send(context.Background(), []types.Record{record("INFO", "http", "1", "a")}))
	require.Len(t, got.Streams, 1)
	assert.Len(t, got.Streams[0].Values, 1)
}

func TestSendEmptyBatch(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	assert.NoError(t, c.Send(context.Background(), nil))
	assert.Equal(t, int32(0), calls.Load())
}

func TestSendHTTPError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "bad request", status: http.StatusBadRequest},
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "not modified", status: http.StatusNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("entry out of order\n"))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, nil)
			err := c.Send(context.Background(), []types.Record{record("INFO", "http", "1", "a")})
			require.Error(t, err)

			var pushErr *PushError
			require.True(t, errors.As(err, &pushErr))
			assert.Equal(t, tt.status, pushErr.StatusCode)
		})
	}
}

func TestSendErrorBodyIncluded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "entry out of order", http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	err := c.Send(context.Background(), []types.Record{record("INFO", "http", "1", "a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "entry out of order")
}

func TestSendTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := newTestClient(t, url, nil)
	err := c.Send(context.Background(), []types.Record{record("INFO", "http", "1", "a")})
	require.Error(t, err)

	var pushErr *PushError
	assert.False(t, errors.As(err, &pushErr))
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, server.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	start := time.Now()
	err := c.Send(context.Background(), []types.Record{record("INFO", "http", "1", "a")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
