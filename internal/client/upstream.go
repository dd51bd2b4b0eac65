// Package client provides the upstream HTTP client capability.
package client

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"audit-proxy-go/internal/config"
	"audit-proxy-go/internal/metrics"
	"audit-proxy-go/internal/model"
)

// Upstream sends requests to the fixed upstream origin.
type Upstream struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstream creates an Upstream with connection pooling and a fixed timeout.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		// The caller's Accept-Encoding is forwarded verbatim, so decoding is
		// done explicitly in decodeBody rather than by the transport.
		DisableCompression: true,
	}

	return &Upstream{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		transport: transport,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// Do executes one request against the upstream and buffers the whole response.
// Content-Encoding gzip and deflate are decoded. The timeout covers reading
// the body as well as the headers.
func (c *Upstream) Do(ctx context.Context, method, url string, header map[string]string, body []byte) (*model.UpstreamResponse, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		// Suppress Go's default so the upstream sees what the caller sent.
		req.Header["User-Agent"] = nil
	}

	c.logger.Debug("upstream request",
		"method", method,
		"path", req.URL.Path,
	)

	label := metrics.NormalizeMethod(method)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observeFailure(label, start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observeFailure(label, start)
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		c.observeFailure(label, start)
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       decoded,
	}, nil
}

// Close releases idle pooled connections.
func (c *Upstream) Close() {
	c.transport.CloseIdleConnections()
}

func (c *Upstream) observeFailure(label string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	c.metrics.UpstreamErrors.WithLabelValues(label).Inc()
}

// decodeBody undoes the content codings gzip and deflate. Unknown codings
// (br, zstd) are passed through untouched.
func decodeBody(encoding string, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var r io.ReadCloser
	var err error
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(bytes.NewReader(raw))
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		r, err = zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			r, err = flate.NewReader(bytes.NewReader(raw)), nil
		}
	default:
		return raw, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}
