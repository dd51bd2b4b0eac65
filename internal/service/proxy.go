// Package service implements the core proxy logic: sanitize the inbound
// request, forward it upstream once, and persist an audit record of the
// exchange.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"audit-proxy-go/internal/audit"
	"audit-proxy-go/internal/config"
	"audit-proxy-go/internal/metrics"
	"audit-proxy-go/internal/model"
	"audit-proxy-go/internal/storage"
)

// Upstream is the HTTP-client capability the proxy forwards through.
type Upstream interface {
	Do(ctx context.Context, method, url string, header map[string]string, body []byte) (*model.UpstreamResponse, error)
}

// Proxy handles one inbound request at a time. It holds no per-request state
// and is safe for concurrent use.
type Proxy struct {
	upstream Upstream
	store    storage.Store
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	strip    map[string]struct{}
	now      func() time.Time
	newID    func() string
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithClock overrides the arrival clock.
func WithClock(now func() time.Time) Option {
	return func(p *Proxy) { p.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Proxy) { p.newID = fn }
}

// NewProxy creates a Proxy. The metrics parameter is optional.
func NewProxy(up Upstream, store storage.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Proxy {
	strip := make(map[string]struct{}, len(cfg.Proxy.StripHeaders))
	for _, h := range cfg.Proxy.StripHeaders {
		strip[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}

	p := &Proxy{
		upstream: up,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
		strip:    strip,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle forwards req upstream and returns the response for the caller.
//
// Upstream failures become a 502 response and are never audited. The only
// error returned is model.ErrMalformedEvent, for a body that claims base64
// encoding but does not decode.
func (p *Proxy) Handle(ctx context.Context, req *model.InboundRequest) (*model.Response, error) {
	arrived := p.now()
	requestID := p.newID()
	logger := p.logger.With("request_id", requestID)

	headers := p.sanitizeHeaders(req.Headers)
	body, err := decodeBody(req)
	if err != nil {
		return nil, err
	}
	target := p.upstreamURL(req.Path, req.Query)

	logger.Debug("forwarding request", "method", req.Method, "path", req.Path)

	up, err := p.upstream.Do(ctx, req.Method, target, headers, body)
	if err != nil {
		logger.Error("upstream call failed",
			"method", req.Method,
			"path", req.Path,
			"error", err,
		)
		return &model.Response{
			StatusCode: http.StatusBadGateway,
			Body:       "Proxy error: " + err.Error(),
		}, nil
	}

	respHeaders := p.cleanResponseHeaders(up.Header)
	respBody := audit.Text(up.Body)

	rec := &audit.Record{
		Timestamp:       audit.FormatTimestamp(arrived),
		RequestID:       requestID,
		Method:          req.Method,
		Path:            req.Path,
		Query:           req.Query,
		ForwardedURL:    target,
		RequestHeaders:  headers,
		RequestBody:     audit.Text(body),
		ResponseStatus:  up.StatusCode,
		ResponseHeaders: respHeaders,
		ResponseBody:    respBody,
	}

	// The response is already computed; a caller hanging up must not lose the record.
	key, err := p.persist(context.WithoutCancel(ctx), rec)
	if err != nil {
		logger.Error("audit write failed", "key", key, "error", err)
		if p.cfg.Audit.OnFailure == config.AuditFailureFail {
			return &model.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       "Audit log error: " + err.Error(),
			}, nil
		}
	}

	return &model.Response{
		StatusCode: up.StatusCode,
		Headers:    respHeaders,
		Body:       respBody,
	}, nil
}

func (p *Proxy) persist(ctx context.Context, rec *audit.Record) (string, error) {
	key := rec.Key(p.cfg.Audit.Prefix)
	data, err := rec.Marshal()
	if err != nil {
		p.observeAudit(metrics.AuditFailed, 0)
		return key, err
	}

	start := time.Now()
	err = p.store.Create(ctx, key, data, audit.ContentType)
	if err != nil {
		p.observeAudit(metrics.AuditFailed, time.Since(start))
		return key, fmt.Errorf("store audit record: %w", err)
	}
	p.observeAudit(metrics.AuditStored, time.Since(start))
	return key, nil
}

func (p *Proxy) observeAudit(outcome string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.AuditWrites.WithLabelValues(outcome).Inc()
	if d > 0 {
		p.metrics.AuditDuration.Observe(d.Seconds())
	}
}

// sanitizeHeaders drops deny-set headers. Names are compared lower-cased;
// surviving names keep their original case.
func (p *Proxy) sanitizeHeaders(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if _, denied := p.strip[strings.ToLower(k)]; denied {
			continue
		}
		dst[k] = v
	}
	return dst
}

// decodeBody returns the bytes to send upstream, or nil when there is no body.
func decodeBody(req *model.InboundRequest) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	if !req.IsBase64Encoded {
		return []byte(*req.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(stripASCIISpace(*req.Body))
	if err != nil {
		return nil, errors.Join(model.ErrMalformedEvent, fmt.Errorf("decode base64 body: %w", err))
	}
	return b, nil
}

// stripASCIISpace drops ASCII whitespace, which lenient base64 producers
// insert for line wrapping.
func stripASCIISpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			return -1
		}
		return r
	}, s)
}

func (p *Proxy) upstreamURL(path, query string) string {
	u := p.cfg.Upstream.BaseURL + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// cleanResponseHeaders lower-cases names, joins repeated values, drops
// content-encoding (the body is already decoded) and forces content-type.
func (p *Proxy) cleanResponseHeaders(src http.Header) map[string]string {
	dst := make(map[string]string, len(src)+1)
	for k, vals := range src {
		name := strings.ToLower(k)
		if name == "content-encoding" {
			continue
		}
		dst[name] = strings.Join(vals, ", ")
	}
	dst["content-type"] = p.cfg.Proxy.ContentType
	return dst
}
