package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"audit-proxy-go/internal/client"
	"audit-proxy-go/internal/config"
	"audit-proxy-go/internal/metrics"
	"audit-proxy-go/internal/service"
	"audit-proxy-go/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStack wires a real proxy against an httptest upstream and an in-memory store.
type testStack struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	store   *storage.Memory
	proxy   *service.Proxy
}

func newTestStack(t *testing.T, upstream http.Handler) *testStack {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: srv.URL, TimeoutSeconds: 5, IdleConnections: 4},
		Proxy: config.ProxyConfig{
			StripHeaders: append([]string(nil), config.DefaultStripHeaders...),
			ContentType:  "application/json",
		},
		Audit:   config.AuditConfig{Prefix: "api-logs", OnFailure: config.AuditFailureIgnore},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	m := metrics.New()
	up := client.NewUpstream(cfg, discardLogger(), m)
	t.Cleanup(up.Close)
	store := storage.NewMemory()

	return &testStack{
		cfg:     cfg,
		metrics: m,
		store:   store,
		proxy:   service.NewProxy(up, store, cfg, discardLogger(), m),
	}
}
