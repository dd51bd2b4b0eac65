// Package reshape republishes successful audit records as static API
// responses keyed by request path and query.
package reshape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"audit-proxy-go/internal/audit"
	"audit-proxy-go/internal/config"
	"audit-proxy-go/internal/metrics"
	"audit-proxy-go/internal/storage"
)

// defaultSuffix names the object of a request without a query string.
const defaultSuffix = "default"

// emptyBody is published for a record that has no response_body field.
const emptyBody = "{}"

// Summary counts what one run did with the records it saw.
type Summary struct {
	Published int
	Skipped   int
	Invalid   int
}

// Job scans the audit store and writes one object per successful record.
// Records are visited in key order, so for a repeated path and query the
// latest record wins.
type Job struct {
	store   storage.Lister
	cfg     config.ReshapeConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

// NewJob creates a Job. The metrics parameter is optional.
func NewJob(store storage.Lister, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Job {
	limit := rate.Inf
	if cfg.Reshape.MaxPutsPerSecond > 0 {
		limit = rate.Limit(cfg.Reshape.MaxPutsPerSecond)
	}
	burst := int(math.Max(1, math.Ceil(cfg.Reshape.MaxPutsPerSecond)))

	return &Job{
		store:   store,
		cfg:     cfg.Reshape,
		logger:  logger.With("component", "reshape"),
		metrics: m,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Run processes every record under the source prefix. Records that cannot be
// read or parsed are logged and counted; storage list and write errors abort
// the run.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	j.logger.Info("reshape started",
		"source_prefix", j.cfg.SourcePrefix,
		"output_prefix", j.cfg.OutputPrefix,
	)

	err := j.store.List(ctx, j.cfg.SourcePrefix, func(key string) error {
		if !strings.HasSuffix(key, ".json") {
			return nil
		}

		rec, body, err := j.load(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.logger.Warn("skipping unreadable record", "key", key, "err", err)
			sum.Invalid++
			j.count(metrics.ReshapeInvalid)
			return nil
		}

		if rec.ResponseStatus != http.StatusOK {
			sum.Skipped++
			j.count(metrics.ReshapeSkipped)
			return nil
		}

		out := OutputKey(j.cfg.OutputPrefix, rec.Path, rec.Query)
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := j.store.Put(ctx, out, []byte(body), audit.ContentType); err != nil {
			return fmt.Errorf("publish %s: %w", out, err)
		}
		j.logger.Debug("published", "source", key, "key", out)
		sum.Published++
		j.count(metrics.ReshapePublished)
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("reshape %s: %w", j.cfg.SourcePrefix, err)
	}

	j.logger.Info("reshape finished",
		"published", sum.Published,
		"skipped", sum.Skipped,
		"invalid", sum.Invalid,
	)
	return sum, nil
}

// load reads the record at key and the body to publish for it.
func (j *Job) load(ctx context.Context, key string) (*audit.Record, string, error) {
	data, err := j.store.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	rec, err := audit.Unmarshal(data)
	if err != nil {
		return nil, "", err
	}

	// Legacy or hand-written records may lack the field entirely.
	var raw struct {
		ResponseBody *string `json:"response_body"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, "", fmt.Errorf("unmarshal audit record: %w", err)
	}
	if raw.ResponseBody == nil {
		return rec, emptyBody, nil
	}
	return rec, *raw.ResponseBody, nil
}

func (j *Job) count(outcome string) {
	if j.metrics != nil {
		j.metrics.ReshapeRecords.WithLabelValues(outcome).Inc()
	}
}

// OutputKey returns the key a record for path and query is published under:
// prefix, the path without leading slashes, then the form-escaped query or
// "default", with a .json extension.
func OutputKey(prefix, path, query string) string {
	suffix := defaultSuffix
	if query != "" {
		suffix = url.QueryEscape(query)
	}
	return prefix + strings.TrimLeft(path, "/") + "/" + suffix + ".json"
}
