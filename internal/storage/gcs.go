package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"audit-proxy-go/internal/config"
)

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	logger *slog.Logger
}

// NewGCS builds a GCS store from application default credentials.
// A non-empty cfg.Endpoint targets an emulator without authentication.
func NewGCS(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*GCS, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return NewGCSFromClient(client, cfg.Bucket, logger), nil
}

// NewGCSFromClient wraps an existing client.
func NewGCSFromClient(client *gcs.Client, bucket string, logger *slog.Logger) *GCS {
	return &GCS{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "gcs_store", "bucket", bucket),
	}
}

// Create uploads body under a DoesNotExist precondition.
func (g *GCS) Create(ctx context.Context, key string, body []byte, contentType string) error {
	obj := g.client.Bucket(g.bucket).Object(key).If(gcs.Conditions{DoesNotExist: true})
	if err := g.write(ctx, obj, body, contentType); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("create %s: %w", key, ErrExists)
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	g.logger.Debug("object created", "key", key, "bytes", len(body))
	return nil
}

func (g *GCS) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := g.write(ctx, g.client.Bucket(g.bucket).Object(key), body, contentType); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	g.logger.Debug("object written", "key", key, "bytes", len(body))
	return nil
}

func (g *GCS) write(ctx context.Context, obj *gcs.ObjectHandle, body []byte, contentType string) error {
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// List iterates objects with the given prefix; GCS returns them in lexical order.
func (g *GCS) List(ctx context.Context, prefix string, fn func(key string) error) error {
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if err := fn(attrs.Name); err != nil {
			return err
		}
	}
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
