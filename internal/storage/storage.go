// Package storage provides the durable blob store that audit records and
// reshaped responses are written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"audit-proxy-go/internal/config"
)

var (
	// ErrNotFound is returned by Get for a key that does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrExists is returned by create-only writes when the key is taken.
	ErrExists = errors.New("object already exists")

	// ErrNotListable is returned by Open when a read-capable store was
	// requested from a write-only backend.
	ErrNotListable = errors.New("storage backend cannot list or read objects")
)

// Store is the write capability the proxy needs.
type Store interface {
	// Create writes body under key once. A taken key yields ErrExists.
	Create(ctx context.Context, key string, body []byte, contentType string) error
	Close() error
}

// Lister is a Store that can also overwrite, enumerate and read objects.
type Lister interface {
	Store
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// List calls fn for every key with the given prefix, in lexical order
	// where the backend guarantees it. Iteration stops at the first error.
	List(ctx context.Context, prefix string, fn func(key string) error) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Open builds the Store selected by cfg.Storage.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		return NewS3(ctx, cfg.Storage, logger)
	case config.BackendGCS:
		return NewGCS(ctx, cfg.Storage, logger)
	case config.BackendFS:
		return NewFS(cfg.Storage.Dir)
	case config.BackendStdout, "":
		return NewStdout(os.Stdout), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// OpenLister is Open for callers that must read the store back.
func OpenLister(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Lister, error) {
	s, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	l, ok := s.(Lister)
	if !ok {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %q", ErrNotListable, cfg.Storage.Backend)
	}
	return l, nil
}
