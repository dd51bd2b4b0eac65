package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Object is a stored blob together with its content type.
type Object struct {
	Body        []byte
	ContentType string
}

// Memory is an in-process Lister.
type Memory struct {
	mu       sync.Mutex
	objects  map[string]Object
	writeErr error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// FailWrites makes every subsequent Create and Put return err. Pass nil to restore.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *Memory) Create(_ context.Context, key string, body []byte, contentType string) error {
	return m.write(key, body, contentType, false)
}

func (m *Memory) Put(_ context.Context, key string, body []byte, contentType string) error {
	return m.write(key, body, contentType, true)
}

func (m *Memory) write(key string, body []byte, contentType string, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.objects[key]; ok && !overwrite {
		return fmt.Errorf("create %s: %w", key, ErrExists)
	}
	m.objects[key] = Object{Body: append([]byte(nil), body...), ContentType: contentType}
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string, fn func(key string) error) error {
	for _, k := range m.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	obj, ok := m.Object(key)
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return obj.Body, nil
}

// Object returns a copy of the object stored under key.
func (m *Memory) Object(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, false
	}
	return Object{Body: append([]byte(nil), obj.Body...), ContentType: obj.ContentType}, true
}

// Keys returns all stored keys in lexical order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) Close() error { return nil }
