package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Stdout writes each object as one JSON line to w. It is write-only and
// meant for local runs, where the log stream doubles as the audit store.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

type stdoutLine struct {
	Key         string          `json:"key"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body,omitempty"`
	Text        string          `json:"text,omitempty"`
}

// NewStdout returns a Stdout store writing to w.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

func (s *Stdout) Create(_ context.Context, key string, body []byte, contentType string) error {
	line := stdoutLine{Key: key, ContentType: contentType}
	if json.Valid(body) {
		line.Body = body
	} else {
		line.Text = string(body)
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

func (s *Stdout) Close() error { return nil }
