// Package audit defines the per-request audit record and its storage key.
//
// The JSON field names are a contract with the reshape job and any other
// reader of the audit store: renaming a field is a breaking change.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// TimestampLayout is the record timestamp format: ISO-8601, UTC, microseconds,
// no zone suffix.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// ContentType of a serialized record.
const ContentType = "application/json"

// Record is one immutable audit entry per successfully proxied request.
type Record struct {
	Timestamp       string            `json:"timestamp"`
	RequestID       string            `json:"request_id"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Query           string            `json:"query"`
	ForwardedURL    string            `json:"forwarded_url"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body"`
}

// FormatTimestamp renders t in the record timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Key returns the storage key of the record under prefix.
func (r *Record) Key(prefix string) string {
	return fmt.Sprintf("%s/%s_%s.json", prefix, r.Timestamp, r.RequestID)
}

// Marshal serializes the record. HTML characters are not escaped so bodies
// round-trip byte for byte.
func (r *Record) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("marshal audit record: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal parses a serialized record.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal audit record: %w", err)
	}
	return &r, nil
}

// Text decodes b as UTF-8. Each maximal ill-formed subsequence becomes a
// single U+FFFD, so a truncated multi-byte character yields one replacement.
func Text(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(s)
}
