package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"audit-proxy-go/internal/model"
)

func functionEvent(method, path, query string) events.LambdaFunctionURLRequest {
	return events.LambdaFunctionURLRequest{
		RawPath:        path,
		RawQueryString: query,
		Headers: map[string]string{
			"accept":          "application/json",
			"x-amzn-trace-id": "Root=1-abc",
			"host":            "abc.lambda-url.us-east-1.on.aws",
		},
		RequestContext: events.LambdaFunctionURLRequestContext{
			RequestID: "req-1",
			HTTP:      events.LambdaFunctionURLRequestContextHTTPDescription{Method: method},
		},
	}
}

func TestFunctionHandler_Invoke(t *testing.T) {
	var gotTrace, gotURL string
	stack := newTestStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-Amzn-Trace-Id")
		gotURL = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	h := NewFunctionHandler(stack.proxy, discardLogger())

	resp, err := h.Invoke(context.Background(), functionEvent("GET", "/items", "id=1"))
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if resp.StatusCode != 200 || resp.Body != `{"id":1}` {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Errorf("content-type = %q", resp.Headers["content-type"])
	}
	if gotTrace != "" {
		t.Error("trace header forwarded upstream")
	}
	if gotURL != "/items?id=1" {
		t.Errorf("upstream url = %q", gotURL)
	}
	if len(stack.store.Keys()) != 1 {
		t.Errorf("stored %d records, want 1", len(stack.store.Keys()))
	}
}

func TestFunctionHandler_Base64Body(t *testing.T) {
	var got []byte
	stack := newTestStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	h := NewFunctionHandler(stack.proxy, discardLogger())

	ev := functionEvent("POST", "/upload", "")
	ev.Body = base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFE})
	ev.IsBase64Encoded = true

	if _, err := h.Invoke(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if string(got) != "\xff\xfe" {
		t.Errorf("upstream body = %v", got)
	}
}

func TestFunctionHandler_MalformedEvent(t *testing.T) {
	stack := newTestStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called for a malformed event")
	}))
	h := NewFunctionHandler(stack.proxy, discardLogger())

	tests := []struct {
		name string
		ev   events.LambdaFunctionURLRequest
	}{
		{"missing method", functionEvent("", "/items", "")},
		{"missing path", functionEvent("GET", "", "")},
		{"bad base64", func() events.LambdaFunctionURLRequest {
			ev := functionEvent("POST", "/items", "")
			ev.Body = "%%%"
			ev.IsBase64Encoded = true
			return ev
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Invoke(context.Background(), tt.ev)
			if !errors.Is(err, model.ErrMalformedEvent) {
				t.Errorf("Invoke() error = %v, want ErrMalformedEvent", err)
			}
		})
	}
	if len(stack.store.Keys()) != 0 {
		t.Error("malformed events were audited")
	}
}
