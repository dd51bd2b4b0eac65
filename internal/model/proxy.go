// Package model defines shared types for the proxy.
package model

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// ErrMalformedEvent is returned when a trigger event lacks a field the proxy
// cannot work without. It is never recovered: the invocation fails.
var ErrMalformedEvent = errors.New("malformed trigger event")

// InboundRequest represents a client request to be forwarded upstream.
// Path and Query are taken verbatim from the trigger.
type InboundRequest struct {
	Method          string
	Path            string
	Query           string
	Headers         map[string]string
	Body            *string // nil when the trigger carried no body
	IsBase64Encoded bool
}

// UpstreamResponse is the fully buffered response of the single upstream call.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Response is what the proxy hands back to its caller.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// FromFunctionURLEvent validates a Function URL trigger event and converts it
// into an InboundRequest. Optional fields default to empty here and nowhere else.
func FromFunctionURLEvent(ev events.LambdaFunctionURLRequest) (*InboundRequest, error) {
	method := ev.RequestContext.HTTP.Method
	if strings.TrimSpace(method) == "" {
		return nil, errors.Join(ErrMalformedEvent, errors.New("requestContext.http.method is missing"))
	}
	if ev.RawPath == "" {
		return nil, errors.Join(ErrMalformedEvent, errors.New("rawPath is missing"))
	}

	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	var body *string
	if ev.Body != "" {
		b := ev.Body
		body = &b
	}

	return &InboundRequest{
		Method:          method,
		Path:            ev.RawPath,
		Query:           ev.RawQueryString,
		Headers:         headers,
		Body:            body,
		IsBase64Encoded: ev.IsBase64Encoded,
	}, nil
}

// FunctionURLResponse converts a Response into the Function URL wire shape.
func (r *Response) FunctionURLResponse() events.LambdaFunctionURLResponse {
	return events.LambdaFunctionURLResponse{
		StatusCode: r.StatusCode,
		Headers:    r.Headers,
		Body:       r.Body,
	}
}
