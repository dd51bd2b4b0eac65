package handler

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"audit-proxy-go/internal/model"
	"audit-proxy-go/internal/service"
)

// FunctionHandler serves Lambda Function URL invocations.
type FunctionHandler struct {
	proxy  *service.Proxy
	logger *slog.Logger
}

// NewFunctionHandler creates a FunctionHandler.
func NewFunctionHandler(p *service.Proxy, logger *slog.Logger) *FunctionHandler {
	return &FunctionHandler{
		proxy:  p,
		logger: logger.With("component", "function_handler"),
	}
}

// Invoke handles one Function URL event. A malformed event fails the
// invocation with an error wrapping model.ErrMalformedEvent; upstream failures
// are reported in the response, not as an error.
func (h *FunctionHandler) Invoke(ctx context.Context, ev events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	in, err := model.FromFunctionURLEvent(ev)
	if err != nil {
		h.logger.Error("invalid invocation event", "request_id", ev.RequestContext.RequestID, "err", err)
		return events.LambdaFunctionURLResponse{}, err
	}

	resp, err := h.proxy.Handle(ctx, in)
	if err != nil {
		h.logger.Error("invalid invocation event", "request_id", ev.RequestContext.RequestID, "err", err)
		return events.LambdaFunctionURLResponse{}, err
	}
	return resp.FunctionURLResponse(), nil
}
