package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"audit-proxy-go/internal/model"
	"audit-proxy-go/internal/service"
)

// ProxyHandler adapts plain HTTP requests to the proxy service in server mode.
type ProxyHandler struct {
	proxy  *service.Proxy
	logger *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(p *service.Proxy, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		proxy:  p,
		logger: logger.With("component", "proxy_handler"),
	}
}

// Handle converts the request the way a Function URL gateway would (repeated
// headers joined with ",", host carried as a header, body passed raw) and
// writes the proxy response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	in, err := inboundFromHTTP(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read request body").SetInternal(err)
	}

	resp, err := h.proxy.Handle(req.Context(), in)
	if err != nil {
		h.logger.Error("rejecting request", "path", req.URL.Path, "err", err)
		if errors.Is(err, model.ErrMalformedEvent) {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request").SetInternal(err)
		}
		return err
	}

	return writeResponse(c, resp)
}

func inboundFromHTTP(req *http.Request) (*model.InboundRequest, error) {
	headers := make(map[string]string, len(req.Header)+1)
	for k, vals := range req.Header {
		headers[strings.ToLower(k)] = strings.Join(vals, ",")
	}
	if req.Host != "" {
		headers["host"] = req.Host
	}

	var body *string
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(data) > 0 {
			s := string(data)
			body = &s
		}
	}

	return &model.InboundRequest{
		Method:  req.Method,
		Path:    req.URL.EscapedPath(),
		Query:   req.URL.RawQuery,
		Headers: headers,
		Body:    body,
	}, nil
}

func writeResponse(c echo.Context, resp *model.Response) error {
	contentType := echo.MIMETextPlainCharsetUTF8
	h := c.Response().Header()
	for k, v := range resp.Headers {
		switch k {
		case "content-type":
			contentType = v
		case "content-length", "transfer-encoding", "connection":
			// The body was decoded and buffered; net/http computes framing.
		default:
			h.Set(k, v)
		}
	}
	return c.Blob(resp.StatusCode, contentType, []byte(resp.Body))
}
