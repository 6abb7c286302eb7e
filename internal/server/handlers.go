package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"relaygate/internal/core"
	"relaygate/internal/observability"
	"relaygate/internal/relay"
	"relaygate/internal/upstream"
)

// Admitter decides whether a request may proceed.
type Admitter interface {
	Admit(ctx context.Context, path string) error
}

// Forwarder sends an admitted request upstream.
type Forwarder interface {
	Forward(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	admission Admitter
	upstream  Forwarder
	relay     relay.Config
	hooks     observability.Hooks
}

// NewHandler creates a new handler. A nil hooks disables instrumentation.
func NewHandler(admission Admitter, fwd Forwarder, relayCfg relay.Config, hooks observability.Hooks) *Handler {
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	return &Handler{
		admission: admission,
		upstream:  fwd,
		relay:     relayCfg,
		hooks:     hooks,
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Forward handles POST /v1/*
//
// The request waits for admission, then is sent upstream. JSON answers are
// passed through with the upstream status; event streams are relayed.
func (h *Handler) Forward(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	if err := h.admission.Admit(ctx, req.URL.Path); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return handleError(c, err)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return handleError(c, bodyReadError(err))
	}

	resp, err := h.upstream.Forward(ctx, upstream.Request{
		Path:      c.Param("*"),
		RawQuery:  req.URL.RawQuery,
		Body:      body,
		Header:    req.Header,
		RequestID: requestID,
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("client disconnected before upstream responded", "request_id", requestID)
			return nil
		}
		return handleError(c, err)
	}

	if !resp.Streaming {
		return h.passthrough(c, resp)
	}
	return h.stream(c, resp, requestID)
}

func (h *Handler) passthrough(c echo.Context, resp *upstream.Response) error {
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return handleError(c, core.NewUpstreamError("failed to read upstream response", err))
	}
	return c.Blob(resp.StatusCode, echo.MIMEApplicationJSON, data)
}

func (h *Handler) stream(c echo.Context, resp *upstream.Response, requestID string) error {
	ctx := c.Request().Context()
	session := relay.NewSession(resp.Body, h.relay, h.hooks, requestID)

	err := session.Run(ctx, c.Response())
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		slog.Debug("client disconnected during stream", "request_id", requestID)
		return nil
	case !session.Committed():
		return handleError(c, err)
	default:
		// Headers are out; the client sees the stream end.
		slog.Warn("stream ended abruptly", "request_id", requestID, "error", err)
		return nil
	}
}

func bodyReadError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return core.NewInvalidRequestErrorWithStatus(http.StatusRequestEntityTooLarge, "request body too large", err)
	}
	return core.NewInvalidRequestError("failed to read request body", err)
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	// Fallback for unexpected errors
	slog.Error("unexpected handler error", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    core.ErrorTypeInternal,
			"message": "an unexpected error occurred",
		},
	})
}

// httpErrorHandler renders errors raised by Echo itself (unknown routes,
// body limit, recovered panics) in the gateway's error shape.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = handleError(c, err) //nolint:errcheck
		return
	}

	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok && m != "" {
		msg = m
	}

	var gwErr *core.GatewayError
	switch {
	case he.Code == http.StatusUnauthorized:
		gwErr = core.NewAuthenticationError(msg)
	case he.Code >= http.StatusInternalServerError:
		gwErr = core.NewInternalError(msg, err)
	default:
		gwErr = core.NewInvalidRequestErrorWithStatus(he.Code, msg, err)
	}
	_ = handleError(c, gwErr) //nolint:errcheck
}
