// Package upstream forwards admitted requests to the configured upstream API.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"relaygate/internal/core"
	"relaygate/internal/observability"
)

// Relay modes reported to observability hooks.
const (
	ModeStream = "stream"
	ModeJSON   = "json"
)

// Config configures a Dispatcher.
type Config struct {
	BaseURL        string   // e.g. https://api.openai.com/v1
	APIKey         string   // sent as a bearer token on every request
	ForwardHeaders []string // client headers copied verbatim when present
}

// Request is one admitted client request.
type Request struct {
	Path      string // path below the base URL, with or without a leading slash
	RawQuery  string
	Body      []byte
	Header    http.Header // client headers; only allow-listed ones are forwarded
	RequestID string
}

// Response is the upstream's answer. The caller must close Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Streaming  bool
}

// Dispatcher sends requests upstream. Requests are never retried.
type Dispatcher struct {
	client *http.Client
	cfg    Config
	hooks  observability.Hooks
}

// New creates a Dispatcher. A nil hooks disables instrumentation.
func New(client *http.Client, cfg Config, hooks observability.Hooks) *Dispatcher {
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Dispatcher{client: client, cfg: cfg, hooks: hooks}
}

// URL returns the upstream URL for a request path and query.
func (d *Dispatcher) URL(path, rawQuery string) string {
	u := d.cfg.BaseURL + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Forward posts req upstream. A response is returned for every upstream
// status; only a failure to reach the upstream is an error, reported as a
// *core.GatewayError of type upstream_error.
func (d *Dispatcher) Forward(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL(req.Path, req.RawQuery), bytes.NewReader(req.Body))
	if err != nil {
		return nil, core.NewInternalError("failed to build upstream request", err)
	}
	d.setHeaders(httpReq, req)

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		slog.Warn("upstream request failed",
			"request_id", req.RequestID,
			"path", req.Path,
			"error", err,
			"duration", time.Since(start),
		)
		return nil, core.NewUpstreamError("failed to send request to upstream", err)
	}

	streaming := IsEventStream(resp.Header.Get("Content-Type"))
	mode := ModeJSON
	if streaming {
		mode = ModeStream
	}
	d.hooks.UpstreamResponded(mode, resp.StatusCode)

	slog.Info("upstream responded",
		"request_id", req.RequestID,
		"path", req.Path,
		"model", gjson.GetBytes(req.Body, "model").String(),
		"stream", gjson.GetBytes(req.Body, "stream").Bool(),
		"status", resp.StatusCode,
		"mode", mode,
		"duration", time.Since(start),
	)

	header := resp.Header.Clone()
	body := decodeBody(resp.Body, header)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Streaming:  streaming,
	}, nil
}

func (d *Dispatcher) setHeaders(httpReq *http.Request, req Request) {
	for _, name := range d.cfg.ForwardHeaders {
		for _, v := range req.Header.Values(name) {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "br, gzip")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
}

// IsEventStream reports whether a Content-Type denotes an SSE body.
func IsEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

// decodeBody wraps body with a decoder for br or gzip. The encoding headers
// are removed from header once the body is decoded.
func decodeBody(body io.ReadCloser, header http.Header) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	switch encoding {
	case "br", "gzip":
	default:
		return body
	}
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &decodingBody{raw: body, encoding: encoding}
}

// decodingBody creates its decoder on the first Read, so that a stream
// whose first bytes are slow to arrive does not block the dispatcher.
type decodingBody struct {
	raw      io.ReadCloser
	encoding string
	r        io.Reader
	err      error
}

func (b *decodingBody) Read(p []byte) (int, error) {
	if b.r == nil && b.err == nil {
		switch b.encoding {
		case "br":
			b.r = brotli.NewReader(b.raw)
		case "gzip":
			b.r, b.err = gzip.NewReader(b.raw)
		}
	}
	if b.err != nil {
		return 0, b.err
	}
	return b.r.Read(p)
}

// Close closes the underlying body. It is safe to call concurrently with Read.
func (b *decodingBody) Close() error {
	return b.raw.Close()
}
