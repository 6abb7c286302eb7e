package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"relaygate/internal/core"
	"relaygate/internal/observability"
	"relaygate/internal/sse"
)

// readChunkSize is the size of each read from the upstream body.
const readChunkSize = 32 * 1024

// Session end reasons reported to observability hooks.
const (
	EndCompleted        = "completed"
	EndUpstreamError    = "upstream_error"
	EndClientDisconnect = "client_disconnect"
	EndWriteError       = "write_error"
)

// Config holds per-session relay settings.
type Config struct {
	ChannelCapacity   int
	KeepaliveInterval time.Duration
	BufferCapacity    int    // initial reassembly buffer size
	KeepaliveText     string // defaults to sse.DefaultKeepaliveText
}

// Session relays one upstream SSE body to one client. The producer reads
// and reassembles upstream chunks; the consumer writes events and
// keepalives. Run returns only after both have stopped.
type Session struct {
	cfg       Config
	body      io.ReadCloser
	hooks     observability.Hooks
	requestID string

	client *clientWriter
}

// NewSession takes ownership of body; it is closed when Run returns.
func NewSession(body io.ReadCloser, cfg Config, hooks observability.Hooks, requestID string) *Session {
	if cfg.KeepaliveText == "" {
		cfg.KeepaliveText = sse.DefaultKeepaliveText
	}
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	return &Session{
		cfg:       cfg,
		body:      body,
		hooks:     hooks,
		requestID: requestID,
	}
}

// Committed reports whether response headers were sent to the client. If
// Run fails before that, the caller can still answer with an error status.
func (s *Session) Committed() bool {
	return s.client != nil && s.client.committed
}

// Run streams until the upstream ends, the client goes away (ctx done), or
// either side fails. Cancelling ctx stops the producer promptly: pending
// sends are abandoned and the upstream body is closed to unblock reads.
//
// An upstream read failure is returned as a *core.GatewayError after every
// event read before it has been delivered.
func (s *Session) Run(ctx context.Context, w http.ResponseWriter) error {
	s.client = newClientWriter(w, s.cfg.KeepaliveText, s.hooks)
	s.hooks.SessionStarted()
	start := time.Now()

	defer func() {
		_ = s.body.Close() //nolint:errcheck
	}()

	g, gctx := errgroup.WithContext(ctx)
	stopReads := context.AfterFunc(gctx, func() {
		_ = s.body.Close() //nolint:errcheck
	})
	defer stopReads()

	ch := NewChannel(s.cfg.ChannelCapacity)

	g.Go(func() error {
		return s.produce(gctx, ch)
	})
	g.Go(func() error {
		return ch.Drain(gctx, s.client, s.cfg.KeepaliveInterval)
	})

	err := g.Wait()
	if err == nil && !s.client.committed {
		// Upstream ended without a single frame: still answer with an empty stream.
		s.client.commit()
	}

	reason := s.endReason(ctx, err)
	s.hooks.SessionEnded(reason)
	slog.Debug("relay session finished",
		"request_id", s.requestID,
		"reason", reason,
		"events", s.client.events,
		"keepalives", s.client.keepalives,
		"duration", time.Since(start),
	)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// produce reads upstream chunks, reassembles lines and sends extracted
// events in order. It always closes the channel's send side.
func (s *Session) produce(ctx context.Context, ch *Channel) error {
	r := sse.NewReassembler(s.cfg.BufferCapacity)
	emit := func(line []byte) error {
		ev, ok := sse.Extract(line)
		if !ok {
			return nil
		}
		return ch.Send(ctx, ev)
	}

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := s.body.Read(buf)
		if n > 0 {
			if err := r.Feed(buf[:n], emit); err != nil {
				ch.CloseSend(err)
				return err
			}
		}

		switch {
		case readErr == nil:
			continue

		case errors.Is(readErr, io.EOF):
			if err := r.Flush(emit); err != nil {
				ch.CloseSend(err)
				return err
			}
			ch.CloseSend(nil)
			return nil

		case ctx.Err() != nil:
			// The body was closed because the session is ending.
			ch.CloseSend(ctx.Err())
			return ctx.Err()

		default:
			slog.Warn("upstream stream interrupted",
				"request_id", s.requestID,
				"error", readErr,
				"buffered_bytes", r.Buffered(),
			)
			// Let the consumer deliver what was queued before failing the stream.
			ch.CloseSend(core.NewUpstreamError("upstream stream interrupted", readErr))
			return nil
		}
	}
}

func (s *Session) endReason(ctx context.Context, err error) string {
	var gwErr *core.GatewayError
	switch {
	case ctx.Err() != nil:
		return EndClientDisconnect
	case err == nil:
		return EndCompleted
	case errors.As(err, &gwErr) && gwErr.Type == core.ErrorTypeUpstream:
		return EndUpstreamError
	default:
		return EndWriteError
	}
}

// clientWriter writes SSE frames to the client, sending the event-stream
// headers with the first frame.
type clientWriter struct {
	w             http.ResponseWriter
	rc            *http.ResponseController
	keepaliveText string
	hooks         observability.Hooks

	committed  bool
	events     int
	keepalives int
}

func newClientWriter(w http.ResponseWriter, keepaliveText string, hooks observability.Hooks) *clientWriter {
	return &clientWriter{
		w:             w,
		rc:            http.NewResponseController(w),
		keepaliveText: keepaliveText,
		hooks:         hooks,
	}
}

func (c *clientWriter) commit() {
	if c.committed {
		return
	}
	h := c.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.w.WriteHeader(http.StatusOK)
	c.committed = true
	c.flush()
}

func (c *clientWriter) WriteEvent(ev sse.Event) error {
	c.commit()
	if err := sse.WriteEvent(c.w, ev); err != nil {
		return err
	}
	c.events++
	c.hooks.EventRelayed()
	return c.flush()
}

func (c *clientWriter) WriteKeepalive() error {
	c.commit()
	if err := sse.WriteComment(c.w, c.keepaliveText); err != nil {
		return err
	}
	c.keepalives++
	c.hooks.KeepaliveSent()
	return c.flush()
}

func (c *clientWriter) flush() error {
	err := c.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
