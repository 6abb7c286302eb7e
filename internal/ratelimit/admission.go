package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relaygate/internal/core"
	"relaygate/internal/observability"
)

// Acquirer is the part of TokenBucket the admission controller needs.
type Acquirer interface {
	Acquire(ctx context.Context, n int) error
}

// AdmissionController decides whether a request may proceed, waiting at most
// timeout for one credit from the shared bucket.
type AdmissionController struct {
	bucket  Acquirer
	timeout time.Duration
	hooks   observability.Hooks
}

// NewAdmissionController wraps bucket with a per-request wait bound.
// A nil hooks value disables metrics.
func NewAdmissionController(bucket Acquirer, timeout time.Duration, hooks observability.Hooks) *AdmissionController {
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	return &AdmissionController{
		bucket:  bucket,
		timeout: timeout,
		hooks:   hooks,
	}
}

// Timeout returns the maximum admission wait.
func (a *AdmissionController) Timeout() time.Duration {
	return a.timeout
}

// Admit waits for one credit. It returns nil once the request is admitted,
// a rate limit *core.GatewayError if the timeout expires first, or the
// context error if the caller went away. In both failure cases the pending
// acquisition has been withdrawn and no credit is consumed.
func (a *AdmissionController) Admit(ctx context.Context, path string) error {
	start := time.Now()

	waitCtx, cancel := context.WithTimeoutCause(ctx, a.timeout, core.ErrAdmissionTimeout)
	defer cancel()

	err := a.bucket.Acquire(waitCtx, 1)
	waited := time.Since(start)

	switch {
	case err == nil:
		a.hooks.AdmissionDecided(observability.DecisionAdmitted, waited)
		slog.Info("rate limit credit acquired", "path", path, "waited", waited)
		return nil

	case ctx.Err() != nil:
		// Client gone before the timeout; nobody to answer.
		a.hooks.AdmissionDecided(observability.DecisionCanceled, waited)
		slog.Debug("admission abandoned by client", "path", path, "waited", waited)
		return ctx.Err()

	case errors.Is(context.Cause(waitCtx), core.ErrAdmissionTimeout):
		a.hooks.AdmissionDecided(observability.DecisionRejected, waited)
		slog.Warn("rate limit timeout", "path", path, "timeout", a.timeout)
		return core.NewRateLimitError(fmt.Sprintf("rate limit exceeded: no capacity within %s", a.timeout))

	default:
		a.hooks.AdmissionDecided(observability.DecisionRejected, waited)
		slog.Error("admission failed", "path", path, "error", err)
		return core.NewInternalError("admission failed", err)
	}
}
