package engines

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"dealflow-backend/internal/shared/telemetry"
	"dealflow-backend/internal/shared/util"
)

const retryBaseDelay = 300 * time.Millisecond

// Retrying retries a runner once on transient failures.
type Retrying struct {
	Base  Runner
	Delay time.Duration
}

// NewRetrying wraps base with a single retry.
func NewRetrying(base Runner) *Retrying {
	return &Retrying{Base: base, Delay: retryBaseDelay}
}

func (r *Retrying) RunEngine(ctx context.Context, engineName string, dc DealContext) (Output, error) {
	out, err := r.Base.RunEngine(ctx, engineName, dc)
	if err == nil || !ShouldRetry(err) || ctx.Err() != nil {
		return out, err
	}

	telemetry.Warn("engine.retry", map[string]any{
		"engine":  engineName,
		"job_id":  dc.JobID,
		"attempt": 1,
		"error":   util.SanitizeError(err),
	})
	select {
	case <-time.After(r.Delay):
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
	return r.Base.RunEngine(ctx, engineName, dc)
}

// ShouldRetry reports whether err looks transient.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, ErrNotConfigured) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "http status 429") || strings.Contains(msg, "server_error") {
		return true
	}
	if strings.Contains(msg, "request timeout") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}
	return false
}

var _ Runner = (*Retrying)(nil)
