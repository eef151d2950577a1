package invoke

import (
	"context"
	"errors"
	"time"

	"github.com/triage-ai/toolmesh/internal/registry"
	"go.uber.org/zap"
)

const (
	defaultRetryBaseDelay = time.Second
	maxBackoff            = 10 * time.Second
)

// RetryPolicy controls Retrying.
type RetryPolicy struct {
	MaxRetries int // extra attempts after the first
	BaseDelay  time.Duration
}

// DefaultRetryPolicy is one retry after a one second delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, BaseDelay: defaultRetryBaseDelay}
}

// Backoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Retryable reports whether err may succeed on another attempt.
// Terminal job failures, pending jobs and cancellation are not retryable.
// A deadline inside err is a provider timeout and stays retryable; whether
// the caller's own deadline has passed is decided by Retrying from its ctx.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var failed *JobFailedError
	var pending *PendingJobError
	switch {
	case errors.As(err, &failed), errors.As(err, &pending):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrUnsupportedMode):
		return false
	}
	return true
}

// MaxCallDuration bounds how long Retrying can spend on one call when each
// attempt is capped at perAttempt: every attempt plus the backoff between them.
func MaxCallDuration(policy RetryPolicy, perAttempt time.Duration) time.Duration {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultRetryBaseDelay
	}
	total := time.Duration(policy.MaxRetries+1) * perAttempt
	for i := 1; i <= policy.MaxRetries; i++ {
		total += Backoff(i, policy.BaseDelay, maxBackoff)
	}
	return total
}

// Retrying wraps an Invoker with retry and exponential backoff.
type Retrying struct {
	next   Invoker
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewRetrying wraps next with policy.
func NewRetrying(next Invoker, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultRetryBaseDelay
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retrying{next: next, policy: policy, sleep: sleepContext, logger: logger}
}

func (r *Retrying) Invoke(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt, r.policy.BaseDelay, maxBackoff)
			r.logger.Warn("retrying tool call",
				zap.String("tool_id", def.ID),
				zap.Int("retry", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		out, err := r.next.Invoke(ctx, def, input)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
