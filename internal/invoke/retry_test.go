package invoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/toolmesh/internal/registry"
	"go.uber.org/zap"
)

type flakyInvoker struct {
	failures int
	err      error
	calls    int
}

func (f *flakyInvoker) Invoke(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (any, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return "ok", nil
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		got := Backoff(i+1, time.Second, 10*time.Second)
		if got != w*time.Second {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w*time.Second, got)
		}
	}
}

func TestRetrying_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyInvoker{failures: 2, err: errors.New("connection reset")}
	r := NewRetrying(inner, RetryPolicy{MaxRetries: 2, BaseDelay: time.Second}, zap.NewNop())

	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	out, err := r.Invoke(context.Background(), &registry.ToolDefinition{ID: "t"}, nil)
	if err != nil || out != "ok" {
		t.Fatalf("expected ok, got (%v, %v)", out, err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays: %v", delays)
	}
}

func TestRetrying_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyInvoker{failures: 10, err: errors.New("503")}
	r := NewRetrying(inner, RetryPolicy{MaxRetries: 1}, zap.NewNop())
	r.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := r.Invoke(context.Background(), &registry.ToolDefinition{ID: "t"}, nil); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetrying_StopsOnCancellation(t *testing.T) {
	inner := &flakyInvoker{failures: 10, err: context.Canceled}
	r := NewRetrying(inner, RetryPolicy{MaxRetries: 3}, zap.NewNop())
	r.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := r.Invoke(context.Background(), &registry.ToolDefinition{ID: "t"}, nil)
	if !errors.Is(err, context.Canceled) || inner.calls != 1 {
		t.Fatalf("expected single canceled attempt, got %v after %d calls", err, inner.calls)
	}
}

func TestRetrying_RetriesProviderTimeout(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	adapter := NewAdapter(Config{
		HTTP: NewHTTPClient(zap.NewNop(),
			WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
			WithHTTPAttempts(1),
		),
		Logger: zap.NewNop(),
	})
	r := NewRetrying(adapter, RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}, zap.NewNop())

	out, err := r.Invoke(context.Background(), toolFor("t", registry.ModeSync, srv.URL), map[string]any{})
	if err != nil {
		t.Fatalf("expected retry after client timeout to succeed, got %v", err)
	}
	if got := out.(map[string]any)["text"]; got != "ok" {
		t.Fatalf("unexpected output %v", out)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", requests.Load())
	}
}

func TestRetrying_StopsWhenCallerDeadlinePasses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	inner := &flakyInvoker{failures: 10, err: ctx.Err()}
	r := NewRetrying(inner, RetryPolicy{MaxRetries: 3}, zap.NewNop())
	r.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := r.Invoke(ctx, &registry.ToolDefinition{ID: "t"}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected a single attempt past the caller deadline, got %d", inner.calls)
	}
}

func TestRetryable_ProviderDeadlineIsTransient(t *testing.T) {
	err := fmt.Errorf("sync t: http request: %w", context.DeadlineExceeded)
	if !Retryable(err) {
		t.Fatal("wrapped provider deadline should be retryable")
	}
}

func TestMaxCallDuration(t *testing.T) {
	tests := []struct {
		policy RetryPolicy
		want   time.Duration
	}{
		{RetryPolicy{MaxRetries: 0, BaseDelay: time.Second}, 300 * time.Second},
		{RetryPolicy{MaxRetries: 1, BaseDelay: time.Second}, 601 * time.Second},
		{RetryPolicy{MaxRetries: 2}, 903 * time.Second},
		{RetryPolicy{MaxRetries: 5, BaseDelay: time.Second}, 1825 * time.Second},
	}
	for _, tt := range tests {
		if got := MaxCallDuration(tt.policy, 300*time.Second); got != tt.want {
			t.Errorf("retries=%d: expected %s, got %s", tt.policy.MaxRetries, tt.want, got)
		}
	}
}
