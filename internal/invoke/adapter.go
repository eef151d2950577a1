// Package invoke executes tool calls against provider endpoints, hiding the
// difference between synchronous and queued (submit, poll, fetch) tools.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/toolmesh/internal/registry"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedMode = errors.New("invoke: unsupported execution mode")
	ErrNoJobID         = errors.New("invoke: submit response carried no job id")
)

// Invoker runs one tool call and returns the decoded provider output.
type Invoker interface {
	Invoke(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (any, error)
}

// runner executes a single tool call in one execution mode.
type runner interface {
	run(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (any, error)
}

// Config configures an Adapter.
type Config struct {
	HTTP HTTPExecutor
	// Credentials maps a provider name to the Authorization header value sent to it.
	Credentials  map[string]string
	PollInterval time.Duration
	MaxWait      time.Duration
	Clock        Clock
	Logger       *zap.Logger
}

// Adapter dispatches tool calls to the runner for their execution mode.
type Adapter struct {
	sync   runner
	queue  runner
	logger *zap.Logger
}

// NewAdapter creates an Adapter. Zero config values take defaults.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = NewHTTPClient(cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	creds := credentials(cfg.Credentials)
	return &Adapter{
		sync: &syncRunner{http: cfg.HTTP, creds: creds},
		queue: &queueRunner{
			http:         cfg.HTTP,
			creds:        creds,
			clock:        cfg.Clock,
			pollInterval: cfg.PollInterval,
			maxWait:      cfg.MaxWait,
			logger:       cfg.Logger,
		},
		logger: cfg.Logger,
	}
}

func (a *Adapter) Invoke(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (any, error) {
	switch def.ExecutionMode {
	case registry.ModeSync:
		return a.sync.run(ctx, def, input)
	case registry.ModeQueue:
		return a.queue.run(ctx, def, input)
	default:
		return nil, fmt.Errorf("Invoke: %s: %w: %q", def.ID, ErrUnsupportedMode, def.ExecutionMode)
	}
}

type credentials map[string]string

func (c credentials) headers(provider string) map[string]string {
	if v, ok := c[provider]; ok && v != "" {
		return map[string]string{"Authorization": v}
	}
	return nil
}

// syncRunner posts the input and returns the response body.
type syncRunner struct {
	http  HTTPExecutor
	creds credentials
}

func (r *syncRunner) run(ctx context.Context, def *registry.ToolDefinition, input map[string]any) (any, error) {
	resp, err := r.http.Do(ctx, HTTPRequest{
		Method:  "POST",
		URL:     def.Endpoint,
		Body:    input,
		Headers: r.creds.headers(def.Provider),
	})
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", def.ID, err)
	}
	out, err := decodeBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", def.ID, err)
	}
	return out, nil
}

// Clock abstracts time for the queue poller.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error { return sleepContext(ctx, d) }
