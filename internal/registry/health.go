package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	defaultHealthInterval     = 5 * time.Minute
	defaultHealthInitialDelay = 30 * time.Second
	defaultProbeTimeout       = 10 * time.Second
	defaultDegradedLatency    = 5 * time.Second
	defaultProbeBatchSize     = 5
	downAfterFailures         = 3
)

// Prober performs a cheap reachability check against a tool's endpoint.
// A returned status code >= 500 or a non-nil error counts as a failure.
type Prober interface {
	Probe(ctx context.Context, def *ToolDefinition) (int, error)
}

// HealthObserver is notified when a tool's health status changes.
type HealthObserver func(toolID string, prev, next HealthStatus)

// HealthCheckerConfig configures the HealthChecker.
type HealthCheckerConfig struct {
	Interval        time.Duration
	InitialDelay    time.Duration
	ProbeTimeout    time.Duration
	DegradedLatency time.Duration
	BatchSize       int
	Observer        HealthObserver
	Logger          *zap.Logger
}

// HealthChecker periodically probes enabled tools and records their health.
// Results only affect discovery; invocation never consults them.
type HealthChecker struct {
	reg    *Registry
	prober Prober
	cfg    HealthCheckerConfig
	now    func() time.Time
}

// NewHealthChecker creates a checker for reg. Zero config values take defaults.
func NewHealthChecker(reg *Registry, prober Prober, cfg HealthCheckerConfig) *HealthChecker {
	if cfg.Interval == 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = defaultHealthInitialDelay
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.DegradedLatency == 0 {
		cfg.DegradedLatency = defaultDegradedLatency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultProbeBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HealthChecker{reg: reg, prober: prober, cfg: cfg, now: time.Now}
}

// Start runs sweeps in the background until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	go func() {
		timer := time.NewTimer(h.cfg.InitialDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			h.Sweep(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Sweep probes every enabled tool once, at most BatchSize at a time.
func (h *HealthChecker) Sweep(ctx context.Context) {
	tools := h.reg.Enabled()
	if len(tools) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(h.cfg.BatchSize)
	for _, def := range tools {
		p.Go(func() {
			h.probe(ctx, def)
		})
	}
	p.Wait()

	h.cfg.Logger.Debug("health sweep complete", zap.Int("tools", len(tools)))
}

func (h *HealthChecker) probe(ctx context.Context, def *ToolDefinition) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	start := h.now()
	code, err := h.prober.Probe(probeCtx, def)
	latency := h.now().Sub(start)

	if err == nil && code >= 500 {
		err = &probeStatusError{code: code}
	}
	h.record(def.ID, latency, err)
}

// record applies one probe outcome to the tool's health.
func (h *HealthChecker) record(id string, latency time.Duration, probeErr error) {
	now := h.now()
	prev, next, ok := h.reg.updateHealth(id, func(th *ToolHealth) {
		th.LastCheckedAt = now
		th.LatencyMs = latency.Milliseconds()
		if probeErr == nil {
			th.ConsecutiveFailures = 0
			th.LastSuccessAt = now
			if latency > h.cfg.DegradedLatency {
				th.Status = HealthDegraded
			} else {
				th.Status = HealthHealthy
			}
			return
		}
		th.ConsecutiveFailures++
		if th.ConsecutiveFailures >= downAfterFailures {
			th.Status = HealthDown
		} else {
			th.Status = HealthDegraded
		}
	})
	if !ok || prev == next {
		return
	}

	fields := []zap.Field{
		zap.String("tool_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Duration("latency", latency),
	}
	if probeErr != nil {
		fields = append(fields, zap.Error(probeErr))
	}
	h.cfg.Logger.Info("tool health changed", fields...)

	if h.cfg.Observer != nil {
		h.cfg.Observer(id, prev, next)
	}
}

type probeStatusError struct {
	code int
}

func (e *probeStatusError) Error() string {
	return fmt.Sprintf("probe returned status %d", e.code)
}

// HTTPProber probes tool endpoints with a HEAD request.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober using client, or a default client if nil.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, def *ToolDefinition) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, def.Endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
