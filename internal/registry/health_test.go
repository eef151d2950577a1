package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubProber struct {
	mu       sync.Mutex
	codes    map[string]int
	errs     map[string]error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (p *stubProber) Probe(ctx context.Context, def *ToolDefinition) (int, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[def.ID]; err != nil {
		return 0, err
	}
	if code, ok := p.codes[def.ID]; ok {
		return code, nil
	}
	return 200, nil
}

func healthRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	reg := New(zap.NewNop())
	for _, id := range ids {
		if err := reg.Register(testTool(id), RegisterOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestHealth_DownAfterThreeFailures(t *testing.T) {
	reg := healthRegistry(t, "flaky-tool")
	prober := &stubProber{errs: map[string]error{"flaky-tool": errors.New("connection refused")}}

	var transitions []HealthStatus
	hc := NewHealthChecker(reg, prober, HealthCheckerConfig{
		Observer: func(id string, prev, next HealthStatus) { transitions = append(transitions, next) },
	})

	for i := 1; i <= 3; i++ {
		hc.Sweep(context.Background())
		h, _ := reg.Health("flaky-tool")
		if h.ConsecutiveFailures != i {
			t.Fatalf("sweep %d: expected %d failures, got %d", i, i, h.ConsecutiveFailures)
		}
		if i < 3 && h.Status != HealthDegraded {
			t.Fatalf("sweep %d: expected degraded before threshold, got %s", i, h.Status)
		}
	}

	h, _ := reg.Health("flaky-tool")
	if h.Status != HealthDown {
		t.Fatalf("expected down after 3 failures, got %s", h.Status)
	}
	if len(transitions) != 2 || transitions[0] != HealthDegraded || transitions[1] != HealthDown {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestHealth_SuccessResetsCounter(t *testing.T) {
	reg := healthRegistry(t, "tool-a")
	prober := &stubProber{codes: map[string]int{"tool-a": 503}}
	hc := NewHealthChecker(reg, prober, HealthCheckerConfig{})

	hc.Sweep(context.Background())
	hc.Sweep(context.Background())

	prober.mu.Lock()
	prober.codes["tool-a"] = 404 // reachable, just no HEAD route
	prober.mu.Unlock()
	hc.Sweep(context.Background())

	h, _ := reg.Health("tool-a")
	if h.Status != HealthHealthy || h.ConsecutiveFailures != 0 {
		t.Fatalf("expected healthy with reset counter, got %+v", h)
	}
	if h.LastSuccessAt.IsZero() {
		t.Fatal("expected LastSuccessAt to be set")
	}
}

func TestHealth_SlowProbeIsDegraded(t *testing.T) {
	reg := healthRegistry(t, "slow-tool")
	hc := NewHealthChecker(reg, &stubProber{}, HealthCheckerConfig{})

	hc.record("slow-tool", 6*time.Second, nil)

	h, _ := reg.Health("slow-tool")
	if h.Status != HealthDegraded {
		t.Fatalf("expected degraded for slow probe, got %s", h.Status)
	}
	if h.LatencyMs != 6000 {
		t.Fatalf("expected latency 6000ms, got %d", h.LatencyMs)
	}
}

func TestHealth_SweepBoundedConcurrency(t *testing.T) {
	ids := []string{"tool-1", "tool-2", "tool-3", "tool-4", "tool-5", "tool-6", "tool-7", "tool-8", "tool-9", "tool-10", "tool-11", "tool-12"}
	reg := healthRegistry(t, ids...)
	prober := &stubProber{delay: 10 * time.Millisecond}
	hc := NewHealthChecker(reg, prober, HealthCheckerConfig{})

	hc.Sweep(context.Background())

	if max := prober.maxSeen.Load(); max > 5 {
		t.Fatalf("expected at most 5 concurrent probes, saw %d", max)
	}
	for _, id := range ids {
		if h, _ := reg.Health(id); h.Status != HealthHealthy {
			t.Fatalf("%s: expected healthy, got %s", id, h.Status)
		}
	}
}

func TestHealth_SkipsDisabledTools(t *testing.T) {
	reg := New(zap.NewNop())
	def := testTool("off-tool")
	def.Enabled = false
	if err := reg.Register(def, RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	hc := NewHealthChecker(reg, &stubProber{}, HealthCheckerConfig{})
	hc.Sweep(context.Background())

	if h, _ := reg.Health("off-tool"); h.Status != HealthUnknown {
		t.Fatalf("disabled tool should not be probed, got %s", h.Status)
	}
}
