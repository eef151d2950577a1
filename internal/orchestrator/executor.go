// Package orchestrator runs multi-step tool plans. Steps whose dependencies
// are satisfied run concurrently in waves; failures propagate to dependents
// as skips.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/triage-ai/toolmesh/internal/invoke"
	"github.com/triage-ai/toolmesh/internal/refpath"
	"github.com/triage-ai/toolmesh/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	reasonUnfulfillable    = "circular or unfulfillable dependency"
	reasonDependencyFailed = "dependency failed"
)

// StepRelease settles a step's reservation once the invocation finishes.
type StepRelease func(ctx context.Context, success bool)

// StepHook runs before each step is invoked. Returning an error fails the
// step without invoking the tool. The returned release, if non-nil, is
// called with the outcome of the invocation.
type StepHook interface {
	BeforeStep(ctx context.Context, step Step, def *registry.ToolDefinition, price registry.Price) (StepRelease, error)
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	hook StepHook
}

// WithStepHook installs a per-step hook for this execution.
func WithStepHook(h StepHook) ExecuteOption {
	return func(o *executeOptions) { o.hook = h }
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrency limits how many steps of one wave run at once.
// Zero means no limit.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) { e.maxConcurrency = n }
}

// Executor runs plans against a catalog through an invoker.
type Executor struct {
	catalog        Catalog
	invoker        invoke.Invoker
	logger         *zap.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewExecutor creates an Executor. The invoker is expected to apply its own
// retry policy.
func NewExecutor(catalog Catalog, invoker invoke.Invoker, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		catalog: catalog,
		invoker: invoker,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// recorder collects step results in completion order.
type recorder struct {
	mu      sync.Mutex
	results []StepResult
}

func (r *recorder) add(res StepResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

// Execute runs plan to completion and never returns an error for step
// failures. Step IDs are assumed unique (see Plan.Validate).
func (e *Executor) Execute(ctx context.Context, plan *Plan, opts ...ExecuteOption) *Result {
	var eo executeOptions
	for _, o := range opts {
		o(&eo)
	}

	start := e.now()
	deps := dependencies(plan.Steps)
	rec := &recorder{results: make([]StepResult, 0, len(plan.Steps))}

	// outputs and status are only written between waves; goroutines of a
	// running wave only read outputs.
	outputs := make(map[string]any, len(plan.Steps))
	status := make(map[string]StepStatus, len(plan.Steps))

	remaining := make([]int, len(plan.Steps))
	for i := range remaining {
		remaining[i] = i
	}

	wave := 0
	for len(remaining) > 0 {
		var ready, waiting []int
		for _, i := range remaining {
			if allProcessed(deps[i], status) {
				ready = append(ready, i)
			} else {
				waiting = append(waiting, i)
			}
		}

		if len(ready) == 0 {
			for _, i := range remaining {
				s := plan.Steps[i]
				e.logger.Warn("skipping step",
					zap.String("step_id", s.StepID),
					zap.Strings("depends_on", deps[i]),
					zap.String("reason", reasonUnfulfillable),
				)
				rec.add(StepResult{StepID: s.StepID, ToolID: s.ToolID, Status: StepSkipped, Error: reasonUnfulfillable})
				status[s.StepID] = StepSkipped
			}
			break
		}

		var runnable []int
		for _, i := range ready {
			s := plan.Steps[i]
			if failed := failedDependency(deps[i], status); failed != "" {
				e.logger.Info("skipping step",
					zap.String("step_id", s.StepID),
					zap.String("failed_dependency", failed),
					zap.String("reason", reasonDependencyFailed),
				)
				rec.add(StepResult{StepID: s.StepID, ToolID: s.ToolID, Status: StepSkipped, Error: reasonDependencyFailed})
				status[s.StepID] = StepSkipped
				continue
			}
			runnable = append(runnable, i)
		}

		wave++
		waveResults := make([]StepResult, len(runnable))
		var g errgroup.Group
		if e.maxConcurrency > 0 {
			g.SetLimit(e.maxConcurrency)
		}
		for n, i := range runnable {
			step := plan.Steps[i]
			g.Go(func() error {
				res := e.runStep(ctx, step, outputs, eo)
				waveResults[n] = res
				rec.add(res)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range waveResults {
			status[res.StepID] = res.Status
			if res.Status == StepCompleted {
				outputs[res.StepID] = res.Result
			}
		}
		e.logger.Debug("wave complete", zap.Int("wave", wave), zap.Int("steps", len(runnable)))

		remaining = waiting
	}

	result := &Result{
		Success:     true,
		StepResults: rec.results,
	}
	for _, res := range rec.results {
		if res.Status != StepCompleted {
			result.Success = false
			continue
		}
		result.TotalCredits += res.Credits
	}
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		id := plan.Steps[i].StepID
		if status[id] == StepCompleted {
			result.FinalOutput = outputs[id]
			break
		}
	}
	result.TotalDurationMs = e.now().Sub(start).Milliseconds()
	return result
}

func (e *Executor) runStep(ctx context.Context, step Step, outputs map[string]any, eo executeOptions) StepResult {
	start := e.now()
	res := StepResult{StepID: step.StepID, ToolID: step.ToolID}
	finish := func(st StepStatus, msg string) StepResult {
		res.Status = st
		res.Error = msg
		res.DurationMs = e.now().Sub(start).Milliseconds()
		return res
	}

	def, ok := e.catalog.Get(step.ToolID)
	if !ok || !def.Enabled {
		e.logger.Warn("skipping step with unknown tool",
			zap.String("step_id", step.StepID),
			zap.String("tool_id", step.ToolID),
		)
		return finish(StepSkipped, fmt.Sprintf("unknown tool: %s", step.ToolID))
	}

	input := e.resolveInput(step, outputs)

	if v := e.catalog.ValidateInput(step.ToolID, input); !v.Valid {
		return finish(StepFailed, "invalid input: "+strings.Join(v.Errors, "; "))
	}

	price, _ := e.catalog.CalculatePrice(step.ToolID, input)

	var release StepRelease
	if eo.hook != nil {
		r, err := eo.hook.BeforeStep(ctx, step, def, price)
		if err != nil {
			e.logger.Info("step rejected before invocation",
				zap.String("step_id", step.StepID),
				zap.Error(err),
			)
			return finish(StepFailed, err.Error())
		}
		release = r
	}

	e.logger.Debug("running step", zap.String("step_id", step.StepID), zap.String("tool_id", step.ToolID))
	out, err := e.invoker.Invoke(ctx, def, input)
	if release != nil {
		release(ctx, err == nil)
	}
	if err != nil {
		e.logger.Warn("step failed",
			zap.String("step_id", step.StepID),
			zap.String("tool_id", step.ToolID),
			zap.Error(err),
		)
		return finish(StepFailed, err.Error())
	}

	res.Result = out
	res.Credits = price.Credits
	return finish(StepCompleted, "")
}

// resolveInput copies the literal input and overlays resolved mappings.
// A mapping that cannot be resolved is dropped and the literal value kept.
func (e *Executor) resolveInput(step Step, outputs map[string]any) map[string]any {
	input := make(map[string]any, len(step.Input)+len(step.InputMappings))
	for k, v := range step.Input {
		input[k] = v
	}
	for key, expr := range step.InputMappings {
		ref, err := refpath.Parse(expr)
		if err != nil {
			e.logger.Warn("dropping malformed input mapping",
				zap.String("step_id", step.StepID),
				zap.String("input", key),
				zap.Error(err),
			)
			continue
		}
		src, ok := outputs[ref.StepID]
		if !ok {
			e.logger.Warn("dropping input mapping to missing output",
				zap.String("step_id", step.StepID),
				zap.String("input", key),
				zap.String("ref", expr),
			)
			continue
		}
		val, ok := ref.Evaluate(src)
		if !ok {
			e.logger.Warn("dropping unresolvable input mapping",
				zap.String("step_id", step.StepID),
				zap.String("input", key),
				zap.String("ref", expr),
			)
			continue
		}
		input[key] = val
	}
	return input
}

// dependencies returns, per step index, the step IDs its mappings reference.
// Self references and malformed references are ignored.
func dependencies(steps []Step) [][]string {
	out := make([][]string, len(steps))
	for i, s := range steps {
		seen := make(map[string]struct{})
		for _, expr := range s.InputMappings {
			ref, err := refpath.Parse(expr)
			if err != nil || ref.StepID == s.StepID {
				continue
			}
			if _, dup := seen[ref.StepID]; dup {
				continue
			}
			seen[ref.StepID] = struct{}{}
			out[i] = append(out[i], ref.StepID)
		}
	}
	return out
}

func allProcessed(deps []string, status map[string]StepStatus) bool {
	for _, d := range deps {
		if _, ok := status[d]; !ok {
			return false
		}
	}
	return true
}

func failedDependency(deps []string, status map[string]StepStatus) string {
	for _, d := range deps {
		if status[d] != StepCompleted {
			return d
		}
	}
	return ""
}
