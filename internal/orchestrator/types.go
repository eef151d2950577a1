package orchestrator

import (
	"errors"
	"fmt"

	"github.com/triage-ai/toolmesh/internal/registry"
)

var (
	ErrEmptyPlan       = errors.New("orchestrator: plan has no steps")
	ErrDuplicateStepID = errors.New("orchestrator: duplicate step id")
	ErrMissingToolID   = errors.New("orchestrator: step has no tool id")
	ErrMissingStepID   = errors.New("orchestrator: step has no step id")
)

// Step is one tool invocation within a plan. InputMappings maps an input
// key to a reference such as "$generate.images[0].url"; resolved values
// override the literal Input entry with the same key.
type Step struct {
	StepID        string            `json:"stepId" yaml:"step_id"`
	ToolID        string            `json:"toolId" yaml:"tool_id"`
	Input         map[string]any    `json:"input,omitempty" yaml:"input,omitempty"`
	InputMappings map[string]string `json:"inputMappings,omitempty" yaml:"input_mappings,omitempty"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// Plan is an ordered list of steps forming a dependency graph.
type Plan struct {
	Goal                     string  `json:"goal"`
	Steps                    []Step  `json:"steps"`
	EstimatedCredits         float64 `json:"estimatedCredits"`
	EstimatedDurationSeconds float64 `json:"estimatedDurationSeconds"`
}

// Validate checks structural well-formedness. Dependency problems are not
// errors here; the executor reports them as skipped steps.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.StepID == "" {
			return fmt.Errorf("step %d: %w", i, ErrMissingStepID)
		}
		if s.ToolID == "" {
			return fmt.Errorf("step %s: %w", s.StepID, ErrMissingToolID)
		}
		if _, dup := seen[s.StepID]; dup {
			return fmt.Errorf("step %s: %w", s.StepID, ErrDuplicateStepID)
		}
		seen[s.StepID] = struct{}{}
	}
	return nil
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is recorded exactly once per step per execution.
type StepResult struct {
	StepID     string     `json:"stepId"`
	ToolID     string     `json:"toolId"`
	Status     StepStatus `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
	Credits    float64    `json:"credits,omitempty"`
}

// Result summarises one plan execution. StepResults are in completion order.
type Result struct {
	Success         bool         `json:"success"`
	StepResults     []StepResult `json:"stepResults"`
	FinalOutput     any          `json:"finalOutput,omitempty"`
	TotalDurationMs int64        `json:"totalDurationMs"`
	TotalCredits    float64      `json:"totalCredits"`
}

// Pricer prices a tool call.
type Pricer interface {
	CalculatePrice(id string, params map[string]any) (registry.Price, bool)
}

// Catalog is the subset of the registry the executor needs.
type Catalog interface {
	Pricer
	Get(id string) (*registry.ToolDefinition, bool)
	ValidateInput(id string, input map[string]any) registry.ValidationResult
}

// EstimateCredits prices every step against its literal input.
// Unknown tools contribute nothing.
func EstimateCredits(plan *Plan, pricer Pricer) float64 {
	var total float64
	for _, s := range plan.Steps {
		if price, ok := pricer.CalculatePrice(s.ToolID, s.Input); ok {
			total += price.Credits
		}
	}
	return total
}
