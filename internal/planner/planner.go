// Package planner asks a reasoning service to decompose a goal into a
// plan of tool steps drawn from the registry.
package planner

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/triage-ai/toolmesh/internal/cache"
	"github.com/triage-ai/toolmesh/internal/orchestrator"
	"github.com/triage-ai/toolmesh/internal/registry"
	"go.uber.org/zap"
)

// ErrPlanGenerationFailed wraps every reason a plan could not be produced.
var ErrPlanGenerationFailed = errors.New("planner: plan generation failed")

const defaultReasonTimeout = 30 * time.Second

const systemPrompt = `You are a workflow planner for an AI tool platform.
Decompose the user's goal into a sequence of tool calls using ONLY the tools listed.
Respond with a single JSON object and nothing else:
{
  "goal": "<restated goal>",
  "steps": [
    {
      "stepId": "step_1",
      "toolId": "<tool id from the catalog>",
      "input": { "<param>": <value> },
      "inputMappings": { "<param>": "$<earlier stepId>.<path>[<index>]" },
      "description": "<why this step>"
    }
  ],
  "estimatedCredits": <number>,
  "estimatedDurationSeconds": <number>
}
Use inputMappings to pass outputs between steps, for example "$step_1.images[0].url".
Steps that do not depend on each other will run in parallel.`

// Context narrows plan generation.
type Context struct {
	// AllowedTools restricts the catalog shown to the reasoner. Empty means all enabled tools.
	AllowedTools []string
	// Hints is free text appended to the prompt.
	Hints string
}

// Catalog is the subset of the registry the generator needs.
type Catalog interface {
	orchestrator.Pricer
	Enabled() []*registry.ToolDefinition
	Get(id string) (*registry.ToolDefinition, bool)
}

// Generator produces plans from natural-language goals.
type Generator struct {
	catalog  Catalog
	reasoner Reasoner
	plans    *cache.SWR[*orchestrator.Plan]
	timeout  time.Duration
	logger   *zap.Logger
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Catalog  Catalog
	Reasoner Reasoner
	// CacheTTL enables the plan cache when positive.
	CacheTTL time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	g := &Generator{
		catalog:  cfg.Catalog,
		reasoner: cfg.Reasoner,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = defaultReasonTimeout
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if cfg.CacheTTL > 0 {
		g.plans = cache.New[*orchestrator.Plan](cfg.CacheTTL)
	}
	return g
}

// Generate returns a plan for goal. Steps naming tools outside the catalog
// are dropped.
func (g *Generator) Generate(ctx context.Context, goal string, pctx *Context) (*orchestrator.Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrPlanGenerationFailed)
	}
	if pctx == nil {
		pctx = &Context{}
	}

	var key string
	if g.plans != nil {
		key = planCacheKey(goal, pctx)
		if res := g.plans.Get(key); res.Hit {
			if res.NeedsRefresh {
				go g.refreshInBackground(key, goal, pctx)
			}
			return clonePlan(res.Value), nil
		}
	}

	plan, err := g.generate(ctx, goal, pctx)
	if err != nil {
		return nil, err
	}
	if g.plans != nil {
		g.plans.Set(key, plan)
	}
	return clonePlan(plan), nil
}

// refreshInBackground regenerates a stale plan. On failure the entry is
// dropped so the next request regenerates synchronously.
func (g *Generator) refreshInBackground(key, goal string, pctx *Context) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	err := g.plans.Refresh(ctx, key, func(ctx context.Context) (*orchestrator.Plan, error) {
		return g.generate(ctx, goal, pctx)
	})
	if err != nil {
		g.logger.Warn("background plan refresh failed", zap.String("goal", goal), zap.Error(err))
	}
}

// planCacheKey covers everything that shapes the prompt: goal, the sorted
// allow-list and hints.
func planCacheKey(goal string, pctx *Context) string {
	allowed := append([]string(nil), pctx.AllowedTools...)
	sort.Strings(allowed)

	h := sha1.New()
	h.Write([]byte(goal))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(allowed, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(pctx.Hints)))
	return hex.EncodeToString(h.Sum(nil))
}

func (g *Generator) generate(ctx context.Context, goal string, pctx *Context) (*orchestrator.Plan, error) {
	tools := g.tools(pctx.AllowedTools)
	if len(tools) == 0 {
		return nil, fmt.Errorf("%w: no tools available", ErrPlanGenerationFailed)
	}

	prompt := buildPrompt(goal, tools, pctx.Hints)

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	text, err := g.reasoner.Reason(rctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: reasoning: %v", ErrPlanGenerationFailed, err)
	}

	raw, err := extractJSON(text)
	if err != nil {
		g.logger.Warn("reasoning response had no JSON", zap.Int("length", len(text)))
		return nil, fmt.Errorf("%w: %v", ErrPlanGenerationFailed, err)
	}

	plan, err := decodePlan(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanGenerationFailed, err)
	}

	allowed := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		allowed[t.ID] = struct{}{}
	}
	kept := plan.Steps[:0]
	for _, s := range plan.Steps {
		if _, ok := allowed[s.ToolID]; !ok {
			g.logger.Warn("dropping plan step with unknown tool",
				zap.String("step_id", s.StepID),
				zap.String("tool_id", s.ToolID),
			)
			continue
		}
		kept = append(kept, s)
	}
	plan.Steps = kept
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: no executable steps", ErrPlanGenerationFailed)
	}

	if plan.Goal == "" {
		plan.Goal = goal
	}
	if plan.EstimatedCredits <= 0 {
		plan.EstimatedCredits = orchestrator.EstimateCredits(plan, g.catalog)
	}

	g.logger.Info("plan generated", zap.String("goal", goal), zap.Int("steps", len(plan.Steps)))
	return plan, nil
}

func (g *Generator) tools(allowedIDs []string) []*registry.ToolDefinition {
	enabled := g.catalog.Enabled()
	if len(allowedIDs) == 0 {
		return enabled
	}
	allow := make(map[string]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allow[id] = struct{}{}
	}
	out := enabled[:0:0]
	for _, t := range enabled {
		if _, ok := allow[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// rawStep accepts both camelCase and snake_case keys from the reasoner.
type rawStep struct {
	StepID           string            `json:"stepId"`
	StepIDSnake      string            `json:"step_id"`
	ToolID           string            `json:"toolId"`
	ToolIDSnake      string            `json:"tool_id"`
	Tool             string            `json:"tool"`
	Input            map[string]any    `json:"input"`
	Params           map[string]any    `json:"params"`
	InputMappings    map[string]string `json:"inputMappings"`
	InputMappingsAlt map[string]string `json:"input_mappings"`
	Description      string            `json:"description"`
}

type rawPlan struct {
	Goal                     string    `json:"goal"`
	Steps                    []rawStep `json:"steps"`
	EstimatedCredits         float64   `json:"estimatedCredits"`
	EstimatedDurationSeconds float64   `json:"estimatedDurationSeconds"`
}

// decodePlan accepts a plan object or a bare array of steps.
func decodePlan(raw json.RawMessage) (*orchestrator.Plan, error) {
	var rp rawPlan
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &rp.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	} else if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	plan := &orchestrator.Plan{
		Goal:                     rp.Goal,
		EstimatedCredits:         rp.EstimatedCredits,
		EstimatedDurationSeconds: rp.EstimatedDurationSeconds,
		Steps:                    make([]orchestrator.Step, 0, len(rp.Steps)),
	}
	for i, rs := range rp.Steps {
		s := orchestrator.Step{
			StepID:        firstNonEmpty(rs.StepID, rs.StepIDSnake, fmt.Sprintf("step_%d", i+1)),
			ToolID:        firstNonEmpty(rs.ToolID, rs.ToolIDSnake, rs.Tool),
			Input:         rs.Input,
			InputMappings: rs.InputMappings,
			Description:   rs.Description,
		}
		if s.Input == nil {
			s.Input = rs.Params
		}
		if s.InputMappings == nil {
			s.InputMappings = rs.InputMappingsAlt
		}
		plan.Steps = append(plan.Steps, s)
	}
	return plan, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func clonePlan(p *orchestrator.Plan) *orchestrator.Plan {
	out := *p
	out.Steps = append([]orchestrator.Step(nil), p.Steps...)
	return &out
}
