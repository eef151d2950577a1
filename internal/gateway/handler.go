package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/triage-ai/toolmesh/internal/auth"
	"github.com/triage-ai/toolmesh/internal/invoke"
	"github.com/triage-ai/toolmesh/internal/ledger"
	"github.com/triage-ai/toolmesh/internal/orchestrator"
	"github.com/triage-ai/toolmesh/internal/planner"
	"github.com/triage-ai/toolmesh/internal/registry"
	"github.com/triage-ai/toolmesh/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all handlers.
type Dependencies struct {
	Registry  *registry.Registry
	Invoker   invoke.Invoker
	Executor  *orchestrator.Executor
	Planner   *planner.Generator // nil disables goal-based orchestration
	Templates *orchestrator.Templates
	Ledger    ledger.Ledger // nil disables metering
	Auth      auth.Authenticator
	Writer    storage.EventWriter
	Reader    *storage.Reader // nil if ClickHouse unavailable
	Sessions  *SessionManager
	Version   string
	Logger    *zap.Logger
}

// callMeta describes where a request came from.
type callMeta struct {
	Transport string // "sse" or "http"
	SessionID string
}

// dispatch handles one decoded request. It returns nil for notifications.
// Work is detached from the caller's context: a caller that goes away does
// not cancel dispatched tool calls.
func (d *Dependencies) dispatch(ctx context.Context, req *Request, meta callMeta) *Response {
	ctx = context.WithoutCancel(ctx)

	result, rpcErr := d.route(ctx, req, meta)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return resultResponse(req.ID, result)
}

// handleMessage decodes and dispatches one raw message.
func (d *Dependencies) handleMessage(ctx context.Context, raw json.RawMessage, meta callMeta) *Response {
	req, rpcErr := decodeRequest(raw)
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return d.dispatch(ctx, req, meta)
}

// handleBody processes a full request body. The second return value is
// false when nothing needs to be sent back.
func (d *Dependencies) handleBody(ctx context.Context, body []byte, meta callMeta) (any, bool) {
	msgs, batch, rpcErr := decodeBody(body)
	if rpcErr != nil {
		return errorResponse(nil, rpcErr), true
	}
	if !batch {
		resp := d.handleMessage(ctx, msgs[0], meta)
		return resp, resp != nil
	}

	// Batch members are independent; run them concurrently and keep order.
	responses := make([]*Response, len(msgs))
	var wg conc.WaitGroup
	for i := range msgs {
		wg.Go(func() {
			responses[i] = d.handleMessage(ctx, msgs[i], meta)
		})
	}
	wg.Wait()

	out := make([]*Response, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, len(out) > 0
}

func (d *Dependencies) route(ctx context.Context, req *Request, meta callMeta) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(), nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return d.handleListTools(), nil
	case "tools/call":
		return d.handleCallTool(ctx, req.Params, meta)
	default:
		if strings.HasPrefix(req.Method, "notifications/") && req.IsNotification() {
			return nil, nil
		}
		return nil, newError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (d *Dependencies) handleInitialize() *initializeResult {
	return &initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities{Tools: toolsCapability{}},
		ServerInfo:      serverInfo{Name: serverName, Version: d.Version},
	}
}

func (d *Dependencies) handleListTools() *listToolsResult {
	tools := d.Registry.Discoverable()
	out := make([]toolDescriptor, 0, len(tools)+1)
	for _, t := range tools {
		out = append(out, toolDescriptor{
			Name:        t.ID,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	out = append(out, d.orchestrateDescriptor())
	return &listToolsResult{Tools: out}
}

func (d *Dependencies) orchestrateDescriptor() toolDescriptor {
	templateProp := registry.PropertySchema{
		Type:        "string",
		Description: "Name of a predefined workflow template",
	}
	if d.Templates != nil {
		for _, t := range d.Templates.List() {
			templateProp.Enum = append(templateProp.Enum, t.Name)
		}
	}
	return toolDescriptor{
		Name: orchestrateTool,
		Description: "Plan and run a multi-step workflow across the available tools. " +
			"Pass a natural-language goal, or a template name with inputs.",
		InputSchema: &registry.InputSchema{
			Type: "object",
			Properties: map[string]registry.PropertySchema{
				"goal":     {Type: "string", Description: "What the workflow should achieve"},
				"template": templateProp,
				"tools":    {Type: "array", Description: "Restrict planning to these tool ids"},
				"inputs":   {Type: "object", Description: "Template variables"},
				"hints":    {Type: "string", Description: "Extra guidance for the planner"},
			},
		},
	}
}

func (d *Dependencies) handleCallTool(ctx context.Context, raw json.RawMessage, meta callMeta) (any, *RPCError) {
	var params callParams
	if len(raw) == 0 || json.Unmarshal(raw, &params) != nil {
		return nil, newError(CodeInvalidParams, "invalid params: expected {name, arguments}", nil)
	}
	if params.Name == "" {
		return nil, newError(CodeInvalidParams, "invalid params: missing tool name", nil)
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	caller, ok := auth.CallerFrom(ctx)
	if !ok {
		caller = &auth.Caller{}
	}
	ev := &storage.UsageEvent{
		RequestID: uuid.NewString(),
		UserID:    caller.UserID,
		SessionID: meta.SessionID,
		Timestamp: time.Now().UTC(),
		Transport: meta.Transport,
		ToolID:    params.Name,
	}
	start := time.Now()
	defer func() {
		ev.LatencyMs = float32(time.Since(start).Microseconds()) / 1000
		d.record(ev)
	}()

	if params.Name == orchestrateTool {
		return d.orchestrate(ctx, caller, params.Arguments, ev)
	}
	return d.callTool(ctx, caller, params.Name, params.Arguments, ev)
}

// callTool invokes a single registered tool on behalf of caller.
func (d *Dependencies) callTool(ctx context.Context, caller *auth.Caller, name string, args map[string]any, ev *storage.UsageEvent) (any, *RPCError) {
	def, ok := d.Registry.Get(name)
	if !ok || !def.Enabled {
		ev.Status = storage.StatusInvalidInput
		ev.ErrorMessage = "unknown tool"
		return nil, newError(CodeInvalidParams, fmt.Sprintf("unknown tool: %s", name), nil)
	}

	if v := d.Registry.ValidateInput(name, args); !v.Valid {
		ev.Status = storage.StatusInvalidInput
		ev.ErrorMessage = strings.Join(v.Errors, "; ")
		return nil, newError(CodeInvalidParams, "invalid input", validationData{Errors: v.Errors})
	}

	price, _ := d.Registry.CalculatePrice(name, args)
	ev.USD, ev.MeteringUnits = price.USD, price.MeteringUnits

	res, err := reserve(ctx, d.Ledger, caller, name, price, d.Logger)
	if err != nil {
		ev.Status = storage.StatusInsufficientCredits
		ev.ErrorMessage = err.Error()
		return nil, creditsError(err)
	}

	start := time.Now()
	out, err := d.Invoker.Invoke(ctx, def, args)
	payload := toolPayload{ToolID: name, DurationMs: time.Since(start).Milliseconds()}

	var pending *invoke.PendingJobError
	switch {
	case errors.As(err, &pending):
		// The provider accepted the job; the caller polls it separately.
		res.settle(ctx, true)
		payload.Status = storage.StatusProcessing
		payload.Credits = price.Credits
		payload.JobID = pending.Job.ID
		payload.StatusURL = pending.Job.StatusURL
		payload.ResponseURL = pending.Job.ResponseURL
		payload.Message = fmt.Sprintf("job still running after %s; poll statusUrl for completion", pending.Waited.Round(time.Second))
		ev.Status, ev.Credits = storage.StatusProcessing, payload.Credits
	case err != nil:
		res.settle(ctx, false)
		d.Logger.Warn("tool call failed",
			zap.String("tool_id", name),
			zap.String("user_id", caller.UserID),
			zap.Error(err),
		)
		ev.Status, ev.ErrorMessage = storage.StatusError, err.Error()
		return nil, newError(CodeInternalError, fmt.Sprintf("tool execution failed: %v", err), nil)
	default:
		res.settle(ctx, true)
		payload.Status = string(orchestrator.StepCompleted)
		payload.Result = out
		payload.Credits = price.Credits
		ev.Status, ev.Credits = storage.StatusSuccess, payload.Credits
	}

	return textResult(payload, false)
}

// orchestrate runs a generated or templated plan.
func (d *Dependencies) orchestrate(ctx context.Context, caller *auth.Caller, rawArgs map[string]any, ev *storage.UsageEvent) (any, *RPCError) {
	var args orchestrateArgs
	if err := remarshal(rawArgs, &args); err != nil {
		ev.Status = storage.StatusInvalidInput
		return nil, newError(CodeInvalidParams, "invalid orchestrate arguments", nil)
	}

	plan, rpcErr := d.buildPlan(ctx, args)
	if rpcErr != nil {
		ev.Status, ev.ErrorMessage = storage.StatusInvalidInput, rpcErr.Message
		if rpcErr.Code == CodeInternalError {
			ev.Status = storage.StatusError
		}
		return nil, rpcErr
	}
	plan.EstimatedCredits = orchestrator.EstimateCredits(plan, d.Registry)
	ev.PlanSteps = int32(len(plan.Steps))

	var opts []orchestrator.ExecuteOption
	if d.Ledger != nil && caller.Metered {
		opts = append(opts, orchestrator.WithStepHook(&stepBilling{
			ledger: d.Ledger,
			caller: caller,
			logger: d.Logger,
		}))
	}
	result := d.Executor.Execute(ctx, plan, opts...)

	ev.Credits = result.TotalCredits
	if result.Success {
		ev.Status = storage.StatusSuccess
	} else {
		ev.Status = storage.StatusError
		ev.ErrorMessage = firstStepError(result)
	}
	return textResult(orchestratePayload{Plan: plan, Result: result}, !result.Success)
}

func (d *Dependencies) buildPlan(ctx context.Context, args orchestrateArgs) (*orchestrator.Plan, *RPCError) {
	var (
		plan *orchestrator.Plan
		err  error
	)
	switch {
	case args.Template != "":
		if d.Templates == nil {
			return nil, newError(CodeInvalidParams, fmt.Sprintf("unknown template: %s", args.Template), nil)
		}
		plan, err = d.Templates.Instantiate(args.Template, args.Goal, args.Inputs)
		if err != nil {
			return nil, newError(CodeInvalidParams, err.Error(), nil)
		}
	case strings.TrimSpace(args.Goal) != "":
		if d.Planner == nil {
			return nil, newError(CodeInternalError, "plan generation is not configured", nil)
		}
		plan, err = d.Planner.Generate(ctx, args.Goal, &planner.Context{
			AllowedTools: args.Tools,
			Hints:        args.Hints,
		})
		if err != nil {
			d.Logger.Warn("plan generation failed", zap.String("goal", args.Goal), zap.Error(err))
			return nil, newError(CodeInternalError, err.Error(), nil)
		}
	default:
		return nil, newError(CodeInvalidParams, "orchestrate requires a goal or a template", nil)
	}

	if err := plan.Validate(); err != nil {
		return nil, newError(CodeInvalidParams, fmt.Sprintf("invalid plan: %v", err), nil)
	}
	return plan, nil
}

func (d *Dependencies) record(ev *storage.UsageEvent) {
	if d.Writer != nil {
		d.Writer.Write(ev)
	}
}

func firstStepError(r *orchestrator.Result) string {
	for _, s := range r.StepResults {
		if s.Error != "" {
			return s.StepID + ": " + s.Error
		}
	}
	return ""
}

// textResult wraps payload as the single text block of a tools/call result.
func textResult(payload any, isError bool) (any, *RPCError) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(CodeInternalError, "failed to encode result", nil)
	}
	return &callResult{
		Content: []ContentBlock{{Type: "text", Text: string(b)}},
		IsError: isError,
	}, nil
}

// remarshal converts loosely typed arguments into a struct.
func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
