package gateway

import (
	"github.com/triage-ai/toolmesh/internal/orchestrator"
	"github.com/triage-ai/toolmesh/internal/registry"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "toolmesh"

	orchestrateTool = "orchestrate"
)

// --- initialize ---

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

type capabilities struct {
	Tools toolsCapability `json:"tools"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// --- tools/list ---

type toolDescriptor struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	InputSchema *registry.InputSchema `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []toolDescriptor `json:"tools"`
}

// --- tools/call ---

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentBlock is one piece of a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolPayload is the JSON text returned for a direct tool call.
type toolPayload struct {
	ToolID     string  `json:"toolId"`
	Status     string  `json:"status"`
	Result     any     `json:"result,omitempty"`
	Credits    float64 `json:"credits"`
	DurationMs int64   `json:"durationMs"`

	// Set when a queue job outlived the wait budget.
	JobID       string `json:"jobId,omitempty"`
	StatusURL   string `json:"statusUrl,omitempty"`
	ResponseURL string `json:"responseUrl,omitempty"`
	Message     string `json:"message,omitempty"`
}

// orchestrateArgs are the arguments of the orchestrate meta-tool.
type orchestrateArgs struct {
	Goal     string         `json:"goal"`
	Template string         `json:"template"`
	Tools    []string       `json:"tools"`
	Inputs   map[string]any `json:"inputs"`
	Hints    string         `json:"hints"`
}

type orchestratePayload struct {
	Plan   *orchestrator.Plan   `json:"plan"`
	Result *orchestrator.Result `json:"result"`
}

// insufficientCreditsData is attached to -32000 errors.
type insufficientCreditsData struct {
	Required  float64 `json:"required"`
	Available float64 `json:"available"`
}

type validationData struct {
	Errors []string `json:"errors"`
}

// ErrorResp is the body of non-JSON-RPC HTTP errors.
type ErrorResp struct {
	Detail string `json:"detail"`
}
