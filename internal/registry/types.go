package registry

import "time"

// ExecutionMode selects how a tool is invoked by the execution adapter.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"  // one request, one response
	ModeQueue ExecutionMode = "queue" // submit, poll status, fetch result
)

// Valid reports whether m is one of the known execution modes.
func (m ExecutionMode) Valid() bool {
	return m == ModeSync || m == ModeQueue
}

// UnitType is the metering unit for per-unit pricing.
type UnitType string

const (
	UnitSecond UnitType = "second"
	UnitMinute UnitType = "minute"
	UnitImage  UnitType = "image"
	UnitStep   UnitType = "step"
)

// ToolDefinition describes one invocable capability.
// A registered definition is never mutated; Register swaps in a new value.
type ToolDefinition struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Description   string        `json:"description" yaml:"description"`
	Category      string        `json:"category" yaml:"category"`
	Provider      string        `json:"provider" yaml:"provider"`
	Endpoint      string        `json:"endpoint" yaml:"endpoint"`
	ExecutionMode ExecutionMode `json:"execution_mode" yaml:"execution_mode"`
	InputSchema   *InputSchema  `json:"input_schema" yaml:"input_schema"`
	OutputType    string        `json:"output_type,omitempty" yaml:"output_type,omitempty"`
	Pricing       Pricing       `json:"pricing" yaml:"pricing"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Tags          []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// InputSchema is the object schema a tool's input must satisfy.
// It serializes as a plain JSON Schema object.
type InputSchema struct {
	Type       string                    `json:"type" yaml:"type"`
	Properties map[string]PropertySchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty" yaml:"required,omitempty"`
}

// PropertySchema constrains a single top-level input field.
type PropertySchema struct {
	Type        string   `json:"type,omitempty" yaml:"type,omitempty"` // string, number, integer, boolean, array, object
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
}

// Pricing holds the cost model of a tool.
// PerUnitUSD and PerUnitCredits are nil for flat-priced tools.
type Pricing struct {
	BaseUSD        float64  `json:"base_usd" yaml:"base_usd"`
	PerUnitUSD     *float64 `json:"per_unit_usd,omitempty" yaml:"per_unit_usd,omitempty"`
	UnitType       UnitType `json:"unit_type,omitempty" yaml:"unit_type,omitempty"`
	Credits        float64  `json:"credits" yaml:"credits"`
	PerUnitCredits *float64 `json:"per_unit_credits,omitempty" yaml:"per_unit_credits,omitempty"`
	Markup         float64  `json:"markup" yaml:"markup"`
}

// Price is the computed cost of one invocation.
type Price struct {
	USD           float64 `json:"usd"`
	Credits       float64 `json:"credits"`
	MeteringUnits float64 `json:"metering_units"`
}

// ValidationResult is the outcome of ValidateInput.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// HealthStatus is the advisory reachability state of a tool.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ToolHealth is the last known health of a tool.
type ToolHealth struct {
	Status              HealthStatus `json:"status"`
	LastCheckedAt       time.Time    `json:"last_checked_at"`
	LastSuccessAt       time.Time    `json:"last_success_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LatencyMs           int64        `json:"latency_ms"`
}
