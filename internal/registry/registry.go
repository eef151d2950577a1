package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

var (
	ErrInvalidToolID        = errors.New("registry: invalid tool id")
	ErrToolAlreadyExists    = errors.New("registry: tool already registered")
	ErrIncompleteDefinition = errors.New("registry: incomplete tool definition")
	ErrToolNotFound         = errors.New("registry: tool not found")
)

var toolIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{2,100}$`)

// RegisterOptions controls Register behaviour.
type RegisterOptions struct {
	AllowOverride bool
}

// Registry is the in-process catalog of tool definitions and their health.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*ToolDefinition
	health map[string]*ToolHealth
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*ToolDefinition),
		health: make(map[string]*ToolHealth),
		logger: logger,
	}
}

// NewWithCatalog creates a registry pre-populated with defs.
func NewWithCatalog(logger *zap.Logger, defs []ToolDefinition) (*Registry, error) {
	r := New(logger)
	if err := r.Load(defs, RegisterOptions{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Load registers every definition in defs, stopping at the first error.
func (r *Registry) Load(defs []ToolDefinition, opts RegisterOptions) error {
	for i := range defs {
		if err := r.Register(defs[i], opts); err != nil {
			return fmt.Errorf("Load: %s: %w", defs[i].ID, err)
		}
	}
	return nil
}

// Register inserts or replaces a tool definition and resets its health to unknown.
func (r *Registry) Register(def ToolDefinition, opts RegisterOptions) error {
	if !toolIDPattern.MatchString(def.ID) {
		return fmt.Errorf("Register: %q: %w", def.ID, ErrInvalidToolID)
	}
	if err := checkComplete(&def); err != nil {
		return fmt.Errorf("Register: %q: %w", def.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.ID]; exists && !opts.AllowOverride {
		return fmt.Errorf("Register: %q: %w", def.ID, ErrToolAlreadyExists)
	}

	stored := def
	stored.Tags = append([]string(nil), def.Tags...)
	r.tools[def.ID] = &stored
	r.health[def.ID] = &ToolHealth{Status: HealthUnknown}

	r.logger.Debug("tool registered",
		zap.String("tool_id", def.ID),
		zap.String("mode", string(def.ExecutionMode)),
		zap.Bool("override", opts.AllowOverride),
	)
	return nil
}

func checkComplete(def *ToolDefinition) error {
	var missing []string
	if def.Name == "" {
		missing = append(missing, "name")
	}
	if def.Description == "" {
		missing = append(missing, "description")
	}
	if def.Category == "" {
		missing = append(missing, "category")
	}
	if def.InputSchema == nil {
		missing = append(missing, "input_schema")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrIncompleteDefinition, missing)
	}
	if def.ExecutionMode == "" {
		def.ExecutionMode = ModeSync
	}
	if def.InputSchema.Type == "" {
		schema := *def.InputSchema
		schema.Type = "object"
		def.InputSchema = &schema
	}
	if !def.ExecutionMode.Valid() {
		return fmt.Errorf("%w: unknown execution mode %q", ErrIncompleteDefinition, def.ExecutionMode)
	}
	if err := compileSchema(def.InputSchema); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteDefinition, err)
	}
	return nil
}

// compileSchema checks that the input schema is itself a valid JSON Schema document.
func compileSchema(schema *InputSchema) error {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("invalid input_schema: %v", err)
	}

	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return fmt.Errorf("schema unmarshal error: %v", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("schema compile error: %v", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("schema compile error: %v", err)
	}
	return nil
}

// Get returns the definition for id. The returned value must not be modified.
func (r *Registry) Get(id string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[id]
	return def, ok
}

// List returns every registered definition sorted by ID.
func (r *Registry) List() []*ToolDefinition {
	return r.filter(func(*ToolDefinition, *ToolHealth) bool { return true })
}

// Enabled returns the enabled definitions sorted by ID.
func (r *Registry) Enabled() []*ToolDefinition {
	return r.filter(func(d *ToolDefinition, _ *ToolHealth) bool { return d.Enabled })
}

// Discoverable returns enabled definitions that are not known to be down.
func (r *Registry) Discoverable() []*ToolDefinition {
	return r.filter(func(d *ToolDefinition, h *ToolHealth) bool {
		return d.Enabled && (h == nil || h.Status != HealthDown)
	})
}

func (r *Registry) filter(keep func(*ToolDefinition, *ToolHealth) bool) []*ToolDefinition {
	r.mu.RLock()
	out := make([]*ToolDefinition, 0, len(r.tools))
	for id, def := range r.tools {
		if keep(def, r.health[id]) {
			out = append(out, def)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health returns a snapshot of the tool's health.
func (r *Registry) Health(id string) (ToolHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[id]
	if !ok {
		return ToolHealth{}, false
	}
	return *h, true
}

// updateHealth applies fn to the tool's health record under the write lock
// and returns the status before and after. It is the only health mutation path
// besides the reset in Register.
func (r *Registry) updateHealth(id string, fn func(*ToolHealth)) (prev, next HealthStatus, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[id]
	if !ok {
		return "", "", false
	}
	prev = h.Status
	fn(h)
	return prev, h.Status, true
}
