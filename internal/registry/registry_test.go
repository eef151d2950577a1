package registry

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func testTool(id string) ToolDefinition {
	return ToolDefinition{
		ID:            id,
		Name:          "Test Tool",
		Description:   "does things",
		Category:      "test",
		Endpoint:      "https://example.invalid/" + id,
		ExecutionMode: ModeSync,
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]PropertySchema{
				"prompt": {Type: "string"},
			},
			Required: []string{"prompt"},
		},
		Pricing: Pricing{BaseUSD: 0.01, Credits: 2, Markup: 1},
		Enabled: true,
	}
}

func TestRegister_DefaultCatalogLoads(t *testing.T) {
	reg, err := NewWithCatalog(zap.NewNop(), DefaultCatalog())
	if err != nil {
		t.Fatalf("default catalog failed to load: %v", err)
	}
	if len(reg.List()) != len(DefaultCatalog()) {
		t.Fatalf("expected %d tools, got %d", len(DefaultCatalog()), len(reg.List()))
	}
}

func TestRegister_InvalidID(t *testing.T) {
	reg := New(zap.NewNop())
	for _, id := range []string{"", "ab", "-leading-dash", "has space", "slash/id"} {
		err := reg.Register(testTool(id), RegisterOptions{})
		if !errors.Is(err, ErrInvalidToolID) {
			t.Errorf("id %q: expected ErrInvalidToolID, got %v", id, err)
		}
	}
}

func TestRegister_DuplicateWithoutOverride(t *testing.T) {
	reg := New(zap.NewNop())
	if err := reg.Register(testTool("tool-a"), RegisterOptions{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(testTool("tool-a"), RegisterOptions{})
	if !errors.Is(err, ErrToolAlreadyExists) {
		t.Fatalf("expected ErrToolAlreadyExists, got %v", err)
	}
}

func TestRegister_OverrideReplacesAndResetsHealth(t *testing.T) {
	reg := New(zap.NewNop())
	if err := reg.Register(testTool("tool-a"), RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	reg.updateHealth("tool-a", func(h *ToolHealth) { h.Status = HealthDown })

	replacement := testTool("tool-a")
	replacement.Name = "Replaced"
	if err := reg.Register(replacement, RegisterOptions{AllowOverride: true}); err != nil {
		t.Fatalf("override register: %v", err)
	}

	def, _ := reg.Get("tool-a")
	if def.Name != "Replaced" {
		t.Fatalf("expected replaced definition, got %q", def.Name)
	}
	h, _ := reg.Health("tool-a")
	if h.Status != HealthUnknown {
		t.Fatalf("expected health reset to unknown, got %s", h.Status)
	}
}

func TestRegister_IncompleteDefinition(t *testing.T) {
	reg := New(zap.NewNop())

	noSchema := testTool("no-schema")
	noSchema.InputSchema = nil
	if err := reg.Register(noSchema, RegisterOptions{}); !errors.Is(err, ErrIncompleteDefinition) {
		t.Errorf("missing schema: expected ErrIncompleteDefinition, got %v", err)
	}

	noName := testTool("no-name")
	noName.Name = ""
	if err := reg.Register(noName, RegisterOptions{}); !errors.Is(err, ErrIncompleteDefinition) {
		t.Errorf("missing name: expected ErrIncompleteDefinition, got %v", err)
	}

	badMode := testTool("bad-mode")
	badMode.ExecutionMode = "stream"
	if err := reg.Register(badMode, RegisterOptions{}); !errors.Is(err, ErrIncompleteDefinition) {
		t.Errorf("bad mode: expected ErrIncompleteDefinition, got %v", err)
	}
}

func TestRegister_RejectsInvalidJSONSchema(t *testing.T) {
	reg := New(zap.NewNop())
	def := testTool("bad-schema")
	def.InputSchema = &InputSchema{
		Type:       "object",
		Properties: map[string]PropertySchema{"prompt": {Type: "text"}},
	}
	if err := reg.Register(def, RegisterOptions{}); !errors.Is(err, ErrIncompleteDefinition) {
		t.Fatalf("expected ErrIncompleteDefinition for invalid schema type, got %v", err)
	}
}

func TestDiscoverable_ExcludesDownAndDisabled(t *testing.T) {
	reg := New(zap.NewNop())
	disabled := testTool("tool-disabled")
	disabled.Enabled = false
	for _, def := range []ToolDefinition{testTool("tool-up"), testTool("tool-down"), disabled} {
		if err := reg.Register(def, RegisterOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	reg.updateHealth("tool-down", func(h *ToolHealth) { h.Status = HealthDown })

	got := reg.Discoverable()
	if len(got) != 1 || got[0].ID != "tool-up" {
		ids := make([]string, len(got))
		for i, d := range got {
			ids[i] = d.ID
		}
		t.Fatalf("expected only tool-up, got %v", ids)
	}
	if len(reg.Enabled()) != 2 {
		t.Fatalf("expected 2 enabled tools, got %d", len(reg.Enabled()))
	}
}

func TestRegister_CallerMutationDoesNotLeak(t *testing.T) {
	reg := New(zap.NewNop())
	def := testTool("tool-a")
	def.Tags = []string{"one"}
	if err := reg.Register(def, RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	def.Tags[0] = "changed"

	stored, _ := reg.Get("tool-a")
	if stored.Tags[0] != "one" {
		t.Fatalf("stored tags changed through caller slice: %v", stored.Tags)
	}
}
