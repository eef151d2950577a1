package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/triage-ai/toolmesh/internal/registry"
)

// buildPrompt renders the tool catalog and the goal for the reasoner.
func buildPrompt(goal string, tools []*registry.ToolDefinition, hints string) string {
	var b strings.Builder
	b.WriteString("Available tools:\n\n")
	for _, t := range tools {
		writeToolSummary(&b, t)
	}
	b.WriteString("Goal: ")
	b.WriteString(goal)
	b.WriteString("\n")
	if hints != "" {
		b.WriteString("\nAdditional guidance: ")
		b.WriteString(hints)
		b.WriteString("\n")
	}
	return b.String()
}

func writeToolSummary(b *strings.Builder, t *registry.ToolDefinition) {
	fmt.Fprintf(b, "- id: %s\n  name: %s\n  description: %s\n", t.ID, t.Name, t.Description)

	required, optional := splitParams(t.InputSchema)
	if len(required) > 0 {
		fmt.Fprintf(b, "  required params: %s\n", strings.Join(required, ", "))
	}
	if len(optional) > 0 {
		fmt.Fprintf(b, "  optional params: %s\n", strings.Join(optional, ", "))
	}
	if t.OutputType != "" {
		fmt.Fprintf(b, "  output: %s\n", t.OutputType)
	}
	price := t.Pricing.Quote(nil)
	fmt.Fprintf(b, "  cost: %s credits", formatCredits(price.Credits))
	if t.Pricing.PerUnitUSD != nil {
		fmt.Fprintf(b, " (per %s)", t.Pricing.UnitType)
	}
	fmt.Fprintf(b, "\n  mode: %s\n\n", t.ExecutionMode)
}

// splitParams lists parameters as "name (type)", required first.
func splitParams(schema *registry.InputSchema) (required, optional []string) {
	if schema == nil {
		return nil, nil
	}
	isRequired := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		isRequired[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := schema.Properties[name]
		desc := name
		if prop.Type != "" {
			desc += " (" + prop.Type + ")"
		}
		if len(prop.Enum) > 0 {
			vals := make([]string, len(prop.Enum))
			for i, e := range prop.Enum {
				vals[i] = fmt.Sprint(e)
			}
			desc += " one of " + strings.Join(vals, "|")
		}
		if isRequired[name] {
			required = append(required, desc)
		} else {
			optional = append(optional, desc)
		}
	}
	return required, optional
}

func formatCredits(c float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", c), "0"), ".")
}
