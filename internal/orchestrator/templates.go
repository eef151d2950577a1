package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrTemplateNotFound = errors.New("orchestrator: template not found")
	ErrMissingVariable  = errors.New("orchestrator: missing template variable")
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Template is a named, reusable plan. String inputs may contain
// {{name}} placeholders filled from caller variables.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Templates is an immutable set of templates keyed by name.
type Templates struct {
	byName map[string]Template
}

type templatesFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads a YAML template file.
func LoadTemplates(path string) (*Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadTemplates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes a YAML template document. Every template must
// form a structurally valid plan.
func ParseTemplates(data []byte) (*Templates, error) {
	var tf templatesFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("ParseTemplates: %w", err)
	}
	return newTemplates(tf.Templates)
}

func newTemplates(list []Template) (*Templates, error) {
	t := &Templates{byName: make(map[string]Template, len(list))}
	for _, tpl := range list {
		if tpl.Name == "" {
			return nil, errors.New("template without name")
		}
		p := Plan{Steps: tpl.Steps}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", tpl.Name, err)
		}
		t.byName[tpl.Name] = tpl
	}
	return t, nil
}

// Merge returns a set containing t's templates overridden by other's.
func (t *Templates) Merge(other *Templates) *Templates {
	out := &Templates{byName: make(map[string]Template, len(t.byName)+len(other.byName))}
	for k, v := range t.byName {
		out.byName[k] = v
	}
	for k, v := range other.byName {
		out.byName[k] = v
	}
	return out
}

// Get returns the named template.
func (t *Templates) Get(name string) (Template, bool) {
	tpl, ok := t.byName[name]
	return tpl, ok
}

// List returns all templates sorted by name.
func (t *Templates) List() []Template {
	out := make([]Template, 0, len(t.byName))
	for _, tpl := range t.byName {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instantiate builds a plan from the named template, substituting vars
// into placeholders. A value that is exactly one placeholder keeps the
// variable's type; embedded placeholders are formatted as text.
func (t *Templates) Instantiate(name, goal string, vars map[string]any) (*Plan, error) {
	tpl, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("Instantiate: %q: %w", name, ErrTemplateNotFound)
	}
	if goal == "" {
		goal = tpl.Description
	}

	plan := &Plan{Goal: goal, Steps: make([]Step, len(tpl.Steps))}
	for i, s := range tpl.Steps {
		step := s
		step.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			filled, err := fill(v, vars)
			if err != nil {
				return nil, fmt.Errorf("Instantiate: %s: step %s input %s: %w", name, s.StepID, k, err)
			}
			step.Input[k] = filled
		}
		if len(s.InputMappings) > 0 {
			step.InputMappings = make(map[string]string, len(s.InputMappings))
			for k, v := range s.InputMappings {
				step.InputMappings[k] = v
			}
		}
		plan.Steps[i] = step
	}
	return plan, nil
}

func fill(v any, vars map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		val, ok := vars[m[1]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingVariable, m[1])
		}
		return val, nil
	}

	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := vars[key]
		if !ok {
			missing = key
			return match
		}
		return fmt.Sprint(val)
	})
	if missing != "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingVariable, missing)
	}
	return out, nil
}

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() *Templates {
	t, err := newTemplates([]Template{
		{
			Name:        "image-then-upscale",
			Description: "Generate an image from a prompt and upscale it.",
			Steps: []Step{
				{
					StepID:      "generate",
					ToolID:      "flux-schnell",
					Input:       map[string]any{"prompt": "{{prompt}}", "num_images": 1},
					Description: "Generate the base image.",
				},
				{
					StepID:        "upscale",
					ToolID:        "esrgan-upscale",
					Input:         map[string]any{"scale": 2},
					InputMappings: map[string]string{"image_url": "$generate.images[0].url"},
					Description:   "Upscale the generated image.",
				},
			},
		},
		{
			Name:        "image-to-video",
			Description: "Generate a still frame and animate it into a short clip.",
			Steps: []Step{
				{
					StepID: "frame",
					ToolID: "flux-schnell",
					Input:  map[string]any{"prompt": "{{prompt}}", "image_size": "landscape_16_9"},
				},
				{
					StepID:        "animate",
					ToolID:        "kling-video",
					Input:         map[string]any{"prompt": "{{prompt}}", "duration": "5"},
					InputMappings: map[string]string{"image_url": "$frame.images[0].url"},
				},
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}
