package refpath

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in     string
		stepID string
		path   string
	}{
		{"$step1", "step1", ""},
		{"$step_1.images[0].url", "step_1", ".images[0].url"},
		{"$gen-image.output.data[2][1].x", "gen-image", ".output.data[2][1].x"},
		{"$s[3]", "s", "[3]"},
	}
	for _, c := range cases {
		ref, err := Parse(c.in)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", c.in, err)
		}
		if ref.StepID != c.stepID {
			t.Errorf("%s: expected step %q, got %q", c.in, c.stepID, ref.StepID)
		}
		if got := ref.String(); got != c.in {
			t.Errorf("%s: round trip gave %q", c.in, got)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "$", "step1.x", "$.x", "$s..x", "$s[", "$s[-1]", "$s[a]", "$s[0]x"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidReference) {
			t.Errorf("%q: expected ErrInvalidReference, got %v", in, err)
		}
	}
}

func TestEvaluate(t *testing.T) {
	out := map[string]any{
		"images": []any{
			map[string]any{"url": "https://cdn.example/a.png", "width": float64(1024)},
		},
		"meta": map[string]string{"seed": "42"},
	}

	cases := []struct {
		ref  string
		want any
		ok   bool
	}{
		{"$s.images[0].url", "https://cdn.example/a.png", true},
		{"$s.images.0.width", float64(1024), true},
		{"$s.meta.seed", "42", true},
		{"$s.images[1].url", nil, false},
		{"$s.missing", nil, false},
		{"$s.images[0].url.deeper", nil, false},
	}
	for _, c := range cases {
		ref, err := Parse(c.ref)
		if err != nil {
			t.Fatalf("%s: %v", c.ref, err)
		}
		got, ok := ref.Evaluate(out)
		if ok != c.ok || got != c.want {
			t.Errorf("%s: expected (%v, %v), got (%v, %v)", c.ref, c.want, c.ok, got, ok)
		}
	}
}

func TestEvaluate_WholeOutput(t *testing.T) {
	ref, _ := Parse("$s")
	got, ok := ref.Evaluate("plain string result")
	if !ok || got != "plain string result" {
		t.Fatalf("expected whole output, got (%v, %v)", got, ok)
	}
}
