package registry

import (
	"strconv"
	"strings"
	"unicode"
)

const (
	defaultDurationSeconds = 5
	defaultImageCount      = 1
	defaultStepCount       = 1000
)

// CalculatePrice prices one invocation of tool id with the given parameters.
// Returns false if the tool is not registered.
func (r *Registry) CalculatePrice(id string, params map[string]any) (Price, bool) {
	def, ok := r.Get(id)
	if !ok {
		return Price{}, false
	}
	return def.Pricing.Quote(params), true
}

// Quote computes the price for params. It is a pure function of its inputs.
func (p Pricing) Quote(params map[string]any) Price {
	markup := p.Markup
	if markup <= 0 {
		markup = 1
	}

	if p.PerUnitUSD == nil {
		return Price{
			USD:           p.BaseUSD * markup,
			Credits:       p.Credits,
			MeteringUnits: 1,
		}
	}

	units := meteringUnits(p.UnitType, params)
	credits := p.Credits
	if p.PerUnitCredits != nil {
		credits = *p.PerUnitCredits * units
	}
	return Price{
		USD:           *p.PerUnitUSD * units * markup,
		Credits:       credits,
		MeteringUnits: units,
	}
}

func meteringUnits(unit UnitType, params map[string]any) float64 {
	switch unit {
	case UnitSecond:
		return durationSeconds(params["duration"])
	case UnitMinute:
		return durationSeconds(params["duration"]) / 60
	case UnitImage:
		if n, ok := numericValue(params["num_images"]); ok {
			return n
		}
		return defaultImageCount
	case UnitStep:
		if n, ok := numericValue(params["steps"]); ok {
			return n
		}
		return defaultStepCount
	default:
		return 1
	}
}

// durationSeconds accepts a number or a string such as "8s" or "8 sec".
func durationSeconds(v any) float64 {
	if s, ok := v.(string); ok {
		s = strings.TrimRightFunc(strings.TrimSpace(s), unicode.IsLetter)
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
		return defaultDurationSeconds
	}
	if n, ok := numericValue(v); ok {
		return n
	}
	return defaultDurationSeconds
}
