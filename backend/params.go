package backend

import "math"

// Parameter is one editable plugin parameter. Hidden and read-only
// parameters never make it into an instance's editable set.
type Parameter struct {
	ID        uint32  `json:"id"`
	PortIndex int     `json:"portIndex"`
	Symbol    string  `json:"symbol,omitempty"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Default   float64 `json:"default"`
}

// ClampValue constrains v to [min, max]. When either bound is non-numeric
// the raw value passes through unchanged. That pass-through is a documented
// quirk kept for compatibility with plugins that report bogus ranges, not a
// bug to fix.
func ClampValue(v, min, max float64) float64 {
	if math.IsNaN(min) || math.IsNaN(max) {
		return v
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamp applies ClampValue with the parameter's own bounds.
func (p *Parameter) Clamp(v float64) float64 {
	return ClampValue(v, p.Min, p.Max)
}
