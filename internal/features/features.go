// Package features converts raw readings into the normalized vectors consumed by
// the anomaly model. Extraction is pure and deterministic: the same reading always
// yields the same vector, and every component lies in [0,1].
package features

import "github.com/sweeney/hydro-sentinel/internal/telemetry"

// Count is the length of every feature vector.
const Count = 8

// Vector is a normalized feature vector in the fixed order given by Names.
type Vector [Count]float64

// Feature indices.
const (
	FlowRate = iota
	Head
	Energy
	PH
	Turbidity
	Temperature
	PowerDensity
	EfficiencyRatio
)

// Names lists the feature names in vector order.
var Names = [Count]string{
	"flowRate_m3_per_s",
	"headHeight_m",
	"generatedKwh",
	"pH",
	"turbidity_ntu",
	"temperature_celsius",
	"powerDensity",
	"efficiencyRatio",
}

// Range is the inclusive domain of a feature before normalization.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Bounds are fixed run-of-river hydropower domain limits, not learned values.
var Bounds = [Count]Range{
	FlowRate:        {Min: 0.1, Max: 50},
	Head:            {Min: 3, Max: 250},
	Energy:          {Min: 0, Max: 6000},
	PH:              {Min: 4, Max: 11},
	Turbidity:       {Min: 0, Max: 500},
	Temperature:     {Min: 0, Max: 45},
	PowerDensity:    {Min: 0, Max: 60},
	EfficiencyRatio: {Min: 0, Max: 3},
}

// Physics constants for P = ρ·g·Q·H·η.
const (
	WaterDensity       = 1000.0 // kg/m³
	Gravity            = 9.81   // m/s²
	AssumedEfficiency  = 0.85
	theoreticalEpsilon = 1e-6
)

// Defaults used when a reading omits an optional water-quality field.
const (
	DefaultPH          = 7.0
	DefaultTurbidity   = 10.0
	DefaultTemperature = 18.0
)

// TheoreticalEnergy returns the expected output in kW for the given flow (m³/s),
// head (m) and plant efficiency.
func TheoreticalEnergy(flow, head, efficiency float64) float64 {
	return WaterDensity * Gravity * flow * head * efficiency / 1000
}

// Raw returns the unnormalized feature values for a reading, in vector order.
func Raw(r telemetry.Reading) [Count]float64 {
	flow, head, energy := r.FlowRate, r.Head, r.Energy

	theoretical := theoreticalEpsilon
	powerDensity := 0.0
	if flow > 0 && head > 0 {
		theoretical = TheoreticalEnergy(flow, head, AssumedEfficiency)
		powerDensity = energy / (flow * head)
	}

	return [Count]float64{
		FlowRate:        flow,
		Head:            head,
		Energy:          energy,
		PH:              valueOr(r.PH, DefaultPH),
		Turbidity:       valueOr(r.Turbidity, DefaultTurbidity),
		Temperature:     valueOr(r.Temperature, DefaultTemperature),
		PowerDensity:    powerDensity,
		EfficiencyRatio: energy / theoretical,
	}
}

// Extract converts a reading into its normalized feature vector.
func Extract(r telemetry.Reading) Vector {
	raw := Raw(r)
	var v Vector
	for i := range raw {
		v[i] = Normalize(raw[i], Bounds[i])
	}
	return v
}

// ExtractAll extracts a vector for each reading.
func ExtractAll(readings []telemetry.Reading) []Vector {
	out := make([]Vector, len(readings))
	for i, r := range readings {
		out[i] = Extract(r)
	}
	return out
}

// Normalize maps v linearly from rg onto [0,1] and clamps the result.
// A degenerate range maps everything to 0.
func Normalize(v float64, rg Range) float64 {
	if rg.Max == rg.Min {
		return 0
	}
	n := (v - rg.Min) / (rg.Max - rg.Min)
	// NaN fails both comparisons; pin it to the lower bound.
	if !(n > 0) {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// Slice returns the vector as a freshly allocated slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, Count)
	copy(out, v[:])
	return out
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
