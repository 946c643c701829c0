// Package synth generates labelled synthetic hydropower readings. It is the
// bootstrap data source for a first-deployment model, when no real labelled
// fraud exists yet.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/features"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// Sample is one generated reading together with its ground truth.
type Sample struct {
	Reading           telemetry.Reading `json:"reading"`
	Label             telemetry.Label   `json:"label"`
	TheoreticalEnergy float64           `json:"theoretical_kwh"`
	Month             time.Month        `json:"month"`
	FlowMultiplier    float64           `json:"flow_multiplier"`
}

// Band is a hydrological regime's flow multiplier range.
type Band struct {
	Name string
	Min  float64
	Max  float64
}

var (
	Monsoon    = Band{Name: "monsoon", Min: 2.5, Max: 3.5}
	Transition = Band{Name: "transition", Min: 1.5, Max: 2.0}
	Dry        = Band{Name: "dry", Min: 0.8, Max: 1.2}
)

// BandFor returns the flow regime of a calendar month.
func BandFor(m time.Month) Band {
	switch m {
	case time.June, time.July, time.August, time.September:
		return Monsoon
	case time.May, time.October, time.November:
		return Transition
	default:
		return Dry
	}
}

// Cumulative label probabilities: 80% normal, 10% inflate, 5% underreport, 5% fault.
const (
	pNormal      = 0.80
	pInflate     = 0.90
	pUnderreport = 0.95
)

// Generator produces synthetic samples from an injected random source.
// Not safe for concurrent use; the caller owns rng.
type Generator struct {
	rng  *rand.Rand
	year int
}

// New creates a generator drawing from rng. Timestamps fall in the given year.
func New(rng *rand.Rand, year int) *Generator {
	return &Generator{rng: rng, year: year}
}

// Generate returns n samples spread evenly over the 12 calendar months.
func (g *Generator) Generate(n int) []Sample {
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.sample(i, time.Month(i%12+1)))
	}
	return out
}

func (g *Generator) sample(i int, month time.Month) Sample {
	band := BandFor(month)
	mult := g.uniform(band.Min, band.Max)

	flow := round(g.uniform(0.5, 5.0)*mult, 3)
	head := round(g.uniform(10, 90), 1)
	efficiency := g.uniform(0.75, 0.92)
	theoretical := features.TheoreticalEnergy(flow, head, efficiency)

	var energy float64
	var label telemetry.Label
	switch r := g.rng.Float64(); {
	case r < pNormal:
		energy = theoretical * g.uniform(0.85, 1.15)
		label = telemetry.LabelNormal
	case r < pInflate:
		energy = theoretical * g.uniform(2.0, 10.0)
		label = telemetry.LabelFraudInflate
	case r < pUnderreport:
		energy = theoretical * g.uniform(0.20, 0.55)
		label = telemetry.LabelFraudUnderreport
	default:
		// Instrument failure: unrelated to the physics.
		energy = g.uniform(0, 50000)
		label = telemetry.LabelSensorFault
	}

	day := 1 + g.rng.Intn(28)
	hour := g.rng.Intn(24)
	return Sample{
		Reading: telemetry.Reading{
			ID:          fmt.Sprintf("SYN-%d", i),
			DeviceID:    fmt.Sprintf("TURBINE-%d", 1+g.rng.Intn(5)),
			Time:        time.Date(g.year, month, day, hour, 0, 0, 0, time.UTC),
			FlowRate:    flow,
			Head:        head,
			Energy:      round(energy, 2),
			PH:          telemetry.Float(round(g.uniform(6.2, 8.8), 2)),
			Turbidity:   telemetry.Float(round(g.uniform(1, 60), 1)),
			Temperature: telemetry.Float(round(g.uniform(5, 32), 1)),
		},
		Label:             label,
		TheoreticalEnergy: round(theoretical, 2),
		Month:             month,
		FlowMultiplier:    mult,
	}
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Normals returns the readings of the normal-labelled samples.
func Normals(samples []Sample) []telemetry.Reading {
	var out []telemetry.Reading
	for _, s := range samples {
		if s.Label == telemetry.LabelNormal {
			out = append(out, s.Reading)
		}
	}
	return out
}

// Split holds a dataset divided for unsupervised training and validation.
type Split struct {
	Train        []Sample
	ValNormal    []Sample
	ValAnomalies []Sample
}

// SplitDataset trains on the first 80% of normal samples and validates on the
// remaining normals plus every anomaly.
func SplitDataset(samples []Sample) Split {
	var normal, anomalies []Sample
	for _, s := range samples {
		if s.Label == telemetry.LabelNormal {
			normal = append(normal, s)
		} else {
			anomalies = append(anomalies, s)
		}
	}
	cut := len(normal) * 8 / 10
	return Split{
		Train:        normal[:cut],
		ValNormal:    normal[cut:],
		ValAnomalies: anomalies,
	}
}
