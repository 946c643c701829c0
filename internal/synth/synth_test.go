package synth

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

func newGen(seed int64) *Generator {
	return New(rand.New(rand.NewSource(seed)), 2026)
}

func TestGenerateCount(t *testing.T) {
	assert.Len(t, newGen(1).Generate(0), 0)
	assert.Len(t, newGen(1).Generate(37), 37)
}

func TestGenerateIsReproducible(t *testing.T) {
	a := newGen(42).Generate(200)
	b := newGen(42).Generate(200)
	assert.Equal(t, a, b)

	c := newGen(43).Generate(200)
	assert.NotEqual(t, a, c)
}

func TestGenerateSpreadsAcrossMonths(t *testing.T) {
	samples := newGen(3).Generate(1200)
	counts := map[time.Month]int{}
	for _, s := range samples {
		counts[s.Month]++
		assert.Equal(t, s.Month, s.Reading.Time.Month())
	}
	require.Len(t, counts, 12)
	for m, c := range counts {
		assert.Equal(t, 100, c, "month %s", m)
	}
}

func TestGenerateFlowMultiplierBands(t *testing.T) {
	for _, s := range newGen(5).Generate(600) {
		band := BandFor(s.Month)
		assert.GreaterOrEqual(t, s.FlowMultiplier, band.Min, "month %s", s.Month)
		assert.LessOrEqual(t, s.FlowMultiplier, band.Max, "month %s", s.Month)
	}
	assert.Equal(t, Monsoon, BandFor(time.July))
	assert.Equal(t, Transition, BandFor(time.October))
	assert.Equal(t, Dry, BandFor(time.January))
}

func TestGenerateLabelDistribution(t *testing.T) {
	samples := newGen(11).Generate(10000)
	counts := map[telemetry.Label]int{}
	for _, s := range samples {
		counts[s.Label]++
	}
	frac := func(l telemetry.Label) float64 { return float64(counts[l]) / float64(len(samples)) }

	assert.InDelta(t, 0.80, frac(telemetry.LabelNormal), 0.02)
	assert.InDelta(t, 0.10, frac(telemetry.LabelFraudInflate), 0.015)
	assert.InDelta(t, 0.05, frac(telemetry.LabelFraudUnderreport), 0.01)
	assert.InDelta(t, 0.05, frac(telemetry.LabelSensorFault), 0.01)
}

func TestGenerateEnergyMatchesLabel(t *testing.T) {
	for _, s := range newGen(9).Generate(3000) {
		ratio := s.Reading.Energy / s.TheoreticalEnergy
		switch s.Label {
		case telemetry.LabelNormal:
			assert.InDelta(t, 1.0, ratio, 0.151)
		case telemetry.LabelFraudInflate:
			assert.True(t, ratio >= 1.99 && ratio <= 10.01, "inflate ratio %v", ratio)
		case telemetry.LabelFraudUnderreport:
			assert.True(t, ratio >= 0.19 && ratio <= 0.56, "underreport ratio %v", ratio)
		case telemetry.LabelSensorFault:
			assert.True(t, s.Reading.Energy >= 0 && s.Reading.Energy <= 50000)
		}
	}
}

func TestGenerateWaterQualityPresent(t *testing.T) {
	for _, s := range newGen(2).Generate(100) {
		require.NotNil(t, s.Reading.PH)
		require.NotNil(t, s.Reading.Turbidity)
		require.NotNil(t, s.Reading.Temperature)
		assert.NotEmpty(t, s.Reading.DeviceID)
		assert.NotEmpty(t, s.Reading.ID)
	}
}

func TestNormalsAndSplit(t *testing.T) {
	samples := newGen(4).Generate(500)
	normals := Normals(samples)

	split := SplitDataset(samples)
	assert.Equal(t, len(normals), len(split.Train)+len(split.ValNormal))
	assert.Equal(t, len(normals)*8/10, len(split.Train))
	assert.Equal(t, len(samples)-len(normals), len(split.ValAnomalies))
	for _, s := range split.ValAnomalies {
		assert.True(t, s.Label.IsAnomalous())
	}
}
