// Package forecast predicts generation with additive Holt-Winters (triple
// exponential smoothing) and flags periods that fall short of the forecast.
// The check is independent of the anomaly score.
package forecast

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ErrNotTrained is returned by Predict and CheckUnderperformance before Train.
var ErrNotTrained = errors.New("forecaster not trained")

// InsufficientDataError reports a training series shorter than two seasons.
type InsufficientDataError struct {
	Need int
	Got  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: need at least %d points, got %d", e.Need, e.Got)
}

// Params are the smoothing constants and season length.
type Params struct {
	Alpha        float64 `yaml:"alpha" json:"alpha"`
	Beta         float64 `yaml:"beta" json:"beta"`
	Gamma        float64 `yaml:"gamma" json:"gamma"`
	SeasonLength int     `yaml:"season_length" json:"seasonLength"`
}

// DefaultParams returns α=0.2, β=0.1, γ=0.1 and a 24-step season.
func DefaultParams() Params {
	return Params{Alpha: 0.2, Beta: 0.1, Gamma: 0.1, SeasonLength: 24}
}

func (p Params) validate() error {
	for _, c := range []struct {
		name string
		v    float64
	}{{"alpha", p.Alpha}, {"beta", p.Beta}, {"gamma", p.Gamma}} {
		if c.v <= 0 || c.v > 1 || math.IsNaN(c.v) {
			return fmt.Errorf("forecast: %s must be in (0,1], got %v", c.name, c.v)
		}
	}
	if p.SeasonLength < 1 {
		return fmt.Errorf("forecast: season length must be positive, got %d", p.SeasonLength)
	}
	return nil
}

// state is a trained model. It is never modified after being published.
type state struct {
	level         float64
	trend         float64
	seasonal      []float64
	historyLength int
	historyStd    float64
	historyEnd    time.Time // start of the last training point; zero if unknown
}

// Forecaster holds the current model. Train publishes a new model atomically,
// so Predict may run concurrently with Train.
type Forecaster struct {
	params Params
	model  atomic.Pointer[state]
}

// New returns an untrained forecaster.
func New(p Params) (*Forecaster, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Forecaster{params: p}, nil
}

// Params returns the forecaster's constants.
func (f *Forecaster) Params() Params { return f.params }

// Trained reports whether a model is available.
func (f *Forecaster) Trained() bool { return f.model.Load() != nil }

// HistoryEnd returns the start of the interval covered by the last training
// point, or the zero time when the model was trained on an untimed series.
func (f *Forecaster) HistoryEnd() time.Time {
	if s := f.model.Load(); s != nil {
		return s.historyEnd
	}
	return time.Time{}
}

// Train fits the model to series, which must hold at least two seasons. On
// failure the previous model, if any, is kept.
func (f *Forecaster) Train(series []float64) error {
	return f.TrainEnding(series, time.Time{})
}

// TrainEnding is Train for a series whose last point covers the interval
// starting at end. Step 1 of the forecast is the interval after it.
func (f *Forecaster) TrainEnding(series []float64, end time.Time) error {
	L := f.params.SeasonLength
	if len(series) < 2*L {
		return &InsufficientDataError{Need: 2 * L, Got: len(series)}
	}
	for i, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("forecast: point %d is not finite", i)
		}
	}

	first := mean(series[:L])
	second := mean(series[L : 2*L])
	s := &state{
		level:         first,
		trend:         (second - first) / float64(L),
		seasonal:      make([]float64, L),
		historyLength: len(series),
		historyStd:    populationStd(series),
		historyEnd:    end,
	}
	for i := 0; i < L; i++ {
		var sum float64
		var n int
		for j := i; j < len(series); j += L {
			sum += series[j]
			n++
		}
		s.seasonal[i] = sum/float64(n) - s.level
	}

	a, b, g := f.params.Alpha, f.params.Beta, f.params.Gamma
	for t, obs := range series {
		idx := t % L
		prevLevel, prevTrend, prevSeason := s.level, s.trend, s.seasonal[idx]
		s.level = a*(obs-prevSeason) + (1-a)*(prevLevel+prevTrend)
		s.trend = b*(s.level-prevLevel) + (1-b)*prevTrend
		s.seasonal[idx] = g*(obs-s.level) + (1-g)*prevSeason
	}

	f.model.Store(s)
	return nil
}

// Point is one forecast step with its confidence band.
type Point struct {
	Step     int     `json:"step"`
	Forecast float64 `json:"forecast"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
}

// Predict forecasts the next steps points after the training history. The
// band is ±1.96 standard deviations of the history at every horizon.
// Forecast and lower bound are clamped at zero.
func (f *Forecaster) Predict(steps int) ([]Point, error) {
	s := f.model.Load()
	if s == nil {
		return nil, ErrNotTrained
	}
	if steps < 1 {
		return nil, fmt.Errorf("forecast: steps must be positive, got %d", steps)
	}
	out := make([]Point, steps)
	for h := 1; h <= steps; h++ {
		out[h-1] = s.point(h)
	}
	return out, nil
}

func (s *state) point(h int) Point {
	L := len(s.seasonal)
	raw := s.level + float64(h)*s.trend + s.seasonal[(s.historyLength+h-1)%L]
	margin := 1.96 * s.historyStd
	return Point{
		Step:     h,
		Forecast: math.Max(0, raw),
		Lower:    math.Max(0, raw-margin),
		Upper:    raw + margin,
	}
}

// Severity grades a shortfall.
type Severity string

const (
	SeverityNormal Severity = "NORMAL"
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Check compares an actual value with one forecast step. Generation above the
// band is reported in AboveBand and never counts as underperformance.
type Check struct {
	Underperforming bool     `json:"underperforming"`
	AboveBand       bool     `json:"above_band"`
	Severity        Severity `json:"severity"`
	Step            int      `json:"step"`
	Actual          float64  `json:"actual"`
	Forecast        float64  `json:"forecast"`
	Lower           float64  `json:"lower"`
	Upper           float64  `json:"upper"`
	Delta           float64  `json:"delta"`
	DeltaPercent    float64  `json:"delta_percent"`
	Message         string   `json:"message"`
}

// CheckUnderperformance grades actual against forecast step: HIGH below the
// confidence band, MEDIUM more than 10% below forecast, LOW more than 5% below.
// A zero forecast gives a zero percentage.
func (f *Forecaster) CheckUnderperformance(actual float64, step int) (Check, error) {
	s := f.model.Load()
	if s == nil {
		return Check{}, ErrNotTrained
	}
	if step < 1 {
		return Check{}, fmt.Errorf("forecast: step must be positive, got %d", step)
	}
	p := s.point(step)

	c := Check{
		Step:      step,
		Actual:    actual,
		Forecast:  p.Forecast,
		Lower:     p.Lower,
		Upper:     p.Upper,
		Delta:     actual - p.Forecast,
		Severity:  SeverityNormal,
		AboveBand: actual > p.Upper,
	}
	if p.Forecast > 0 {
		c.DeltaPercent = c.Delta / p.Forecast * 100
	}

	switch {
	case actual < p.Lower:
		c.Severity = SeverityHigh
	case c.DeltaPercent < -10:
		c.Severity = SeverityMedium
	case c.DeltaPercent < -5:
		c.Severity = SeverityLow
	}
	c.Underperforming = c.Severity != SeverityNormal

	switch {
	case c.AboveBand:
		c.Message = fmt.Sprintf("Generation %.1f%% above forecast band. Check meter calibration.", c.DeltaPercent)
	case !c.Underperforming:
		c.Message = "Generation within expected range"
	default:
		c.Message = fmt.Sprintf("Generation %.1f%% below forecast. Check for maintenance needs.", math.Abs(c.DeltaPercent))
	}
	return c, nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func populationStd(xs []float64) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}
