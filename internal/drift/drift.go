// Package drift detects when production readings stop looking like the data
// the anomaly model was trained on. It compares each feature's recent
// distribution with a stored training baseline using a two-sample
// Kolmogorov-Smirnov test. It only advises; it never touches the model.
package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/features"
	"github.com/sweeney/hydro-sentinel/internal/snapshot"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// ErrEmptyBaseline is returned when a baseline is built from no readings.
var ErrEmptyBaseline = errors.New("drift baseline needs at least one reading")

// Status summarises a drift check.
type Status string

const (
	StatusOK               Status = "ok"
	StatusDrift            Status = "drift"
	StatusInsufficientData Status = "insufficient_data"
	StatusNoBaseline       Status = "no_baseline"
)

// Severity grades a drifted feature by its p-value.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// SeverityFor maps a p-value to a severity: HIGH below 0.001, MEDIUM below 0.01.
func SeverityFor(p float64) Severity {
	switch {
	case p < 0.001:
		return SeverityHigh
	case p < 0.01:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Config tunes drift checks.
type Config struct {
	PValueThreshold float64       `yaml:"p_value_threshold"`
	MinSamples      int           `yaml:"min_samples"`
	Window          int           `yaml:"window"`
	Interval        time.Duration `yaml:"interval"`
	SnapshotName    string        `yaml:"snapshot_name"`
}

// DefaultConfig flags p < 0.05 and needs 30 readings per check.
func DefaultConfig() Config {
	return Config{
		PValueThreshold: 0.05,
		MinSamples:      30,
		Window:          500,
		Interval:        time.Hour,
		SnapshotName:    "drift-baseline",
	}
}

// FeatureBaseline is one feature's training distribution. Values are sorted.
type FeatureBaseline struct {
	Stats
	Values []float64 `json:"values"`
}

// Baseline is the training-time distribution of every feature. It is replaced
// wholesale, never modified.
type Baseline struct {
	Size      int                             `json:"size"`
	CreatedAt time.Time                       `json:"created_at"`
	Features  [features.Count]FeatureBaseline `json:"features"`
}

// NewBaseline extracts features from readings and records their distributions.
func NewBaseline(readings []telemetry.Reading, at time.Time) (*Baseline, error) {
	if len(readings) == 0 {
		return nil, ErrEmptyBaseline
	}
	b := &Baseline{Size: len(readings), CreatedAt: at}
	for i, col := range columns(readings) {
		slices.Sort(col)
		b.Features[i] = FeatureBaseline{Stats: ComputeStats(col), Values: col}
	}
	return b, nil
}

func columns(readings []telemetry.Reading) [features.Count][]float64 {
	var cols [features.Count][]float64
	for i := range cols {
		cols[i] = make([]float64, len(readings))
	}
	for r, reading := range readings {
		v := features.Extract(reading)
		for i := range cols {
			cols[i][r] = v[i]
		}
	}
	return cols
}

// FeatureDrift describes one feature whose distribution has shifted.
type FeatureDrift struct {
	Feature      string   `json:"feature"`
	PValue       float64  `json:"p_value"`
	Statistic    float64  `json:"ks_statistic"`
	Severity     Severity `json:"severity"`
	TrainingMean float64  `json:"training_mean"`
	NewMean      float64  `json:"new_mean"`
	MeanShift    float64  `json:"mean_shift"`
}

// Report is the result of CheckDrift.
type Report struct {
	Status         Status           `json:"status"`
	HasDrift       bool             `json:"has_drift"`
	Drifted        []FeatureDrift   `json:"drifted_features"`
	NewStats       map[string]Stats `json:"new_stats,omitempty"`
	TrainingStats  map[string]Stats `json:"training_stats,omitempty"`
	SamplesChecked int              `json:"samples_checked"`
	BaselineSize   int              `json:"baseline_size"`
	Recommendation string           `json:"recommendation"`
	CheckedAt      time.Time        `json:"checked_at"`
}

// Detector holds the current baseline and runs checks against it. It is safe
// for concurrent use.
type Detector struct {
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
	baseline atomic.Pointer[Baseline]
}

// New creates a detector with no baseline.
func New(cfg Config, log *zap.Logger) *Detector {
	if cfg.PValueThreshold <= 0 {
		cfg.PValueThreshold = 0.05
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 30
	}
	if cfg.SnapshotName == "" {
		cfg.SnapshotName = "drift-baseline"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{cfg: cfg, log: log.Named("drift"), now: time.Now}
}

// SetClock overrides the clock used for timestamps.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Initialize records the training distribution.
func (d *Detector) Initialize(readings []telemetry.Reading) error {
	b, err := NewBaseline(readings, d.now())
	if err != nil {
		return err
	}
	d.baseline.Store(b)
	d.log.Info("baseline initialised", zap.Int("samples", b.Size), zap.Int("features", features.Count))
	return nil
}

// UpdateBaseline replaces the baseline, typically after a retrain.
func (d *Detector) UpdateBaseline(readings []telemetry.Reading) error {
	b, err := NewBaseline(readings, d.now())
	if err != nil {
		return err
	}
	d.baseline.Store(b)
	d.log.Info("baseline updated", zap.Int("samples", b.Size))
	return nil
}

// Baseline returns the current baseline, or nil.
func (d *Detector) Baseline() *Baseline {
	return d.baseline.Load()
}

// CheckDrift compares readings with the baseline. Missing baselines and small
// windows produce a report with the matching status, not an error.
func (d *Detector) CheckDrift(readings []telemetry.Reading) Report {
	rep := Report{
		Drifted:        []FeatureDrift{},
		SamplesChecked: len(readings),
		CheckedAt:      d.now(),
	}

	b := d.baseline.Load()
	if b == nil {
		rep.Status = StatusNoBaseline
		rep.Recommendation = "No training baseline; cannot detect drift."
		return rep
	}
	rep.BaselineSize = b.Size
	if len(readings) < d.cfg.MinSamples {
		rep.Status = StatusInsufficientData
		rep.Recommendation = fmt.Sprintf("Need at least %d samples for drift detection (got %d).", d.cfg.MinSamples, len(readings))
		return rep
	}

	rep.NewStats = make(map[string]Stats, features.Count)
	rep.TrainingStats = make(map[string]Stats, features.Count)
	for i, col := range columns(readings) {
		name := features.Names[i]
		base := b.Features[i]
		slices.Sort(col)
		stats := ComputeStats(col)
		rep.NewStats[name] = stats
		rep.TrainingStats[name] = base.Stats

		ks := ksSorted(base.Values, col)
		if ks.PValue >= d.cfg.PValueThreshold {
			continue
		}
		rep.Drifted = append(rep.Drifted, FeatureDrift{
			Feature:      name,
			PValue:       ks.PValue,
			Statistic:    ks.Statistic,
			Severity:     SeverityFor(ks.PValue),
			TrainingMean: base.Mean,
			NewMean:      stats.Mean,
			MeanShift:    stats.Mean - base.Mean,
		})
	}
	sort.SliceStable(rep.Drifted, func(i, j int) bool {
		return rep.Drifted[i].PValue < rep.Drifted[j].PValue
	})

	rep.HasDrift = len(rep.Drifted) > 0
	if rep.HasDrift {
		top := rep.Drifted[0]
		rep.Status = StatusDrift
		rep.Recommendation = fmt.Sprintf(
			"Model drift detected: %s distribution shifted significantly (p=%.4f). Retrain with recent production data.",
			top.Feature, top.PValue)
	} else {
		rep.Status = StatusOK
		rep.Recommendation = "No significant drift detected. Model is still valid."
	}
	return rep
}

// Save persists the baseline to store.
func (d *Detector) Save(ctx context.Context, store snapshot.Store) error {
	b := d.baseline.Load()
	if b == nil {
		return errors.New("save drift baseline: no baseline")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode drift baseline: %w", err)
	}
	if err := store.Save(ctx, d.cfg.SnapshotName, data); err != nil {
		return fmt.Errorf("save drift baseline: %w", err)
	}
	return nil
}

// Load restores a persisted baseline.
func (d *Detector) Load(ctx context.Context, store snapshot.Store) error {
	data, err := store.Load(ctx, d.cfg.SnapshotName)
	if err != nil {
		return fmt.Errorf("load drift baseline: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode drift baseline: %w", err)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("decode drift baseline: %w", err)
	}
	d.Restore(&b)
	return nil
}

// Restore makes b the baseline. b must not be modified afterwards.
func (d *Detector) Restore(b *Baseline) {
	d.baseline.Store(b)
	d.log.Info("baseline restored", zap.Int("samples", b.Size))
}

// Validate checks a decoded baseline, sorting any unsorted values and filling
// in a missing size.
func (b *Baseline) Validate() error {
	for i := range b.Features {
		if len(b.Features[i].Values) == 0 {
			return fmt.Errorf("feature %s has no values", features.Names[i])
		}
		if !slices.IsSorted(b.Features[i].Values) {
			slices.Sort(b.Features[i].Values)
		}
	}
	if b.Size == 0 {
		b.Size = len(b.Features[0].Values)
	}
	return nil
}
