// Package detector scores readings with an isolation forest trained on normal
// operation. It owns the serving model: loading it from a snapshot store,
// bootstrapping it from synthetic data, and replacing it on retrain.
//
// Detect is lock-free. The serving forest is immutable and published through an
// atomic pointer; Retrain builds a new forest off to the side and swaps it in, so
// a concurrent Detect sees either the old model or the new one, never a mix.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/features"
	"github.com/sweeney/hydro-sentinel/internal/iforest"
	"github.com/sweeney/hydro-sentinel/internal/snapshot"
	"github.com/sweeney/hydro-sentinel/internal/synth"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// ErrNotReady is returned when no model has been loaded or trained.
var ErrNotReady = errors.New("anomaly model not ready")

// Method names reported in verdicts.
const (
	MethodIsolationForest = "isolation_forest"
	MethodNotReady        = "not_ready"
	MethodScorerError     = "scorer_error"
)

// Config controls model construction and retraining.
type Config struct {
	Trees         int     `yaml:"trees"`
	SubsampleSize int     `yaml:"subsample_size"`
	Contamination float64 `yaml:"contamination"`
	// AutoTrain bootstraps from synthetic data when no snapshot can be loaded.
	AutoTrain    bool `yaml:"auto_train"`
	TrainSamples int  `yaml:"train_samples"`
	// MinRetrain is the smallest corpus Retrain accepts.
	MinRetrain   int    `yaml:"min_retrain"`
	Seed         int64  `yaml:"seed"` // 0 seeds from the clock
	SnapshotName string `yaml:"snapshot_name"`
	Workers      int    `yaml:"workers"`
}

// DefaultConfig returns 100 trees, 256-point subsamples, 10% contamination and
// auto-training on 2000 synthetic samples.
func DefaultConfig() Config {
	return Config{
		Trees:         100,
		SubsampleSize: 256,
		Contamination: 0.10,
		AutoTrain:     true,
		TrainSamples:  2000,
		MinRetrain:    50,
		SnapshotName:  "forest",
	}
}

// Verdict is the result of scoring one reading.
type Verdict struct {
	ReadingID     string    `json:"reading_id,omitempty"`
	DeviceID      string    `json:"device_id"`
	Score         float64   `json:"score"`
	IsAnomaly     bool      `json:"is_anomaly"`
	Confidence    float64   `json:"confidence"`
	Threshold     float64   `json:"threshold"`
	Method        string    `json:"method"`
	Fallback      bool      `json:"fallback,omitempty"`
	TrainedOn     int       `json:"trained_on"`
	TrainedAt     time.Time `json:"trained_at"`
	TreeCount     int       `json:"tree_count"`
	FeatureVector []float64 `json:"feature_vector"`
	FeatureNames  []string  `json:"feature_names"`
	ScoredAt      time.Time `json:"scored_at"`
}

// RetrainHook runs after a successful retrain with the corpus that was used.
type RetrainHook func(ctx context.Context, readings []telemetry.Reading)

// Observer receives detector activity, typically for metrics.
type Observer interface {
	ObserveDetect(v Verdict, took time.Duration)
	ObserveRetrain(corpus int, took time.Duration, err error)
}

// model is the serving state. It is never modified after being published.
type model struct {
	forest    *iforest.Forest
	trainedOn int
	trainedAt time.Time
	baseline  *drift.Baseline // feature distribution of the training corpus
}

// Detector is the anomaly detection orchestrator. Construct it with New and
// share the handle; there is no package-level instance.
type Detector struct {
	cfg   Config
	store snapshot.Store
	log   *zap.Logger
	now   func() time.Time

	current atomic.Pointer[model]

	// mu serialises training and guards rng. Detect never takes it.
	mu  sync.Mutex
	rng *rand.Rand

	scorer   Scorer
	hooks    []RetrainHook
	observer Observer
}

// Option customises a Detector.
type Option func(*Detector)

// WithRand sets the random source used for synthetic data and forest fitting.
func WithRand(rng *rand.Rand) Option {
	return func(d *Detector) { d.rng = rng }
}

// WithClock sets the clock used for training timestamps and verdicts.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithScorer replaces the in-process scorer. wrap receives the native forest
// scorer so it can be composed, for example as a Fallback secondary.
func WithScorer(wrap func(native Scorer) Scorer) Option {
	return func(d *Detector) { d.scorer = wrap(d.scorer) }
}

// WithRetrainHook registers fn to run after every successful retrain.
func WithRetrainHook(fn RetrainHook) Option {
	return func(d *Detector) { d.hooks = append(d.hooks, fn) }
}

// WithObserver reports detect and retrain activity to o.
func WithObserver(o Observer) Option {
	return func(d *Detector) { d.observer = o }
}

// New constructs a Detector. It loads the snapshot named in cfg from store; if
// that fails and AutoTrain is set, it trains on synthetic normal readings and
// saves the result. Snapshot problems are logged, not returned: the detector
// is then simply not ready. store may be nil to disable persistence.
func New(ctx context.Context, cfg Config, store snapshot.Store, log *zap.Logger, opts ...Option) (*Detector, error) {
	if cfg.Trees <= 0 || cfg.SubsampleSize <= 0 {
		return nil, fmt.Errorf("detector: trees and subsample size must be positive (got %d, %d)", cfg.Trees, cfg.SubsampleSize)
	}
	if cfg.Contamination < 0 || cfg.Contamination >= 1 {
		return nil, fmt.Errorf("detector: contamination must be in [0,1), got %v", cfg.Contamination)
	}
	if cfg.MinRetrain <= 0 {
		cfg.MinRetrain = 50
	}
	if cfg.TrainSamples <= 0 {
		cfg.TrainSamples = 2000
	}
	if cfg.SnapshotName == "" {
		cfg.SnapshotName = "forest"
	}
	if log == nil {
		log = zap.NewNop()
	}

	d := &Detector{
		cfg:   cfg,
		store: store,
		log:   log.Named("detector"),
		now:   time.Now,
	}
	d.scorer = &forestScorer{d: d}
	for _, opt := range opts {
		opt(d)
	}
	if d.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = d.now().UnixNano()
		}
		d.rng = rand.New(rand.NewSource(seed))
	}

	if err := d.Load(ctx); err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			d.log.Info("no model snapshot", zap.String("name", cfg.SnapshotName))
		} else {
			d.log.Warn("could not load model snapshot", zap.Error(err))
		}
		if cfg.AutoTrain {
			if err := d.TrainSynthetic(ctx, cfg.TrainSamples); err != nil {
				d.log.Error("synthetic bootstrap failed", zap.Error(err))
			}
		}
	}
	return d, nil
}

// Ready reports whether a model is serving.
func (d *Detector) Ready() bool {
	return d.current.Load() != nil
}

// Detect scores a reading. It never fails: without a model, or when the scorer
// errors, it returns a neutral non-anomalous verdict.
func (d *Detector) Detect(ctx context.Context, r telemetry.Reading) Verdict {
	start := time.Now()
	vec := features.Extract(r)

	v := Verdict{
		ReadingID:    r.ID,
		DeviceID:     r.DeviceID,
		FeatureNames: featureNames(),
		ScoredAt:     d.now(),
	}
	m := d.current.Load()
	if m != nil {
		v.TrainedOn = m.trainedOn
		v.TrainedAt = m.trainedAt
		v.TreeCount = m.forest.TreeCount()
	}

	s, err := d.scorer.Score(withModel(ctx, m), vec)
	switch {
	case errors.Is(err, ErrNotReady):
		v.Score, v.Method = 0.5, MethodNotReady
		v.FeatureVector = []float64{}
	case err != nil:
		d.log.Warn("scoring failed", zap.String("device", r.DeviceID), zap.Error(err))
		v.Score, v.Method = 0.5, MethodScorerError
		v.FeatureVector = []float64{}
	default:
		v.Score = s.Score
		v.IsAnomaly = s.IsAnomaly
		v.Confidence = s.Confidence
		v.Threshold = s.Threshold
		v.Method = s.Method
		v.Fallback = s.Fallback
		v.FeatureVector = rounded(vec)
	}

	if d.observer != nil {
		d.observer.ObserveDetect(v, time.Since(start))
	}
	return v
}

func featureNames() []string {
	names := make([]string, features.Count)
	copy(names, features.Names[:])
	return names
}

func rounded(vec features.Vector) []float64 {
	out := make([]float64, len(vec))
	for i, x := range vec {
		out[i] = math.Round(x*1e4) / 1e4
	}
	return out
}

// Retrain fits a new forest on readings and makes it the serving model. Fewer
// than MinRetrain readings yields a CorpusSizeError and leaves the serving
// model untouched, as does any other failure.
func (d *Detector) Retrain(ctx context.Context, readings []telemetry.Reading) error {
	if len(readings) < d.cfg.MinRetrain {
		err := &iforest.CorpusSizeError{Op: "detector retrain", Min: d.cfg.MinRetrain, Got: len(readings)}
		d.observe(len(readings), 0, err)
		return err
	}

	start := time.Now()
	d.mu.Lock()
	m, err := d.fit(ctx, readings)
	d.mu.Unlock()
	d.observe(len(readings), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("detector retrain: %w", err)
	}

	d.log.Info("retrained",
		zap.Int("corpus", m.trainedOn),
		zap.Float64("threshold", m.forest.Threshold()),
		zap.Duration("took", time.Since(start)))

	d.persist(ctx, m)
	for _, h := range d.hooks {
		h(ctx, readings)
	}
	return nil
}

// TrainSynthetic bootstraps the model from n synthetic samples, training only
// on the normal ones. Hooks are not run.
func (d *Detector) TrainSynthetic(ctx context.Context, n int) error {
	start := time.Now()
	d.mu.Lock()
	year := d.now().Year()
	normals := synth.Normals(synth.New(d.rng, year).Generate(n))
	var m *model
	var err error
	if len(normals) == 0 {
		err = &iforest.CorpusSizeError{Op: "synthetic bootstrap", Min: 1, Got: 0}
	} else {
		m, err = d.fit(ctx, normals)
	}
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("synthetic bootstrap: %w", err)
	}

	d.log.Info("trained on synthetic normals",
		zap.Int("samples", n),
		zap.Int("normals", len(normals)),
		zap.Duration("took", time.Since(start)))
	d.persist(ctx, m)
	return nil
}

// fit builds and publishes a model. Callers hold d.mu.
func (d *Detector) fit(ctx context.Context, readings []telemetry.Reading) (*model, error) {
	vectors := features.ExtractAll(readings)
	rows := make([][]float64, len(vectors))
	for i := range vectors {
		rows[i] = vectors[i].Slice()
	}

	fc := iforest.Config{
		Trees:         d.cfg.Trees,
		SubsampleSize: min(d.cfg.SubsampleSize, len(rows)),
		Contamination: d.cfg.Contamination,
		FeatureNames:  featureNames(),
		Workers:       d.cfg.Workers,
	}
	forest, err := iforest.Fit(ctx, d.rng, fc, rows)
	if err != nil {
		return nil, err
	}
	at := d.now().UTC()
	baseline, err := drift.NewBaseline(readings, at)
	if err != nil {
		return nil, err
	}
	m := &model{forest: forest, trainedOn: len(readings), trainedAt: at, baseline: baseline}
	d.current.Store(m)
	return m, nil
}

func (d *Detector) persist(ctx context.Context, m *model) {
	if d.store == nil {
		return
	}
	if err := d.save(ctx, m); err != nil {
		d.log.Warn("could not persist model", zap.Error(err))
	}
}

func (d *Detector) observe(corpus int, took time.Duration, err error) {
	if d.observer != nil {
		d.observer.ObserveRetrain(corpus, took, err)
	}
}

// Info describes the serving model.
type Info struct {
	Ready         bool      `json:"ready"`
	Algorithm     string    `json:"algorithm"`
	TrainedOn     int       `json:"trained_on"`
	TrainedAt     time.Time `json:"trained_at"`
	Trees         int       `json:"trees"`
	SubsampleSize int       `json:"subsample_size"`
	Contamination float64   `json:"contamination"`
	Threshold     float64   `json:"threshold"`
	FeatureNames  []string  `json:"feature_names"`
}

// TrainingBaseline returns the feature distribution of the corpus the serving
// model was trained on, or nil when there is no model or it was restored from
// a snapshot that did not record one.
func (d *Detector) TrainingBaseline() *drift.Baseline {
	if m := d.current.Load(); m != nil {
		return m.baseline
	}
	return nil
}

// Info returns metadata about the serving model.
func (d *Detector) Info() Info {
	info := Info{
		Algorithm:     iforest.Algorithm,
		Trees:         d.cfg.Trees,
		SubsampleSize: d.cfg.SubsampleSize,
		Contamination: d.cfg.Contamination,
		FeatureNames:  featureNames(),
	}
	if m := d.current.Load(); m != nil {
		info.Ready = true
		info.TrainedOn = m.trainedOn
		info.TrainedAt = m.trainedAt
		info.Trees = m.forest.TreeCount()
		info.SubsampleSize = m.forest.Config().SubsampleSize
		info.Threshold = m.forest.Threshold()
	}
	return info
}
