// Package learner closes the loop between operators and the anomaly model. It
// buffers human verdicts on past detections, tracks classifier quality and
// decides when to retrain the detector on confirmed-normal readings.
package learner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// Verdict is an operator's judgement of a detection.
type Verdict string

const (
	TruePositive  Verdict = "true_positive"
	FalsePositive Verdict = "false_positive"
	TrueNegative  Verdict = "true_negative"
	FalseNegative Verdict = "false_negative"
)

// Valid reports whether v is one of the four known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case TruePositive, FalsePositive, TrueNegative, FalseNegative:
		return true
	}
	return false
}

// VerdictFor classifies a prediction against the operator's ground truth.
func VerdictFor(predictedAnomaly, actualAnomaly bool) Verdict {
	switch {
	case predictedAnomaly && actualAnomaly:
		return TruePositive
	case predictedAnomaly:
		return FalsePositive
	case actualAnomaly:
		return FalseNegative
	default:
		return TrueNegative
	}
}

// Entry is one piece of operator feedback.
type Entry struct {
	Reading  telemetry.Reading `json:"reading"`
	Verdict  Verdict           `json:"verdict"`
	Operator string            `json:"operator,omitempty"`
	Notes    string            `json:"notes,omitempty"`
	Time     time.Time         `json:"timestamp"`
}

// Model is the detector the learner reviews and retrains.
type Model interface {
	Detect(ctx context.Context, r telemetry.Reading) detector.Verdict
	Retrain(ctx context.Context, readings []telemetry.Reading) error
}

// Config sets the retrain policy.
type Config struct {
	// MinFeedback buffered entries always trigger a retrain.
	MinFeedback int `yaml:"min_feedback"`
	// A false-positive rate above FPRateTrigger triggers a retrain once
	// FPRateMinBuffer entries are buffered.
	FPRateTrigger   float64 `yaml:"fp_rate_trigger"`
	FPRateMinBuffer int     `yaml:"fp_rate_min_buffer"`
	// MinCorpus is the fewest confirmed readings a retrain will use.
	MinCorpus int `yaml:"min_corpus"`
}

// DefaultConfig retrains at 50 entries, or at 20 when FP rate exceeds 30%.
func DefaultConfig() Config {
	return Config{MinFeedback: 50, FPRateTrigger: 0.30, FPRateMinBuffer: 20, MinCorpus: 10}
}

// Counts is a confusion matrix.
type Counts struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`
}

// Total returns the number of classified entries.
func (c Counts) Total() int {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

// Add counts one verdict. Unknown verdicts are ignored.
func (c *Counts) Add(v Verdict) {
	switch v {
	case TruePositive:
		c.TruePositives++
	case FalsePositive:
		c.FalsePositives++
	case TrueNegative:
		c.TrueNegatives++
	case FalseNegative:
		c.FalseNegatives++
	}
}

// Metrics are classifier quality figures derived from Counts.
type Metrics struct {
	Counts
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1                float64 `json:"f1_score"`
	Accuracy          float64 `json:"accuracy"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	FalseNegativeRate float64 `json:"false_negative_rate"`
	Buffered          int     `json:"buffered"`
	TotalRetrains     int     `json:"total_retrains"`
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Compute derives metrics from c. Zero denominators yield zero.
func Compute(c Counts) Metrics {
	m := Metrics{
		Counts:            c,
		Precision:         ratio(c.TruePositives, c.TruePositives+c.FalsePositives),
		Recall:            ratio(c.TruePositives, c.TruePositives+c.FalseNegatives),
		Accuracy:          ratio(c.TruePositives+c.TrueNegatives, c.Total()),
		FalsePositiveRate: ratio(c.FalsePositives, c.FalsePositives+c.TrueNegatives),
		FalseNegativeRate: ratio(c.FalseNegatives, c.TruePositives+c.FalseNegatives),
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// RetrainRecord notes one successful feedback retrain.
type RetrainRecord struct {
	Time          time.Time `json:"timestamp"`
	FeedbackCount int       `json:"feedback_count"`
	CorpusSize    int       `json:"corpus_size"`
	Metrics       Metrics   `json:"metrics"`
}

// Learner buffers feedback and retrains the model. Feedback may be added from
// any goroutine while a retrain runs.
type Learner struct {
	model Model
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	buffer  []Entry
	counts  Counts
	history []RetrainRecord

	retrainMu sync.Mutex
}

// New returns a learner over model.
func New(model Model, cfg Config, log *zap.Logger) *Learner {
	def := DefaultConfig()
	if cfg.MinFeedback <= 0 {
		cfg.MinFeedback = def.MinFeedback
	}
	if cfg.FPRateTrigger <= 0 {
		cfg.FPRateTrigger = def.FPRateTrigger
	}
	if cfg.FPRateMinBuffer <= 0 {
		cfg.FPRateMinBuffer = def.FPRateMinBuffer
	}
	if cfg.MinCorpus <= 0 {
		cfg.MinCorpus = def.MinCorpus
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Learner{model: model, cfg: cfg, log: log.Named("learner"), now: time.Now}
}

// SetClock overrides the clock used for entries and history.
func (l *Learner) SetClock(now func() time.Time) { l.now = now }

// RestoreCounts seeds the confusion matrix, for example from a feedback store
// after a restart. Buffered entries are not affected.
func (l *Learner) RestoreCounts(c Counts) {
	l.mu.Lock()
	l.counts = c
	l.mu.Unlock()
}

// AddFeedback buffers e and updates the running counts.
func (l *Learner) AddFeedback(e Entry) error {
	if !e.Verdict.Valid() {
		return fmt.Errorf("learner: unknown verdict %q", e.Verdict)
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if e.Operator == "" {
		e.Operator = "unknown"
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, e)
	l.counts.Add(e.Verdict)
	total := l.counts.Total()
	l.mu.Unlock()

	l.log.Debug("feedback added",
		zap.String("verdict", string(e.Verdict)),
		zap.String("reading", e.Reading.ID),
		zap.Int("total", total))
	return nil
}

// ShouldRetrain reports whether enough feedback has accumulated, or the
// false-positive rate is high enough, to justify a retrain.
func (l *Learner) ShouldRetrain() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.buffer)
	if n >= l.cfg.MinFeedback {
		return true
	}
	fpr := Compute(l.counts).FalsePositiveRate
	return fpr > l.cfg.FPRateTrigger && n >= l.cfg.FPRateMinBuffer
}

// Retrain retrains the model on buffered true-negative and false-negative
// readings. It returns false, leaving the buffer intact, when there are too
// few such readings or the model rejects them. On success the entries that
// were used are removed; feedback that arrived during the retrain stays.
func (l *Learner) Retrain(ctx context.Context) bool {
	l.retrainMu.Lock()
	defer l.retrainMu.Unlock()

	l.mu.Lock()
	taken := len(l.buffer)
	var corpus []telemetry.Reading
	for _, e := range l.buffer {
		if e.Verdict == TrueNegative || e.Verdict == FalseNegative {
			corpus = append(corpus, e.Reading)
		}
	}
	l.mu.Unlock()

	if taken == 0 {
		l.log.Info("no feedback to retrain on")
		return false
	}
	if len(corpus) < l.cfg.MinCorpus {
		l.log.Info("insufficient confirmed readings for retrain",
			zap.Int("corpus", len(corpus)), zap.Int("min", l.cfg.MinCorpus))
		return false
	}
	if err := l.model.Retrain(ctx, corpus); err != nil {
		l.log.Warn("feedback retrain failed", zap.Int("corpus", len(corpus)), zap.Error(err))
		return false
	}

	l.mu.Lock()
	l.buffer = append([]Entry(nil), l.buffer[taken:]...)
	rec := RetrainRecord{Time: l.now(), FeedbackCount: taken, CorpusSize: len(corpus)}
	rec.Metrics = l.metricsLocked()
	rec.Metrics.TotalRetrains++
	l.history = append(l.history, rec)
	l.mu.Unlock()

	l.log.Info("retrained from feedback", zap.Int("feedback", taken), zap.Int("corpus", len(corpus)))
	return true
}

// Metrics returns current classifier quality.
func (l *Learner) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metricsLocked()
}

func (l *Learner) metricsLocked() Metrics {
	m := Compute(l.counts)
	m.Buffered = len(l.buffer)
	m.TotalRetrains = len(l.history)
	return m
}

// History returns the successful retrains, oldest first.
func (l *Learner) History() []RetrainRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RetrainRecord(nil), l.history...)
}

// Uncertain is a reading queued for human review.
type Uncertain struct {
	Reading     telemetry.Reading `json:"reading"`
	Verdict     detector.Verdict  `json:"result"`
	Uncertainty float64           `json:"uncertainty"`
}

// Uncertainty is 1 at a score of 0.5 and 0 at either extreme.
func Uncertainty(score float64) float64 {
	d := score - 0.5
	if d < 0 {
		d = -d
	}
	return 1 - d*2
}

// UncertainReadings scores readings and returns the topN closest to the
// decision boundary, most uncertain first.
func (l *Learner) UncertainReadings(ctx context.Context, readings []telemetry.Reading, topN int) []Uncertain {
	out := make([]Uncertain, len(readings))
	for i, r := range readings {
		v := l.model.Detect(ctx, r)
		out[i] = Uncertain{Reading: r, Verdict: v, Uncertainty: Uncertainty(v.Score)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Uncertainty > out[j].Uncertainty })
	if topN >= 0 && topN < len(out) {
		out = out[:topN]
	}
	return out
}
