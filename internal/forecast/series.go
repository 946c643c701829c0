package forecast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// Bucket is the energy generated during one interval.
type Bucket struct {
	Start    time.Time `json:"start"`
	Energy   float64   `json:"energy_kwh"`
	Readings int       `json:"readings"`
}

// Series sums reading energy into fixed-interval buckets. A bucket closes when
// a reading for a later interval arrives; intervals with no readings close as
// empty buckets. Readings older than the open bucket are dropped. A Series is
// not safe for concurrent use; Monitor serialises access.
type Series struct {
	interval time.Duration
	retain   int
	closed   []Bucket
	open     *Bucket
	total    int
	late     int
}

// NewSeries keeps at most retain closed buckets of the given interval.
func NewSeries(interval time.Duration, retain int) *Series {
	if interval <= 0 {
		interval = time.Hour
	}
	if retain <= 0 {
		retain = 1
	}
	return &Series{interval: interval, retain: retain}
}

// Add accounts r and returns any buckets it closed, oldest first.
func (s *Series) Add(r telemetry.Reading) []Bucket {
	start := r.Time.Truncate(s.interval)
	if s.open == nil {
		s.open = &Bucket{Start: start}
	}
	if start.Before(s.open.Start) {
		s.late++
		return nil
	}

	var closed []Bucket
	for s.open.Start.Before(start) {
		closed = append(closed, *s.open)
		next := s.open.Start.Add(s.interval)
		// Cap the gap fill; anything older than retain is discarded anyway.
		// Skipped intervals still count as closed.
		if gap := int(start.Sub(next) / s.interval); gap > s.retain {
			next = start.Add(-time.Duration(s.retain) * s.interval)
			s.total += gap - s.retain
		}
		s.open = &Bucket{Start: next}
	}
	s.open.Energy += r.Energy
	s.open.Readings++

	for _, b := range closed {
		s.closed = append(s.closed, b)
		s.total++
	}
	if over := len(s.closed) - s.retain; over > 0 {
		s.closed = append(s.closed[:0:0], s.closed[over:]...)
	}
	return closed
}

// Values returns the retained closed bucket energies, oldest first.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.closed))
	for i, b := range s.closed {
		out[i] = b.Energy
	}
	return out
}

// LastStart returns the start of the newest closed bucket, or the zero time
// before any bucket has closed.
func (s *Series) LastStart() time.Time {
	if len(s.closed) == 0 {
		return time.Time{}
	}
	return s.closed[len(s.closed)-1].Start
}

// Closed returns how many buckets have closed since creation.
func (s *Series) Closed() int { return s.total }

// Late returns how many readings were dropped for arriving out of order.
func (s *Series) Late() int { return s.late }

// Config drives a Monitor.
type Config struct {
	Params       `yaml:",inline"`
	Interval     time.Duration `yaml:"interval"`
	Retain       int           `yaml:"retain"`
	RetrainEvery int           `yaml:"retrain_every"`
	SnapshotName string        `yaml:"snapshot_name"`
}

// DefaultConfig uses hourly buckets, two weeks of history and a daily retrain.
func DefaultConfig() Config {
	return Config{
		Params:       DefaultParams(),
		Interval:     time.Hour,
		Retain:       24 * 14,
		RetrainEvery: 24,
		SnapshotName: "forecaster",
	}
}

// BucketCheck is the underperformance verdict for one closed bucket.
type BucketCheck struct {
	Bucket
	Check
}

// Monitor feeds readings into a Series, retrains the forecaster as buckets
// accumulate and checks every closed bucket against the forecast. It is safe
// for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	series    *Series
	fc        *Forecaster
	log       *zap.Logger
	trainedAt int // series.Closed() when fc was last trained
}

// NewMonitor wires a series to fc. A forecaster that is already trained, for
// example one restored from a snapshot, checks from the first closed bucket
// that falls after its training history.
func NewMonitor(cfg Config, fc *Forecaster, log *zap.Logger) *Monitor {
	if cfg.RetrainEvery <= 0 {
		cfg.RetrainEvery = fc.Params().SeasonLength
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		cfg:       cfg,
		series:    NewSeries(cfg.Interval, cfg.Retain),
		fc:        fc,
		log:       log.Named("forecast"),
		trainedAt: -1,
	}
	if fc.Trained() {
		m.trainedAt = 0
	}
	return m
}

// Forecaster returns the monitored forecaster.
func (m *Monitor) Forecaster() *Forecaster { return m.fc }

// Observe adds a reading and returns checks for any buckets it closed.
func (m *Monitor) Observe(r telemetry.Reading) []BucketCheck {
	m.mu.Lock()
	defer m.mu.Unlock()

	var checks []BucketCheck
	closed := m.series.Add(r)
	first := m.series.Closed() - len(closed)
	for i, b := range closed {
		if m.trainedAt < 0 || !m.fc.Trained() {
			break
		}
		step := m.step(b, first+i)
		if step < 1 {
			continue
		}
		c, err := m.fc.CheckUnderperformance(b.Energy, step)
		if err != nil {
			m.log.Warn("underperformance check failed", zap.Error(err))
			continue
		}
		checks = append(checks, BucketCheck{Bucket: b, Check: c})
	}
	m.maybeTrain()
	return checks
}

// step places bucket b, the n-th bucket closed, on the forecast horizon. Step 1
// is the interval after the training history. Models trained on an untimed
// series fall back to counting buckets since training.
func (m *Monitor) step(b Bucket, n int) int {
	if end := m.fc.HistoryEnd(); !end.IsZero() {
		return int(b.Start.Sub(end) / m.series.interval)
	}
	return n - m.trainedAt + 1
}

func (m *Monitor) maybeTrain() {
	closed := m.series.Closed()
	if m.trainedAt >= 0 && closed-m.trainedAt < m.cfg.RetrainEvery {
		return
	}
	values := m.series.Values()
	if len(values) < 2*m.fc.Params().SeasonLength {
		return
	}
	if err := m.fc.TrainEnding(values, m.series.LastStart()); err != nil {
		m.log.Warn("forecaster training failed", zap.Error(err))
		return
	}
	m.trainedAt = closed
	m.log.Info("forecaster trained", zap.Int("points", len(values)))
}

// Train fits the forecaster to the retained history now.
func (m *Monitor) Train() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fc.TrainEnding(m.series.Values(), m.series.LastStart()); err != nil {
		return err
	}
	m.trainedAt = m.series.Closed()
	return nil
}
