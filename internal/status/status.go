// Package status provides a thread-safe status tracker for the hydro-sentinel
// daemon. It is read by the HTTP handlers and by the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/forecast"
	"github.com/sweeney/hydro-sentinel/internal/learner"
)

// Config contains daemon configuration for display.
type Config struct {
	HeartbeatMs     int64
	DriftIntervalMs int64
	Broker          string
	Source          string // "mqtt" or "kafka"
	Store           string // "file" or "s3"
	HTTPAddr        string
}

// Counts are reading and feedback totals since startup.
type Counts struct {
	Scored    int
	Anomalies int
	NotReady  int
	Fallbacks int
	Dropped   int
	Invalid   int
	Feedback  int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Model         detector.Info
	Counts        Counts
	LastAnomaly   *detector.Verdict
	Drift         *drift.Report
	Forecast      *forecast.BucketCheck
	Learner       learner.Metrics
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used to stamp snapshots.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// RecordVerdict counts a scored reading and remembers the latest anomaly.
func (t *Tracker) RecordVerdict(v detector.Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Counts.Scored++
	switch {
	case v.Method == detector.MethodNotReady:
		t.snap.Counts.NotReady++
	case v.IsAnomaly:
		t.snap.Counts.Anomalies++
		cp := v
		t.snap.LastAnomaly = &cp
	}
	if v.Fallback {
		t.snap.Counts.Fallbacks++
	}
}

// RecordDropped counts a reading that was not scored.
func (t *Tracker) RecordDropped() {
	t.mu.Lock()
	t.snap.Counts.Dropped++
	t.mu.Unlock()
}

// RecordInvalid counts an undecodable message.
func (t *Tracker) RecordInvalid() {
	t.mu.Lock()
	t.snap.Counts.Invalid++
	t.mu.Unlock()
}

// RecordFeedback counts a stored feedback entry.
func (t *Tracker) RecordFeedback() {
	t.mu.Lock()
	t.snap.Counts.Feedback++
	t.mu.Unlock()
}

// SetModel sets the serving model metadata.
func (t *Tracker) SetModel(info detector.Info) {
	t.mu.Lock()
	t.snap.Model = info
	t.mu.Unlock()
}

// SetDrift sets the latest drift report.
func (t *Tracker) SetDrift(rep drift.Report) {
	t.mu.Lock()
	t.snap.Drift = &rep
	t.mu.Unlock()
}

// SetForecast sets the latest generation check.
func (t *Tracker) SetForecast(bc forecast.BucketCheck) {
	t.mu.Lock()
	t.snap.Forecast = &bc
	t.mu.Unlock()
}

// SetLearner sets the active learner metrics.
func (t *Tracker) SetLearner(m learner.Metrics) {
	t.mu.Lock()
	t.snap.Learner = m
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	now := t.now
	t.mu.RUnlock()
	s.Now = now()
	return s
}
