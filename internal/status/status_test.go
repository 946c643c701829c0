package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/forecast"
	"github.com/sweeney/hydro-sentinel/internal/learner"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedTracker(cfg Config) *Tracker {
	tr := NewTracker(start, cfg)
	tr.SetClock(func() time.Time { return start.Add(90*time.Minute + 500*time.Millisecond) })
	return tr
}

func TestNewTracker(t *testing.T) {
	cfg := Config{HeartbeatMs: 900000, Broker: "tcp://localhost:1883", HTTPAddr: ":8080", Source: "mqtt", Store: "file"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.HeartbeatMs != 900000 {
		t.Errorf("Config.HeartbeatMs: got %d, want 900000", snap.Config.HeartbeatMs)
	}
	if snap.Model.Ready {
		t.Error("expected model not ready initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
	if snap.Drift != nil || snap.Forecast != nil || snap.LastAnomaly != nil {
		t.Error("expected no advisory results initially")
	}
}

func TestRecordVerdict(t *testing.T) {
	tr := fixedTracker(Config{})

	tr.RecordVerdict(detector.Verdict{Method: detector.MethodNotReady, Score: 0.5})
	tr.RecordVerdict(detector.Verdict{Method: detector.MethodIsolationForest, Score: 0.4})
	tr.RecordVerdict(detector.Verdict{Method: detector.MethodIsolationForest, Score: 0.7, IsAnomaly: true, ReadingID: "r-9"})
	tr.RecordVerdict(detector.Verdict{Method: "command:scorer", Score: 0.45, Fallback: true})
	tr.RecordDropped()
	tr.RecordInvalid()
	tr.RecordInvalid()
	tr.RecordFeedback()

	snap := tr.Snapshot()
	want := Counts{Scored: 4, Anomalies: 1, NotReady: 1, Fallbacks: 1, Dropped: 1, Invalid: 2, Feedback: 1}
	if snap.Counts != want {
		t.Errorf("Counts: got %+v, want %+v", snap.Counts, want)
	}
	if snap.LastAnomaly == nil || snap.LastAnomaly.ReadingID != "r-9" {
		t.Errorf("LastAnomaly: got %+v", snap.LastAnomaly)
	}
}

func TestSnapshotUptime(t *testing.T) {
	snap := fixedTracker(Config{}).Snapshot()
	if got := snap.Uptime(); got != 90*time.Minute+500*time.Millisecond {
		t.Errorf("Uptime: got %v", got)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := fixedTracker(Config{})
	tr.SetDrift(drift.Report{Status: drift.StatusOK})
	snap := tr.Snapshot()

	tr.SetDrift(drift.Report{Status: drift.StatusDrift})
	tr.SetMQTTConnected(true)

	if snap.Drift.Status != drift.StatusOK {
		t.Errorf("held snapshot changed: %s", snap.Drift.Status)
	}
	if snap.MQTTConnected {
		t.Error("held snapshot changed MQTTConnected")
	}
}

func TestFormatJSON(t *testing.T) {
	tr := fixedTracker(Config{Broker: "tcp://broker:1883", Source: "kafka", Store: "s3", DriftIntervalMs: 3600000})
	tr.SetModel(detector.Info{Ready: true, Algorithm: "IsolationForest", TrainedOn: 2000, Trees: 100, Threshold: 0.55})
	tr.SetMQTTConnected(true)
	tr.SetLearner(learner.Compute(learner.Counts{TruePositives: 3, FalsePositives: 1}))
	tr.SetForecast(forecast.BucketCheck{
		Bucket: forecast.Bucket{Start: start, Energy: 400, Readings: 12},
		Check:  forecast.Check{Severity: forecast.SeverityMedium, Underperforming: true},
	})

	data := FormatJSON(tr.Snapshot())

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := parsed.Status
	if !s.Ready {
		t.Error("expected ready")
	}
	if s.UptimeSeconds != 5400 {
		t.Errorf("UptimeSeconds: got %d, want 5400", s.UptimeSeconds)
	}
	if s.StartTime != "2026-01-01T00:00:00Z" {
		t.Errorf("StartTime: got %s", s.StartTime)
	}
	if !s.MQTT.Connected || s.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("MQTT: got %+v", s.MQTT)
	}
	if s.Model.TrainedOn != 2000 || s.Model.Trees != 100 {
		t.Errorf("Model: got %+v", s.Model)
	}
	if s.Learner.Precision != 0.75 {
		t.Errorf("Learner.Precision: got %v", s.Learner.Precision)
	}
	if s.Forecast == nil || s.Forecast.Severity != forecast.SeverityMedium || s.Forecast.Readings != 12 {
		t.Errorf("Forecast: got %+v", s.Forecast)
	}
	if s.Config.Source != "kafka" || s.Config.Store != "s3" {
		t.Errorf("Config: got %+v", s.Config)
	}
	if s.Event != "" || s.Reason != "" {
		t.Error("web JSON should not carry event or reason")
	}
}

func TestFormatJSONOmitsEmptyAdvisories(t *testing.T) {
	data := FormatJSON(fixedTracker(Config{}).Snapshot())

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"drift", "forecast", "last_anomaly", "event", "reason"} {
		if _, exists := parsed["status"][key]; exists {
			t.Errorf("%s should be omitted", key)
		}
	}
}

func TestFormatStatusEvent(t *testing.T) {
	tr := fixedTracker(Config{})
	tr.SetDrift(drift.Report{Status: drift.StatusDrift, HasDrift: true, Recommendation: "retrain"})

	data := FormatStatusEvent(tr.Snapshot(), "DRIFT", "retrain")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "DRIFT" || parsed.Status.Reason != "retrain" {
		t.Errorf("event/reason: got %q/%q", parsed.Status.Event, parsed.Status.Reason)
	}
	if parsed.Status.Drift == nil || !parsed.Status.Drift.HasDrift {
		t.Errorf("Drift: got %+v", parsed.Status.Drift)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	data := FormatStatusEvent(fixedTracker(Config{}).Snapshot(), "HEARTBEAT", "")

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, exists := parsed["status"]["reason"]; exists {
		t.Error("reason should be omitted")
	}
	if parsed["status"]["event"] != "HEARTBEAT" {
		t.Errorf("event: got %v", parsed["status"]["event"])
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.RecordVerdict(detector.Verdict{IsAnomaly: i%3 == 0})
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetDrift(drift.Report{SamplesChecked: i})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = snap.Uptime()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()

	if got := tr.Snapshot().Counts.Scored; got != 1000 {
		t.Errorf("Scored: got %d, want 1000", got)
	}
}
