package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/forecast"
	"github.com/sweeney/hydro-sentinel/internal/learner"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string                `json:"event,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Ready         bool                  `json:"ready"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	StartTime     string                `json:"start_time"`
	Timestamp     string                `json:"timestamp"`
	MQTT          MQTTStatus            `json:"mqtt"`
	Model         detector.Info         `json:"model"`
	Counts        CountsJSON            `json:"counts"`
	LastAnomaly   *detector.Verdict     `json:"last_anomaly,omitempty"`
	Drift         *drift.Report         `json:"drift,omitempty"`
	Forecast      *forecast.BucketCheck `json:"forecast,omitempty"`
	Learner       learner.Metrics       `json:"learner"`
	Config        ConfigJSON            `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of reading counts.
type CountsJSON struct {
	Scored    int `json:"scored"`
	Anomalies int `json:"anomalies"`
	NotReady  int `json:"not_ready"`
	Fallbacks int `json:"fallbacks"`
	Dropped   int `json:"dropped"`
	Invalid   int `json:"invalid"`
	Feedback  int `json:"feedback"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HeartbeatMs     int64  `json:"heartbeat_ms"`
	DriftIntervalMs int64  `json:"drift_interval_ms"`
	Broker          string `json:"broker"`
	Source          string `json:"source"`
	Store           string `json:"store"`
	HTTPAddr        string `json:"http_addr,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Counts
	return StatusInner{
		Ready:         snap.Model.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Model:         snap.Model,
		Counts: CountsJSON{
			Scored:    c.Scored,
			Anomalies: c.Anomalies,
			NotReady:  c.NotReady,
			Fallbacks: c.Fallbacks,
			Dropped:   c.Dropped,
			Invalid:   c.Invalid,
			Feedback:  c.Feedback,
		},
		LastAnomaly: snap.LastAnomaly,
		Drift:       snap.Drift,
		Forecast:    snap.Forecast,
		Learner:     snap.Learner,
		Config: ConfigJSON{
			HeartbeatMs:     snap.Config.HeartbeatMs,
			DriftIntervalMs: snap.Config.DriftIntervalMs,
			Broker:          snap.Config.Broker,
			Source:          snap.Config.Source,
			Store:           snap.Config.Store,
			HTTPAddr:        snap.Config.HTTPAddr,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
