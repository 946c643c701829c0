// Package mqtt carries readings and operator feedback in from the broker and
// publishes verdicts and system lifecycle events out.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/detector"
)

// Default topics.
const (
	TopicReadings = "hydro/sentinel/readings"
	TopicFeedback = "hydro/sentinel/feedback"
	TopicVerdicts = "hydro/sentinel/verdicts"
	TopicSystem   = "hydro/sentinel/system"
)

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventHeartbeat   = "HEARTBEAT"
	EventReconnected = "RECONNECTED"
	EventDrift       = "DRIFT"
	EventRetrain     = "RETRAIN"
)

// Topics names every topic the service uses.
type Topics struct {
	Readings string `yaml:"readings"`
	Feedback string `yaml:"feedback"`
	Verdicts string `yaml:"verdicts"`
	System   string `yaml:"system"`
}

// DefaultTopics returns the default topic set.
func DefaultTopics() Topics {
	return Topics{
		Readings: TopicReadings,
		Feedback: TopicFeedback,
		Verdicts: TopicVerdicts,
		System:   TopicSystem,
	}
}

// Publisher publishes verdicts and system events.
type Publisher interface {
	// PublishVerdict sends a detector verdict for the downstream ledger.
	// Returns error if publishing fails (should not crash the process).
	PublishVerdict(v detector.Verdict) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, drift, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "DRIFT"
	Reason     string // e.g., "SIGTERM" for shutdown, the recommendation for drift
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// VerdictPayload is the MQTT message payload for a verdict.
type VerdictPayload struct {
	Verdict detector.Verdict `json:"verdict"`
}

// FormatVerdict creates the JSON payload for a verdict.
func FormatVerdict(v detector.Verdict) ([]byte, error) {
	return json.Marshal(VerdictPayload{Verdict: v})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
