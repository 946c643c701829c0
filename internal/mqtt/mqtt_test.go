package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/feedback"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// doneToken is a completed paho token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type sent struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeBroker stands in for a paho client. Methods not overridden panic.
type fakeBroker struct {
	paho.Client

	mu         sync.Mutex
	published  []sent
	subscribed []string
	publishErr error
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return doneToken{err: b.publishErr}
	}
	b.published = append(b.published, sent{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, topic)
	return doneToken{}
}

func (b *fakeBroker) Disconnect(uint) {}

func newTestClient(h Handlers) (*Client, *fakeBroker) {
	b := &fakeBroker{}
	c := newClient(Options{BufferSize: 3}, h, zap.NewNop())
	c.client = b
	c.now = func() time.Time { return time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC) }
	return c, b
}

func TestFormatVerdict(t *testing.T) {
	v := detector.Verdict{
		ReadingID: "r-1",
		DeviceID:  "turbine-1",
		Score:     0.71,
		IsAnomaly: true,
		Method:    detector.MethodIsolationForest,
	}
	payload, err := FormatVerdict(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	inner := parsed["verdict"]
	if inner["reading_id"] != "r-1" {
		t.Errorf("unexpected reading_id: %v", inner["reading_id"])
	}
	if inner["is_anomaly"] != true {
		t.Errorf("unexpected is_anomaly: %v", inner["is_anomaly"])
	}
	if inner["method"] != "isolation_forest" {
		t.Errorf("unexpected method: %v", inner["method"])
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.FixedZone("CET", 3600)),
		Event:     EventShutdown,
		Reason:    "MQTT_DISCONNECT",
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"2026-02-10T07:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadOmitsReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Unix(0, 0), Event: EventReconnected})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"1970-01-01T00:00:00Z","event":"RECONNECTED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":"custom"}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: EventHeartbeat, RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("expected raw payload, got %s", payload)
	}
}

func TestClientBuffersUntilConnected(t *testing.T) {
	c, b := newTestClient(Handlers{})

	err := c.PublishVerdict(detector.Verdict{ReadingID: "a"})
	if !IsBuffered(err) {
		t.Fatalf("expected buffered error, got %v", err)
	}
	c.PublishSystem(SystemEvent{Event: EventStartup, Retained: true})
	if c.Buffered() != 2 {
		t.Fatalf("expected 2 buffered, got %d", c.Buffered())
	}
	if c.IsConnected() {
		t.Error("should not report connected")
	}

	c.onConnect(b)

	if !c.IsConnected() {
		t.Error("should report connected")
	}
	if c.Buffered() != 0 {
		t.Errorf("expected empty buffer after replay, got %d", c.Buffered())
	}
	if len(b.subscribed) != 2 || b.subscribed[0] != TopicReadings || b.subscribed[1] != TopicFeedback {
		t.Errorf("unexpected subscriptions: %v", b.subscribed)
	}
	if len(b.published) != 2 {
		t.Fatalf("expected 2 replayed, got %d", len(b.published))
	}
	if b.published[0].topic != TopicVerdicts || b.published[0].qos != 1 || b.published[0].retained {
		t.Errorf("unexpected verdict message: %+v", b.published[0])
	}
	if b.published[1].topic != TopicSystem || !b.published[1].retained {
		t.Errorf("unexpected system message: %+v", b.published[1])
	}

	if err := c.PublishVerdict(detector.Verdict{ReadingID: "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.published) != 3 {
		t.Errorf("expected direct publish, got %d messages", len(b.published))
	}
}

func TestClientBufferDropsOldest(t *testing.T) {
	c, b := newTestClient(Handlers{})
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		c.PublishVerdict(detector.Verdict{ReadingID: id})
	}
	c.onConnect(b)

	if len(b.published) != 3 {
		t.Fatalf("expected 3 replayed, got %d", len(b.published))
	}
	var first VerdictPayload
	if err := json.Unmarshal(b.published[0].payload, &first); err != nil {
		t.Fatal(err)
	}
	if first.Verdict.ReadingID != "3" {
		t.Errorf("expected oldest surviving verdict 3, got %s", first.Verdict.ReadingID)
	}
}

func TestClientReconnectPublishesEvent(t *testing.T) {
	c, b := newTestClient(Handlers{})
	c.onConnect(b)
	if len(b.published) != 0 {
		t.Fatalf("first connect should publish nothing, got %d", len(b.published))
	}

	c.onConnectionLost(b, errors.New("eof"))
	if c.IsConnected() {
		t.Error("should be disconnected")
	}
	c.PublishVerdict(detector.Verdict{ReadingID: "x"})
	c.onConnect(b)

	if len(b.published) != 2 {
		t.Fatalf("expected replay plus RECONNECTED, got %d", len(b.published))
	}
	var sys SystemPayload
	if err := json.Unmarshal(b.published[1].payload, &sys); err != nil {
		t.Fatal(err)
	}
	if sys.System.Event != EventReconnected {
		t.Errorf("expected RECONNECTED, got %s", sys.System.Event)
	}
	if sys.System.Timestamp != "2026-02-10T14:30:00Z" {
		t.Errorf("unexpected timestamp: %s", sys.System.Timestamp)
	}
}

func TestClientPublishFailureBuffers(t *testing.T) {
	c, b := newTestClient(Handlers{})
	c.onConnect(b)
	b.publishErr = errors.New("broker gone")

	if err := c.PublishVerdict(detector.Verdict{ReadingID: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if c.Buffered() != 1 {
		t.Errorf("failed message should be buffered, got %d", c.Buffered())
	}
}

func TestClientDecodesInbound(t *testing.T) {
	var readings []telemetry.Reading
	var inputs []feedback.Input
	var invalid []string
	c, _ := newTestClient(Handlers{
		Reading:  func(r telemetry.Reading) { readings = append(readings, r) },
		Feedback: func(in feedback.Input) { inputs = append(inputs, in) },
		Invalid:  func(topic string, _ error) { invalid = append(invalid, topic) },
	})

	c.handleReading(TopicReadings, []byte(`{"id":"r-1","device_id":"turbine-1","timestamp":"2024-03-01T12:00:00Z","flow_rate_m3_per_s":2.5,"head_height_m":45,"generated_kwh":936}`))
	c.handleReading(TopicReadings, []byte(`{"flow_rate_m3_per_s":2.5}`))
	c.handleReading(TopicReadings, []byte(`not json`))
	c.handleFeedback(TopicFeedback, []byte(`{"reading_id":"r-1","original_label":"anomaly","correct_label":"normal"}`))
	c.handleFeedback(TopicFeedback, []byte(`{`))

	if len(readings) != 1 || readings[0].Energy != 936 || readings[0].DeviceID != "turbine-1" {
		t.Errorf("unexpected readings: %+v", readings)
	}
	if len(inputs) != 1 || inputs[0].CorrectLabel != feedback.LabelNormal {
		t.Errorf("unexpected feedback: %+v", inputs)
	}
	if len(invalid) != 3 || invalid[2] != TopicFeedback {
		t.Errorf("unexpected invalid callbacks: %v", invalid)
	}
}

func TestCustomTopics(t *testing.T) {
	c := newClient(Options{Topics: Topics{Verdicts: "plant/verdicts"}}, Handlers{}, zap.NewNop())
	if c.topics.Verdicts != "plant/verdicts" {
		t.Errorf("custom topic not kept: %s", c.topics.Verdicts)
	}
	if c.topics.Readings != TopicReadings {
		t.Errorf("missing topic not defaulted: %s", c.topics.Readings)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()
	f.PublishVerdict(detector.Verdict{ReadingID: "a"})
	f.PublishSystem(SystemEvent{Event: EventStartup, Retained: true})
	f.PublishSystem(SystemEvent{Event: EventDrift, Reason: "retrain"})

	if f.VerdictCount() != 1 || len(f.Payloads) != 1 {
		t.Errorf("expected 1 verdict, got %d", f.VerdictCount())
	}
	names := f.EventNames()
	if len(names) != 2 || names[0] != EventStartup || names[1] != EventDrift {
		t.Errorf("unexpected events: %v", names)
	}

	f.PublishError = errors.New("down")
	if err := f.PublishVerdict(detector.Verdict{}); err == nil {
		t.Error("expected publish error")
	}
	if f.VerdictCount() != 1 {
		t.Error("failed publish should not be recorded")
	}

	f.Close()
	if !f.Closed {
		t.Error("expected Closed")
	}
	f.Reset()
	if f.VerdictCount() != 0 || len(f.EventNames()) != 0 || f.Closed {
		t.Error("reset should clear state")
	}
}
