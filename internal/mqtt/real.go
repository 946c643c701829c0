package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/feedback"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// Options configures a Client.
type Options struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Topics     Topics `yaml:"topics"`
	BufferSize int    `yaml:"buffer_size"`
}

// DefaultOptions returns a local broker with the default topics.
func DefaultOptions() Options {
	return Options{
		Broker:     "tcp://localhost:1883",
		ClientID:   "hydro-sentinel",
		Topics:     DefaultTopics(),
		BufferSize: 1000,
	}
}

// Handlers receive decoded inbound messages. They run on the paho router
// goroutine and must not block.
type Handlers struct {
	Reading  func(telemetry.Reading)
	Feedback func(feedback.Input)
	// Invalid is called with the topic and error for undecodable payloads.
	Invalid func(topic string, err error)
}

// Client is a broker connection that subscribes to readings and feedback and
// publishes verdicts and system events. Messages published while the
// connection is down are buffered and replayed, oldest first, on reconnect.
type Client struct {
	client   paho.Client
	topics   Topics
	handlers Handlers
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool
	everUp    bool
}

// NewClient creates a client. Call Connect to start the connection.
func NewClient(opts Options, h Handlers, log *zap.Logger) *Client {
	c := newClient(opts, h, log)

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     EventShutdown,
		Reason:    "MQTT_DISCONNECT",
	})
	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetCleanSession(true).
		SetBinaryWill(c.topics.System, will, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if opts.Username != "" {
		po.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	c.client = paho.NewClient(po)
	return c
}

func newClient(opts Options, h Handlers, log *zap.Logger) *Client {
	topics := opts.Topics
	def := DefaultTopics()
	if topics.Readings == "" {
		topics.Readings = def.Readings
	}
	if topics.Feedback == "" {
		topics.Feedback = def.Feedback
	}
	if topics.Verdicts == "" {
		topics.Verdicts = def.Verdicts
	}
	if topics.System == "" {
		topics.System = def.System
	}
	return &Client{
		topics:   topics,
		handlers: h,
		log:      log.Named("mqtt"),
		now:      time.Now,
		buf:      newRingBuffer(opts.BufferSize),
	}
}

// Connect starts connecting in the background. With connect retry enabled the
// token only completes once a connection is made, so this does not wait;
// anything published before then is buffered.
func (c *Client) Connect() {
	c.client.Connect()
}

func (c *Client) onConnect(pc paho.Client) {
	c.log.Info("connected to broker")

	if tok := pc.Subscribe(c.topics.Readings, 1, c.onReading); tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
		c.log.Error("subscribe failed", zap.String("topic", c.topics.Readings), zap.Error(tok.Error()))
	}
	if tok := pc.Subscribe(c.topics.Feedback, 1, c.onFeedback); tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
		c.log.Error("subscribe failed", zap.String("topic", c.topics.Feedback), zap.Error(tok.Error()))
	}

	c.mu.Lock()
	c.connected = true
	reconnect := c.everUp
	c.everUp = true
	pending, dropped := c.buf.drainAll()
	c.mu.Unlock()

	if dropped > 0 {
		c.log.Warn("messages dropped while disconnected", zap.Int("dropped", dropped))
	}
	if len(pending) > 0 {
		c.log.Info("replaying buffered messages", zap.Int("count", len(pending)))
	}
	for _, m := range pending {
		if err := c.send(m); err != nil {
			c.log.Warn("replay failed", zap.String("topic", m.topic), zap.Error(err))
		}
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: c.now(), Event: EventReconnected})
		if err := c.send(bufferedMsg{topic: c.topics.System, payload: payload, qos: 1}); err != nil {
			c.log.Warn("reconnected event failed", zap.Error(err))
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.log.Warn("connection lost", zap.Error(err))
}

func (c *Client) onReading(_ paho.Client, msg paho.Message) {
	c.handleReading(msg.Topic(), msg.Payload())
}

func (c *Client) onFeedback(_ paho.Client, msg paho.Message) {
	c.handleFeedback(msg.Topic(), msg.Payload())
}

func (c *Client) handleReading(topic string, payload []byte) {
	r, err := telemetry.Decode(payload)
	if err != nil {
		c.invalid(topic, err)
		return
	}
	if c.handlers.Reading != nil {
		c.handlers.Reading(r)
	}
}

func (c *Client) handleFeedback(topic string, payload []byte) {
	var in feedback.Input
	if err := json.Unmarshal(payload, &in); err != nil {
		c.invalid(topic, fmt.Errorf("%w: %v", feedback.ErrInvalid, err))
		return
	}
	if c.handlers.Feedback != nil {
		c.handlers.Feedback(in)
	}
}

func (c *Client) invalid(topic string, err error) {
	c.log.Debug("dropping message", zap.String("topic", topic), zap.Error(err))
	if c.handlers.Invalid != nil {
		c.handlers.Invalid(topic, err)
	}
}

// PublishVerdict sends a verdict at QoS 1, not retained.
func (c *Client) PublishVerdict(v detector.Verdict) error {
	payload, err := FormatVerdict(v)
	if err != nil {
		return fmt.Errorf("format verdict: %w", err)
	}
	return c.publish(bufferedMsg{topic: c.topics.Verdicts, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event at QoS 1.
func (c *Client) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return c.publish(bufferedMsg{topic: c.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

// errBuffered is returned when a message was held for replay.
var errBuffered = errors.New("not connected, message buffered")

// IsBuffered reports whether err means the message was kept for replay.
func IsBuffered(err error) bool { return errors.Is(err, errBuffered) }

func (c *Client) publish(m bufferedMsg) error {
	c.mu.Lock()
	if !c.connected {
		if c.buf.push(m) {
			c.log.Warn("buffer full, dropping oldest", zap.Int("capacity", c.buf.capacity))
		}
		c.mu.Unlock()
		return errBuffered
	}
	c.mu.Unlock()

	if err := c.send(m); err != nil {
		c.mu.Lock()
		c.buf.push(m)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) send(m bufferedMsg) error {
	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", m.topic, err)
	}
	return nil
}

// Buffered returns the number of messages waiting for reconnection.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.client.Disconnect(1000) // 1 second quiesce
	return nil
}
