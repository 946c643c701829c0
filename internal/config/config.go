// Package config loads the daemon configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/forecast"
	"github.com/sweeney/hydro-sentinel/internal/ingest"
	"github.com/sweeney/hydro-sentinel/internal/learner"
	"github.com/sweeney/hydro-sentinel/internal/logging"
	"github.com/sweeney/hydro-sentinel/internal/mqtt"
	"github.com/sweeney/hydro-sentinel/internal/snapshot"
)

// Snapshot backends.
const (
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config is the full daemon configuration.
type Config struct {
	Log         logging.Config     `yaml:"log"`
	MQTT        mqtt.Options       `yaml:"mqtt"`
	Kafka       ingest.KafkaConfig `yaml:"kafka"`
	HTTP        HTTPConfig         `yaml:"http"`
	Heartbeat   time.Duration      `yaml:"heartbeat"`
	QueueSize   int                `yaml:"queue_size"`
	Model       detector.Config    `yaml:"model"`
	Scorer      ScorerConfig       `yaml:"scorer"`
	Persistence PersistenceConfig  `yaml:"persistence"`
	Drift       drift.Config       `yaml:"drift"`
	Forecast    forecast.Config    `yaml:"forecast"`
	Learner     learner.Config     `yaml:"learner"`
	Feedback    FeedbackConfig     `yaml:"feedback"`
}

// HTTPConfig configures the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ScorerConfig optionally puts an external scoring command in front of the
// native forest, which then serves as the fallback.
type ScorerConfig struct {
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// PersistenceConfig selects where model snapshots are kept.
type PersistenceConfig struct {
	Backend string            `yaml:"backend"`
	Dir     string            `yaml:"dir"`
	S3      snapshot.S3Config `yaml:"s3"`
}

// FeedbackConfig locates the feedback database. An empty Path keeps feedback
// in memory for the life of the process.
type FeedbackConfig struct {
	Path string `yaml:"path"`
}

// Default returns a configuration that runs against a local broker with
// file snapshots under ./data.
func Default() Config {
	return Config{
		Log:         logging.DefaultConfig(),
		MQTT:        mqtt.DefaultOptions(),
		Kafka:       ingest.DefaultKafkaConfig(),
		HTTP:        HTTPConfig{Addr: ":8080"},
		Heartbeat:   15 * time.Minute,
		QueueSize:   1024,
		Model:       detector.DefaultConfig(),
		Scorer:      ScorerConfig{Timeout: 2 * time.Second, MinConfidence: 0.2},
		Persistence: PersistenceConfig{Backend: BackendFile, Dir: "data/models"},
		Drift:       drift.DefaultConfig(),
		Forecast:    forecast.DefaultConfig(),
		Learner:     learner.DefaultConfig(),
		Feedback:    FeedbackConfig{Path: "data/feedback.db"},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.Broker == "" {
		add("mqtt.broker is required")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
		add("kafka needs brokers, topic and group_id when enabled")
	}
	if c.Heartbeat < 0 {
		add("heartbeat must not be negative")
	}
	if c.QueueSize < 1 {
		add("queue_size must be positive")
	}
	if c.Model.Trees < 1 || c.Model.SubsampleSize < 1 {
		add("model.trees and model.subsample_size must be positive")
	}
	if c.Model.Contamination <= 0 || c.Model.Contamination >= 0.5 {
		add("model.contamination must be in (0, 0.5), got %v", c.Model.Contamination)
	}
	if c.Scorer.Command != "" && c.Scorer.Timeout <= 0 {
		add("scorer.timeout must be positive when a command is set")
	}
	switch c.Persistence.Backend {
	case BackendFile:
		if c.Persistence.Dir == "" {
			add("persistence.dir is required for the file backend")
		}
	case BackendS3:
		if c.Persistence.S3.Bucket == "" {
			add("persistence.s3.bucket is required for the s3 backend")
		}
	case BackendMemory:
	default:
		add("persistence.backend must be file, s3 or memory, got %q", c.Persistence.Backend)
	}
	if c.Drift.PValueThreshold <= 0 || c.Drift.PValueThreshold >= 1 {
		add("drift.p_value_threshold must be in (0, 1)")
	}
	if c.Drift.MinSamples < 1 || c.Drift.Window < c.Drift.MinSamples {
		add("drift.window must hold at least drift.min_samples readings")
	}
	if c.Drift.Interval <= 0 {
		add("drift.interval must be positive")
	}
	if c.Forecast.SeasonLength < 1 || c.Forecast.Interval <= 0 {
		add("forecast.season_length and forecast.interval must be positive")
	}
	if c.Forecast.Retain < 2*c.Forecast.SeasonLength {
		add("forecast.retain must cover two seasons")
	}
	if c.Learner.MinFeedback < 1 || c.Learner.MinCorpus < 1 {
		add("learner.min_feedback and learner.min_corpus must be positive")
	}
	return errors.Join(errs...)
}
