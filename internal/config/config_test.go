package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Model.Trees)
	assert.Equal(t, 256, cfg.Model.SubsampleSize)
	assert.Equal(t, 0.10, cfg.Model.Contamination)
	assert.Equal(t, 24, cfg.Forecast.SeasonLength)
	assert.Equal(t, time.Hour, cfg.Drift.Interval)
	assert.Equal(t, 50, cfg.Learner.MinFeedback)
	assert.Equal(t, BackendFile, cfg.Persistence.Backend)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
mqtt:
  broker: tcp://broker.plant:1883
  topics:
    verdicts: plant/verdicts
kafka:
  enabled: true
  brokers: [k1:9092, k2:9092]
  topic: plant.readings
model:
  trees: 150
  contamination: 0.05
  seed: 42
scorer:
  command: /usr/local/bin/score
  args: [--fast]
  timeout: 500ms
persistence:
  backend: s3
  s3:
    bucket: models
    endpoint: http://minio:9000
    use_path_style: true
drift:
  interval: 30m
forecast:
  alpha: 0.3
learner:
  min_feedback: 25
heartbeat: 5m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "unset keys keep defaults")
	assert.Equal(t, "tcp://broker.plant:1883", cfg.MQTT.Broker)
	assert.Equal(t, "plant/verdicts", cfg.MQTT.Topics.Verdicts)
	assert.Equal(t, "hydro/sentinel/readings", cfg.MQTT.Topics.Readings)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "hydro-sentinel", cfg.Kafka.GroupID)
	assert.Equal(t, 150, cfg.Model.Trees)
	assert.Equal(t, 0.05, cfg.Model.Contamination)
	assert.Equal(t, int64(42), cfg.Model.Seed)
	assert.Equal(t, 256, cfg.Model.SubsampleSize)
	assert.Equal(t, "/usr/local/bin/score", cfg.Scorer.Command)
	assert.Equal(t, []string{"--fast"}, cfg.Scorer.Args)
	assert.Equal(t, 500*time.Millisecond, cfg.Scorer.Timeout)
	assert.Equal(t, BackendS3, cfg.Persistence.Backend)
	assert.Equal(t, "models", cfg.Persistence.S3.Bucket)
	assert.True(t, cfg.Persistence.S3.UsePathStyle)
	assert.Equal(t, 30*time.Minute, cfg.Drift.Interval)
	assert.Equal(t, 0.3, cfg.Forecast.Alpha)
	assert.Equal(t, 0.1, cfg.Forecast.Beta)
	assert.Equal(t, 25, cfg.Learner.MinFeedback)
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("model:\n  treez: 10\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "treez")
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader("\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"kafka", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, "kafka"},
		{"contamination", func(c *Config) { c.Model.Contamination = 0.6 }, "contamination"},
		{"trees", func(c *Config) { c.Model.Trees = 0 }, "model.trees"},
		{"scorer timeout", func(c *Config) { c.Scorer.Command = "x"; c.Scorer.Timeout = 0 }, "scorer.timeout"},
		{"backend", func(c *Config) { c.Persistence.Backend = "ftp" }, "persistence.backend"},
		{"s3 bucket", func(c *Config) { c.Persistence.Backend = BackendS3 }, "bucket"},
		{"file dir", func(c *Config) { c.Persistence.Dir = "" }, "persistence.dir"},
		{"drift window", func(c *Config) { c.Drift.Window = 10 }, "drift.window"},
		{"forecast retain", func(c *Config) { c.Forecast.Retain = 30 }, "two seasons"},
		{"queue", func(c *Config) { c.QueueSize = 0 }, "queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Broker = ""
	cfg.QueueSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.broker")
	assert.Contains(t, err.Error(), "queue_size")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
