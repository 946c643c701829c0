package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// KafkaConfig configures a consumer-group reader.
type KafkaConfig struct {
	Enabled bool          `yaml:"enabled"`
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	GroupID string        `yaml:"group_id"`
	MaxWait time.Duration `yaml:"max_wait"`
}

// DefaultKafkaConfig returns a disabled config with the default topic and group.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "hydro.readings",
		GroupID: "hydro-sentinel",
		MaxWait: 500 * time.Millisecond,
	}
}

// MessageReader is the subset of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON readings from a Kafka topic. Offsets are committed
// after the reading has been handed to the scoring loop, so a crash replays
// rather than loses readings. Undecodable messages are committed and skipped.
type KafkaSource struct {
	r       MessageReader
	log     *zap.Logger
	invalid func(error)
}

// NewKafkaSource creates a consumer-group reader for cfg.
func NewKafkaSource(cfg KafkaConfig, log *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka source needs brokers, topic and group_id")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  cfg.MaxWait,
	})
	return NewKafkaSourceWithReader(r, log), nil
}

// NewKafkaSourceWithReader wraps an existing reader.
func NewKafkaSourceWithReader(r MessageReader, log *zap.Logger) *KafkaSource {
	return &KafkaSource{r: r, log: log.Named("kafka")}
}

// OnInvalid registers a callback for messages that fail to decode.
func (s *KafkaSource) OnInvalid(fn func(error)) { s.invalid = fn }

// Run consumes until ctx is cancelled. It closes the reader on return.
func (s *KafkaSource) Run(ctx context.Context, out chan<- telemetry.Reading) error {
	defer s.r.Close()
	for {
		msg, err := s.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		r, err := telemetry.Decode(msg.Value)
		if err != nil {
			s.log.Warn("skipping message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			if s.invalid != nil {
				s.invalid(err)
			}
		} else {
			select {
			case out <- r:
			case <-ctx.Done():
				return nil
			}
		}

		if err := s.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}
