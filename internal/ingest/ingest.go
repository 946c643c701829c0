// Package ingest feeds readings into the scoring loop from a broker
// subscription or a Kafka topic.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

// Source delivers readings to out until ctx is cancelled or the source is
// exhausted. Run returns nil on cancellation.
type Source interface {
	Run(ctx context.Context, out chan<- telemetry.Reading) error
}

// Stamp fills in a missing reading ID with a random UUID and a missing
// timestamp with now.
func Stamp(r telemetry.Reading, now time.Time) telemetry.Reading {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Time.IsZero() {
		r.Time = now
	}
	return r
}

// Queue is a bounded hand-off from a push-style producer, such as an MQTT
// message callback, to the scoring loop.
type Queue struct {
	ch chan telemetry.Reading
}

// NewQueue returns a queue holding up to size readings.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan telemetry.Reading, size)}
}

// Offer enqueues r without blocking. It reports false when the queue is full
// and r was dropped.
func (q *Queue) Offer(r telemetry.Reading) bool {
	select {
	case q.ch <- r:
		return true
	default:
		return false
	}
}

// Len returns the number of queued readings.
func (q *Queue) Len() int { return len(q.ch) }

// Run forwards queued readings to out.
func (q *Queue) Run(ctx context.Context, out chan<- telemetry.Reading) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-q.ch:
			select {
			case out <- r:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// FakeSource sends a fixed list of readings, then returns Err.
type FakeSource struct {
	Readings []telemetry.Reading
	Err      error
}

// Run sends every reading in order.
func (f *FakeSource) Run(ctx context.Context, out chan<- telemetry.Reading) error {
	for _, r := range f.Readings {
		select {
		case out <- r:
		case <-ctx.Done():
			return nil
		}
	}
	return f.Err
}
