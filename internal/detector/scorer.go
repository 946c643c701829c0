package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/features"
)

// Score is a scorer's judgement of one feature vector.
type Score struct {
	Score      float64 `json:"score"`
	IsAnomaly  bool    `json:"is_anomaly"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	Method     string  `json:"method"`
	Fallback   bool    `json:"-"`
}

// Scorer turns a feature vector into an anomaly score. Implementations must be
// safe for concurrent use and should honour ctx cancellation.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (Score, error)
}

// forestScorer scores with the detector's serving forest.
type forestScorer struct {
	d *Detector
}

type modelKey struct{}

// withModel pins m for the native scorer so a Detect call reports the
// provenance of the forest that actually scored it.
func withModel(ctx context.Context, m *model) context.Context {
	return context.WithValue(ctx, modelKey{}, m)
}

func (s *forestScorer) Score(ctx context.Context, v features.Vector) (Score, error) {
	m, pinned := ctx.Value(modelKey{}).(*model)
	if !pinned {
		m = s.d.current.Load()
	}
	if m == nil {
		return Score{}, ErrNotReady
	}
	r, err := m.forest.Score(v.Slice())
	if err != nil {
		return Score{}, err
	}
	return Score{
		Score:      r.Score,
		IsAnomaly:  r.IsAnomaly,
		Confidence: r.Confidence,
		Threshold:  r.Threshold,
		Method:     MethodIsolationForest,
	}, nil
}

// ErrLowConfidence is reported to OnFallback when the primary answered below
// MinConfidence.
var ErrLowConfidence = errors.New("primary scorer confidence below minimum")

// Fallback asks Primary first and Secondary when Primary times out, fails, or
// answers with less than MinConfidence. A Primary that ignores its context is
// abandoned after Timeout.
type Fallback struct {
	Primary       Scorer
	Secondary     Scorer
	Timeout       time.Duration // zero means no limit
	MinConfidence float64
	// OnFallback, if set, is called with the reason each time Secondary is used.
	OnFallback func(reason error)
}

type scoreResult struct {
	s   Score
	err error
}

// Score implements Scorer.
func (f *Fallback) Score(ctx context.Context, v features.Vector) (Score, error) {
	s, err := f.primary(ctx, v)
	if err == nil && s.Confidence >= f.MinConfidence {
		return s, nil
	}
	reason := err
	if reason == nil {
		reason = ErrLowConfidence
	}
	if f.OnFallback != nil {
		f.OnFallback(reason)
	}

	sec, serr := f.Secondary.Score(ctx, v)
	if serr != nil {
		if err == nil {
			// A low-confidence primary answer beats none.
			return s, nil
		}
		return Score{}, fmt.Errorf("primary scorer: %v; secondary scorer: %w", err, serr)
	}
	sec.Fallback = true
	return sec, nil
}

func (f *Fallback) primary(ctx context.Context, v features.Vector) (Score, error) {
	if f.Timeout <= 0 {
		return f.Primary.Score(ctx, v)
	}
	pctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		s, err := f.Primary.Score(pctx, v)
		done <- scoreResult{s, err}
	}()
	select {
	case r := <-done:
		return r.s, r.err
	case <-pctx.Done():
		return Score{}, fmt.Errorf("primary scorer: %w", pctx.Err())
	}
}
