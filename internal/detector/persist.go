package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/features"
	"github.com/sweeney/hydro-sentinel/internal/iforest"
)

// envelope is the persisted model: the forest snapshot plus provenance, the
// feature contract it was trained under and the training corpus distribution.
type envelope struct {
	Version   string           `json:"version"`
	Algorithm string           `json:"algorithm"`
	TrainedOn int              `json:"trainedOn"`
	TrainedAt time.Time        `json:"trainedAt"`
	Features  []string         `json:"features"`
	Bounds    []features.Range `json:"bounds"`
	Forest    iforest.Snapshot `json:"forest"`
	Baseline  *drift.Baseline  `json:"driftBaseline,omitempty"`
}

// Save persists the serving model.
func (d *Detector) Save(ctx context.Context) error {
	m := d.current.Load()
	if m == nil {
		return ErrNotReady
	}
	if d.store == nil {
		return fmt.Errorf("save model: no snapshot store configured")
	}
	return d.save(ctx, m)
}

func (d *Detector) save(ctx context.Context, m *model) error {
	env := envelope{
		Version:   iforest.SnapshotVersion,
		Algorithm: iforest.Algorithm,
		TrainedOn: m.trainedOn,
		TrainedAt: m.trainedAt,
		Features:  featureNames(),
		Bounds:    features.Bounds[:],
		Forest:    m.forest.Snapshot(),
		Baseline:  m.baseline,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := d.store.Save(ctx, d.cfg.SnapshotName, data); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// Load replaces the serving model with the persisted one. A snapshot whose
// feature layout differs from this build's is rejected.
func (d *Detector) Load(ctx context.Context) error {
	if d.store == nil {
		return fmt.Errorf("load model: no snapshot store configured")
	}
	data, err := d.store.Load(ctx, d.cfg.SnapshotName)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode model: %w", err)
	}
	if len(env.Features) != 0 && len(env.Features) != features.Count {
		return fmt.Errorf("decode model: %w: %d features, want %d", iforest.ErrInvalidSnapshot, len(env.Features), features.Count)
	}
	forest, err := iforest.FromSnapshot(env.Forest)
	if err != nil {
		return fmt.Errorf("decode model: %w", err)
	}
	if forest.Dimensions() != features.Count {
		return fmt.Errorf("decode model: %w: forest has %d dimensions, want %d", iforest.ErrInvalidSnapshot, forest.Dimensions(), features.Count)
	}

	if env.Baseline != nil {
		if err := env.Baseline.Validate(); err != nil {
			return fmt.Errorf("decode model: drift baseline: %w", err)
		}
	}

	m := &model{forest: forest, trainedOn: env.TrainedOn, trainedAt: env.TrainedAt, baseline: env.Baseline}
	d.current.Store(m)
	d.log.Info("loaded model snapshot",
		zap.String("name", d.cfg.SnapshotName),
		zap.Int("trained_on", m.trainedOn),
		zap.Time("trained_at", m.trainedAt))
	return nil
}
