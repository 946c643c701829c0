package iforest

import (
	"errors"
	"fmt"
)

// SnapshotVersion is written into every forest snapshot.
const SnapshotVersion = "1.0"

// Algorithm identifies the model type in snapshots.
const Algorithm = "IsolationForest"

// Snapshot is the plain-record form of a forest. Restoring it yields a forest
// that scores identically to the original.
type Snapshot struct {
	Version            string   `json:"version"`
	Algorithm          string   `json:"algorithm"`
	TreeCount          int      `json:"treeCount"`
	SubsampleSize      int      `json:"subsampleSize"`
	Contamination      float64  `json:"contamination"`
	FeatureNames       []string `json:"featureNames"`
	Dimensions         int      `json:"dimensions"`
	Trained            bool     `json:"trained"`
	TrainingCorpusSize int      `json:"trainingCorpusSize"`
	AnomalyThreshold   float64  `json:"anomalyThreshold"`
	Trees              []*Node  `json:"trees"`
}

// ErrInvalidSnapshot is wrapped by every FromSnapshot failure.
var ErrInvalidSnapshot = errors.New("invalid forest snapshot")

// Snapshot captures the forest. The tree nodes are shared, which is safe because
// they are never modified.
func (f *Forest) Snapshot() Snapshot {
	names := make([]string, len(f.cfg.FeatureNames))
	copy(names, f.cfg.FeatureNames)
	return Snapshot{
		Version:            SnapshotVersion,
		Algorithm:          Algorithm,
		TreeCount:          len(f.trees),
		SubsampleSize:      f.cfg.SubsampleSize,
		Contamination:      f.cfg.Contamination,
		FeatureNames:       names,
		Dimensions:         f.dims,
		Trained:            true,
		TrainingCorpusSize: f.trainingSize,
		AnomalyThreshold:   f.threshold,
		Trees:              f.trees,
	}
}

// FromSnapshot rebuilds a forest, validating the tree structure so that a
// corrupt snapshot is rejected here rather than panicking during scoring.
func FromSnapshot(s Snapshot) (*Forest, error) {
	if s.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: algorithm %q", ErrInvalidSnapshot, s.Algorithm)
	}
	if !s.Trained {
		return nil, fmt.Errorf("%w: forest was not trained", ErrInvalidSnapshot)
	}
	if len(s.Trees) == 0 || len(s.Trees) != s.TreeCount {
		return nil, fmt.Errorf("%w: have %d trees, header says %d", ErrInvalidSnapshot, len(s.Trees), s.TreeCount)
	}
	if s.TrainingCorpusSize <= 0 || s.SubsampleSize <= 0 {
		return nil, fmt.Errorf("%w: corpus size %d, subsample size %d", ErrInvalidSnapshot, s.TrainingCorpusSize, s.SubsampleSize)
	}
	dims := s.Dimensions
	if dims == 0 {
		dims = len(s.FeatureNames)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: unknown feature dimension", ErrInvalidSnapshot)
	}
	for i, t := range s.Trees {
		if err := validateNode(t, dims); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrInvalidSnapshot, i, err)
		}
	}

	names := make([]string, len(s.FeatureNames))
	copy(names, s.FeatureNames)
	f := &Forest{
		cfg: Config{
			Trees:         s.TreeCount,
			SubsampleSize: s.SubsampleSize,
			Contamination: s.Contamination,
			FeatureNames:  names,
		},
		dims:         dims,
		trainingSize: s.TrainingCorpusSize,
		threshold:    s.AnomalyThreshold,
		trees:        s.Trees,
	}
	f.norm = normalizer(s.SubsampleSize, s.TrainingCorpusSize)
	return f, nil
}

func validateNode(n *Node, dims int) error {
	if n == nil {
		return errors.New("nil node")
	}
	if n.IsLeaf {
		if n.Size < 0 {
			return fmt.Errorf("negative leaf size %d", n.Size)
		}
		return nil
	}
	if n.FeatureIndex < 0 || n.FeatureIndex >= dims {
		return fmt.Errorf("feature index %d out of range", n.FeatureIndex)
	}
	if err := validateNode(n.Left, dims); err != nil {
		return err
	}
	return validateNode(n.Right, dims)
}
