package iforest

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTripScoresIdentically(t *testing.T) {
	data := clusterData(12, 800, 8)
	cfg := DefaultConfig()
	cfg.FeatureNames = []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	f := fitSeeded(t, 4, cfg, data)

	raw, err := json.Marshal(f.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	restored, err := FromSnapshot(snap)
	require.NoError(t, err)

	assert.Equal(t, f.Threshold(), restored.Threshold())
	assert.Equal(t, f.TrainingSize(), restored.TrainingSize())
	assert.Equal(t, f.TreeCount(), restored.TreeCount())
	assert.Equal(t, cfg.FeatureNames, restored.Config().FeatureNames)

	rng := rand.New(rand.NewSource(77))
	for i := 0; i < 500; i++ {
		x := make([]float64, 8)
		for j := range x {
			x[j] = rng.Float64()
		}
		want, err := f.Score(x)
		require.NoError(t, err)
		got, err := restored.Score(x)
		require.NoError(t, err)
		assert.InDelta(t, want.Score, got.Score, 1e-12)
		assert.Equal(t, want.IsAnomaly, got.IsAnomaly)
	}
}

func TestSnapshotNodeShapes(t *testing.T) {
	f := fitSeeded(t, 1, Config{Trees: 1, SubsampleSize: 8, Contamination: 0.1}, clusterData(1, 8, 2))
	raw, err := json.Marshal(f.Snapshot())
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "IsolationForest", generic["algorithm"])
	assert.Equal(t, true, generic["trained"])

	root := generic["trees"].([]any)[0].(map[string]any)
	require.Equal(t, false, root["isLeaf"])
	assert.Contains(t, root, "featureIndex")
	assert.Contains(t, root, "splitValue")
	assert.Contains(t, root, "left")
	assert.Contains(t, root, "right")
	assert.NotContains(t, root, "size")

	// Walk left until a leaf and check it only carries its size.
	node := root
	for node["isLeaf"] == false {
		node = node["left"].(map[string]any)
	}
	assert.Len(t, node, 2)
	assert.Contains(t, node, "size")
}

func TestFromSnapshotRejectsCorrupt(t *testing.T) {
	good := fitSeeded(t, 1, Config{Trees: 2, SubsampleSize: 8, Contamination: 0.1}, clusterData(1, 20, 2)).Snapshot()

	tests := []struct {
		name   string
		mutate func(s *Snapshot)
	}{
		{"wrong algorithm", func(s *Snapshot) { s.Algorithm = "RandomForest" }},
		{"untrained", func(s *Snapshot) { s.Trained = false }},
		{"tree count mismatch", func(s *Snapshot) { s.TreeCount = 5 }},
		{"no trees", func(s *Snapshot) { s.Trees = nil; s.TreeCount = 0 }},
		{"nil child", func(s *Snapshot) { s.Trees = []*Node{{IsLeaf: false, FeatureIndex: 0}, leaf(1)} }},
		{"feature out of range", func(s *Snapshot) {
			s.Trees = []*Node{{FeatureIndex: 9, Left: leaf(1), Right: leaf(1)}, leaf(1)}
		}},
		{"zero corpus", func(s *Snapshot) { s.TrainingCorpusSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := good
			tt.mutate(&s)
			_, err := FromSnapshot(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSnapshot))
		})
	}
}
