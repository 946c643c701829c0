package iforest

import (
	"encoding/json"
	"math"
	"math/rand"
)

// eulerMascheroni is γ in the expected BST path length.
const eulerMascheroni = 0.5772156649

// AveragePathLength is the expected path length of an unsuccessful search in a
// binary search tree built over n points. It normalizes paths that stop early at
// leaves still holding several points.
func AveragePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}

// Node is one node of an isolation tree. A leaf carries only Size; an internal
// node carries the split and both children. Nodes are never modified after the
// tree is built.
type Node struct {
	IsLeaf       bool    `json:"isLeaf"`
	Size         int     `json:"size"`
	FeatureIndex int     `json:"featureIndex"`
	SplitValue   float64 `json:"splitValue"`
	Left         *Node   `json:"left"`
	Right        *Node   `json:"right"`
}

type leafJSON struct {
	IsLeaf bool `json:"isLeaf"`
	Size   int  `json:"size"`
}

type splitJSON struct {
	IsLeaf       bool    `json:"isLeaf"`
	FeatureIndex int     `json:"featureIndex"`
	SplitValue   float64 `json:"splitValue"`
	Left         *Node   `json:"left"`
	Right        *Node   `json:"right"`
}

// MarshalJSON writes a leaf as {isLeaf, size} and an internal node as
// {isLeaf, featureIndex, splitValue, left, right}.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.IsLeaf {
		return json.Marshal(leafJSON{IsLeaf: true, Size: n.Size})
	}
	return json.Marshal(splitJSON{
		FeatureIndex: n.FeatureIndex,
		SplitValue:   n.SplitValue,
		Left:         n.Left,
		Right:        n.Right,
	})
}

func leaf(size int) *Node {
	return &Node{IsLeaf: true, Size: size}
}

// buildTree recursively partitions data until every partition holds at most one
// point or maxDepth is reached.
func buildTree(rng *rand.Rand, data [][]float64, depth, maxDepth int) *Node {
	n := len(data)
	if n <= 1 || depth >= maxDepth {
		return leaf(n)
	}

	nFeatures := len(data[0])
	var feature int
	var lo, hi float64
	for attempt := 0; attempt < 2*nFeatures; attempt++ {
		feature = rng.Intn(nFeatures)
		lo, hi = columnRange(data, feature)
		if lo != hi {
			break
		}
	}
	if lo == hi {
		// Every sampled feature is constant in this partition.
		return leaf(n)
	}

	split := splitBetween(rng, lo, hi)

	left := make([][]float64, 0, n/2)
	right := make([][]float64, 0, n/2)
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &Node{
		FeatureIndex: feature,
		SplitValue:   split,
		Left:         buildTree(rng, left, depth+1, maxDepth),
		Right:        buildTree(rng, right, depth+1, maxDepth),
	}
}

// splitBetween draws a split strictly inside (lo, hi) so both sides are non-empty.
func splitBetween(rng *rand.Rand, lo, hi float64) float64 {
	for i := 0; i < 8; i++ {
		s := lo + rng.Float64()*(hi-lo)
		if s > lo && s < hi {
			return s
		}
	}
	return lo + (hi-lo)/2
}

func columnRange(data [][]float64, feature int) (lo, hi float64) {
	lo, hi = data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		v := row[feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// pathLength descends sample through the tree and returns the depth reached plus
// the expected remaining depth of the leaf it lands in.
func pathLength(node *Node, sample []float64) float64 {
	depth := 0
	for !node.IsLeaf {
		if sample[node.FeatureIndex] < node.SplitValue {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return float64(depth) + AveragePathLength(node.Size)
}

// countNodes returns the number of nodes in the tree.
func countNodes(node *Node) int {
	if node == nil {
		return 0
	}
	if node.IsLeaf {
		return 1
	}
	return 1 + countNodes(node.Left) + countNodes(node.Right)
}
