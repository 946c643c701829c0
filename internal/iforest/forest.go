// Package iforest implements an isolation forest (Liu, Ting & Zhou, ICDM 2008).
//
// Anomalies are points that random axis-aligned partitioning isolates in few
// splits. A forest is fit once on a corpus and is immutable afterwards, so a
// *Forest may be scored from any number of goroutines without locking.
package iforest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ErrCorpusTooSmall is matched by every CorpusSizeError.
var ErrCorpusTooSmall = errors.New("training corpus too small")

// ErrDimension is returned when a sample's length differs from the training data.
var ErrDimension = errors.New("sample dimension mismatch")

// CorpusSizeError reports a fit or retrain attempted on too few points. It is a
// configuration problem, distinct from bad data.
type CorpusSizeError struct {
	Op  string
	Min int
	Got int
}

func (e *CorpusSizeError) Error() string {
	return fmt.Sprintf("%s: need at least %d training points, got %d", e.Op, e.Min, e.Got)
}

// Is makes errors.Is(err, ErrCorpusTooSmall) true.
func (e *CorpusSizeError) Is(target error) bool {
	return target == ErrCorpusTooSmall
}

// Config holds forest hyperparameters.
type Config struct {
	Trees         int
	SubsampleSize int
	Contamination float64
	FeatureNames  []string
	// Workers bounds parallel tree construction. Zero means GOMAXPROCS.
	Workers int
}

// DefaultConfig returns 100 trees, 256-point subsamples and 10% contamination.
func DefaultConfig() Config {
	return Config{
		Trees:         100,
		SubsampleSize: 256,
		Contamination: 0.10,
	}
}

// Result is the outcome of scoring one sample.
type Result struct {
	Score      float64 `json:"score"`
	IsAnomaly  bool    `json:"is_anomaly"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// Forest is a fitted isolation forest.
type Forest struct {
	cfg          Config
	dims         int
	trainingSize int
	threshold    float64
	norm         float64
	trees        []*Node
}

// Fit builds a forest over data. Each tree gets its own generator seeded from rng
// in tree order, so the result depends only on rng's state and data, not on
// scheduling. rng is only used on the calling goroutine.
func Fit(ctx context.Context, rng *rand.Rand, cfg Config, data [][]float64) (*Forest, error) {
	if len(data) == 0 {
		return nil, &CorpusSizeError{Op: "iforest fit", Min: 1, Got: 0}
	}
	if cfg.Trees <= 0 {
		return nil, fmt.Errorf("iforest fit: tree count must be positive, got %d", cfg.Trees)
	}
	if cfg.SubsampleSize <= 0 {
		return nil, fmt.Errorf("iforest fit: subsample size must be positive, got %d", cfg.SubsampleSize)
	}
	if cfg.Contamination < 0 || cfg.Contamination >= 1 {
		return nil, fmt.Errorf("iforest fit: contamination must be in [0,1), got %v", cfg.Contamination)
	}
	dims := len(data[0])
	if dims == 0 {
		return nil, fmt.Errorf("iforest fit: %w: empty feature vectors", ErrDimension)
	}
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("iforest fit: %w: row %d has %d features, want %d", ErrDimension, i, len(row), dims)
		}
	}

	sampleSize := min(cfg.SubsampleSize, len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	seeds := make([]int64, cfg.Trees)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]*Node, cfg.Trees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			treeRng := rand.New(rand.NewSource(seeds[i]))
			trees[i] = buildTree(treeRng, subsample(treeRng, data, sampleSize), 0, maxDepth)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("iforest fit: %w", err)
	}

	f := &Forest{
		cfg:          cfg,
		dims:         dims,
		trainingSize: len(data),
		trees:        trees,
	}
	f.norm = normalizer(cfg.SubsampleSize, f.trainingSize)
	f.threshold = f.calibrate(data)
	return f, nil
}

// subsample draws size rows without replacement: shuffle a copy, then slice.
func subsample(rng *rand.Rand, data [][]float64, size int) [][]float64 {
	shuffled := make([][]float64, len(data))
	copy(shuffled, data)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:size]
}

func normalizer(subsampleSize, trainingSize int) float64 {
	c := AveragePathLength(min(subsampleSize, trainingSize))
	if c == 0 {
		return 1
	}
	return c
}

// calibrate returns the training score at the (1 - contamination) quantile.
func (f *Forest) calibrate(data [][]float64) float64 {
	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.rawScore(row)
	}
	sort.Float64s(scores)
	idx := int(math.Floor(float64(len(scores)) * (1 - f.cfg.Contamination)))
	if idx > len(scores)-1 {
		idx = len(scores) - 1
	}
	return scores[idx]
}

// rawScore is 2^(-E[h(x)]/c(n)); values near 1 are anomalous.
func (f *Forest) rawScore(sample []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, sample)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/f.norm)
}

// Score rates a single sample against the calibrated threshold.
func (f *Forest) Score(sample []float64) (Result, error) {
	if len(sample) != f.dims {
		return Result{}, fmt.Errorf("%w: got %d features, want %d", ErrDimension, len(sample), f.dims)
	}
	s := f.rawScore(sample)
	return Result{
		Score:      s,
		IsAnomaly:  s > f.threshold,
		Confidence: Confidence(s),
		Threshold:  f.threshold,
	}, nil
}

// Confidence is the distance of score from the 0.5 point of indecision, scaled
// to [0,1]. It is a heuristic, not a calibrated probability.
func Confidence(score float64) float64 {
	return math.Min(1, math.Abs(score-0.5)*2)
}

// Threshold returns the calibrated anomaly threshold.
func (f *Forest) Threshold() float64 { return f.threshold }

// TrainingSize returns the number of points the forest was fit on.
func (f *Forest) TrainingSize() int { return f.trainingSize }

// TreeCount returns the number of trees actually held by the forest.
func (f *Forest) TreeCount() int { return len(f.trees) }

// Dimensions returns the feature vector length the forest expects.
func (f *Forest) Dimensions() int { return f.dims }

// Config returns the hyperparameters the forest was built with.
func (f *Forest) Config() Config { return f.cfg }

// NodeCount returns the total number of nodes across all trees.
func (f *Forest) NodeCount() int {
	n := 0
	for _, t := range f.trees {
		n += countNodes(t)
	}
	return n
}
