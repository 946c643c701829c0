package drift

import (
	"math"
	"slices"
)

// KSResult is the outcome of a two-sample Kolmogorov-Smirnov test.
type KSResult struct {
	Statistic float64 `json:"ks_statistic"`
	PValue    float64 `json:"p_value"`
}

// KSTest compares two samples. D is the largest gap between their empirical
// CDFs over every distinct value in either sample, and p uses the large-sample
// approximation exp(-2·D²·n1n2/(n1+n2)). An empty sample yields D=0, p=1.
// Neither input is modified.
func KSTest(a, b []float64) KSResult {
	if len(a) == 0 || len(b) == 0 {
		return KSResult{PValue: 1}
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return ksSorted(x, y)
}

// ksSorted walks two ascending samples in step, evaluating both CDFs after
// each distinct value.
func ksSorted(x, y []float64) KSResult {
	n1, n2 := len(x), len(y)
	if n1 == 0 || n2 == 0 {
		return KSResult{PValue: 1}
	}

	var d float64
	i, j := 0, 0
	for i < n1 || j < n2 {
		var v float64
		switch {
		case i == n1:
			v = y[j]
		case j == n2:
			v = x[i]
		default:
			v = min(x[i], y[j])
		}
		for i < n1 && x[i] <= v {
			i++
		}
		for j < n2 && y[j] <= v {
			j++
		}
		if gap := math.Abs(float64(i)/float64(n1) - float64(j)/float64(n2)); gap > d {
			d = gap
		}
	}

	n := float64(n1) * float64(n2) / float64(n1+n2)
	return KSResult{Statistic: d, PValue: math.Exp(-2 * d * d * n)}
}

// Stats summarises one feature's values.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ComputeStats returns the mean, population standard deviation, min and max.
// An empty input gives all zeros.
func ComputeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	s := Stats{Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))
	var ss float64
	for _, v := range values {
		ss += (v - s.Mean) * (v - s.Mean)
	}
	s.Std = math.Sqrt(ss / float64(len(values)))
	return s
}
