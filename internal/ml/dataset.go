package ml

import (
	"math"
	"sort"
)

// Sample is one training row: a feature vector and the realized forward
// return mapped into [-1,1].
type Sample struct {
	Features map[string]float64 `json:"features"`
	Target   float64            `json:"target"`
}

// Dataset is a column-ordered matrix view over samples. The feature order is
// fixed at construction so every head sees identical columns.
type Dataset struct {
	Order []string
	X     [][]float64
	Y     []float64
}

// NewDataset builds the matrix from samples; feature names are sorted so the
// column order is deterministic.
func NewDataset(samples []Sample) *Dataset {
	if len(samples) == 0 {
		return &Dataset{}
	}
	seen := map[string]bool{}
	for _, s := range samples {
		for name := range s.Features {
			seen[name] = true
		}
	}
	order := make([]string, 0, len(seen))
	for name := range seen {
		order = append(order, name)
	}
	sort.Strings(order)

	ds := &Dataset{
		Order: order,
		X:     make([][]float64, len(samples)),
		Y:     make([]float64, len(samples)),
	}
	for i, s := range samples {
		ds.X[i] = Vectorize(s.Features, order)
		ds.Y[i] = s.Target
	}
	return ds
}

// Vectorize maps a feature set onto a fixed column order; absent or
// non-finite values become zero.
func Vectorize(features map[string]float64, order []string) []float64 {
	row := make([]float64, len(order))
	for j, name := range order {
		v := features[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		row[j] = v
	}
	return row
}

// Split carves off the last holdout fraction for evaluation, preserving
// temporal order.
func (d *Dataset) Split(holdout float64) (train, test *Dataset) {
	n := len(d.Y)
	cut := n - int(float64(n)*holdout)
	if cut < 1 {
		cut = 1
	}
	if cut >= n {
		cut = n - 1
	}
	train = &Dataset{Order: d.Order, X: d.X[:cut], Y: d.Y[:cut]}
	test = &Dataset{Order: d.Order, X: d.X[cut:], Y: d.Y[cut:]}
	return train, test
}

// Len is the number of rows
func (d *Dataset) Len() int { return len(d.Y) }

// Performance summarizes a head's holdout quality
type Performance struct {
	MSE             float64 `json:"mse"`
	MAE             float64 `json:"mae"`
	R2              float64 `json:"r2"`
	Accuracy        float64 `json:"accuracy"` // directional hit rate
	PredictionCount int     `json:"prediction_count"`
}

// Evaluate scores predictions against targets
func Evaluate(predicted, actual []float64) Performance {
	n := len(actual)
	if n == 0 || len(predicted) != n {
		return Performance{}
	}
	var sse, sae, mean float64
	hits := 0
	for i := range actual {
		diff := predicted[i] - actual[i]
		sse += diff * diff
		sae += math.Abs(diff)
		mean += actual[i]
		if (predicted[i] > 0) == (actual[i] > 0) {
			hits++
		}
	}
	mean /= float64(n)

	var tss float64
	for _, a := range actual {
		tss += (a - mean) * (a - mean)
	}
	r2 := 0.0
	if tss > 0 {
		r2 = 1 - sse/tss
	}
	return Performance{
		MSE:             sse / float64(n),
		MAE:             sae / float64(n),
		R2:              r2,
		Accuracy:        float64(hits) / float64(n),
		PredictionCount: n,
	}
}
