package ml

import (
	"math"
	"math/rand"
)

// treeNode is one node of a regression tree. Exported fields so trained trees
// round-trip through JSON model snapshots.
type treeNode struct {
	Leaf      bool      `json:"leaf"`
	Value     float64   `json:"value,omitempty"`
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
}

// treeParams tunes a single tree fit
type treeParams struct {
	maxDepth     int
	minLeaf      int
	featureFrac  float64 // fraction of features tried per split
	randomSplits bool    // extra-trees style: one random threshold per feature
}

// fitTree grows a variance-reducing regression tree over the rows in idx
func fitTree(x [][]float64, y []float64, idx []int, depth int, p treeParams, rng *rand.Rand) *treeNode {
	if len(idx) <= p.minLeaf || depth >= p.maxDepth || pureEnough(y, idx) {
		return &treeNode{Leaf: true, Value: meanAt(y, idx)}
	}

	feature, threshold, ok := bestSplit(x, y, idx, p, rng)
	if !ok {
		return &treeNode{Leaf: true, Value: meanAt(y, idx)}
	}

	var left, right []int
	for _, i := range idx {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{Leaf: true, Value: meanAt(y, idx)}
	}

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      fitTree(x, y, left, depth+1, p, rng),
		Right:     fitTree(x, y, right, depth+1, p, rng),
	}
}

// bestSplit searches a random feature subset for the variance-minimizing
// split. In randomSplits mode a single random threshold per feature is tried.
func bestSplit(x [][]float64, y []float64, idx []int, p treeParams, rng *rand.Rand) (feature int, threshold float64, ok bool) {
	nFeatures := len(x[idx[0]])
	tried := int(math.Ceil(float64(nFeatures) * p.featureFrac))
	if tried < 1 {
		tried = 1
	}

	bestScore := math.Inf(1)
	perm := rng.Perm(nFeatures)
	for _, f := range perm[:tried] {
		lo, hi := featureRange(x, idx, f)
		if hi <= lo {
			continue
		}

		var candidates []float64
		if p.randomSplits {
			candidates = []float64{lo + rng.Float64()*(hi-lo)}
		} else {
			// Quartile-ish cut points keep the search cheap
			for _, q := range []float64{0.25, 0.5, 0.75} {
				candidates = append(candidates, lo+q*(hi-lo))
			}
		}

		for _, t := range candidates {
			score := splitVariance(x, y, idx, f, t)
			if score < bestScore {
				bestScore = score
				feature = f
				threshold = t
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

// splitVariance is the size-weighted variance of the two halves
func splitVariance(x [][]float64, y []float64, idx []int, feature int, threshold float64) float64 {
	var lSum, lSq, rSum, rSq float64
	var lN, rN int
	for _, i := range idx {
		v := y[i]
		if x[i][feature] <= threshold {
			lSum += v
			lSq += v * v
			lN++
		} else {
			rSum += v
			rSq += v * v
			rN++
		}
	}
	if lN == 0 || rN == 0 {
		return math.Inf(1)
	}
	lVar := lSq/float64(lN) - (lSum/float64(lN))*(lSum/float64(lN))
	rVar := rSq/float64(rN) - (rSum/float64(rN))*(rSum/float64(rN))
	return (lVar*float64(lN) + rVar*float64(rN)) / float64(lN+rN)
}

func featureRange(x [][]float64, idx []int, feature int) (lo, hi float64) {
	lo, hi = x[idx[0]][feature], x[idx[0]][feature]
	for _, i := range idx {
		v := x[i][feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func pureEnough(y []float64, idx []int) bool {
	m := meanAt(y, idx)
	for _, i := range idx {
		if math.Abs(y[i]-m) > 1e-9 {
			return false
		}
	}
	return true
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

// predict walks the tree for one row
func (n *treeNode) predict(row []float64) float64 {
	if n == nil {
		return 0
	}
	if n.Leaf {
		return n.Value
	}
	if n.Feature < len(row) && row[n.Feature] <= n.Threshold {
		return n.Left.predict(row)
	}
	return n.Right.predict(row)
}

// countSplits accumulates per-feature split counts for feature importance
func (n *treeNode) countSplits(counts map[int]int) {
	if n == nil || n.Leaf {
		return
	}
	counts[n.Feature]++
	n.Left.countSplits(counts)
	n.Right.countSplits(counts)
}
