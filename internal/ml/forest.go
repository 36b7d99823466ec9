package ml

import (
	"encoding/json"
	"errors"
	"math/rand"
	"time"
)

// ErrInsufficientData is returned when a head is asked to train on too few rows
var ErrInsufficientData = errors.New("ml: insufficient training rows")

const minHeadRows = 40

// forestHead is a bagged regression-tree ensemble. With randomSplits it
// becomes the extra-trees variant: no bootstrap, random thresholds.
type forestHead struct {
	headCore
	trees        []*treeNode
	nTrees       int
	params       treeParams
	bootstrap    bool
	seed         int64
}

func newForestHead() *forestHead {
	return &forestHead{
		headCore: headCore{name: "forest", baseWeight: 0.30},
		nTrees:   30,
		params:   treeParams{maxDepth: 6, minLeaf: 5, featureFrac: 0.6},
		bootstrap: true,
		seed:     1,
	}
}

func newExtraTreesHead() *forestHead {
	return &forestHead{
		headCore: headCore{name: "extra_trees", baseWeight: 0.25},
		nTrees:   40,
		params:   treeParams{maxDepth: 7, minLeaf: 4, featureFrac: 0.8, randomSplits: true},
		bootstrap: false,
		seed:     2,
	}
}

func (h *forestHead) Train(ds *Dataset) error {
	train, test := ds.Split(0.2)
	if train.Len() < minHeadRows {
		return ErrInsufficientData
	}
	rng := rand.New(rand.NewSource(h.seed))

	trees := make([]*treeNode, h.nTrees)
	n := train.Len()
	for t := 0; t < h.nTrees; t++ {
		idx := make([]int, n)
		if h.bootstrap {
			for i := range idx {
				idx[i] = rng.Intn(n)
			}
		} else {
			for i := range idx {
				idx[i] = i
			}
		}
		trees[t] = fitTree(train.X, train.Y, idx, 0, h.params, rng)
	}
	h.trees = trees
	h.order = ds.Order
	h.trained = true
	h.trainedAt = time.Now().UTC()

	predicted := make([]float64, test.Len())
	for i, row := range test.X {
		predicted[i], _ = h.Predict(row)
	}
	h.perf = Evaluate(predicted, test.Y)
	return nil
}

func (h *forestHead) Predict(row []float64) (float64, float64) {
	if !h.trained || len(h.trees) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, t := range h.trees {
		sum += t.predict(row)
	}
	score := clampScore(sum / float64(len(h.trees)))
	return score, headConfidence(h.perf, score)
}

func (h *forestHead) FeatureImportance() map[string]float64 {
	counts := map[int]int{}
	for _, t := range h.trees {
		t.countSplits(counts)
	}
	return importanceFromSplits(counts, h.order)
}

type forestState struct {
	Trees []*treeNode `json:"trees"`
}

func (h *forestHead) MarshalState() ([]byte, error) {
	return marshalState(h.state(), forestState{Trees: h.trees})
}

func (h *forestHead) RestoreState(data []byte) error {
	var snap struct {
		Core  coreState   `json:"core"`
		Model forestState `json:"model"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	h.restore(snap.Core)
	h.trees = snap.Model.Trees
	return nil
}

func clampScore(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
