package ml

import (
	"encoding/json"
	"math/rand"
	"time"
)

// gbtHead fits shallow trees to residuals with a shrinkage factor
type gbtHead struct {
	headCore
	base         float64
	trees        []*treeNode
	nRounds      int
	learningRate float64
	params       treeParams
}

func newGBTHead() *gbtHead {
	return &gbtHead{
		headCore:     headCore{name: "gbt", baseWeight: 0.30},
		nRounds:      60,
		learningRate: 0.1,
		params:       treeParams{maxDepth: 3, minLeaf: 8, featureFrac: 0.7},
	}
}

func (h *gbtHead) Train(ds *Dataset) error {
	train, test := ds.Split(0.2)
	if train.Len() < minHeadRows {
		return ErrInsufficientData
	}
	rng := rand.New(rand.NewSource(3))

	n := train.Len()
	h.base = mean(train.Y)

	current := make([]float64, n)
	for i := range current {
		current[i] = h.base
	}
	residual := make([]float64, n)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	trees := make([]*treeNode, 0, h.nRounds)
	for round := 0; round < h.nRounds; round++ {
		for i := range residual {
			residual[i] = train.Y[i] - current[i]
		}
		tree := fitTree(train.X, residual, idx, 0, h.params, rng)
		trees = append(trees, tree)
		for i, row := range train.X {
			current[i] += h.learningRate * tree.predict(row)
		}
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

func (h *gbtHead) Predict(row []float64) (float64, float64) {
	if !h.trained {
		return 0, 0
	}
	sum := h.base
	for _, t := range h.trees {
		sum += h.learningRate * t.predict(row)
	}
	score := clampScore(sum)
	return score, headConfidence(h.perf, score)
}

func (h *gbtHead) FeatureImportance() map[string]float64 {
	counts := map[int]int{}
	for _, t := range h.trees {
		t.countSplits(counts)
	}
	return importanceFromSplits(counts, h.order)
}

type gbtState struct {
	Base         float64     `json:"base"`
	LearningRate float64     `json:"learning_rate"`
	Trees        []*treeNode `json:"trees"`
}

func (h *gbtHead) MarshalState() ([]byte, error) {
	return marshalState(h.state(), gbtState{Base: h.base, LearningRate: h.learningRate, Trees: h.trees})
}

func (h *gbtHead) RestoreState(data []byte) error {
	var snap struct {
		Core  coreState `json:"core"`
		Model gbtState  `json:"model"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	h.restore(snap.Core)
	h.base = snap.Model.Base
	if snap.Model.LearningRate > 0 {
		h.learningRate = snap.Model.LearningRate
	}
	h.trees = snap.Model.Trees
	return nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
