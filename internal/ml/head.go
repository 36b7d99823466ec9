package ml

import (
	"encoding/json"
	"time"
)

// Head is one model in the ensemble. Heads train on the shared Dataset and
// predict a score in [-1,1] from a vectorized feature row.
type Head interface {
	Name() string
	BaseWeight() float64
	IsTrained() bool
	TrainedAt() time.Time
	Train(ds *Dataset) error
	Predict(row []float64) (score, confidence float64)
	Performance() Performance
	FeatureImportance() map[string]float64

	// Model persistence
	MarshalState() ([]byte, error)
	RestoreState(data []byte) error
}

// headCore carries the bookkeeping every head shares
type headCore struct {
	name       string
	baseWeight float64
	trained    bool
	trainedAt  time.Time
	perf       Performance
	order      []string
}

func (h *headCore) Name() string          { return h.name }
func (h *headCore) featureOrder() []string { return h.order }
func (h *headCore) BaseWeight() float64   { return h.baseWeight }
func (h *headCore) IsTrained() bool       { return h.trained }
func (h *headCore) TrainedAt() time.Time  { return h.trainedAt }
func (h *headCore) Performance() Performance { return h.perf }

// headConfidence blends holdout accuracy with prediction magnitude
func headConfidence(perf Performance, score float64) float64 {
	conf := 0.3 + 0.5*perf.Accuracy + 0.2*abs(score)
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// coreState is the persisted shared metadata
type coreState struct {
	Trained   bool        `json:"trained"`
	TrainedAt time.Time   `json:"trained_at"`
	Perf      Performance `json:"performance"`
	Order     []string    `json:"feature_order"`
}

func (h *headCore) state() coreState {
	return coreState{Trained: h.trained, TrainedAt: h.trainedAt, Perf: h.perf, Order: h.order}
}

func (h *headCore) restore(s coreState) {
	h.trained = s.Trained
	h.trainedAt = s.TrainedAt
	h.perf = s.Perf
	h.order = s.Order
}

// importanceFromSplits converts split counts into a normalized per-feature map
func importanceFromSplits(counts map[int]int, order []string) map[string]float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	out := make(map[string]float64, len(counts))
	if total == 0 {
		return out
	}
	for f, c := range counts {
		if f < len(order) {
			out[order[f]] = float64(c) / float64(total)
		}
	}
	return out
}

func marshalState(core coreState, model interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Core  coreState   `json:"core"`
		Model interface{} `json:"model"`
	}{Core: core, Model: model})
}
