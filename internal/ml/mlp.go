package ml

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

// mlpHead is a single-hidden-layer perceptron with tanh activation trained
// by full-batch gradient descent.
type mlpHead struct {
	headCore
	hidden int
	epochs int
	lr     float64

	w1, w2 *mat.Dense
	b1     []float64
	b2     float64

	// Column standardization captured at train time
	featMean []float64
	featStd  []float64
}

func newMLPHead() *mlpHead {
	return &mlpHead{
		headCore: headCore{name: "mlp", baseWeight: 0.15},
		hidden:   16,
		epochs:   150,
		lr:       0.05,
	}
}

func (h *mlpHead) Train(ds *Dataset) error {
	train, test := ds.Split(0.2)
	if train.Len() < minHeadRows {
		return ErrInsufficientData
	}
	rng := rand.New(rand.NewSource(4))

	n := train.Len()
	d := len(ds.Order)
	h.featMean, h.featStd = columnStats(train.X, d)

	x := mat.NewDense(n, d, nil)
	for i, row := range train.X {
		for j, v := range row {
			x.Set(i, j, h.standardize(j, v))
		}
	}
	y := mat.NewDense(n, 1, append([]float64(nil), train.Y...))

	scale := 1.0 / math.Sqrt(float64(d))
	h.w1 = randomDense(d, h.hidden, scale, rng)
	h.w2 = randomDense(h.hidden, 1, 1.0/math.Sqrt(float64(h.hidden)), rng)
	h.b1 = make([]float64, h.hidden)
	h.b2 = 0

	var hid, pred, dOut, dW2, dHid, dW1 mat.Dense
	for epoch := 0; epoch < h.epochs; epoch++ {
		// Forward
		hid.Mul(x, h.w1)
		hid.Apply(func(i, j int, v float64) float64 { return math.Tanh(v + h.b1[j]) }, &hid)
		pred.Mul(&hid, h.w2)
		pred.Apply(func(i, j int, v float64) float64 { return v + h.b2 }, &pred)

		// Backward: MSE gradient
		dOut.Sub(&pred, y)
		dOut.Scale(1.0/float64(n), &dOut)

		dW2.Mul(hid.T(), &dOut)
		db2 := mat.Sum(&dOut)

		dHid.Mul(&dOut, h.w2.T())
		dHid.Apply(func(i, j int, v float64) float64 {
			t := hid.At(i, j)
			return v * (1 - t*t)
		}, &dHid)
		dW1.Mul(x.T(), &dHid)

		var scaledW1, scaledW2 mat.Dense
		scaledW1.Scale(h.lr, &dW1)
		h.w1.Sub(h.w1, &scaledW1)
		scaledW2.Scale(h.lr, &dW2)
		h.w2.Sub(h.w2, &scaledW2)
		h.b2 -= h.lr * db2
		for j := 0; j < h.hidden; j++ {
			colSum := 0.0
			for i := 0; i < n; i++ {
				colSum += dHid.At(i, j)
			}
			h.b1[j] -= h.lr * colSum
		}
	}

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

func (h *mlpHead) Predict(row []float64) (float64, float64) {
	if !h.trained || h.w1 == nil {
		return 0, 0
	}
	d, hiddenN := h.w1.Dims()
	in := make([]float64, d)
	for j := 0; j < d && j < len(row); j++ {
		in[j] = h.standardize(j, row[j])
	}

	out := h.b2
	for k := 0; k < hiddenN; k++ {
		sum := h.b1[k]
		for j := 0; j < d; j++ {
			sum += in[j] * h.w1.At(j, k)
		}
		out += math.Tanh(sum) * h.w2.At(k, 0)
	}
	score := clampScore(out)
	return score, headConfidence(h.perf, score)
}

// FeatureImportance uses mean absolute first-layer weight per input column
func (h *mlpHead) FeatureImportance() map[string]float64 {
	out := map[string]float64{}
	if h.w1 == nil {
		return out
	}
	d, hiddenN := h.w1.Dims()
	total := 0.0
	raw := make([]float64, d)
	for j := 0; j < d; j++ {
		sum := 0.0
		for k := 0; k < hiddenN; k++ {
			sum += math.Abs(h.w1.At(j, k))
		}
		raw[j] = sum
		total += sum
	}
	if total == 0 {
		return out
	}
	for j := 0; j < d && j < len(h.order); j++ {
		out[h.order[j]] = raw[j] / total
	}
	return out
}

func (h *mlpHead) standardize(col int, v float64) float64 {
	if col >= len(h.featMean) {
		return v
	}
	std := h.featStd[col]
	if std == 0 {
		return 0
	}
	return (v - h.featMean[col]) / std
}

type matData struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func denseToData(m *mat.Dense) matData {
	if m == nil {
		return matData{}
	}
	r, c := m.Dims()
	return matData{Rows: r, Cols: c, Data: append([]float64(nil), m.RawMatrix().Data...)}
}

func dataToDense(d matData) *mat.Dense {
	if d.Rows == 0 || d.Cols == 0 {
		return nil
	}
	return mat.NewDense(d.Rows, d.Cols, d.Data)
}

type mlpState struct {
	Hidden   int       `json:"hidden"`
	W1       matData   `json:"w1"`
	W2       matData   `json:"w2"`
	B1       []float64 `json:"b1"`
	B2       float64   `json:"b2"`
	FeatMean []float64 `json:"feat_mean"`
	FeatStd  []float64 `json:"feat_std"`
}

func (h *mlpHead) MarshalState() ([]byte, error) {
	return marshalState(h.state(), mlpState{
		Hidden:   h.hidden,
		W1:       denseToData(h.w1),
		W2:       denseToData(h.w2),
		B1:       h.b1,
		B2:       h.b2,
		FeatMean: h.featMean,
		FeatStd:  h.featStd,
	})
}

func (h *mlpHead) RestoreState(data []byte) error {
	var snap struct {
		Core  coreState `json:"core"`
		Model mlpState  `json:"model"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	h.restore(snap.Core)
	if snap.Model.Hidden > 0 {
		h.hidden = snap.Model.Hidden
	}
	h.w1 = dataToDense(snap.Model.W1)
	h.w2 = dataToDense(snap.Model.W2)
	h.b1 = snap.Model.B1
	h.b2 = snap.Model.B2
	h.featMean = snap.Model.FeatMean
	h.featStd = snap.Model.FeatStd
	if h.w1 == nil {
		h.trained = false
	}
	return nil
}

func randomDense(rows, cols int, scale float64, rng *rand.Rand) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	return mat.NewDense(rows, cols, data)
}

func columnStats(x [][]float64, d int) (means, stds []float64) {
	means = make([]float64, d)
	stds = make([]float64, d)
	n := float64(len(x))
	if n == 0 {
		return means, stds
	}
	for _, row := range x {
		for j := 0; j < d && j < len(row); j++ {
			means[j] += row[j]
		}
	}
	for j := range means {
		means[j] /= n
	}
	for _, row := range x {
		for j := 0; j < d && j < len(row); j++ {
			diff := row[j] - means[j]
			stds[j] += diff * diff
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / n)
	}
	return means, stds
}
