package ml

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/signal"
)

// targetScale maps forward returns onto [-1,1]; a 2% move saturates
const targetScale = 50.0

// maxSamples caps the rolling training buffer
const maxSamples = 5000

// performanceWeight maps holdout R2 onto a multiplier per the weighting rule
func performanceWeight(r2 float64) float64 {
	w := (r2 + 1) / 2
	if w < 0.1 {
		return 0.1
	}
	if w > 1.0 {
		return 1.0
	}
	return w
}

// PriceFunc resolves the current price for outcome scoring
type PriceFunc func(symbol string) (float64, bool)

// pendingPrediction waits for its outcome horizon to elapse
type pendingPrediction struct {
	symbol     string
	features   map[string]float64
	score      float64
	priceAtRec float64
	recordedAt time.Time
}

// Ensemble holds four model heads behind the MLPort contract. Until a head is
// trained it serves a deterministic technical heuristic with ok=false so the
// fusion weights collapse onto technical and news.
type Ensemble struct {
	config  *config.MLConfig
	heads   []Head
	priceFn PriceFunc
	logger  *logging.Logger

	mu      sync.RWMutex
	order   []string
	samples []Sample
	pending []pendingPrediction

	predictions int
	outcomes    int
	hitCount    int
}

// NewEnsemble builds the four-head ensemble; priceFn may be nil (outcome
// scoring is then skipped).
func NewEnsemble(cfg *config.MLConfig, priceFn PriceFunc, logger *logging.Logger) *Ensemble {
	return &Ensemble{
		config:  cfg,
		priceFn: priceFn,
		logger:  logger.WithComponent("ml"),
		heads: []Head{
			newForestHead(),
			newExtraTreesHead(),
			newGBTHead(),
			newMLPHead(),
		},
	}
}

// Predict returns the weighted ensemble prediction. ok=false means no head is
// trained; the returned value is then the heuristic fallback so callers always
// receive a valid tuple.
func (e *Ensemble) Predict(features map[string]float64, symbol string) (signal.MLPrediction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	trained := e.trainedHeads()
	if len(trained) == 0 {
		return heuristic(features), false
	}

	row := Vectorize(features, e.order)
	perModel := make(map[string]float64, len(trained))
	var weightSum, scoreSum float64
	var confs, scores []float64

	for _, h := range trained {
		score, conf := h.Predict(row)
		perModel[h.Name()] = score
		weight := h.BaseWeight() * conf * performanceWeight(h.Performance().R2)
		weightSum += weight
		scoreSum += score * weight
		confs = append(confs, conf)
		scores = append(scores, score)
	}
	if weightSum == 0 {
		return heuristic(features), false
	}

	agreement := 1 - clamp01(stdDev(scores))
	pred := signal.MLPrediction{
		Score:      clampScore(scoreSum / weightSum),
		Confidence: clamp01(0.7*mean(confs) + 0.3*agreement),
		PerModel:   perModel,
	}
	return pred, true
}

// RecordPrediction queues a prediction for outcome scoring once the horizon
// elapses.
func (e *Ensemble) RecordPrediction(symbol string, prediction signal.MLPrediction, features map[string]float64) {
	price := 0.0
	if e.priceFn != nil {
		if p, ok := e.priceFn(symbol); ok {
			price = p
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predictions++
	if price <= 0 {
		return
	}
	e.pending = append(e.pending, pendingPrediction{
		symbol:     symbol,
		features:   features,
		score:      prediction.Score,
		priceAtRec: price,
		recordedAt: time.Now().UTC(),
	})
}

// ResolveOutcomes converts matured pending predictions into training samples
// using the realized move since recording. Returns how many were resolved.
func (e *Ensemble) ResolveOutcomes(horizon time.Duration) int {
	if e.priceFn == nil {
		return 0
	}
	cutoff := time.Now().UTC().Add(-horizon)

	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []pendingPrediction
	resolved := 0
	for _, p := range e.pending {
		if p.recordedAt.After(cutoff) {
			kept = append(kept, p)
			continue
		}
		price, ok := e.priceFn(p.symbol)
		if !ok || p.priceAtRec <= 0 {
			continue
		}
		move := (price - p.priceAtRec) / p.priceAtRec
		target := clampScore(move * targetScale)
		e.samples = append(e.samples, Sample{Features: p.features, Target: target})
		if len(e.samples) > maxSamples {
			e.samples = e.samples[len(e.samples)-maxSamples:]
		}
		e.outcomes++
		if (p.score > 0) == (move > 0) && p.score != 0 {
			e.hitCount++
		}
		resolved++
	}
	e.pending = kept
	return resolved
}

// ShouldRetrain reports whether any head is untrained or stale and enough
// samples have accumulated.
func (e *Ensemble) ShouldRetrain() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.samples) < e.config.MinTrainRows {
		return false
	}
	for _, h := range e.heads {
		if !h.IsTrained() || time.Since(h.TrainedAt()) > e.config.RetrainAfter {
			return true
		}
	}
	return false
}

// Train fits every head on the buffered samples. A failing head is logged and
// skipped; it does not block the others.
func (e *Ensemble) Train() error {
	e.mu.Lock()
	samples := append([]Sample(nil), e.samples...)
	e.mu.Unlock()

	if len(samples) < e.config.MinTrainRows {
		return ErrInsufficientData
	}
	ds := NewDataset(samples)

	trainedAny := false
	for _, h := range e.heads {
		if err := h.Train(ds); err != nil {
			e.logger.Warn("head training failed", "head", h.Name(), "error", err.Error())
			continue
		}
		perf := h.Performance()
		e.logger.Info("head trained",
			"head", h.Name(),
			"rows", ds.Len(),
			"r2", perf.R2,
			"accuracy", perf.Accuracy,
		)
		trainedAny = true
	}
	if !trainedAny {
		return ErrInsufficientData
	}

	e.mu.Lock()
	e.order = ds.Order
	e.mu.Unlock()
	return nil
}

// AddSample injects a labelled row directly (startup backfill from the store)
func (e *Ensemble) AddSample(s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, s)
	if len(e.samples) > maxSamples {
		e.samples = e.samples[len(e.samples)-maxSamples:]
	}
}

// SaveModels persists each trained head under the model directory
func (e *Ensemble) SaveModels() error {
	if err := os.MkdirAll(e.config.ModelDir, 0o755); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, h := range e.heads {
		if !h.IsTrained() {
			continue
		}
		data, err := h.MarshalState()
		if err != nil {
			return err
		}
		path := filepath.Join(e.config.ModelDir, h.Name()+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// LoadModels restores persisted heads at startup; missing files are fine
func (e *Ensemble) LoadModels() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.heads {
		path := filepath.Join(e.config.ModelDir, h.Name()+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := h.RestoreState(data); err != nil {
			e.logger.Warn("model restore failed", "head", h.Name(), "error", err.Error())
			continue
		}
		if h.IsTrained() {
			e.logger.Info("model restored", "head", h.Name(), "trained_at", h.TrainedAt())
		}
	}
	// Recover the column order from any restored head's importance map keys
	for _, h := range e.heads {
		if h.IsTrained() {
			if core, ok := h.(interface{ featureOrder() []string }); ok {
				e.order = core.featureOrder()
				break
			}
		}
	}
	return nil
}

// FeatureImportance merges per-head importances weighted by base weight
func (e *Ensemble) FeatureImportance() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[string]float64{}
	for _, h := range e.trainedHeads() {
		for name, v := range h.FeatureImportance() {
			out[name] += v * h.BaseWeight()
		}
	}
	return out
}

// GetStats reports ensemble health
func (e *Ensemble) GetStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	heads := make(map[string]interface{}, len(e.heads))
	for _, h := range e.heads {
		perf := h.Performance()
		heads[h.Name()] = map[string]interface{}{
			"trained":    h.IsTrained(),
			"trained_at": h.TrainedAt(),
			"r2":         perf.R2,
			"accuracy":   perf.Accuracy,
			"mse":        perf.MSE,
		}
	}
	hitRate := 0.0
	if e.outcomes > 0 {
		hitRate = float64(e.hitCount) / float64(e.outcomes)
	}
	return map[string]interface{}{
		"heads":       heads,
		"samples":     len(e.samples),
		"pending":     len(e.pending),
		"predictions": e.predictions,
		"outcomes":    e.outcomes,
		"hit_rate":    hitRate,
	}
}

func (e *Ensemble) trainedHeads() []Head {
	var out []Head
	for _, h := range e.heads {
		if h.IsTrained() {
			out = append(out, h)
		}
	}
	return out
}

// heuristic is the deterministic fallback when no head is trained: RSI
// posture, Bollinger position and MACD slope, at low confidence.
func heuristic(features map[string]float64) signal.MLPrediction {
	score := 0.0
	if rsi, ok := features["rsi_14"]; ok {
		score += clampScore((rsi - 50) / 50 * 0.8)
	}
	if pos, ok := features["price_position"]; ok {
		// Fade band extremes
		if pos > 0.9 {
			score -= 0.3
		} else if pos < 0.1 {
			score += 0.3
		}
	}
	if slope, ok := features["macd_hist_slope"]; ok {
		if slope > 0 {
			score += 0.2
		} else if slope < 0 {
			score -= 0.2
		}
	}
	score = clampScore(score)
	return signal.MLPrediction{
		Score:      score,
		Confidence: math.Min(0.4, 0.2+math.Abs(score)*0.2),
		PerModel:   map[string]float64{"heuristic": score},
		Heuristic:  true,
	}
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
