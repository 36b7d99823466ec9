package ml

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/logging"
)

func testMLConfig(dir string) *config.MLConfig {
	return &config.MLConfig{
		Enabled:      true,
		ModelDir:     dir,
		RetrainAfter: 24 * time.Hour,
		MLWeight:     0.80,
		MinTrainRows: 100,
	}
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stdout"})
}

// learnableSamples emits rows where the target follows one feature and two
// others are noise.
func learnableSamples(n int) []Sample {
	rng := rand.New(rand.NewSource(42))
	samples := make([]Sample, n)
	for i := range samples {
		x := rng.Float64()*2 - 1
		samples[i] = Sample{
			Features: map[string]float64{
				"driver":  x,
				"noise_a": rng.Float64()*2 - 1,
				"noise_b": rng.Float64()*2 - 1,
			},
			Target: clampScore(x * 0.8),
		}
	}
	return samples
}

func trainedEnsemble(t *testing.T, dir string) *Ensemble {
	t.Helper()
	ens := NewEnsemble(testMLConfig(dir), nil, testLogger())
	for _, s := range learnableSamples(300) {
		ens.AddSample(s)
	}
	if err := ens.Train(); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return ens
}

func TestEnsembleHeuristicFallback(t *testing.T) {
	ens := NewEnsemble(testMLConfig(t.TempDir()), nil, testLogger())

	pred, ok := ens.Predict(map[string]float64{
		"rsi_14":          80,
		"price_position":  0.95,
		"macd_hist_slope": 0.1,
	}, "BTCUSDT")
	if ok {
		t.Fatal("untrained ensemble must report ok=false")
	}
	if !pred.Heuristic {
		t.Error("fallback prediction should be flagged heuristic")
	}
	if pred.Confidence > 0.4 {
		t.Errorf("heuristic confidence %v exceeds 0.4", pred.Confidence)
	}
	if _, found := pred.PerModel["heuristic"]; !found {
		t.Error("per-model map missing heuristic entry")
	}
}

func TestEnsembleTrainAndPredict(t *testing.T) {
	ens := trainedEnsemble(t, t.TempDir())

	up, ok := ens.Predict(map[string]float64{"driver": 0.9, "noise_a": 0, "noise_b": 0}, "BTCUSDT")
	if !ok {
		t.Fatal("trained ensemble must report ok=true")
	}
	down, _ := ens.Predict(map[string]float64{"driver": -0.9, "noise_a": 0, "noise_b": 0}, "BTCUSDT")

	if up.Score <= 0 {
		t.Errorf("up score = %v, want positive", up.Score)
	}
	if down.Score >= 0 {
		t.Errorf("down score = %v, want negative", down.Score)
	}
	if up.Confidence <= 0 || up.Confidence > 1 {
		t.Errorf("confidence out of range: %v", up.Confidence)
	}
	if len(up.PerModel) == 0 {
		t.Error("per-model scores missing")
	}
	if up.Heuristic {
		t.Error("trained prediction must not be heuristic")
	}
}

func TestEnsemblePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ens := trainedEnsemble(t, dir)
	if err := ens.SaveModels(); err != nil {
		t.Fatalf("SaveModels: %v", err)
	}

	restored := NewEnsemble(testMLConfig(dir), nil, testLogger())
	if err := restored.LoadModels(); err != nil {
		t.Fatalf("LoadModels: %v", err)
	}

	features := map[string]float64{"driver": 0.7, "noise_a": 0.1, "noise_b": -0.2}
	orig, ok1 := ens.Predict(features, "BTCUSDT")
	back, ok2 := restored.Predict(features, "BTCUSDT")
	if !ok1 || !ok2 {
		t.Fatalf("predict availability: orig=%v restored=%v", ok1, ok2)
	}
	if math.Abs(orig.Score-back.Score) > 1e-9 {
		t.Errorf("restored score %v differs from original %v", back.Score, orig.Score)
	}
}

func TestEnsembleShouldRetrain(t *testing.T) {
	ens := NewEnsemble(testMLConfig(t.TempDir()), nil, testLogger())
	if ens.ShouldRetrain() {
		t.Error("no samples: should not retrain")
	}
	for _, s := range learnableSamples(150) {
		ens.AddSample(s)
	}
	if !ens.ShouldRetrain() {
		t.Error("untrained heads with enough samples should retrain")
	}
	if err := ens.Train(); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if ens.ShouldRetrain() {
		t.Error("freshly trained heads should not retrain")
	}
}

func TestResolveOutcomes(t *testing.T) {
	price := 100.0
	priceFn := func(symbol string) (float64, bool) { return price, true }
	ens := NewEnsemble(testMLConfig(t.TempDir()), priceFn, testLogger())

	ens.RecordPrediction("BTCUSDT", heuristic(map[string]float64{"rsi_14": 70}), map[string]float64{"rsi_14": 70})
	price = 101.0 // +1% move

	resolved := ens.ResolveOutcomes(0)
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	ens.mu.RLock()
	defer ens.mu.RUnlock()
	if len(ens.samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(ens.samples))
	}
	// +1% at scale 50 clamps to 0.5
	if math.Abs(ens.samples[0].Target-0.5) > 1e-9 {
		t.Errorf("target = %v, want 0.5", ens.samples[0].Target)
	}
	if len(ens.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(ens.pending))
	}
}

func TestPerformanceWeight(t *testing.T) {
	tests := []struct {
		r2, want float64
	}{
		{1.0, 1.0},
		{0.0, 0.5},
		{-1.0, 0.1},
		{-5.0, 0.1},
		{3.0, 1.0},
	}
	for _, tt := range tests {
		if got := performanceWeight(tt.r2); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("performanceWeight(%v) = %v, want %v", tt.r2, got, tt.want)
		}
	}
}

func TestEvaluate(t *testing.T) {
	predicted := []float64{0.5, -0.5, 0.2, -0.1}
	actual := []float64{0.4, -0.6, 0.3, 0.1}
	perf := Evaluate(predicted, actual)
	if perf.PredictionCount != 4 {
		t.Errorf("count = %d", perf.PredictionCount)
	}
	// Three of four directions match
	if math.Abs(perf.Accuracy-0.75) > 1e-9 {
		t.Errorf("accuracy = %v, want 0.75", perf.Accuracy)
	}
	if perf.MSE <= 0 || perf.MAE <= 0 {
		t.Errorf("mse=%v mae=%v, want positive", perf.MSE, perf.MAE)
	}
	if perf.R2 <= 0 {
		t.Errorf("r2 = %v, want positive for a close fit", perf.R2)
	}
}

func TestDatasetVectorize(t *testing.T) {
	samples := []Sample{
		{Features: map[string]float64{"b": 2, "a": 1}, Target: 0.1},
		{Features: map[string]float64{"a": 3, "c": math.NaN()}, Target: -0.1},
	}
	ds := NewDataset(samples)
	if len(ds.Order) != 3 || ds.Order[0] != "a" || ds.Order[1] != "b" || ds.Order[2] != "c" {
		t.Fatalf("order = %v", ds.Order)
	}
	// Missing and NaN features become zero
	if ds.X[1][1] != 0 || ds.X[1][2] != 0 {
		t.Errorf("row = %v, want zeros for missing/NaN", ds.X[1])
	}
	if ds.X[0][0] != 1 || ds.X[0][1] != 2 {
		t.Errorf("row = %v", ds.X[0])
	}
}
