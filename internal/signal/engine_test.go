package signal

import (
	"context"
	"math"
	"testing"
	"time"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/indicators"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/marketdata"
)

// stubPort feeds deterministic candles for every timeframe
type stubPort struct {
	candles int
	drift   float64
}

func (p *stubPort) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	n := p.candles
	if n > limit {
		n = limit
	}
	step := marketdata.TimeframeDuration(timeframe)
	start := time.Now().UTC().Truncate(step).Add(-step * time.Duration(n))
	out := make([]exchange.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		wave := math.Sin(float64(i)/9) * 0.8
		open := price
		close := price + p.drift + wave*0.2
		out[i] = exchange.Candle{
			OpenTime:  start.Add(step * time.Duration(i)),
			CloseTime: start.Add(step * time.Duration(i+1)),
			Open:      open,
			High:      math.Max(open, close) + 0.4,
			Low:       math.Min(open, close) - 0.4,
			Close:     close,
			Volume:    1500,
		}
		price = close
	}
	return out, nil
}

func (p *stubPort) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{}, nil
}
func (p *stubPort) FetchPositions(ctx context.Context, symbol string) ([]exchange.ExchangePosition, error) {
	return nil, nil
}
func (p *stubPort) PlaceOrder(ctx context.Context, symbol string, side exchange.OrderSide, typ exchange.OrderType, qty, price float64, params exchange.OrderParams) (*exchange.Order, error) {
	return nil, nil
}
func (p *stubPort) CancelOrder(ctx context.Context, id, symbol string) error       { return nil }
func (p *stubPort) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (p *stubPort) CurrentPrice(symbol string) (float64, bool)                     { return 0, false }

// stubNews returns a fixed assessment
type stubNews struct {
	assessment NewsAssessment
}

func (n *stubNews) Assessment(symbol string) NewsAssessment { return n.assessment }

// stubML returns a fixed prediction and records calls
type stubML struct {
	prediction MLPrediction
	available  bool
	recorded   int
}

func (m *stubML) Predict(features map[string]float64, symbol string) (MLPrediction, bool) {
	return m.prediction, m.available
}
func (m *stubML) RecordPrediction(symbol string, prediction MLPrediction, features map[string]float64) {
	m.recorded++
}

func testSymbolParams() *config.SymbolParams {
	return &config.SymbolParams{
		Symbol: "BTCUSDT",
		TimeframeWeights: map[string]float64{
			"15m": 0.2, "1h": 0.35, "4h": 0.3, "1d": 0.15,
		},
		SignalThreshold:     0.25,
		ConfidenceRequired:  45,
		TimeframeAgreement:  0.6,
		FallbackStopPct:     0.01,
		FallbackTargetPct:   0.02,
		ATRPeriod:           14,
		ATRStopMultiplier:   1.5,
		ATRTargetMultiplier: 3.0,
	}
}

func testEngine(t *testing.T, port exchange.Port, news NewsPort, ml MLPort) *Engine {
	t.Helper()
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout"})
	market := marketdata.New(marketdata.DefaultConfig(), port, exchange.NewLiveCache(), logger)
	symbols := map[string]*config.SymbolParams{"BTCUSDT": testSymbolParams()}
	return NewEngine(nil, symbols, market, news, ml, logger)
}

func TestEngineEvaluate(t *testing.T) {
	t.Run("produces a complete signal", func(t *testing.T) {
		ml := &stubML{prediction: MLPrediction{Score: 0.4, Confidence: 0.7}, available: true}
		news := &stubNews{assessment: NewsAssessment{Sentiment: 0.3, Impact: ImpactMedium, Confidence: 0.8}}
		eng := testEngine(t, &stubPort{candles: 300, drift: 0.2}, news, ml)

		sig, err := eng.Evaluate(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if sig.SkipReason == "insufficient_data" {
			t.Fatal("unexpected insufficient_data skip")
		}
		if sig.Regime == "" {
			t.Error("regime not set")
		}
		if sig.StopPct <= 0 || sig.TargetPct <= 0 {
			t.Errorf("stop/target not derived: %v/%v", sig.StopPct, sig.TargetPct)
		}
		if math.IsNaN(sig.Score) || math.IsNaN(sig.Confidence) {
			t.Error("score or confidence is NaN")
		}
		if ml.recorded != 1 {
			t.Errorf("RecordPrediction called %d times, want 1", ml.recorded)
		}
		if _, ok := eng.LastSignal("BTCUSDT"); !ok {
			t.Error("signal not remembered")
		}
	})

	t.Run("insufficient data skips", func(t *testing.T) {
		eng := testEngine(t, &stubPort{candles: 120, drift: 0.2}, nil, nil)
		sig, err := eng.Evaluate(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if sig.SkipReason != "insufficient_data" {
			t.Errorf("skip reason = %q, want insufficient_data", sig.SkipReason)
		}
		if sig.ShouldTrade {
			t.Error("must not trade without data")
		}
	})

	t.Run("emergency news flags the signal", func(t *testing.T) {
		news := &stubNews{assessment: NewsAssessment{Sentiment: -0.9, Impact: ImpactHigh, Confidence: 0.9, EmergencySeverity: 1.5}}
		eng := testEngine(t, &stubPort{candles: 300, drift: 0.2}, news, nil)
		sig, err := eng.Evaluate(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !sig.Emergency {
			t.Error("emergency severity 1.5 should flag the signal")
		}
	})

	t.Run("unknown symbol errors", func(t *testing.T) {
		eng := testEngine(t, &stubPort{candles: 300, drift: 0.2}, nil, nil)
		if _, err := eng.Evaluate(context.Background(), "DOGEUSDT"); err == nil {
			t.Fatal("expected error for unconfigured symbol")
		}
	})
}

func TestEngineDecide(t *testing.T) {
	eng := testEngine(t, &stubPort{candles: 300, drift: 0.2}, nil, nil)
	params := testSymbolParams()
	regime := RegimeResult{Regime: RegimeRanging, Params: regimeParams(RegimeRanging)}
	mtf := MTFResult{Aligned: true}
	candles := choppyCandles(250)
	primary := &timeframeData{candles: candles, ind: indicators.Compute(candles)}

	mkSignal := func(score, confidence float64) *Signal {
		return &Signal{Symbol: "BTCUSDT", Direction: DirectionNeutral, Score: score, Confidence: confidence}
	}

	t.Run("exact threshold does not trade", func(t *testing.T) {
		// ranging multiplier 1.1 -> effective threshold 0.275
		sig := mkSignal(0.275, 90)
		eng.decide(sig, params, regime, mtf, primary)
		if sig.ShouldTrade {
			t.Error("score at exact threshold must not trade")
		}
		if sig.SkipReason != "below_threshold" {
			t.Errorf("skip reason = %q", sig.SkipReason)
		}
	})

	t.Run("above threshold with confidence trades", func(t *testing.T) {
		sig := mkSignal(0.40, 90)
		eng.decide(sig, params, regime, mtf, primary)
		if !sig.ShouldTrade {
			t.Errorf("expected trade, skip reason %q", sig.SkipReason)
		}
		if sig.Direction != DirectionLong {
			t.Errorf("direction = %s, want long", sig.Direction)
		}
	})

	t.Run("low confidence blocks", func(t *testing.T) {
		sig := mkSignal(0.40, 30)
		eng.decide(sig, params, regime, mtf, primary)
		if sig.ShouldTrade || sig.SkipReason != "low_confidence" {
			t.Errorf("trade=%v reason=%q", sig.ShouldTrade, sig.SkipReason)
		}
	})

	t.Run("misaligned blocks", func(t *testing.T) {
		sig := mkSignal(-0.40, 90)
		eng.decide(sig, params, regime, MTFResult{Aligned: false}, primary)
		if sig.ShouldTrade || sig.SkipReason != "misaligned_timeframes" {
			t.Errorf("trade=%v reason=%q", sig.ShouldTrade, sig.SkipReason)
		}
		if sig.Direction != DirectionShort {
			t.Errorf("direction = %s, want short even when blocked", sig.Direction)
		}
	})

	t.Run("extreme rsi gate", func(t *testing.T) {
		strict := testSymbolParams()
		strict.ExtremeRSIOnly = true
		sig := mkSignal(0.40, 90)
		eng.decide(sig, strict, regime, mtf, primary)
		// Synthetic series trends gently; RSI sits inside [25,75]
		if sig.ShouldTrade {
			t.Error("mid-range RSI must block an extreme-RSI-only symbol")
		}
		if sig.SkipReason != "rsi_not_extreme" {
			t.Errorf("skip reason = %q", sig.SkipReason)
		}
	})
}

// choppyCandles alternates small gains and losses so oscillators stay
// mid-range.
func choppyCandles(n int) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		delta := 0.1
		if i%2 == 1 {
			delta = -0.1
		}
		open := price
		close := price + delta
		candles[i] = exchange.Candle{
			Open: open, High: math.Max(open, close) + 0.2, Low: math.Min(open, close) - 0.2,
			Close: close, Volume: 1000,
		}
		price = close
	}
	return candles
}
