package signal

import (
	"math"
	"testing"

	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/indicators"
)

func TestCombineTimeframes(t *testing.T) {
	t.Run("all long and aligned", func(t *testing.T) {
		results := []TimeframeResult{
			{Timeframe: "15m", Weight: 0.2, Direction: DirectionLong, Score: 0.5, Confidence: 60},
			{Timeframe: "1h", Weight: 0.35, Direction: DirectionLong, Score: 0.6, Confidence: 70},
			{Timeframe: "4h", Weight: 0.45, Direction: DirectionLong, Score: 0.4, Confidence: 65},
		}
		out := CombineTimeframes(results, 0.6)
		if out.Direction != DirectionLong {
			t.Fatalf("direction = %s, want long", out.Direction)
		}
		if !out.Aligned {
			t.Error("expected aligned view")
		}
		if out.Divergent {
			t.Error("unexpected divergence")
		}
		if math.Abs(out.AlignmentScore-1.0) > 1e-9 {
			t.Errorf("alignment = %v, want 1.0", out.AlignmentScore)
		}
		want := 0.5*0.2 + 0.6*0.35 + 0.4*0.45
		want /= 1.0
		if math.Abs(out.Score-want) > 1e-9 {
			t.Errorf("score = %v, want %v", out.Score, want)
		}
	})

	t.Run("divergence penalizes confidence", func(t *testing.T) {
		results := []TimeframeResult{
			{Timeframe: "15m", Weight: 0.5, Direction: DirectionLong, Score: 0.6, Confidence: 80},
			{Timeframe: "1h", Weight: 0.5, Direction: DirectionShort, Score: -0.4, Confidence: 80},
		}
		out := CombineTimeframes(results, 0.5)
		if !out.Divergent {
			t.Fatal("expected divergent view")
		}
		if out.Aligned {
			t.Error("divergent view must not be aligned")
		}
		// 80 weighted avg, then x0.8 divergence penalty
		if math.Abs(out.Confidence-64) > 1e-9 {
			t.Errorf("confidence = %v, want 64", out.Confidence)
		}
	})

	t.Run("misalignment penalizes confidence", func(t *testing.T) {
		results := []TimeframeResult{
			{Timeframe: "15m", Weight: 0.5, Direction: DirectionLong, Score: 0.2, Confidence: 60},
			{Timeframe: "1h", Weight: 0.5, Direction: DirectionShort, Score: -0.1, Confidence: 60},
		}
		out := CombineTimeframes(results, 0.9)
		if out.Aligned {
			t.Error("should not be aligned at 0.9 requirement")
		}
		if math.Abs(out.Confidence-42) > 1e-9 {
			t.Errorf("confidence = %v, want 42 (60 x 0.7)", out.Confidence)
		}
	})

	t.Run("empty input is neutral", func(t *testing.T) {
		out := CombineTimeframes(nil, 0.6)
		if out.Direction != DirectionNeutral || out.Score != 0 {
			t.Errorf("got %s/%v, want neutral/0", out.Direction, out.Score)
		}
	})
}

func TestSelectRegime(t *testing.T) {
	tests := []struct {
		name                               string
		price, momentum, trend, volatility float64
		want                               Regime
	}{
		{"strong uptrend", 0.6, 0.3, 0.8, 0.3, RegimeTrendingUp},
		{"strong downtrend", -0.6, -0.3, 0.8, 0.3, RegimeTrendingDown},
		{"volatile dominates weak trend", 0.1, 0.0, 0.3, 0.8, RegimeVolatile},
		{"flat is ranging", 0.1, 0.0, 0.2, 0.3, RegimeRanging},
		{"bias fallback up", 0.5, 0.4, 0.5, 0.3, RegimeTrendingUp},
		{"bias fallback down", -0.5, -0.4, 0.5, 0.3, RegimeTrendingDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectRegime(tt.price, tt.momentum, tt.trend, tt.volatility)
			if got != tt.want {
				t.Errorf("selectRegime = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegimeConfidenceBounds(t *testing.T) {
	// Full agreement with max trend should hit the upper clamp
	high := regimeConfidence(RegimeTrendingUp, 0.9, 0.9, 1.0, 0.2)
	if high > 95 {
		t.Errorf("confidence %v exceeds 95", high)
	}
	if high < 90 {
		t.Errorf("confidence %v too low for full agreement", high)
	}

	// Heavy volatility drags toward the floor but never below 20
	low := regimeConfidence(RegimeTrendingUp, -0.9, 0.9, 0.1, 1.0)
	if low < 20 {
		t.Errorf("confidence %v below floor", low)
	}
}

func TestRegimeParams(t *testing.T) {
	trending := regimeParams(RegimeTrendingUp)
	if trending.MaxPositions != 3 || math.Abs(trending.PositionSizeMultiplier-1.2) > 1e-9 {
		t.Errorf("trending pack = %+v", trending)
	}
	volatile := regimeParams(RegimeVolatile)
	if volatile.MaxPositions != 1 || math.Abs(volatile.PositionSizeMultiplier-0.6) > 1e-9 {
		t.Errorf("volatile pack = %+v", volatile)
	}
	ranging := regimeParams(RegimeRanging)
	if ranging.MaxPositions != 2 || math.Abs(ranging.SignalThresholdMultiplier-1.1) > 1e-9 {
		t.Errorf("ranging pack = %+v", ranging)
	}
}

func TestFuse(t *testing.T) {
	strongLong := FusionInput{
		MTF: MTFResult{Score: 1.0, Confidence: 90, Direction: DirectionLong},
		Regime: RegimeResult{
			Regime:     RegimeTrendingUp,
			Confidence: 95,
		},
		Patterns: PatternResult{Score: 1.0},
		News:     NewsAssessment{Sentiment: 1.0, Impact: ImpactMedium, Confidence: 0.9},
		NewsOK:   true,
	}

	t.Run("ml absent collapses weights", func(t *testing.T) {
		out := Fuse(strongLong, DefaultFusionWeights())
		// technical = 1.0*0.5 + 0.95*0.3 + 1.0*0.2 = 0.985
		want := 0.985*0.80 + 1.0*0.20
		if math.Abs(out.Score-want) > 1e-9 {
			t.Errorf("score = %v, want %v", out.Score, want)
		}
		if out.Components.ML != 0 {
			t.Errorf("ml component = %v, want 0", out.Components.ML)
		}
	})

	t.Run("ml present uses full split", func(t *testing.T) {
		in := strongLong
		in.ML = MLPrediction{Score: 0.5, Confidence: 0.8}
		in.MLOK = true
		out := Fuse(in, DefaultFusionWeights())
		want := 0.985*0.60 + 0.5*(0.80*0.40) + 1.0*(0.20*0.40)
		if math.Abs(out.Score-want) > 1e-9 {
			t.Errorf("score = %v, want %v", out.Score, want)
		}
	})

	t.Run("agreement bonus raises confidence", func(t *testing.T) {
		agreed := strongLong
		agreed.ML = MLPrediction{Score: 0.5, Confidence: 0.6}
		agreed.MLOK = true

		disagreed := agreed
		disagreed.ML = MLPrediction{Score: -0.5, Confidence: 0.6}

		confAgree := Fuse(agreed, DefaultFusionWeights()).Confidence
		confDisagree := Fuse(disagreed, DefaultFusionWeights()).Confidence
		if confAgree <= confDisagree {
			t.Errorf("agreement confidence %v should exceed disagreement %v", confAgree, confDisagree)
		}
	})

	t.Run("configured weights change the blend", func(t *testing.T) {
		in := strongLong
		in.ML = MLPrediction{Score: 0.5, Confidence: 0.8}
		in.MLOK = true
		custom := FusionWeights{Technical: 0.60, ML: 0.50, News: 0.50}
		out := Fuse(in, custom)
		want := 0.985*0.60 + 0.5*(0.50*0.40) + 1.0*(0.50*0.40)
		if math.Abs(out.Score-want) > 1e-9 {
			t.Errorf("score = %v, want %v", out.Score, want)
		}
	})

	t.Run("volatile regime docks confidence", func(t *testing.T) {
		calm := strongLong
		calm.Regime.VolatilityScore = 0.2
		stormy := strongLong
		stormy.Regime.VolatilityScore = 1.0

		if Fuse(stormy, DefaultFusionWeights()).Confidence >= Fuse(calm, DefaultFusionWeights()).Confidence {
			t.Error("high volatility should reduce confidence")
		}
	})
}

func TestImpactScale(t *testing.T) {
	tests := []struct {
		impact NewsImpact
		want   float64
	}{
		{ImpactHigh, 1.5},
		{ImpactMedium, 1.0},
		{ImpactLow, 0.5},
	}
	for _, tt := range tests {
		if got := impactScale(tt.impact); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("impactScale(%s) = %v, want %v", tt.impact, got, tt.want)
		}
	}
}

func TestCandlestickDetection(t *testing.T) {
	t.Run("bullish engulfing", func(t *testing.T) {
		prev := exchange.Candle{Open: 105, High: 106, Low: 99, Close: 100}
		cur := exchange.Candle{Open: 99, High: 108, Low: 98, Close: 107}
		if !isBullishEngulfing(prev, cur) {
			t.Error("expected bullish engulfing")
		}
		if isBearishEngulfing(prev, cur) {
			t.Error("unexpected bearish engulfing")
		}
	})

	t.Run("bearish engulfing", func(t *testing.T) {
		prev := exchange.Candle{Open: 100, High: 106, Low: 99, Close: 105}
		cur := exchange.Candle{Open: 106, High: 107, Low: 98, Close: 99}
		if !isBearishEngulfing(prev, cur) {
			t.Error("expected bearish engulfing")
		}
	})

	t.Run("doji", func(t *testing.T) {
		if !isDoji(exchange.Candle{Open: 100, High: 103, Low: 97, Close: 100.2}) {
			t.Error("expected doji")
		}
		if isDoji(exchange.Candle{Open: 100, High: 103, Low: 97, Close: 102.5}) {
			t.Error("large body should not be a doji")
		}
	})

	t.Run("three soldiers", func(t *testing.T) {
		a := exchange.Candle{Open: 100, High: 103, Low: 99, Close: 102}
		b := exchange.Candle{Open: 102, High: 105, Low: 101, Close: 104}
		c := exchange.Candle{Open: 104, High: 107, Low: 103, Close: 106}
		if !threeSoldiers(a, b, c) {
			t.Error("expected three white soldiers")
		}
		if threeCrows(a, b, c) {
			t.Error("unexpected three black crows")
		}
	})
}

func TestDetectPatternsScoring(t *testing.T) {
	candles := syntheticCandles(80)
	// End with a clear bullish engulfing
	n := len(candles)
	candles[n-2] = exchange.Candle{Open: 105, High: 106, Low: 99, Close: 100, Volume: 100}
	candles[n-1] = exchange.Candle{Open: 99, High: 108, Low: 98, Close: 107, Volume: 120}
	ind := indicators.Compute(candles)

	t.Run("neutral direction scores zero", func(t *testing.T) {
		out := DetectPatterns(candles, ind, DirectionNeutral)
		if out.Score != 0 {
			t.Errorf("score = %v, want 0 for neutral direction", out.Score)
		}
	})

	t.Run("aligned bullish pattern boosts long", func(t *testing.T) {
		out := DetectPatterns(candles, ind, DirectionLong)
		found := false
		for _, p := range out.Patterns {
			if p.Name == "bullish_engulfing" {
				found = true
			}
		}
		if !found {
			t.Fatal("bullish_engulfing not detected")
		}
		if out.Score <= 0 {
			t.Errorf("score = %v, want positive for aligned bullish pattern", out.Score)
		}
	})

	t.Run("opposite direction scores strictly lower", func(t *testing.T) {
		long := DetectPatterns(candles, ind, DirectionLong)
		short := DetectPatterns(candles, ind, DirectionShort)
		if long.Score <= short.Score {
			t.Errorf("long score %v should exceed short score %v with bullish patterns present", long.Score, short.Score)
		}
	})
}

func TestVerdictThreshold(t *testing.T) {
	sub := SubScores{Trend: 0.5, Momentum: 0.5}
	t.Run("above threshold goes long", func(t *testing.T) {
		v := verdict(0.45, sub, 0.3)
		if v.Direction != DirectionLong {
			t.Errorf("direction = %s, want long", v.Direction)
		}
	})
	t.Run("at threshold stays neutral", func(t *testing.T) {
		v := verdict(0.3, sub, 0.3)
		if v.Direction != DirectionNeutral {
			t.Errorf("direction = %s, want neutral at exact threshold", v.Direction)
		}
	})
	t.Run("below negative threshold goes short", func(t *testing.T) {
		v := verdict(-0.6, sub, 0.5)
		if v.Direction != DirectionShort {
			t.Errorf("direction = %s, want short", v.Direction)
		}
	})
}

func TestSubAgreement(t *testing.T) {
	t.Run("unanimous", func(t *testing.T) {
		a := subAgreement(SubScores{Trend: 0.5, Momentum: 0.3, Volume: 0.2, SupportResist: 0.1, MeanReversion: 0.4})
		if math.Abs(a-1.0) > 1e-9 {
			t.Errorf("agreement = %v, want 1.0", a)
		}
	})
	t.Run("split majority", func(t *testing.T) {
		a := subAgreement(SubScores{Trend: 0.5, Momentum: 0.3, Volume: -0.2})
		if math.Abs(a-2.0/3.0) > 1e-9 {
			t.Errorf("agreement = %v, want 2/3", a)
		}
	})
	t.Run("all flat", func(t *testing.T) {
		if a := subAgreement(SubScores{}); a != 0 {
			t.Errorf("agreement = %v, want 0", a)
		}
	})
}

func TestBuildFeaturesNoNaN(t *testing.T) {
	candles := syntheticCandles(250)
	ind := indicators.Compute(candles)
	regime := ClassifyRegime(ind)
	features := BuildFeatures(ind, regime)
	if len(features) < 15 {
		t.Fatalf("only %d features built", len(features))
	}
	for name, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("feature %s is not finite: %v", name, v)
		}
	}
}

// syntheticCandles builds a deterministic trending series with mild waves
func syntheticCandles(n int) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		wave := math.Sin(float64(i)/7) * 1.5
		open := price
		close := price + 0.15 + wave*0.3
		hi := math.Max(open, close) + 0.5
		lo := math.Min(open, close) - 0.5
		candles[i] = exchange.Candle{
			Open: open, High: hi, Low: lo, Close: close,
			Volume: 1000 + 100*math.Abs(wave),
		}
		price = close
	}
	return candles
}
