package signal

import (
	"math"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/indicators"
)

// SubScores breaks a strategy verdict into its analyses, each in [-1,1]
type SubScores struct {
	Trend         float64 `json:"trend"`
	MeanReversion float64 `json:"mean_reversion"`
	Momentum      float64 `json:"momentum"`
	Volume        float64 `json:"volume"`
	SupportResist float64 `json:"support_resist"`
}

// Strategy turns one timeframe's candles and indicators into a directional
// verdict. Implementations are stateless values.
type Strategy interface {
	Name() string
	Analyze(symbol string, candles []exchange.Candle, ind *indicators.Set) TimeframeResult
}

// StrategyFor returns the strategy matching a symbol profile
func StrategyFor(params *config.SymbolParams) Strategy {
	if params.StrategyProfile == "eth" {
		return &momentumLedStrategy{}
	}
	return &trendLedStrategy{}
}

// ==================== TREND-LED (BTC-LIKE) ====================

// trendLedStrategy weights trend heaviest; the default profile.
type trendLedStrategy struct{}

func (s *trendLedStrategy) Name() string { return "trend_led" }

func (s *trendLedStrategy) Analyze(symbol string, candles []exchange.Candle, ind *indicators.Set) TimeframeResult {
	sub := computeSubScores(candles, ind)
	score := sub.Trend*0.35 + sub.Momentum*0.25 + sub.MeanReversion*0.15 +
		sub.Volume*0.125 + sub.SupportResist*0.125
	return verdict(score, sub, 0.3)
}

// ==================== MOMENTUM-LED (ETH-LIKE) ====================

// momentumLedStrategy boosts momentum, weakens mean reversion and demands a
// stronger score before committing to a direction.
type momentumLedStrategy struct{}

func (s *momentumLedStrategy) Name() string { return "momentum_led" }

func (s *momentumLedStrategy) Analyze(symbol string, candles []exchange.Candle, ind *indicators.Set) TimeframeResult {
	sub := computeSubScores(candles, ind)
	sub.Momentum = clamp(sub.Momentum*1.2, -1, 1)
	sub.MeanReversion = sub.MeanReversion * 0.8
	score := sub.Trend*0.3 + sub.Momentum*0.3 + sub.MeanReversion*0.15 +
		sub.Volume*0.125 + sub.SupportResist*0.125
	return verdict(score, sub, 0.5)
}

// verdict converts a composite score into a TimeframeResult
func verdict(score float64, sub SubScores, threshold float64) TimeframeResult {
	score = clamp(score, -1, 1)
	dir := DirectionNeutral
	if score > threshold {
		dir = DirectionLong
	} else if score < -threshold {
		dir = DirectionShort
	}

	// Confidence rises with magnitude and with sub-analysis agreement
	agree := subAgreement(sub)
	confidence := clamp(math.Abs(score)*70+agree*30, 0, 100)

	return TimeframeResult{
		Direction:  dir,
		Score:      score,
		Confidence: confidence,
	}
}

// subAgreement is the fraction of non-zero sub-scores sharing the majority
// sign.
func subAgreement(sub SubScores) float64 {
	scores := []float64{sub.Trend, sub.MeanReversion, sub.Momentum, sub.Volume, sub.SupportResist}
	pos, neg, total := 0, 0, 0
	for _, s := range scores {
		if math.Abs(s) < 0.05 {
			continue
		}
		total++
		if s > 0 {
			pos++
		} else {
			neg++
		}
	}
	if total == 0 {
		return 0
	}
	if pos > neg {
		return float64(pos) / float64(total)
	}
	return float64(neg) / float64(total)
}

// ==================== SUB-ANALYSES ====================

func computeSubScores(candles []exchange.Candle, ind *indicators.Set) SubScores {
	return SubScores{
		Trend:         trendScore(ind),
		MeanReversion: meanReversionScore(ind),
		Momentum:      momentumScore(ind),
		Volume:        volumeScore(candles, ind),
		SupportResist: supportResistScore(candles),
	}
}

// trendScore reads EMA stacking, the 200-SMA side and supertrend direction
func trendScore(ind *indicators.Set) float64 {
	close := indicators.Last(indicators.Closes(ind.Candles))
	ema20 := indicators.Last(ind.EMA20)
	ema50 := indicators.Last(ind.EMA50)
	sma200 := indicators.Last(ind.SMA200)
	stDir := indicators.Last(ind.SupertrendDir)

	score := 0.0
	if !math.IsNaN(ema20) && !math.IsNaN(ema50) {
		if ema20 > ema50 {
			score += 0.3
		} else {
			score -= 0.3
		}
	}
	if !math.IsNaN(sma200) {
		if close > sma200 {
			score += 0.3
		} else {
			score -= 0.3
		}
	}
	if !math.IsNaN(stDir) {
		score += 0.25 * stDir
	}
	if !math.IsNaN(ema20) && close != 0 {
		// Distance above/below the fast EMA, capped
		score += clamp((close-ema20)/close*20, -0.15, 0.15)
	}
	return clamp(score, -1, 1)
}

// meanReversionScore fades band extremes: positive near the lower band
func meanReversionScore(ind *indicators.Set) float64 {
	pos := ind.PricePosition
	rsi := indicators.Last(ind.RSI14)
	if math.IsNaN(pos) || math.IsNaN(rsi) {
		return 0
	}

	score := 0.0
	switch {
	case pos < 0.1:
		score += 0.6
	case pos < 0.25:
		score += 0.3
	case pos > 0.9:
		score -= 0.6
	case pos > 0.75:
		score -= 0.3
	}
	switch {
	case rsi < 30:
		score += 0.4
	case rsi > 70:
		score -= 0.4
	}
	return clamp(score, -1, 1)
}

// momentumScore reads RSI posture, MACD and its histogram slope
func momentumScore(ind *indicators.Set) float64 {
	rsi := indicators.Last(ind.RSI14)
	macd := indicators.Last(ind.MACD)
	sig := indicators.Last(ind.MACDSignal)
	histSlope := indicators.Slope(ind.MACDHist, 3)

	score := 0.0
	if !math.IsNaN(rsi) {
		score += clamp((rsi-50)/50, -0.4, 0.4)
	}
	if !math.IsNaN(macd) && !math.IsNaN(sig) {
		if macd > sig {
			score += 0.3
		} else {
			score -= 0.3
		}
	}
	if !math.IsNaN(histSlope) {
		if histSlope > 0 {
			score += 0.3
		} else if histSlope < 0 {
			score -= 0.3
		}
	}
	return clamp(score, -1, 1)
}

// volumeScore confirms direction with volume spikes and OBV slope
func volumeScore(candles []exchange.Candle, ind *indicators.Set) float64 {
	ratio := indicators.Last(ind.VolumeRatio)
	obvSlope := indicators.Slope(ind.OBV, 5)
	if math.IsNaN(ratio) || len(candles) < 2 {
		return 0
	}

	last := candles[len(candles)-1]
	barDir := 1.0
	if last.Close < last.Open {
		barDir = -1
	}

	score := 0.0
	if ratio > 1.5 {
		score += 0.5 * barDir
	} else if ratio > 1.1 {
		score += 0.25 * barDir
	}
	if !math.IsNaN(obvSlope) {
		if obvSlope > 0 {
			score += 0.4
		} else if obvSlope < 0 {
			score -= 0.4
		}
	}
	return clamp(score, -1, 1)
}

// supportResistScore rewards proximity to recent support (long) or
// resistance (short) over the trailing 50 bars.
func supportResistScore(candles []exchange.Candle) float64 {
	const lookback = 50
	if len(candles) < lookback {
		return 0
	}
	window := candles[len(candles)-lookback:]
	hi, lo := window[0].High, window[0].Low
	for _, c := range window {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	if hi == lo {
		return 0
	}
	close := window[len(window)-1].Close
	pos := (close - lo) / (hi - lo)

	// Near support favors longs; near resistance favors shorts
	switch {
	case pos < 0.15:
		return 0.6
	case pos < 0.3:
		return 0.3
	case pos > 0.85:
		return -0.6
	case pos > 0.7:
		return -0.3
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
