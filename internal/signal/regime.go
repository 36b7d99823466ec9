package signal

import (
	"math"

	"perp-trading-engine/internal/indicators"
)

// ClassifyRegime labels the market from five sub-scores computed off the
// primary timeframe's indicator set.
func ClassifyRegime(ind *indicators.Set) RegimeResult {
	price := regimePriceScore(ind)
	momentum := regimeMomentumScore(ind)
	trend := regimeTrendScore(ind)
	volatility := regimeVolatilityScore(ind)
	volume := regimeVolumeScore(ind)

	regime := selectRegime(price, momentum, trend, volatility)

	return RegimeResult{
		Regime:          regime,
		Confidence:      regimeConfidence(regime, price, momentum, trend, volatility),
		Params:          regimeParams(regime),
		PriceScore:      price,
		MomentumScore:   momentum,
		TrendScore:      trend,
		VolatilityScore: volatility,
		VolumeScore:     volume,
	}
}

// selectRegime applies the classification rules in priority order
func selectRegime(price, momentum, trend, volatility float64) Regime {
	switch {
	case trend > 0.6 && price > 0.4 && momentum > 0:
		return RegimeTrendingUp
	case trend > 0.6 && price < -0.4 && momentum < 0:
		return RegimeTrendingDown
	case volatility > 0.7:
		return RegimeVolatile
	case math.Abs(trend) < 0.4 && math.Abs(price) < 0.3:
		return RegimeRanging
	}

	bias := (price + momentum) / 2
	if bias > 0.3 {
		return RegimeTrendingUp
	}
	if bias < -0.3 {
		return RegimeTrendingDown
	}
	return RegimeRanging
}

// regimeConfidence follows component agreement, boosted by trend magnitude
// and reduced under high volatility. Clamped to [20,95].
func regimeConfidence(regime Regime, price, momentum, trend, volatility float64) float64 {
	signs := 0
	agreeing := 0
	for _, s := range []float64{price, momentum, trendSigned(regime, trend)} {
		if math.Abs(s) < 0.05 {
			continue
		}
		signs++
		if (s > 0) == (regime == RegimeTrendingUp) {
			agreeing++
		}
	}

	var base float64
	switch agreeing {
	case 3:
		base = 85
	case 2:
		base = 70
	default:
		base = 50
	}
	if signs == 0 {
		base = 50
	}

	base += math.Abs(trend) * 10
	if volatility > 0.7 {
		base -= (volatility - 0.7) * 40
	}
	return clamp(base, 20, 95)
}

// trendSigned gives the trend score a direction for agreement counting
func trendSigned(regime Regime, trend float64) float64 {
	if regime == RegimeTrendingDown {
		return -trend
	}
	return trend
}

// regimeParams is the per-regime parameter pack
func regimeParams(regime Regime) RegimeParams {
	switch regime {
	case RegimeTrendingUp, RegimeTrendingDown:
		return RegimeParams{
			PositionSizeMultiplier:    1.2,
			StopMultiplier:            1.0,
			TargetMultiplier:          1.3,
			MaxPositions:              3,
			PreferredTimeframes:       []string{"1h", "4h", "1d"},
			SignalThresholdMultiplier: 0.9,
		}
	case RegimeVolatile:
		return RegimeParams{
			PositionSizeMultiplier:    0.6,
			StopMultiplier:            1.4,
			TargetMultiplier:          1.1,
			MaxPositions:              1,
			PreferredTimeframes:       []string{"15m", "1h"},
			SignalThresholdMultiplier: 1.3,
		}
	default: // ranging
		return RegimeParams{
			PositionSizeMultiplier:    0.8,
			StopMultiplier:            0.9,
			TargetMultiplier:          0.9,
			MaxPositions:              2,
			PreferredTimeframes:       []string{"15m", "1h", "4h"},
			SignalThresholdMultiplier: 1.1,
		}
	}
}

// ==================== SUB-SCORES ====================

// regimePriceScore positions the close against the EMAs and 200-SMA with
// weighted alignment, in [-1,1].
func regimePriceScore(ind *indicators.Set) float64 {
	close := indicators.Last(indicators.Closes(ind.Candles))
	score := 0.0
	checks := []struct {
		ref    float64
		weight float64
	}{
		{indicators.Last(ind.EMA20), 0.35},
		{indicators.Last(ind.EMA50), 0.30},
		{indicators.Last(ind.SMA200), 0.35},
	}
	for _, c := range checks {
		if math.IsNaN(c.ref) {
			continue
		}
		if close > c.ref {
			score += c.weight
		} else {
			score -= c.weight
		}
	}
	return clamp(score, -1, 1)
}

// regimeMomentumScore mixes RSI, MACD posture, histogram slope and MFI
func regimeMomentumScore(ind *indicators.Set) float64 {
	score := 0.0
	if rsi := indicators.Last(ind.RSI14); !math.IsNaN(rsi) {
		score += clamp((rsi-50)/50, -0.35, 0.35)
	}
	macd := indicators.Last(ind.MACD)
	sig := indicators.Last(ind.MACDSignal)
	if !math.IsNaN(macd) && !math.IsNaN(sig) {
		if macd > sig {
			score += 0.25
		} else {
			score -= 0.25
		}
	}
	if slope := indicators.Slope(ind.MACDHist, 3); !math.IsNaN(slope) {
		if slope > 0 {
			score += 0.2
		} else if slope < 0 {
			score -= 0.2
		}
	}
	if mfi := indicators.Last(ind.MFI); !math.IsNaN(mfi) {
		score += clamp((mfi-50)/50, -0.2, 0.2)
	}
	return clamp(score, -1, 1)
}

// regimeTrendScore combines ADX buckets with the DI spread and supertrend
// direction, in [0,1].
func regimeTrendScore(ind *indicators.Set) float64 {
	strength := ind.TrendStrength
	if math.IsNaN(strength) {
		return 0
	}
	if st := indicators.Last(ind.SupertrendDir); !math.IsNaN(st) && st != 0 {
		// Supertrend agreement firms the reading slightly
		strength = clamp(strength+0.05, 0, 1)
	}
	return strength
}

// regimeVolatilityScore reads the ATR ratio and Bollinger width vs its own
// mean, in [0,1].
func regimeVolatilityScore(ind *indicators.Set) float64 {
	score := 0.0
	if ratio := ind.VolatilityRatio; !math.IsNaN(ratio) {
		score += clamp((ratio-1)*0.8, -0.3, 0.6) + 0.3
	} else {
		score += 0.3
	}

	width := bollingerWidthRatio(ind)
	if !math.IsNaN(width) {
		score += clamp((width-1)*0.4, -0.2, 0.4)
	}
	return clamp(score, 0, 1)
}

// bollingerWidthRatio compares the current band width against the mean of
// the trailing 50 widths.
func bollingerWidthRatio(ind *indicators.Set) float64 {
	n := len(ind.BBUpper)
	if n == 0 {
		return math.NaN()
	}
	width := func(i int) float64 {
		u, l, m := ind.BBUpper[i], ind.BBLower[i], ind.BBMiddle[i]
		if math.IsNaN(u) || math.IsNaN(l) || math.IsNaN(m) || m == 0 {
			return math.NaN()
		}
		return (u - l) / m
	}
	cur := width(n - 1)
	if math.IsNaN(cur) {
		return math.NaN()
	}
	sum, count := 0.0, 0
	for i := n - 1; i >= 0 && count < 50; i-- {
		w := width(i)
		if math.IsNaN(w) {
			continue
		}
		sum += w
		count++
	}
	if count < 20 || sum == 0 {
		return math.NaN()
	}
	return cur / (sum / float64(count))
}

// regimeVolumeScore combines the spike direction with OBV slope, in [-1,1]
func regimeVolumeScore(ind *indicators.Set) float64 {
	score := 0.0
	ratio := indicators.Last(ind.VolumeRatio)
	if !math.IsNaN(ratio) && len(ind.Candles) > 0 {
		last := ind.Candles[len(ind.Candles)-1]
		dir := 1.0
		if last.Close < last.Open {
			dir = -1
		}
		if ratio > 1.5 {
			score += 0.5 * dir
		} else if ratio > 1.1 {
			score += 0.25 * dir
		}
	}
	if slope := indicators.Slope(ind.OBV, 5); !math.IsNaN(slope) {
		if slope > 0 {
			score += 0.4
		} else if slope < 0 {
			score -= 0.4
		}
	}
	return clamp(score, -1, 1)
}
