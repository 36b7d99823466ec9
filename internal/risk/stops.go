package risk

import (
	"math"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/indicators"
)

// tightenedStopNumerator replaces the stop when leverage-adjusted loss would
// exceed the per-position cap: stop := tightenedStopNumerator / leverage.
const tightenedStopNumerator = 0.7

// StopLevels is the derived protective geometry for one entry
type StopLevels struct {
	StopPct     float64 `json:"stop_pct"`    // distance as a price fraction
	TargetPct   float64 `json:"target_pct"`
	StopPrice   float64 `json:"stop_price"`
	TargetPrice float64 `json:"target_price"`
	UsedATR     bool    `json:"used_atr"`
	Tightened   bool    `json:"tightened"` // leverage rule engaged
}

// ComputeStops derives ATR-based stop and target distances for an entry,
// clamped to the symbol's bounds and validated against leverage. Falls back
// to the symbol's fixed percentages when ATR is unavailable.
func ComputeStops(candles []exchange.Candle, price float64, long bool, params *config.SymbolParams, stopMult, targetMult float64, leverage int, maxLossPerPosition float64) StopLevels {
	levels := StopLevels{
		StopPct:   params.FallbackStopPct,
		TargetPct: params.FallbackTargetPct,
	}

	atr := lastATR(candles, params.ATRPeriod)
	if !math.IsNaN(atr) && atr > 0 && price > 0 {
		stop := atr * params.ATRStopMultiplier * stopMult / price
		target := atr * params.ATRTargetMultiplier * targetMult / price
		levels.StopPct = clampRange(stop, params.MinStopDistance, params.MaxStopDistance)
		levels.TargetPct = target
		levels.UsedATR = true
	}

	// Leverage validation: the loss at the stop must stay under the cap
	if leverage > 0 {
		actualLoss := levels.StopPct * float64(leverage)
		if actualLoss > maxLossPerPosition {
			ratio := levels.TargetPct / levels.StopPct
			levels.StopPct = tightenedStopNumerator / float64(leverage)
			levels.TargetPct = levels.StopPct * ratio
			levels.Tightened = true
		}
	}

	if long {
		levels.StopPrice = price * (1 - levels.StopPct)
		levels.TargetPrice = price * (1 + levels.TargetPct)
	} else {
		levels.StopPrice = price * (1 + levels.StopPct)
		levels.TargetPrice = price * (1 - levels.TargetPct)
	}
	return levels
}

// lastATR computes the final ATR value over the candle window
func lastATR(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return math.NaN()
	}
	return indicators.Last(indicators.ATR(candles, period))
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
