package indicators

import (
	"math"

	"perp-trading-engine/internal/exchange"
)

// Set bundles every series the signal engine consumes for one candle window.
// Derived per cycle, never persisted.
type Set struct {
	Candles []exchange.Candle

	SMA20, SMA50, SMA200    []float64
	EMA20, EMA50, EMA200    []float64
	MACD, MACDSignal, MACDHist []float64
	RSI6, RSI14, RSI24      []float64
	StochK, StochD          []float64
	StochRSI                []float64
	BBUpper, BBMiddle, BBLower []float64
	KCUpper, KCMiddle, KCLower []float64
	ATR, ATRPct             []float64
	ADX, PlusDI, MinusDI    []float64
	OBV                     []float64
	VolumeSMA, VolumeRatio  []float64
	MFI                     []float64
	Tenkan, Kijun, SenkouA, SenkouB []float64
	VWAP                    []float64
	CMF                     []float64
	Supertrend, SupertrendDir []float64

	// Derived aggregates (latest-bar scalars)
	PricePosition   float64 // close within the Bollinger band, [0,1]-ish
	TrendStrength   float64 // ADX + DI spread, [0,1]
	VolatilityRatio float64 // ATR vs its 50-period SMA
}

// Compute builds the full indicator set for a candle window
func Compute(candles []exchange.Candle) *Set {
	closes := Closes(candles)
	vols := Volumes(candles)

	s := &Set{Candles: candles}
	s.SMA20 = SMA(closes, 20)
	s.SMA50 = SMA(closes, 50)
	s.SMA200 = SMA(closes, 200)
	s.EMA20 = EMA(closes, 20)
	s.EMA50 = EMA(closes, 50)
	s.EMA200 = EMA(closes, 200)
	s.MACD, s.MACDSignal, s.MACDHist = MACD(closes, 12, 26, 9)
	s.RSI6 = RSI(closes, 6)
	s.RSI14 = RSI(closes, 14)
	s.RSI24 = RSI(closes, 24)
	s.StochK, s.StochD = Stochastic(candles, 14, 3)
	s.StochRSI = StochRSI(closes, 14, 14)
	s.BBUpper, s.BBMiddle, s.BBLower = Bollinger(closes, 20, 2)
	s.KCUpper, s.KCMiddle, s.KCLower = Keltner(candles, 20, 1.5)
	s.ATR = ATR(candles, 14)
	s.ATRPct = ATRPercent(candles, 14)
	s.ADX, s.PlusDI, s.MinusDI = ADX(candles, 14)
	s.OBV = OBV(candles)
	s.VolumeSMA = SMA(vols, 20)
	s.VolumeRatio = VolumeRatio(candles, 20)
	s.MFI = MFI(candles, 14)
	s.Tenkan, s.Kijun, s.SenkouA, s.SenkouB = Ichimoku(candles)
	s.VWAP = VWAP(candles)
	s.CMF = CMF(candles, 20)
	s.Supertrend, s.SupertrendDir = Supertrend(candles, 10, 3)

	s.PricePosition = pricePosition(closes, s.BBUpper, s.BBLower)
	s.TrendStrength = trendStrength(s.ADX, s.PlusDI, s.MinusDI)
	s.VolatilityRatio = volatilityRatio(s.ATR)
	return s
}

// pricePosition normalizes the last close into the Bollinger band
func pricePosition(closes, upper, lower []float64) float64 {
	c := Last(closes)
	u := Last(upper)
	l := Last(lower)
	if math.IsNaN(c) || math.IsNaN(u) || math.IsNaN(l) || u == l {
		return nan
	}
	return (c - l) / (u - l)
}

// trendStrength maps ADX buckets and the DI spread into [0,1]
func trendStrength(adx, plusDI, minusDI []float64) float64 {
	a := Last(adx)
	p := Last(plusDI)
	m := Last(minusDI)
	if math.IsNaN(a) || math.IsNaN(p) || math.IsNaN(m) {
		return nan
	}

	var base float64
	switch {
	case a >= 50:
		base = 1.0
	case a >= 40:
		base = 0.85
	case a >= 25:
		base = 0.6
	case a >= 20:
		base = 0.4
	default:
		base = a / 50
	}

	spread := math.Abs(p-m) / 50
	if spread > 1 {
		spread = 1
	}
	strength := 0.7*base + 0.3*spread
	if strength > 1 {
		strength = 1
	}
	return strength
}

// volatilityRatio divides the last ATR by the mean of the trailing 50 ATRs.
// Leading NaNs in the ATR series are skipped, not propagated.
func volatilityRatio(atr []float64) float64 {
	a := Last(atr)
	if math.IsNaN(a) {
		return nan
	}
	sum, count := 0.0, 0
	for i := len(atr) - 1; i >= 0 && count < 50; i-- {
		if math.IsNaN(atr[i]) {
			continue
		}
		sum += atr[i]
		count++
	}
	if count < 50 || sum == 0 {
		return nan
	}
	return a / (sum / float64(count))
}
