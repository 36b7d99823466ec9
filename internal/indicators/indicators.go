package indicators

import (
	"math"

	"perp-trading-engine/internal/exchange"
)

// All functions are deterministic and side-effect-free. Series are aligned
// with the input candles; positions without enough history hold NaN and NaNs
// propagate through downstream math.

var nan = math.NaN()

// Closes extracts close prices
func Closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts volumes
func Volumes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// ==================== MOVING AVERAGES ====================

// SMA computes a simple moving average
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes an exponential moving average seeded with the SMA of the
// first period values.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// ==================== OSCILLATORS ====================

// RSI computes the relative strength index with Wilder smoothing
func RSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line, signal line and histogram (12/26/9 by default)
func MACD(values []float64, fast, slow, signalPeriod int) (macd, signal, hist []float64) {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)

	macd = nanSeries(len(values))
	for i := range values {
		macd[i] = fastEMA[i] - slowEMA[i]
	}

	// Signal is an EMA over the valid MACD region
	signal = nanSeries(len(values))
	hist = nanSeries(len(values))
	start := slow - 1
	if start >= len(values) {
		return
	}
	sub := EMA(macd[start:], signalPeriod)
	for i := range sub {
		signal[start+i] = sub[i]
		hist[start+i] = macd[start+i] - sub[i]
	}
	return
}

// Stochastic returns %K and %D over high/low ranges
func Stochastic(candles []exchange.Candle, kPeriod, dPeriod int) (k, d []float64) {
	k = nanSeries(len(candles))
	if kPeriod <= 0 || len(candles) < kPeriod {
		return k, nanSeries(len(candles))
	}
	for i := kPeriod - 1; i < len(candles); i++ {
		hi, lo := candles[i].High, candles[i].Low
		for j := i - kPeriod + 1; j <= i; j++ {
			hi = math.Max(hi, candles[j].High)
			lo = math.Min(lo, candles[j].Low)
		}
		if hi == lo {
			k[i] = 50
		} else {
			k[i] = (candles[i].Close - lo) / (hi - lo) * 100
		}
	}
	d = SMA(k[kPeriod-1:], dPeriod)
	full := nanSeries(len(candles))
	copy(full[kPeriod-1:], d)
	return k, full
}

// StochRSI applies the stochastic formula to an RSI series
func StochRSI(values []float64, rsiPeriod, stochPeriod int) []float64 {
	rsi := RSI(values, rsiPeriod)
	out := nanSeries(len(values))
	for i := range rsi {
		if i < stochPeriod-1 || math.IsNaN(rsi[i]) {
			continue
		}
		hi, lo := rsi[i], rsi[i]
		valid := true
		for j := i - stochPeriod + 1; j <= i; j++ {
			if math.IsNaN(rsi[j]) {
				valid = false
				break
			}
			hi = math.Max(hi, rsi[j])
			lo = math.Min(lo, rsi[j])
		}
		if !valid {
			continue
		}
		if hi == lo {
			out[i] = 0.5
		} else {
			out[i] = (rsi[i] - lo) / (hi - lo)
		}
	}
	return out
}

// MFI computes the money flow index
func MFI(candles []exchange.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}

	flows := make([]float64, len(candles)) // signed raw money flow
	prevTP := typicalPrice(candles[0])
	for i := 1; i < len(candles); i++ {
		tp := typicalPrice(candles[i])
		raw := tp * candles[i].Volume
		if tp > prevTP {
			flows[i] = raw
		} else if tp < prevTP {
			flows[i] = -raw
		}
		prevTP = tp
	}

	for i := period; i < len(candles); i++ {
		pos, neg := 0.0, 0.0
		for j := i - period + 1; j <= i; j++ {
			if flows[j] > 0 {
				pos += flows[j]
			} else {
				neg -= flows[j]
			}
		}
		if neg == 0 {
			out[i] = 100
		} else {
			out[i] = 100 - 100/(1+pos/neg)
		}
	}
	return out
}

func typicalPrice(c exchange.Candle) float64 {
	return (c.High + c.Low + c.Close) / 3
}

// ==================== VOLATILITY ====================

// TrueRange computes the TR series
func TrueRange(candles []exchange.Candle) []float64 {
	out := nanSeries(len(candles))
	if len(candles) == 0 {
		return out
	}
	out[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR is an EMA of the true range
func ATR(candles []exchange.Candle, period int) []float64 {
	return EMA(TrueRange(candles), period)
}

// ATRPercent normalizes ATR by the close price
func ATRPercent(candles []exchange.Candle, period int) []float64 {
	atr := ATR(candles, period)
	out := nanSeries(len(candles))
	for i := range atr {
		if candles[i].Close != 0 {
			out[i] = atr[i] / candles[i].Close
		}
	}
	return out
}

// Bollinger returns upper, middle and lower bands (20, 2σ by default)
func Bollinger(values []float64, period int, mult float64) (upper, middle, lower []float64) {
	middle = SMA(values, period)
	upper = nanSeries(len(values))
	lower = nanSeries(len(values))
	for i := period - 1; i < len(values); i++ {
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - middle[i]
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		upper[i] = middle[i] + mult*sd
		lower[i] = middle[i] - mult*sd
	}
	return
}

// Keltner returns EMA-centered channels offset by a multiple of ATR
func Keltner(candles []exchange.Candle, period int, mult float64) (upper, middle, lower []float64) {
	middle = EMA(Closes(candles), period)
	atr := ATR(candles, period)
	upper = nanSeries(len(candles))
	lower = nanSeries(len(candles))
	for i := range candles {
		upper[i] = middle[i] + mult*atr[i]
		lower[i] = middle[i] - mult*atr[i]
	}
	return
}

// ==================== TREND ====================

// ADX returns the average directional index with +DI and -DI
func ADX(candles []exchange.Candle, period int) (adx, plusDI, minusDI []float64) {
	n := len(candles)
	adx = nanSeries(n)
	plusDI = nanSeries(n)
	minusDI = nanSeries(n)
	if period <= 0 || n <= period*2 {
		return
	}

	tr := TrueRange(candles)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothing
	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := nanSeries(n)
	for i := period; i < n; i++ {
		if i > period {
			smTR = smTR - smTR/float64(period) + tr[i]
			smPlus = smPlus - smPlus/float64(period) + plusDM[i]
			smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		}
		if smTR == 0 {
			continue
		}
		p := 100 * smPlus / smTR
		m := 100 * smMinus / smTR
		plusDI[i] = p
		minusDI[i] = m
		if p+m != 0 {
			dx[i] = 100 * math.Abs(p-m) / (p + m)
		}
	}

	// ADX is a Wilder average of DX
	var sum float64
	for i := period; i < period*2; i++ {
		sum += dx[i]
	}
	prev := sum / float64(period)
	adx[period*2-1] = prev
	for i := period * 2; i < n; i++ {
		prev = (prev*float64(period-1) + dx[i]) / float64(period)
		adx[i] = prev
	}
	return
}

// Supertrend returns the supertrend line and its direction (+1 up, -1 down)
func Supertrend(candles []exchange.Candle, period int, mult float64) (line, direction []float64) {
	n := len(candles)
	line = nanSeries(n)
	direction = nanSeries(n)
	if period <= 0 || n < period {
		return
	}

	atr := ATR(candles, period)
	upper := nanSeries(n)
	lower := nanSeries(n)
	for i := range candles {
		mid := (candles[i].High + candles[i].Low) / 2
		upper[i] = mid + mult*atr[i]
		lower[i] = mid - mult*atr[i]
	}

	dir := 1.0
	for i := period; i < n; i++ {
		// Ratchet the bands
		if !math.IsNaN(lower[i-1]) && candles[i-1].Close > upper[i-1] {
			dir = 1
		} else if !math.IsNaN(upper[i-1]) && candles[i-1].Close < lower[i-1] {
			dir = -1
		}
		if dir == 1 && !math.IsNaN(lower[i-1]) {
			lower[i] = math.Max(lower[i], lower[i-1])
		}
		if dir == -1 && !math.IsNaN(upper[i-1]) {
			upper[i] = math.Min(upper[i], upper[i-1])
		}

		direction[i] = dir
		if dir == 1 {
			line[i] = lower[i]
		} else {
			line[i] = upper[i]
		}
	}
	return
}

// Ichimoku returns tenkan, kijun, senkou A and senkou B (unshifted)
func Ichimoku(candles []exchange.Candle) (tenkan, kijun, senkouA, senkouB []float64) {
	tenkan = midRange(candles, 9)
	kijun = midRange(candles, 26)
	senkouB = midRange(candles, 52)
	senkouA = nanSeries(len(candles))
	for i := range candles {
		senkouA[i] = (tenkan[i] + kijun[i]) / 2
	}
	return
}

func midRange(candles []exchange.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	for i := period - 1; i < len(candles); i++ {
		hi, lo := candles[i].High, candles[i].Low
		for j := i - period + 1; j <= i; j++ {
			hi = math.Max(hi, candles[j].High)
			lo = math.Min(lo, candles[j].Low)
		}
		out[i] = (hi + lo) / 2
	}
	return out
}

// ==================== VOLUME ====================

// OBV computes on-balance volume
func OBV(candles []exchange.Candle) []float64 {
	out := nanSeries(len(candles))
	if len(candles) == 0 {
		return out
	}
	out[0] = 0
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			out[i] = out[i-1] + candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			out[i] = out[i-1] - candles[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// VolumeRatio divides volume by its own SMA
func VolumeRatio(candles []exchange.Candle, period int) []float64 {
	vols := Volumes(candles)
	avg := SMA(vols, period)
	out := nanSeries(len(candles))
	for i := range vols {
		if avg[i] != 0 {
			out[i] = vols[i] / avg[i]
		}
	}
	return out
}

// VWAP computes the running volume-weighted average price
func VWAP(candles []exchange.Candle) []float64 {
	out := nanSeries(len(candles))
	var pv, vol float64
	for i, c := range candles {
		pv += typicalPrice(c) * c.Volume
		vol += c.Volume
		if vol != 0 {
			out[i] = pv / vol
		}
	}
	return out
}

// CMF computes the Chaikin money flow
func CMF(candles []exchange.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period {
		return out
	}

	mfv := make([]float64, len(candles))
	for i, c := range candles {
		if c.High != c.Low {
			mfv[i] = ((c.Close - c.Low) - (c.High - c.Close)) / (c.High - c.Low) * c.Volume
		}
	}
	for i := period - 1; i < len(candles); i++ {
		var sumMFV, sumVol float64
		for j := i - period + 1; j <= i; j++ {
			sumMFV += mfv[j]
			sumVol += candles[j].Volume
		}
		if sumVol != 0 {
			out[i] = sumMFV / sumVol
		}
	}
	return out
}

// ==================== HELPERS ====================

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = nan
	}
	return out
}

// Last returns the final value of a series, NaN when empty
func Last(series []float64) float64 {
	if len(series) == 0 {
		return nan
	}
	return series[len(series)-1]
}

// Slope returns the per-step change over the trailing window
func Slope(series []float64, window int) float64 {
	if window < 1 || len(series) <= window {
		return nan
	}
	a := series[len(series)-1-window]
	b := series[len(series)-1]
	if math.IsNaN(a) || math.IsNaN(b) {
		return nan
	}
	return (b - a) / float64(window)
}
