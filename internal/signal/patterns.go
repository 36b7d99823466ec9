package signal

import (
	"math"

	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/indicators"
)

// DetectedPattern is one recognized formation
type DetectedPattern struct {
	Name         string  `json:"name"`
	Bullish      bool    `json:"bullish"`
	Confidence   float64 `json:"confidence"`    // [0,1]
	ExpectedMove float64 `json:"expected_move"` // fraction of price
}

// PatternResult aggregates detections into one booster score
type PatternResult struct {
	Score        float64           `json:"score"` // [-1,1], sign aligned with MTF direction
	ExpectedMove float64           `json:"expected_move"`
	Patterns     []DetectedPattern `json:"patterns"`
}

// DetectPatterns scans candlesticks, chart structure and indicator setups.
// A best-effort booster: detections aligned with mtfDirection add weight,
// conflicting ones are penalized at half weight.
func DetectPatterns(candles []exchange.Candle, ind *indicators.Set, mtfDirection Direction) PatternResult {
	var detected []DetectedPattern
	detected = append(detected, candlestickPatterns(candles)...)
	detected = append(detected, chartPatterns(candles)...)
	detected = append(detected, indicatorPatterns(ind)...)

	out := PatternResult{Patterns: detected}
	if len(detected) == 0 || mtfDirection == DirectionNeutral {
		return out
	}

	wantBull := mtfDirection == DirectionLong
	var score, move float64
	for _, p := range detected {
		contribution := p.ExpectedMove * p.Confidence
		if p.Bullish == wantBull {
			score += contribution
			move += p.ExpectedMove * p.Confidence
		} else {
			score -= contribution / 2
		}
	}

	// Normalize into [-1,1]: a ~2% aligned confident move saturates
	out.Score = clamp(score/0.02, -1, 1)
	if !wantBull {
		out.Score = -out.Score
	}
	out.ExpectedMove = move
	return out
}

// ==================== CANDLESTICK PATTERNS ====================

func candlestickPatterns(candles []exchange.Candle) []DetectedPattern {
	var out []DetectedPattern
	n := len(candles)
	if n < 3 {
		return out
	}
	c1, c2, c3 := candles[n-3], candles[n-2], candles[n-1]

	if p, ok := hammerOrHangingMan(c3, avgRange(candles)); ok {
		out = append(out, p)
	}
	if isDoji(c3) {
		out = append(out, DetectedPattern{
			Name: "doji", Bullish: c2.Close < c2.Open, // reversal against prior bar
			Confidence: 0.3, ExpectedMove: 0.005,
		})
	}
	if isBullishEngulfing(c2, c3) {
		out = append(out, DetectedPattern{Name: "bullish_engulfing", Bullish: true, Confidence: 0.6, ExpectedMove: 0.012})
	}
	if isBearishEngulfing(c2, c3) {
		out = append(out, DetectedPattern{Name: "bearish_engulfing", Bullish: false, Confidence: 0.6, ExpectedMove: 0.012})
	}
	if threeSoldiers(c1, c2, c3) {
		out = append(out, DetectedPattern{Name: "three_white_soldiers", Bullish: true, Confidence: 0.7, ExpectedMove: 0.015})
	}
	if threeCrows(c1, c2, c3) {
		out = append(out, DetectedPattern{Name: "three_black_crows", Bullish: false, Confidence: 0.7, ExpectedMove: 0.015})
	}
	return out
}

func body(c exchange.Candle) float64  { return math.Abs(c.Close - c.Open) }
func isUp(c exchange.Candle) bool     { return c.Close > c.Open }
func upperWick(c exchange.Candle) float64 {
	return c.High - math.Max(c.Open, c.Close)
}
func lowerWick(c exchange.Candle) float64 {
	return math.Min(c.Open, c.Close) - c.Low
}

func avgRange(candles []exchange.Candle) float64 {
	n := len(candles)
	start := n - 20
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, c := range candles[start:] {
		sum += c.High - c.Low
	}
	return sum / float64(n-start)
}

// hammerOrHangingMan: small body at the top with a long lower shadow. Bullish
// after a decline (hammer), bearish after a rise (hanging man); we call it by
// the candle's own direction.
func hammerOrHangingMan(c exchange.Candle, avg float64) (DetectedPattern, bool) {
	b := body(c)
	if b == 0 || c.High == c.Low {
		return DetectedPattern{}, false
	}
	if lowerWick(c) >= 2*b && upperWick(c) <= b*0.5 && (c.High-c.Low) > avg*0.8 {
		return DetectedPattern{
			Name:         "hammer",
			Bullish:      isUp(c),
			Confidence:   0.5,
			ExpectedMove: 0.01,
		}, true
	}
	return DetectedPattern{}, false
}

func isDoji(c exchange.Candle) bool {
	rng := c.High - c.Low
	return rng > 0 && body(c) <= rng*0.1
}

func isBullishEngulfing(prev, cur exchange.Candle) bool {
	return !isUp(prev) && isUp(cur) &&
		cur.Open <= prev.Close && cur.Close >= prev.Open &&
		body(cur) > body(prev)
}

func isBearishEngulfing(prev, cur exchange.Candle) bool {
	return isUp(prev) && !isUp(cur) &&
		cur.Open >= prev.Close && cur.Close <= prev.Open &&
		body(cur) > body(prev)
}

func threeSoldiers(a, b, c exchange.Candle) bool {
	return isUp(a) && isUp(b) && isUp(c) &&
		b.Close > a.Close && c.Close > b.Close &&
		body(b) > body(a)*0.5 && body(c) > body(b)*0.5
}

func threeCrows(a, b, c exchange.Candle) bool {
	return !isUp(a) && !isUp(b) && !isUp(c) &&
		b.Close < a.Close && c.Close < b.Close &&
		body(b) > body(a)*0.5 && body(c) > body(b)*0.5
}

// ==================== CHART PATTERNS ====================

func chartPatterns(candles []exchange.Candle) []DetectedPattern {
	var out []DetectedPattern
	const lookback = 60
	if len(candles) < lookback {
		return out
	}
	window := candles[len(candles)-lookback:]

	if p, ok := nearSupportOrResistance(window); ok {
		out = append(out, p)
	}
	if p, ok := trianglePattern(window); ok {
		out = append(out, p)
	}
	if p, ok := doubleTopOrBottom(window); ok {
		out = append(out, p)
	}
	return out
}

// nearSupportOrResistance flags price within 1% of the window extremes
func nearSupportOrResistance(window []exchange.Candle) (DetectedPattern, bool) {
	hi, lo := window[0].High, window[0].Low
	for _, c := range window {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	close := window[len(window)-1].Close
	if lo > 0 && (close-lo)/lo < 0.01 {
		return DetectedPattern{Name: "at_support", Bullish: true, Confidence: 0.5, ExpectedMove: 0.01}, true
	}
	if hi > 0 && (hi-close)/hi < 0.01 {
		return DetectedPattern{Name: "at_resistance", Bullish: false, Confidence: 0.5, ExpectedMove: 0.01}, true
	}
	return DetectedPattern{}, false
}

// trianglePattern looks for converging highs/lows across window halves
func trianglePattern(window []exchange.Candle) (DetectedPattern, bool) {
	half := len(window) / 2
	firstHi, firstLo := extremes(window[:half])
	secondHi, secondLo := extremes(window[half:])

	flatTop := math.Abs(secondHi-firstHi)/firstHi < 0.005
	flatBottom := math.Abs(secondLo-firstLo)/firstLo < 0.005
	risingLows := secondLo > firstLo*1.005
	fallingHighs := secondHi < firstHi*0.995

	switch {
	case flatTop && risingLows:
		return DetectedPattern{Name: "ascending_triangle", Bullish: true, Confidence: 0.55, ExpectedMove: 0.012}, true
	case flatBottom && fallingHighs:
		return DetectedPattern{Name: "descending_triangle", Bullish: false, Confidence: 0.55, ExpectedMove: 0.012}, true
	case risingLows && fallingHighs:
		// Symmetrical: direction follows the last bar
		last := window[len(window)-1]
		return DetectedPattern{Name: "symmetrical_triangle", Bullish: isUp(last), Confidence: 0.4, ExpectedMove: 0.01}, true
	}
	return DetectedPattern{}, false
}

func extremes(candles []exchange.Candle) (hi, lo float64) {
	hi, lo = candles[0].High, candles[0].Low
	for _, c := range candles {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return
}

// doubleTopOrBottom finds two matching extremes separated by a pullback
func doubleTopOrBottom(window []exchange.Candle) (DetectedPattern, bool) {
	half := len(window) / 2
	firstHi, firstLo := extremes(window[:half])
	secondHi, secondLo := extremes(window[half:])
	close := window[len(window)-1].Close

	if math.Abs(secondHi-firstHi)/firstHi < 0.004 && close < secondHi*0.99 {
		return DetectedPattern{Name: "double_top", Bullish: false, Confidence: 0.55, ExpectedMove: 0.015}, true
	}
	if math.Abs(secondLo-firstLo)/firstLo < 0.004 && close > secondLo*1.01 {
		return DetectedPattern{Name: "double_bottom", Bullish: true, Confidence: 0.55, ExpectedMove: 0.015}, true
	}
	return DetectedPattern{}, false
}

// ==================== INDICATOR PATTERNS ====================

func indicatorPatterns(ind *indicators.Set) []DetectedPattern {
	var out []DetectedPattern

	if p, ok := rsiDivergence(ind); ok {
		out = append(out, p)
	}
	if p, ok := macdCross(ind); ok {
		out = append(out, p)
	}
	if bollingerSqueeze(ind) {
		// A squeeze signals an imminent expansion; direction from supertrend
		bullish := indicators.Last(ind.SupertrendDir) > 0
		out = append(out, DetectedPattern{Name: "bollinger_squeeze", Bullish: bullish, Confidence: 0.4, ExpectedMove: 0.012})
	}
	return out
}

// rsiDivergence compares price and RSI extremes across two half-windows
func rsiDivergence(ind *indicators.Set) (DetectedPattern, bool) {
	const lookback = 30
	closes := indicators.Closes(ind.Candles)
	if len(closes) < lookback || len(ind.RSI14) < lookback {
		return DetectedPattern{}, false
	}
	prices := closes[len(closes)-lookback:]
	rsis := ind.RSI14[len(ind.RSI14)-lookback:]
	half := lookback / 2

	p1, r1 := minWith(prices[:half], rsis[:half])
	p2, r2 := minWith(prices[half:], rsis[half:])
	if p2 < p1 && r2 > r1 {
		return DetectedPattern{Name: "bullish_rsi_divergence", Bullish: true, Confidence: 0.6, ExpectedMove: 0.012}, true
	}

	p1, r1 = maxWith(prices[:half], rsis[:half])
	p2, r2 = maxWith(prices[half:], rsis[half:])
	if p2 > p1 && r2 < r1 {
		return DetectedPattern{Name: "bearish_rsi_divergence", Bullish: false, Confidence: 0.6, ExpectedMove: 0.012}, true
	}
	return DetectedPattern{}, false
}

func minWith(prices, other []float64) (float64, float64) {
	mi := 0
	for i := range prices {
		if prices[i] < prices[mi] {
			mi = i
		}
	}
	return prices[mi], other[mi]
}

func maxWith(prices, other []float64) (float64, float64) {
	mi := 0
	for i := range prices {
		if prices[i] > prices[mi] {
			mi = i
		}
	}
	return prices[mi], other[mi]
}

// macdCross detects a signal-line cross on the last bar
func macdCross(ind *indicators.Set) (DetectedPattern, bool) {
	n := len(ind.MACD)
	if n < 2 {
		return DetectedPattern{}, false
	}
	prevDiff := ind.MACD[n-2] - ind.MACDSignal[n-2]
	curDiff := ind.MACD[n-1] - ind.MACDSignal[n-1]
	if math.IsNaN(prevDiff) || math.IsNaN(curDiff) {
		return DetectedPattern{}, false
	}
	if prevDiff <= 0 && curDiff > 0 {
		return DetectedPattern{Name: "macd_bullish_cross", Bullish: true, Confidence: 0.5, ExpectedMove: 0.01}, true
	}
	if prevDiff >= 0 && curDiff < 0 {
		return DetectedPattern{Name: "macd_bearish_cross", Bullish: false, Confidence: 0.5, ExpectedMove: 0.01}, true
	}
	return DetectedPattern{}, false
}

// bollingerSqueeze: bands inside the Keltner channel
func bollingerSqueeze(ind *indicators.Set) bool {
	bu := indicators.Last(ind.BBUpper)
	bl := indicators.Last(ind.BBLower)
	ku := indicators.Last(ind.KCUpper)
	kl := indicators.Last(ind.KCLower)
	if math.IsNaN(bu) || math.IsNaN(bl) || math.IsNaN(ku) || math.IsNaN(kl) {
		return false
	}
	return bu < ku && bl > kl
}
