package signal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/indicators"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/marketdata"
)

// EmergencySeverityThreshold triggers the emergency close path
const EmergencySeverityThreshold = 1.2

// candleFetchLimit leaves headroom over the analysis minimum so the slower
// indicators (200-SMA, Ichimoku senkou B) have a full warmup.
const candleFetchLimit = 300

// EngineConfig tunes the signal engine
type EngineConfig struct {
	Weights FusionWeights `json:"weights"`
}

// Engine produces one fused Signal per symbol per cycle. Market data comes
// from the marketdata service; news and ML are optional ports.
type Engine struct {
	config     *EngineConfig
	symbols    map[string]*config.SymbolParams
	market     *marketdata.Service
	news       NewsPort
	ml         MLPort
	strategies map[string]Strategy
	logger     *logging.Logger

	mu         sync.RWMutex
	lastSignal map[string]*Signal
}

// NewEngine builds the engine; news and ml may be nil
func NewEngine(cfg *EngineConfig, symbols map[string]*config.SymbolParams, market *marketdata.Service, news NewsPort, ml MLPort, logger *logging.Logger) *Engine {
	if cfg == nil {
		cfg = &EngineConfig{Weights: DefaultFusionWeights()}
	}
	strategies := make(map[string]Strategy, len(symbols))
	for sym, params := range symbols {
		strategies[sym] = StrategyFor(params)
	}
	return &Engine{
		config:     cfg,
		symbols:    symbols,
		market:     market,
		news:       news,
		ml:         ml,
		strategies: strategies,
		logger:     logger.WithComponent("signal"),
		lastSignal: make(map[string]*Signal),
	}
}

// Evaluate runs the full per-symbol pipeline: per-timeframe strategy verdicts,
// MTF combination, regime classification, pattern detection, news and ML
// components, then fusion and the entry decision.
func (e *Engine) Evaluate(ctx context.Context, symbol string) (*Signal, error) {
	params, ok := e.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	strategy := e.strategies[symbol]
	sig := &Signal{
		Symbol:      symbol,
		Direction:   DirectionNeutral,
		GeneratedAt: time.Now().UTC(),
	}

	results, primary, err := e.analyzeTimeframes(ctx, symbol, params, strategy)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || primary == nil {
		sig.SkipReason = "insufficient_data"
		e.remember(sig)
		return sig, nil
	}

	mtf := CombineTimeframes(results, params.TimeframeAgreement)
	regime := ClassifyRegime(primary.ind)
	patterns := DetectPatterns(primary.candles, primary.ind, mtf.Direction)

	in := FusionInput{
		MTF:      mtf,
		Regime:   regime,
		Patterns: patterns,
	}
	if e.news != nil {
		in.News = e.news.Assessment(symbol)
		in.NewsOK = true
		if in.News.EmergencySeverity >= EmergencySeverityThreshold {
			sig.Emergency = true
		}
	}
	if e.ml != nil {
		features := BuildFeatures(primary.ind, regime)
		if pred, available := e.ml.Predict(features, symbol); available {
			in.ML = pred
			in.MLOK = true
			e.ml.RecordPrediction(symbol, pred, features)
		}
	}

	fused := Fuse(in, e.config.Weights)

	sig.Score = fused.Score
	sig.Confidence = fused.Confidence
	sig.Components = fused.Components
	sig.Regime = regime.Regime
	sig.RegimeParams = regime.Params
	sig.AlignmentScore = mtf.AlignmentScore
	sig.ExpectedMove = patterns.ExpectedMove
	sig.PositionSizeMultiplier = regime.Params.PositionSizeMultiplier
	sig.StopPct, sig.TargetPct = e.stopTarget(params, regime, primary)

	e.decide(sig, params, regime, mtf, primary)
	e.remember(sig)

	e.logger.Info("signal evaluated",
		"symbol", symbol,
		"score", fmt.Sprintf("%.3f", sig.Score),
		"confidence", fmt.Sprintf("%.1f", sig.Confidence),
		"direction", string(sig.Direction),
		"regime", string(sig.Regime),
		"should_trade", sig.ShouldTrade,
		"skip_reason", sig.SkipReason,
	)
	return sig, nil
}

// timeframeData pairs one timeframe's candles with its indicator set
type timeframeData struct {
	timeframe string
	candles   []exchange.Candle
	ind       *indicators.Set
}

// analyzeTimeframes fetches and analyzes every configured timeframe in a
// deterministic order. The heaviest-weighted timeframe with data becomes the
// primary for regime and pattern work.
func (e *Engine) analyzeTimeframes(ctx context.Context, symbol string, params *config.SymbolParams, strategy Strategy) ([]TimeframeResult, *timeframeData, error) {
	timeframes := make([]string, 0, len(params.TimeframeWeights))
	for tf := range params.TimeframeWeights {
		timeframes = append(timeframes, tf)
	}
	sort.Slice(timeframes, func(i, j int) bool {
		return marketdata.TimeframeDuration(timeframes[i]) < marketdata.TimeframeDuration(timeframes[j])
	})

	var results []TimeframeResult
	var primary *timeframeData
	var primaryWeight float64

	for _, tf := range timeframes {
		candles, err := e.market.OHLCV(ctx, symbol, tf, candleFetchLimit)
		if err != nil {
			e.logger.Warn("timeframe fetch failed", "symbol", symbol, "timeframe", tf, "error", err.Error())
			continue
		}
		if len(candles) < marketdata.MinCandlesForAnalysis {
			e.logger.Debug("timeframe below analysis minimum", "symbol", symbol, "timeframe", tf, "candles", len(candles))
			continue
		}

		ind := indicators.Compute(candles)
		result := strategy.Analyze(symbol, candles, ind)
		result.Timeframe = tf
		result.Weight = params.TimeframeWeights[tf]
		results = append(results, result)

		if result.Weight > primaryWeight {
			primaryWeight = result.Weight
			primary = &timeframeData{timeframe: tf, candles: candles, ind: ind}
		}
	}
	return results, primary, nil
}

// decide applies the entry rules. The threshold comparison is strict: a score
// exactly at the boundary does not trade.
func (e *Engine) decide(sig *Signal, params *config.SymbolParams, regime RegimeResult, mtf MTFResult, primary *timeframeData) {
	threshold := params.SignalThreshold * regime.Params.SignalThresholdMultiplier

	if math.Abs(sig.Score) <= threshold {
		sig.SkipReason = "below_threshold"
		return
	}
	if sig.Score > 0 {
		sig.Direction = DirectionLong
	} else {
		sig.Direction = DirectionShort
	}
	if sig.Confidence < params.ConfidenceRequired {
		sig.SkipReason = "low_confidence"
		return
	}
	if !mtf.Aligned {
		sig.SkipReason = "misaligned_timeframes"
		return
	}
	if params.ExtremeRSIOnly {
		rsi := indicators.Last(primary.ind.RSI14)
		if math.IsNaN(rsi) || (rsi >= 25 && rsi <= 75) {
			sig.SkipReason = "rsi_not_extreme"
			return
		}
	}
	sig.ShouldTrade = true
}

// stopTarget derives preliminary ATR-based stop and target fractions; the
// risk layer clamps and leverage-adjusts them before orders go out.
func (e *Engine) stopTarget(params *config.SymbolParams, regime RegimeResult, primary *timeframeData) (stop, target float64) {
	atrPct := indicators.Last(primary.ind.ATRPct)
	if math.IsNaN(atrPct) || atrPct <= 0 {
		return params.FallbackStopPct, params.FallbackTargetPct
	}
	stop = atrPct * params.ATRStopMultiplier * regime.Params.StopMultiplier
	target = atrPct * params.ATRTargetMultiplier * regime.Params.TargetMultiplier
	return stop, target
}

// LastSignal returns the most recent signal for a symbol
func (e *Engine) LastSignal(symbol string) (*Signal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.lastSignal[symbol]
	return s, ok
}

func (e *Engine) remember(sig *Signal) {
	e.mu.Lock()
	e.lastSignal[sig.Symbol] = sig
	e.mu.Unlock()
}

// GetStats reports the engine's last outputs per symbol
func (e *Engine) GetStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	signals := make(map[string]interface{}, len(e.lastSignal))
	for sym, s := range e.lastSignal {
		signals[sym] = map[string]interface{}{
			"score":        s.Score,
			"confidence":   s.Confidence,
			"direction":    string(s.Direction),
			"regime":       string(s.Regime),
			"should_trade": s.ShouldTrade,
			"skip_reason":  s.SkipReason,
			"generated_at": s.GeneratedAt,
		}
	}
	return map[string]interface{}{
		"symbols": len(e.symbols),
		"signals": signals,
	}
}

// BuildFeatures flattens the indicator set and regime into the ML feature
// vector. Ratios are normalized so heads see scale-free inputs.
func BuildFeatures(ind *indicators.Set, regime RegimeResult) map[string]float64 {
	close := indicators.Last(indicators.Closes(ind.Candles))
	features := map[string]float64{
		"rsi_6":            featureOr(indicators.Last(ind.RSI6), 50),
		"rsi_14":           featureOr(indicators.Last(ind.RSI14), 50),
		"rsi_24":           featureOr(indicators.Last(ind.RSI24), 50),
		"stoch_k":          featureOr(indicators.Last(ind.StochK), 50),
		"stoch_d":          featureOr(indicators.Last(ind.StochD), 50),
		"mfi":              featureOr(indicators.Last(ind.MFI), 50),
		"cmf":              featureOr(indicators.Last(ind.CMF), 0),
		"adx":              featureOr(indicators.Last(ind.ADX), 0),
		"atr_pct":          featureOr(indicators.Last(ind.ATRPct), 0),
		"volume_ratio":     featureOr(indicators.Last(ind.VolumeRatio), 1),
		"price_position":   featureOr(ind.PricePosition, 0.5),
		"trend_strength":   featureOr(ind.TrendStrength, 0),
		"volatility_ratio": featureOr(ind.VolatilityRatio, 1),
		"macd_hist_slope":  featureOr(indicators.Slope(ind.MACDHist, 3), 0),
		"supertrend_dir":   featureOr(indicators.Last(ind.SupertrendDir), 0),
		"regime_price":     regime.PriceScore,
		"regime_momentum":  regime.MomentumScore,
		"regime_trend":     regime.TrendScore,
		"regime_vol":       regime.VolatilityScore,
	}
	if close != 0 {
		features["ema20_dist"] = featureOr((close-indicators.Last(ind.EMA20))/close, 0)
		features["ema50_dist"] = featureOr((close-indicators.Last(ind.EMA50))/close, 0)
		features["sma200_dist"] = featureOr((close-indicators.Last(ind.SMA200))/close, 0)
		features["vwap_dist"] = featureOr((close-indicators.Last(ind.VWAP))/close, 0)
	}
	return features
}

func featureOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
