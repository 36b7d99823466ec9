package signal

import (
	"time"
)

// Direction of a signal
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// Regime labels the current market character
type Regime string

const (
	RegimeTrendingUp   Regime = "trending_up"
	RegimeTrendingDown Regime = "trending_down"
	RegimeRanging      Regime = "ranging"
	RegimeVolatile     Regime = "volatile"
)

// RegimeParams is the parameter pack a regime yields for downstream sizing
// and thresholds.
type RegimeParams struct {
	PositionSizeMultiplier    float64  `json:"position_size_multiplier"`
	StopMultiplier            float64  `json:"stop_multiplier"`
	TargetMultiplier          float64  `json:"target_multiplier"`
	MaxPositions              int      `json:"max_positions"`
	PreferredTimeframes       []string `json:"preferred_timeframes"`
	SignalThresholdMultiplier float64  `json:"signal_threshold_multiplier"`
}

// RegimeResult is the classifier output
type RegimeResult struct {
	Regime     Regime       `json:"regime"`
	Confidence float64      `json:"confidence"` // [20,95]
	Params     RegimeParams `json:"params"`

	// Sub-scores, all in [-1,1] except volatility and trend in [0,1]
	PriceScore      float64 `json:"price_score"`
	MomentumScore   float64 `json:"momentum_score"`
	TrendScore      float64 `json:"trend_score"`
	VolatilityScore float64 `json:"volatility_score"`
	VolumeScore     float64 `json:"volume_score"`
}

// TimeframeResult is one timeframe's strategy verdict
type TimeframeResult struct {
	Timeframe  string    `json:"timeframe"`
	Weight     float64   `json:"weight"`
	Direction  Direction `json:"direction"`
	Score      float64   `json:"score"`      // [-1,1]
	Confidence float64   `json:"confidence"` // [0,100]
}

// MTFResult is the combined multi-timeframe view
type MTFResult struct {
	Score          float64           `json:"score"`
	Confidence     float64           `json:"confidence"`
	Direction      Direction         `json:"direction"`
	AlignmentScore float64           `json:"alignment_score"` // [0,1]
	Aligned        bool              `json:"aligned"`
	Divergent      bool              `json:"divergent"`
	PerTimeframe   []TimeframeResult `json:"per_timeframe"`
}

// ComponentScores itemizes the fusion inputs
type ComponentScores struct {
	MTF      float64 `json:"mtf"`
	Regime   float64 `json:"regime"`
	Patterns float64 `json:"patterns"`
	ML       float64 `json:"ml"`
	News     float64 `json:"news"`
}

// Signal is the per-symbol per-cycle output of the engine
type Signal struct {
	Symbol                 string          `json:"symbol"`
	Direction              Direction       `json:"direction"`
	Score                  float64         `json:"score"`      // [-1,1]
	Confidence             float64         `json:"confidence"` // [0,100]
	Components             ComponentScores `json:"components"`
	Regime                 Regime          `json:"regime"`
	RegimeParams           RegimeParams    `json:"regime_params"`
	AlignmentScore         float64         `json:"alignment_score"`
	ExpectedMove           float64         `json:"expected_move"`
	StopPct                float64         `json:"stop_pct"`
	TargetPct              float64         `json:"target_pct"`
	PositionSizeMultiplier float64         `json:"position_size_multiplier"`
	ShouldTrade            bool            `json:"should_trade"`
	SkipReason             string          `json:"skip_reason,omitempty"`
	Emergency              bool            `json:"emergency"`
	GeneratedAt            time.Time       `json:"generated_at"`
}

// NewsImpact buckets news by market weight
type NewsImpact string

const (
	ImpactLow    NewsImpact = "low"
	ImpactMedium NewsImpact = "medium"
	ImpactHigh   NewsImpact = "high"
)

// NewsAssessment is what the news pipeline hands the engine per symbol
type NewsAssessment struct {
	Sentiment         float64    `json:"sentiment"`  // [-1,1]
	Impact            NewsImpact `json:"impact"`
	Confidence        float64    `json:"confidence"` // [0,1]
	EmergencySeverity float64    `json:"emergency_severity"`
}

// NewsPort provides per-symbol sentiment
type NewsPort interface {
	Assessment(symbol string) NewsAssessment
}

// MLPrediction is the ensemble output
type MLPrediction struct {
	Score      float64            `json:"score"`      // [-1,1]
	Confidence float64            `json:"confidence"` // [0,1]
	PerModel   map[string]float64 `json:"per_model"`
	Heuristic  bool               `json:"heuristic"` // true when no head is trained
}

// MLPort predicts from a feature vector. available=false removes the ML term
// from fusion entirely.
type MLPort interface {
	Predict(features map[string]float64, symbol string) (MLPrediction, bool)
	RecordPrediction(symbol string, prediction MLPrediction, features map[string]float64)
}
