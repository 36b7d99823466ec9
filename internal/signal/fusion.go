package signal

import (
	"math"
)

// FusionWeights splits the final score between the technical block and the
// ML/news block. ML and News are shares of the non-technical budget.
type FusionWeights struct {
	Technical float64 `json:"technical"`
	ML        float64 `json:"ml"`
	News      float64 `json:"news"`
}

// DefaultFusionWeights returns the standard split
func DefaultFusionWeights() FusionWeights {
	return FusionWeights{Technical: 0.60, ML: 0.80, News: 0.20}
}

// Technical block mix
const (
	mtfShare     = 0.50
	regimeShare  = 0.30
	patternShare = 0.20
)

// FusionInput collects every component feeding one signal
type FusionInput struct {
	MTF      MTFResult
	Regime   RegimeResult
	Patterns PatternResult
	News     NewsAssessment
	NewsOK   bool
	ML       MLPrediction
	MLOK     bool
}

// FusionOutput is the fused score with calibrated confidence
type FusionOutput struct {
	Score      float64
	Confidence float64
	Components ComponentScores
}

// Fuse combines technical, ML and news components. When the ML term is
// unavailable its weight budget collapses onto technical 0.80 / news 0.20.
func Fuse(in FusionInput, weights FusionWeights) FusionOutput {
	regimeScore := regimeDirectionalScore(in.Regime)
	technical := in.MTF.Score*mtfShare + regimeScore*regimeShare + in.Patterns.Score*patternShare
	technical = clamp(technical, -1, 1)

	newsScore := 0.0
	if in.NewsOK {
		newsScore = clamp(in.News.Sentiment*impactScale(in.News.Impact), -1, 1)
	}

	wT := weights.Technical
	var wM, wN float64
	if in.MLOK {
		wM = weights.ML * (1 - wT)
		wN = weights.News * (1 - wT)
	} else {
		wT = 0.80
		wN = 0.20
	}

	score := technical * wT
	if in.MLOK {
		score += in.ML.Score * wM
	}
	score += newsScore * wN

	out := FusionOutput{
		Score: clamp(score, -1, 1),
		Components: ComponentScores{
			MTF:      in.MTF.Score,
			Regime:   regimeScore,
			Patterns: in.Patterns.Score,
			News:     newsScore,
		},
	}
	if in.MLOK {
		out.Components.ML = in.ML.Score
	}
	out.Confidence = fusedConfidence(in, wT, wM, wN)
	return out
}

// regimeDirectionalScore converts the regime label into a signed technical
// contribution. Trending regimes push in their direction scaled by classifier
// confidence; ranging and volatile regimes contribute a damped price/momentum
// bias.
func regimeDirectionalScore(r RegimeResult) float64 {
	switch r.Regime {
	case RegimeTrendingUp:
		return clamp(r.Confidence/100, 0, 1)
	case RegimeTrendingDown:
		return -clamp(r.Confidence/100, 0, 1)
	default:
		return clamp((r.PriceScore+r.MomentumScore)/2*0.5, -0.5, 0.5)
	}
}

// impactScale maps news impact buckets onto sentiment multipliers
func impactScale(impact NewsImpact) float64 {
	switch impact {
	case ImpactHigh:
		return 1.5
	case ImpactLow:
		return 0.5
	default:
		return 1.0
	}
}

// fusedConfidence mixes component confidences by fusion weight, adds an
// agreement bonus when MTF, ML and news all point the same way, and docks
// high-volatility regimes.
func fusedConfidence(in FusionInput, wT, wM, wN float64) float64 {
	techConf := in.MTF.Confidence*0.7 + in.Regime.Confidence*0.3

	conf := techConf * wT
	if in.MLOK {
		conf += in.ML.Confidence * 100 * wM
	}
	if in.NewsOK {
		conf += in.News.Confidence * 100 * wN
	} else {
		conf += techConf * wN
	}

	if tripleAgreement(in) {
		conf += 10
	}
	if in.Regime.VolatilityScore > 0.7 {
		conf -= (in.Regime.VolatilityScore - 0.7) * 40
	}
	return clamp(conf, 0, 100)
}

// tripleAgreement is true when MTF, ML and news scores all carry the same
// non-trivial sign.
func tripleAgreement(in FusionInput) bool {
	if !in.MLOK || !in.NewsOK {
		return false
	}
	newsScore := in.News.Sentiment * impactScale(in.News.Impact)
	signs := []float64{in.MTF.Score, in.ML.Score, newsScore}
	for _, s := range signs {
		if math.Abs(s) < 0.05 {
			return false
		}
	}
	return (signs[0] > 0) == (signs[1] > 0) && (signs[1] > 0) == (signs[2] > 0)
}
