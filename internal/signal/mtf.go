package signal

import (
	"math"
)

// Divergence threshold: strongly positive and strongly negative per-timeframe
// scores coexisting past this magnitude mark the view as divergent.
const divergenceThreshold = 0.3

// Confidence penalties applied multiplicatively
const (
	misalignmentPenalty = 0.7
	divergencePenalty   = 0.8
)

// CombineTimeframes merges per-timeframe verdicts into one view. Scores and
// confidences are weight-averaged; alignment is the weight fraction agreeing
// with the majority direction.
func CombineTimeframes(results []TimeframeResult, agreementRequired float64) MTFResult {
	out := MTFResult{PerTimeframe: results, Direction: DirectionNeutral}
	if len(results) == 0 {
		return out
	}

	var totalWeight, scoreSum, confSum float64
	var longWeight, shortWeight float64
	var hasStrongPos, hasStrongNeg bool

	for _, r := range results {
		totalWeight += r.Weight
		scoreSum += r.Score * r.Weight
		confSum += r.Confidence * r.Weight

		switch r.Direction {
		case DirectionLong:
			longWeight += r.Weight
		case DirectionShort:
			shortWeight += r.Weight
		}
		if r.Score >= divergenceThreshold {
			hasStrongPos = true
		}
		if r.Score <= -divergenceThreshold {
			hasStrongNeg = true
		}
	}
	if totalWeight == 0 {
		return out
	}

	out.Score = clamp(scoreSum/totalWeight, -1, 1)
	out.Confidence = clamp(confSum/totalWeight, 0, 100)
	out.Divergent = hasStrongPos && hasStrongNeg

	if out.Score > 0 {
		out.Direction = DirectionLong
		out.AlignmentScore = longWeight / totalWeight
	} else if out.Score < 0 {
		out.Direction = DirectionShort
		out.AlignmentScore = shortWeight / totalWeight
	} else {
		out.AlignmentScore = math.Max(longWeight, shortWeight) / totalWeight
	}

	out.Aligned = out.AlignmentScore >= agreementRequired && !out.Divergent
	if out.AlignmentScore < agreementRequired {
		out.Confidence *= misalignmentPenalty
	}
	if out.Divergent {
		out.Confidence *= divergencePenalty
	}
	return out
}
