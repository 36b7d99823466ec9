package risk

import (
	"fmt"
	"math"

	"perp-trading-engine/config"
)

// AllocationInput is the capital state at sizing time
type AllocationInput struct {
	TotalBalance   float64
	UsedMargin     float64 // margin across all open positions
	UsedOnSymbol   float64 // margin already committed to the candidate symbol
	SizeMultiplier float64 // from the signal's regime parameters
}

// AllocationResult is the sized entry or the refusal reason
type AllocationResult struct {
	Capital   float64 `json:"capital"`
	SafeKelly float64 `json:"safe_kelly"`
	Refused   bool    `json:"refused"`
	Reason    string  `json:"reason,omitempty"`
}

// Allocator sizes entries under the portfolio weight, per-position split,
// fractional Kelly and the global allocation cap.
type Allocator struct {
	config *config.RiskConfig
	kelly  *KellyTracker
}

// NewAllocator builds the allocator around a shared Kelly tracker
func NewAllocator(cfg *config.RiskConfig, kelly *KellyTracker) *Allocator {
	return &Allocator{config: cfg, kelly: kelly}
}

// Allocate computes the capital for a new entry. Every binding constraint is
// a min-term; the tightest one wins.
func (a *Allocator) Allocate(params *config.SymbolParams, in AllocationInput) AllocationResult {
	if in.TotalBalance <= 0 {
		return refused("no balance")
	}

	maxAllowed := in.TotalBalance * a.config.MaxTotalAllocation
	availableUnderCap := maxAllowed - in.UsedMargin
	if availableUnderCap <= 0 {
		return refused(fmt.Sprintf("allocation cap reached: used %.2f of %.2f", in.UsedMargin, maxAllowed))
	}

	targetSymbolAllocation := maxAllowed * params.PortfolioWeight
	remaining := targetSymbolAllocation - in.UsedOnSymbol
	if remaining <= 0 {
		return refused(fmt.Sprintf("symbol budget exhausted: used %.2f of %.2f", in.UsedOnSymbol, targetSymbolAllocation))
	}

	perPosition := targetSymbolAllocation
	if params.MaxPositions > 0 {
		perPosition = targetSymbolAllocation / float64(params.MaxPositions)
	}

	safeKelly := a.kelly.Fraction(params.Symbol) * a.config.KellyFraction
	kellyCapital := remaining * safeKelly

	capital := math.Min(remaining, perPosition)
	capital = math.Min(capital, availableUnderCap)
	capital = math.Min(capital, kellyCapital)

	multiplier := in.SizeMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	capital *= multiplier

	// The multiplier must not push past the hard cap
	capital = math.Min(capital, availableUnderCap)

	if capital < a.config.MinNotional {
		return refusedWithKelly(fmt.Sprintf("allocation %.2f below minimum notional %.2f", capital, a.config.MinNotional), safeKelly)
	}
	return AllocationResult{Capital: capital, SafeKelly: safeKelly}
}

func refused(reason string) AllocationResult {
	return AllocationResult{Refused: true, Reason: reason}
}

func refusedWithKelly(reason string, safeKelly float64) AllocationResult {
	return AllocationResult{Refused: true, Reason: reason, SafeKelly: safeKelly}
}
