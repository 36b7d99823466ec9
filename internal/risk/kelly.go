package risk

import (
	"sync"
)

// kellyWindow is how many recent trade results feed the estimate
const kellyWindow = 50

// kellyMinTrades below which the tracker returns the neutral default
const kellyMinTrades = 10

// defaultKelly is used until enough history accumulates
const defaultKelly = 0.1

// KellyTracker keeps a rolling window of per-symbol trade outcomes and
// derives a clamped Kelly fraction from it.
type KellyTracker struct {
	mu      sync.RWMutex
	results map[string][]float64 // pnl fractions, newest last
}

// NewKellyTracker builds an empty tracker
func NewKellyTracker() *KellyTracker {
	return &KellyTracker{results: make(map[string][]float64)}
}

// Record appends one realized trade result (pnl as a fraction of allocated
// capital).
func (k *KellyTracker) Record(symbol string, pnlPct float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	window := append(k.results[symbol], pnlPct)
	if len(window) > kellyWindow {
		window = window[len(window)-kellyWindow:]
	}
	k.results[symbol] = window
}

// Fraction returns the raw Kelly fraction clamped to [0, 0.25]. The caller
// multiplies by KELLY_FRACTION for safety.
func (k *KellyTracker) Fraction(symbol string) float64 {
	k.mu.RLock()
	defer k.mu.RUnlock()

	window := k.results[symbol]
	if len(window) < kellyMinTrades {
		return defaultKelly
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, pnl := range window {
		if pnl > 0 {
			wins++
			winSum += pnl
		} else if pnl < 0 {
			losses++
			lossSum -= pnl
		}
	}
	if wins == 0 {
		return 0
	}
	if losses == 0 {
		return 0.25
	}

	p := float64(wins) / float64(wins+losses)
	avgWin := winSum / float64(wins)
	avgLoss := lossSum / float64(losses)
	if avgLoss == 0 {
		return 0.25
	}
	b := avgWin / avgLoss
	kelly := (b*p - (1 - p)) / b

	if kelly < 0 {
		return 0
	}
	if kelly > 0.25 {
		return 0.25
	}
	return kelly
}

// Stats exposes the window-derived summary for one symbol
func (k *KellyTracker) Stats(symbol string) (winRate, avgWin, avgLoss float64, trades int) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	window := k.results[symbol]
	var wins, losses int
	var winSum, lossSum float64
	for _, pnl := range window {
		if pnl > 0 {
			wins++
			winSum += pnl
		} else if pnl < 0 {
			losses++
			lossSum -= pnl
		}
	}
	trades = len(window)
	if wins+losses > 0 {
		winRate = float64(wins) / float64(wins+losses)
	}
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return winRate, avgWin, avgLoss, trades
}
