package position

import "math"

// RoundPrice rounds to the symbol's quote precision
func RoundPrice(price float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	return math.Round(price*scale) / scale
}

// RoundQuantity floors to the lot step so the order never exceeds the funded
// size, then trims float noise at the quantity precision.
func RoundQuantity(qty, lotSize float64, precision int) float64 {
	if lotSize > 0 {
		// Nudge before flooring so binary noise in the division cannot drop
		// a whole lot step.
		qty = math.Floor(qty/lotSize+1e-9) * lotSize
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(qty*scale) / scale
}
