package exchange

import (
	"math"
	"strings"
)

// The engine uses exchange-neutral upper-snake symbols (BTCUSDT). These
// helpers translate to the wire forms the REST and stream endpoints expect.

// FormatRESTSymbol returns the REST form of a symbol
func FormatRESTSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// FormatStreamSymbol returns the stream-subscription form of a symbol
func FormatStreamSymbol(symbol string) string {
	return strings.ToLower(FormatRESTSymbol(symbol))
}

// RoundPrice rounds a price to the symbol's quote precision
func RoundPrice(price float64, precision int) float64 {
	factor := math.Pow10(precision)
	return math.Round(price*factor) / factor
}

// RoundQuantity floors a quantity to the symbol's lot precision. Flooring
// keeps the order within the allocated capital.
func RoundQuantity(qty float64, precision int) float64 {
	factor := math.Pow10(precision)
	return math.Floor(qty*factor) / factor
}

// RoundTakeProfit rounds a take-profit price conservatively: down for longs,
// up for shorts, so the level triggers no later than intended.
func RoundTakeProfit(price float64, precision int, isLong bool) float64 {
	factor := math.Pow10(precision)
	if isLong {
		return math.Floor(price*factor) / factor
	}
	return math.Ceil(price*factor) / factor
}
