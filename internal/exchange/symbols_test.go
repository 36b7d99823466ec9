package exchange

import (
	"math"
	"testing"
)

func TestSymbolFormatting(t *testing.T) {
	tests := []struct {
		in         string
		wantREST   string
		wantStream string
	}{
		{"BTCUSDT", "BTCUSDT", "btcusdt"},
		{"btc/usdt", "BTCUSDT", "btcusdt"},
		{"EthUsdt", "ETHUSDT", "ethusdt"},
	}
	for _, tt := range tests {
		if got := FormatRESTSymbol(tt.in); got != tt.wantREST {
			t.Errorf("FormatRESTSymbol(%q) = %q, want %q", tt.in, got, tt.wantREST)
		}
		if got := FormatStreamSymbol(tt.in); got != tt.wantStream {
			t.Errorf("FormatStreamSymbol(%q) = %q, want %q", tt.in, got, tt.wantStream)
		}
	}
}

func TestRounding(t *testing.T) {
	tests := []struct {
		name      string
		fn        func() float64
		want      float64
	}{
		{"price rounds to precision", func() float64 { return RoundPrice(45123.456789, 2) }, 45123.46},
		{"quantity floors", func() float64 { return RoundQuantity(0.0019, 3) }, 0.001},
		{"long TP floors", func() float64 { return RoundTakeProfit(101.789, 2, true) }, 101.78},
		{"short TP ceils", func() float64 { return RoundTakeProfit(98.121, 2, false) }, 98.13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
