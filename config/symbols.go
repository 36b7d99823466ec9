package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SymbolParams holds the static per-symbol trading parameters. Built once at
// startup and never mutated afterwards.
type SymbolParams struct {
	Symbol            string  `json:"symbol"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
	LotSize           float64 `json:"lot_size"`
	MaxLeverage       int     `json:"max_leverage"`
	Leverage          int     `json:"leverage"`
	PortfolioWeight   float64 `json:"portfolio_weight"`

	// Fractions of the symbol's allocated capital
	PositionSizeMin      float64 `json:"position_size_min"`
	PositionSizeStandard float64 `json:"position_size_standard"`
	PositionSizeMax      float64 `json:"position_size_max"`
	MaxPositions         int     `json:"max_positions"`

	TimeframeWeights   map[string]float64 `json:"timeframe_weights"`
	SignalThreshold    float64            `json:"signal_threshold"`
	ConfidenceRequired float64            `json:"confidence_required"`
	TimeframeAgreement float64            `json:"timeframe_agreement"`
	ExtremeRSIOnly     bool               `json:"extreme_rsi_only"`

	FallbackStopPct   float64 `json:"fallback_stop_pct"`
	FallbackTargetPct float64 `json:"fallback_target_pct"`

	TrailingActivation float64 `json:"trailing_activation"`
	TrailingDistance   float64 `json:"trailing_distance"`

	ATRPeriod           int     `json:"atr_period"`
	ATRStopMultiplier   float64 `json:"atr_stop_multiplier"`
	ATRTargetMultiplier float64 `json:"atr_target_multiplier"`
	MinStopDistance     float64 `json:"min_stop_distance"`
	MaxStopDistance     float64 `json:"max_stop_distance"`

	MaxDailyTrades     int     `json:"max_daily_trades"`
	MaxDailyLossTrades int     `json:"max_daily_loss_trades"`
	CooldownMinutes    int     `json:"cooldown_minutes"`

	// "btc" (trend-led) or "eth" (momentum-led)
	StrategyProfile string `json:"strategy_profile"`
}

// Built-in parameter sets. Symbols outside this table start from the BTC-like
// profile but MUST provide POSITION_SIZE_RANGE_<SYM> and PORTFOLIO_WEIGHT_<SYM>
// via the environment; Validate rejects them otherwise.
func btcDefaults(symbol string) *SymbolParams {
	return &SymbolParams{
		Symbol:            symbol,
		PricePrecision:    2,
		QuantityPrecision: 3,
		LotSize:           0.001,
		MaxLeverage:       125,
		Leverage:          20,
		PortfolioWeight:   0,
		MaxPositions:      2,
		TimeframeWeights: map[string]float64{
			"15m": 0.2,
			"1h":  0.35,
			"4h":  0.3,
			"1d":  0.15,
		},
		SignalThreshold:     0.25,
		ConfidenceRequired:  45,
		TimeframeAgreement:  0.6,
		ExtremeRSIOnly:      false,
		FallbackStopPct:     0.01,
		FallbackTargetPct:   0.02,
		TrailingActivation:  0.01,
		TrailingDistance:    0.005,
		ATRPeriod:           14,
		ATRStopMultiplier:   1.5,
		ATRTargetMultiplier: 3.0,
		MinStopDistance:     0.005,
		MaxStopDistance:     0.03,
		MaxDailyTrades:      8,
		MaxDailyLossTrades:  3,
		CooldownMinutes:     30,
		StrategyProfile:     "btc",
	}
}

func ethDefaults(symbol string) *SymbolParams {
	p := btcDefaults(symbol)
	p.PricePrecision = 2
	p.QuantityPrecision = 3
	p.LotSize = 0.001
	p.MaxLeverage = 100
	p.Leverage = 15
	p.SignalThreshold = 0.30
	p.ConfidenceRequired = 50
	p.ExtremeRSIOnly = true
	p.TrailingActivation = 0.012
	p.TrailingDistance = 0.006
	p.ATRStopMultiplier = 1.8
	p.ATRTargetMultiplier = 3.2
	p.MaxStopDistance = 0.035
	p.StrategyProfile = "eth"
	return p
}

// loadSymbols builds SymbolParams for each entry of the SYMBOLS list, applying
// per-symbol environment overrides.
func loadSymbols(symbolList string) []*SymbolParams {
	names := make([]string, 0, 4)
	for _, s := range strings.Split(symbolList, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			names = append(names, s)
		}
	}

	params := make([]*SymbolParams, 0, len(names))
	for _, name := range names {
		var p *SymbolParams
		switch name {
		case "BTCUSDT":
			p = btcDefaults(name)
			p.PortfolioWeight = 0.6
			p.PositionSizeMin = 0.1
			p.PositionSizeStandard = 0.2
			p.PositionSizeMax = 0.3
		case "ETHUSDT":
			p = ethDefaults(name)
			p.PortfolioWeight = 0.4
			p.PositionSizeMin = 0.1
			p.PositionSizeStandard = 0.15
			p.PositionSizeMax = 0.25
		default:
			p = btcDefaults(name)
		}
		applySymbolEnv(p)
		params = append(params, p)
	}

	// When only one symbol is configured it carries the whole book unless
	// overridden.
	if len(params) == 1 && os.Getenv("PORTFOLIO_WEIGHT_"+params[0].Symbol) == "" {
		params[0].PortfolioWeight = 1.0
	}

	return params
}

func applySymbolEnv(p *SymbolParams) {
	sym := p.Symbol
	p.Leverage = getEnvIntOrDefault("LEVERAGE_"+sym, p.Leverage)
	p.PortfolioWeight = getEnvFloatOrDefault("PORTFOLIO_WEIGHT_"+sym, p.PortfolioWeight)
	p.MaxPositions = getEnvIntOrDefault("MAX_POSITIONS_"+sym, p.MaxPositions)
	p.SignalThreshold = getEnvFloatOrDefault("SIGNAL_THRESHOLD_"+sym, p.SignalThreshold)
	p.ConfidenceRequired = getEnvFloatOrDefault("CONFIDENCE_REQUIRED_"+sym, p.ConfidenceRequired)
	p.MaxDailyTrades = getEnvIntOrDefault("MAX_DAILY_TRADES_"+sym, p.MaxDailyTrades)
	p.MaxDailyLossTrades = getEnvIntOrDefault("MAX_DAILY_LOSS_TRADES_"+sym, p.MaxDailyLossTrades)
	p.CooldownMinutes = getEnvIntOrDefault("COOLDOWN_MINUTES_"+sym, p.CooldownMinutes)
	p.TrailingActivation = getEnvFloatOrDefault("TRAILING_ACTIVATION_"+sym, p.TrailingActivation)
	p.TrailingDistance = getEnvFloatOrDefault("TRAILING_DISTANCE_"+sym, p.TrailingDistance)

	if rangeSpec := os.Getenv("POSITION_SIZE_RANGE_" + sym); rangeSpec != "" {
		if min, std, max, err := parseSizeRange(rangeSpec); err == nil {
			p.PositionSizeMin = min
			p.PositionSizeStandard = std
			p.PositionSizeMax = max
		}
	}
}

// parseSizeRange parses "min,standard,max" fractions.
func parseSizeRange(spec string) (float64, float64, float64, error) {
	fields := strings.Split(spec, ",")
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("want min,standard,max, got %q", spec)
	}
	vals := make([]float64, 3)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return 0, 0, 0, err
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}
