package risk

import (
	"fmt"
	"sync"
	"time"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/logging"
)

// CheckResult is one pre-trade check outcome, surfaced on /status
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// PortfolioView is the snapshot the gate evaluates against
type PortfolioView struct {
	DailyPnLPct       float64
	WeeklyPnLPct      float64
	DrawdownPct       float64
	TradesToday       int
	LossTradesToday   int
	LastTradeAt       time.Time
	SymbolPositions   int // open positions for the candidate symbol
	LongPositions     int // across the portfolio
	ShortPositions    int
	ConfiguredSymbols int
}

// GateDecision bundles the verdict with every check for reporting
type GateDecision struct {
	Allowed bool          `json:"allowed"`
	Checks  []CheckResult `json:"checks"`
}

// FailedChecks lists the names of checks that did not pass
func (d GateDecision) FailedChecks() []string {
	var out []string
	for _, c := range d.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Gate runs the pre-trade checks. All must pass before an entry is sized.
type Gate struct {
	config *config.RiskConfig
	logger *logging.Logger

	mu            sync.RWMutex
	lastDecisions map[string]GateDecision
}

// NewGate builds the pre-trade gate
func NewGate(cfg *config.RiskConfig, logger *logging.Logger) *Gate {
	return &Gate{
		config:        cfg,
		logger:        logger.WithComponent("risk"),
		lastDecisions: make(map[string]GateDecision),
	}
}

// Check evaluates every pre-trade rule for one symbol. The full check list is
// always evaluated so /status can show everything that failed, not just the
// first.
func (g *Gate) Check(symbol string, params *config.SymbolParams, view PortfolioView) GateDecision {
	cooldown := time.Duration(params.CooldownMinutes) * time.Minute

	checks := []CheckResult{
		check("daily_loss", view.DailyPnLPct > -g.config.DailyLossLimit,
			fmt.Sprintf("daily pnl %.2f%% vs limit -%.2f%%", view.DailyPnLPct*100, g.config.DailyLossLimit*100)),
		check("weekly_loss", view.WeeklyPnLPct > -g.config.WeeklyLossLimit,
			fmt.Sprintf("weekly pnl %.2f%% vs limit -%.2f%%", view.WeeklyPnLPct*100, g.config.WeeklyLossLimit*100)),
		check("daily_trades", view.TradesToday < params.MaxDailyTrades,
			fmt.Sprintf("%d of %d trades today", view.TradesToday, params.MaxDailyTrades)),
		check("daily_loss_trades", view.LossTradesToday < params.MaxDailyLossTrades,
			fmt.Sprintf("%d of %d losing trades today", view.LossTradesToday, params.MaxDailyLossTrades)),
		check("cooldown", view.LastTradeAt.IsZero() || time.Since(view.LastTradeAt) >= cooldown,
			fmt.Sprintf("last trade %s ago, cooldown %s", time.Since(view.LastTradeAt).Round(time.Second), cooldown)),
		check("max_positions", view.SymbolPositions < params.MaxPositions,
			fmt.Sprintf("%d of %d positions open", view.SymbolPositions, params.MaxPositions)),
		check("one_sided", view.LongPositions < view.ConfiguredSymbols && view.ShortPositions < view.ConfiguredSymbols,
			fmt.Sprintf("longs %d shorts %d symbols %d", view.LongPositions, view.ShortPositions, view.ConfiguredSymbols)),
		check("drawdown", view.DrawdownPct < g.config.MaxDrawdown,
			fmt.Sprintf("drawdown %.2f%% vs max %.2f%%", view.DrawdownPct*100, g.config.MaxDrawdown*100)),
	}

	decision := GateDecision{Allowed: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			decision.Allowed = false
		}
	}

	g.mu.Lock()
	g.lastDecisions[symbol] = decision
	g.mu.Unlock()

	if !decision.Allowed {
		g.logger.Warn("trade blocked by risk gate", "symbol", symbol, "failed", fmt.Sprintf("%v", decision.FailedChecks()))
	}
	return decision
}

// LastDecision returns the most recent decision for a symbol
func (g *Gate) LastDecision(symbol string) (GateDecision, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.lastDecisions[symbol]
	return d, ok
}

func check(name string, passed bool, detail string) CheckResult {
	return CheckResult{Name: name, Passed: passed, Detail: detail}
}
