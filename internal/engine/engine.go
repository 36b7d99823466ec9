package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/notify"
	"perp-trading-engine/internal/risk"
	"perp-trading-engine/internal/signal"
	"perp-trading-engine/internal/store"
)

// SignalSource produces one fused signal per symbol per cycle
type SignalSource interface {
	Evaluate(ctx context.Context, symbol string) (*signal.Signal, error)
	GetStats() map[string]interface{}
}

// PositionPort is what the cycle needs from the position manager
type PositionPort interface {
	Open(ctx context.Context, sig *signal.Signal, capital float64) (*store.Position, error)
	CloseAll(ctx context.Context, symbol, reason string) int
	Manage(ctx context.Context, symbol string)
	Reconcile(ctx context.Context) error
	OpenPositions(symbol string) []*store.Position
	Count() (total, longs, shorts int)
	UsedMargin(symbol string) float64
	GetStats() map[string]interface{}
}

// Ledger is the slice of the store the engine reads and writes.
// *store.Store satisfies it.
type Ledger interface {
	TradesClosedSince(ctx context.Context, symbol string, since time.Time) ([]*store.Trade, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]*store.Trade, error)
	LatestBalance(ctx context.Context) (*store.BalanceSnapshot, error)
	AddBalanceSnapshot(ctx context.Context, snap *store.BalanceSnapshot) error
	GetDailyPerformance(ctx context.Context, date string) (*store.DailyPerformance, error)
	UpdateDailyPerformance(ctx context.Context, p *store.DailyPerformance) error
	RecentPerformance(ctx context.Context, n int) ([]*store.DailyPerformance, error)
	UpdateKelly(ctx context.Context, k *store.KellyStats) error
	AppendSystemEvent(ctx context.Context, level, component, message string, context map[string]interface{}) error
	Prune(ctx context.Context, before time.Time) error
}

// MLResolver is the ensemble surface the schedulers drive
type MLResolver interface {
	ResolveOutcomes(horizon time.Duration) int
	ShouldRetrain() bool
	Train() error
	SaveModels() error
	GetStats() map[string]interface{}
}

// NewsMaintainer is the news pipeline surface the cleanup job drives
type NewsMaintainer interface {
	Cleanup()
	GetStats() map[string]interface{}
}

// AlertFunc hands a message to the notifier. priority is "normal", "high" or
// "emergency".
type AlertFunc func(priority, message string)

// Deps bundles the collaborators assembled in main
type Deps struct {
	Signals   SignalSource
	Gate      *risk.Gate
	Allocator *risk.Allocator
	Kelly     *risk.KellyTracker
	Tracker   *risk.CapitalTracker
	Positions PositionPort
	DB        Ledger
	Port      exchange.Port
	ML        MLResolver     // nil disables the ML schedulers
	News      NewsMaintainer // nil disables the news cleanup job
	Alert     AlertFunc      // nil drops alerts
	Degraded  func() bool    // stream fallback indicator, nil means never
}

// Engine runs the trading cycle: outcome resolution, per-symbol gate,
// signal, emergency path, sizing, entry and the manage loop, then the
// performance rollup. Background jobs run on a cron scheduler.
type Engine struct {
	config    *config.Config
	signals   SignalSource
	gate      *risk.Gate
	alloc     *risk.Allocator
	kelly     *risk.KellyTracker
	tracker   *risk.CapitalTracker
	positions PositionPort
	db        Ledger
	port      exchange.Port
	mlModels  MLResolver
	news      NewsMaintainer
	alertFn   AlertFunc
	degraded  func() bool
	logger    *logging.Logger

	mu           sync.Mutex
	trading      bool
	cycles       int
	lastCycleAt  time.Time
	lastAnalysis map[string]time.Time

	cron     *cron.Cron
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds the engine. Trading starts enabled; POST /stop pauses entries
// while the manage loop keeps protecting open positions.
func New(cfg *config.Config, deps Deps, logger *logging.Logger) *Engine {
	return &Engine{
		config:       cfg,
		signals:      deps.Signals,
		gate:         deps.Gate,
		alloc:        deps.Allocator,
		kelly:        deps.Kelly,
		tracker:      deps.Tracker,
		positions:    deps.Positions,
		db:           deps.DB,
		port:         deps.Port,
		mlModels:     deps.ML,
		news:         deps.News,
		alertFn:      deps.Alert,
		degraded:     deps.Degraded,
		logger:       logger.WithComponent("engine"),
		trading:      true,
		lastAnalysis: make(map[string]time.Time),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start reconciles persisted positions, starts the schedulers and launches
// the cycle loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.positions.Reconcile(ctx); err != nil {
		return fmt.Errorf("engine: reconcile positions: %w", err)
	}
	e.startJobs()
	go e.loop(ctx)
	e.logger.Info("engine started",
		"symbols", len(e.config.Symbols),
		"cycle_interval", e.config.EngineConfig.CycleInterval.String(),
	)
	return nil
}

// Stop halts the cycle loop and schedulers within the shutdown grace period.
// Open positions are left alone; their stops rest on the exchange.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })

	grace := e.config.EngineConfig.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-e.done:
	case <-time.After(grace):
		e.logger.Warn("cycle loop did not stop within grace period")
	}
	if e.cron != nil {
		stopCtx := e.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(grace):
		}
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	interval := e.config.EngineConfig.CycleInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ticker.C:
			e.RunCycle(ctx)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle executes one full trading cycle
func (e *Engine) RunCycle(ctx context.Context) {
	start := time.Now()

	if e.mlModels != nil {
		if n := e.mlModels.ResolveOutcomes(e.config.EngineConfig.OutcomeHorizon); n > 0 {
			e.logger.Debug("prediction outcomes resolved", "count", n)
		}
	}

	for _, params := range e.config.Symbols {
		if cancelled(ctx, e.stop) {
			return
		}
		e.processSymbol(ctx, params)
	}

	if err := e.rollupDay(ctx, time.Now()); err != nil {
		e.logger.Warn("daily rollup failed", "error", err.Error())
	}

	e.mu.Lock()
	e.cycles++
	e.lastCycleAt = time.Now()
	cycles := e.cycles
	e.mu.Unlock()

	e.logger.Info("cycle complete", "cycle", cycles, "duration", time.Since(start).String())
}

// processSymbol runs the analysis pipeline for one symbol. The manage loop
// runs for the symbol regardless of how analysis went, so resting positions
// keep their trailing stops and take profits serviced.
func (e *Engine) processSymbol(ctx context.Context, params *config.SymbolParams) {
	sym := params.Symbol
	defer e.positions.Manage(ctx, sym)

	if !e.TradingEnabled() {
		return
	}

	e.mu.Lock()
	last := e.lastAnalysis[sym]
	e.mu.Unlock()
	if !last.IsZero() && time.Since(last) < e.config.EngineConfig.MinAnalysisInterval {
		return
	}
	e.mu.Lock()
	e.lastAnalysis[sym] = time.Now()
	e.mu.Unlock()

	state, err := e.portfolioState(ctx, sym)
	if err != nil {
		e.logger.Warn("portfolio snapshot failed", "symbol", sym, "error", err.Error())
		e.systemEvent(ctx, "warn", "engine", "portfolio snapshot failed",
			map[string]interface{}{"symbol": sym, "error": err.Error()})
		return
	}

	decision := e.gate.Check(sym, params, state.view)
	if !decision.Allowed {
		e.systemEvent(ctx, "info", "risk", "trade blocked",
			map[string]interface{}{"symbol": sym, "failed": decision.FailedChecks()})
		return
	}

	sig, err := e.signals.Evaluate(ctx, sym)
	if err != nil {
		e.logger.Warn("signal evaluation failed", "symbol", sym, "error", err.Error())
		e.systemEvent(ctx, "warn", "signal", "evaluation failed",
			map[string]interface{}{"symbol": sym, "error": err.Error()})
		return
	}

	if sig.Emergency {
		closed := e.positions.CloseAll(ctx, sym, store.ReasonEmergency)
		e.alert(string(notify.PriorityHigh),
			fmt.Sprintf("Emergency for %s: closed %d positions, trading suspended this cycle", sym, closed))
		e.systemEvent(ctx, "warn", "engine", "emergency close",
			map[string]interface{}{"symbol": sym, "closed": closed})
		return
	}

	if !sig.ShouldTrade {
		return
	}

	result := e.alloc.Allocate(params, risk.AllocationInput{
		TotalBalance:   state.totalBalance,
		UsedMargin:     state.usedMargin,
		UsedOnSymbol:   e.positions.UsedMargin(sym),
		SizeMultiplier: sig.PositionSizeMultiplier,
	})
	if result.Refused {
		e.logger.Info("entry refused", "symbol", sym, "reason", result.Reason)
		e.systemEvent(ctx, "info", "risk", "entry refused",
			map[string]interface{}{"symbol": sym, "reason": result.Reason})
		return
	}

	if _, err := e.positions.Open(ctx, sig, result.Capital); err != nil {
		e.logger.Error("entry failed", "symbol", sym, "error", err.Error())
		e.systemEvent(ctx, "error", "position", "entry failed",
			map[string]interface{}{"symbol": sym, "error": err.Error()})
	}
}

// cycleState is the capital snapshot a symbol's checks run against
type cycleState struct {
	view         risk.PortfolioView
	totalBalance float64
	usedMargin   float64
}

// portfolioState assembles the gate's view from the ledger, the position
// manager and the capital tracker.
func (e *Engine) portfolioState(ctx context.Context, symbol string) (cycleState, error) {
	total, err := e.balanceTotal(ctx)
	if err != nil {
		return cycleState{}, err
	}

	var usedMargin float64
	for _, p := range e.config.Symbols {
		usedMargin += e.positions.UsedMargin(p.Symbol)
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := dayStart.AddDate(0, 0, -daysSinceMonday(dayStart))

	// The daily loss limit is a portfolio-level stop, so pnl sums across
	// every symbol; trade counts and the cooldown stay per-symbol.
	todays, err := e.db.TradesClosedSince(ctx, "", dayStart)
	if err != nil {
		return cycleState{}, err
	}
	weekly, err := e.db.TradesClosedSince(ctx, "", weekStart)
	if err != nil {
		return cycleState{}, err
	}

	var dailyPnl, weeklyPnl float64
	var symbolTrades, lossTrades int
	var lastTradeAt time.Time
	for _, t := range todays {
		dailyPnl += t.Pnl
		if t.Symbol != symbol {
			continue
		}
		symbolTrades++
		if t.Pnl < 0 {
			lossTrades++
		}
		if t.ClosedAt != nil && t.ClosedAt.After(lastTradeAt) {
			lastTradeAt = *t.ClosedAt
		}
	}
	for _, t := range weekly {
		weeklyPnl += t.Pnl
	}

	var dailyPct, weeklyPct float64
	if total > 0 {
		dailyPct = dailyPnl / total
		weeklyPct = weeklyPnl / total
	}

	var drawdown float64
	if e.tracker != nil {
		drawdown = e.tracker.DrawdownPct()
	}

	_, longs, shorts := e.positions.Count()

	return cycleState{
		view: risk.PortfolioView{
			DailyPnLPct:       dailyPct,
			WeeklyPnLPct:      weeklyPct,
			DrawdownPct:       drawdown,
			TradesToday:       symbolTrades,
			LossTradesToday:   lossTrades,
			LastTradeAt:       lastTradeAt,
			SymbolPositions:   len(e.positions.OpenPositions(symbol)),
			LongPositions:     longs,
			ShortPositions:    shorts,
			ConfiguredSymbols: len(e.config.Symbols),
		},
		totalBalance: total,
		usedMargin:   usedMargin,
	}, nil
}

// balanceTotal reads the exchange balance, falling back to the latest
// persisted snapshot when the exchange is unreachable.
func (e *Engine) balanceTotal(ctx context.Context) (float64, error) {
	balances, err := e.port.FetchBalance(ctx)
	if err == nil {
		if b, ok := balances["USDT"]; ok {
			return b.Total, nil
		}
	}
	snap, serr := e.db.LatestBalance(ctx)
	if serr == nil && snap != nil {
		return snap.TotalBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: balance unavailable: %w", err)
	}
	return 0, fmt.Errorf("engine: no USDT balance reported")
}

// StartTrading resumes entries after a pause
func (e *Engine) StartTrading() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trading {
		return fmt.Errorf("trading already running")
	}
	e.trading = true
	e.logger.Info("trading resumed")
	return nil
}

// StopTrading pauses new entries. Open positions stay managed.
func (e *Engine) StopTrading() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.trading {
		return fmt.Errorf("trading already stopped")
	}
	e.trading = false
	e.logger.Info("trading paused")
	return nil
}

// TradingEnabled reports whether new entries are allowed
func (e *Engine) TradingEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trading
}

// Status is the /status and /ws payload
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	trading := e.trading
	cycles := e.cycles
	lastCycle := e.lastCycleAt
	e.mu.Unlock()

	total, longs, shorts := e.positions.Count()

	degraded := false
	if e.degraded != nil {
		degraded = e.degraded()
	}

	status := map[string]interface{}{
		"trading":        trading,
		"degraded":       degraded,
		"cycles":         cycles,
		"last_cycle_at":  lastCycle,
		"open_positions": total,
		"longs":          longs,
		"shorts":         shorts,
		"signals":        e.signals.GetStats(),
	}

	risks := make(map[string]interface{}, len(e.config.Symbols))
	for _, p := range e.config.Symbols {
		if d, ok := e.gate.LastDecision(p.Symbol); ok {
			risks[p.Symbol] = map[string]interface{}{
				"allowed": d.Allowed,
				"failed":  d.FailedChecks(),
			}
		}
	}
	status["risk"] = risks

	if e.tracker != nil {
		status["capital"] = e.tracker.GetStats()
	}
	if e.mlModels != nil {
		status["ml"] = e.mlModels.GetStats()
	}
	if e.news != nil {
		status["news"] = e.news.GetStats()
	}
	return status
}

// Positions lists every open position across symbols
func (e *Engine) Positions() []*store.Position {
	var out []*store.Position
	for _, p := range e.config.Symbols {
		out = append(out, e.positions.OpenPositions(p.Symbol)...)
	}
	return out
}

// Trades serves the /trades endpoint
func (e *Engine) Trades(ctx context.Context, symbol string, limit int) ([]*store.Trade, error) {
	return e.db.ListTrades(ctx, symbol, limit)
}

// Balance serves the /balance endpoint
func (e *Engine) Balance(ctx context.Context) (map[string]interface{}, error) {
	total, err := e.balanceTotal(ctx)
	if err != nil {
		return nil, err
	}
	var usedMargin float64
	for _, p := range e.config.Symbols {
		usedMargin += e.positions.UsedMargin(p.Symbol)
	}
	return map[string]interface{}{
		"total":       total,
		"used_margin": usedMargin,
		"available":   total - usedMargin,
	}, nil
}

func (e *Engine) alert(priority, message string) {
	if e.alertFn != nil {
		e.alertFn(priority, message)
	}
}

// systemEvent persists an operational event; failures only log
func (e *Engine) systemEvent(ctx context.Context, level, component, message string, context map[string]interface{}) {
	if err := e.db.AppendSystemEvent(ctx, level, component, message, context); err != nil {
		e.logger.Warn("system event not persisted", "error", err.Error())
	}
}

func cancelled(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// daysSinceMonday returns how many days back the week started
func daysSinceMonday(day time.Time) int {
	wd := int(day.Weekday())
	if wd == 0 { // Sunday
		return 6
	}
	return wd - 1
}
