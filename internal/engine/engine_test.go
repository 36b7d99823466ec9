package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/risk"
	"perp-trading-engine/internal/signal"
	"perp-trading-engine/internal/store"
)

// ==================== fakes ====================

type fakePort struct {
	balance float64
	err     error
}

func (f *fakePort) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePort) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]exchange.Balance{"USDT": {Currency: "USDT", Total: f.balance}}, nil
}

func (f *fakePort) FetchPositions(ctx context.Context, symbol string) ([]exchange.ExchangePosition, error) {
	return nil, nil
}

func (f *fakePort) PlaceOrder(ctx context.Context, symbol string, side exchange.OrderSide, typ exchange.OrderType, qty, price float64, params exchange.OrderParams) (*exchange.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePort) CancelOrder(ctx context.Context, id, symbol string) error { return nil }

func (f *fakePort) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (f *fakePort) CurrentPrice(symbol string) (float64, bool) { return 0, false }

type fakeSignals struct {
	mu      sync.Mutex
	signals map[string]*signal.Signal
	err     error
	calls   int
}

func (f *fakeSignals) Evaluate(ctx context.Context, symbol string) (*signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.signals[symbol]; ok {
		return s, nil
	}
	return &signal.Signal{Symbol: symbol, Direction: signal.DirectionNeutral}, nil
}

func (f *fakeSignals) GetStats() map[string]interface{} { return map[string]interface{}{} }

func (f *fakeSignals) evaluations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type openCall struct {
	symbol  string
	capital float64
}

type fakePositions struct {
	mu         sync.Mutex
	opens      []openCall
	closeAlls  []string
	manages    int
	open       map[string][]*store.Position
	usedMargin map[string]float64
	openErr    error
}

func newFakePositions() *fakePositions {
	return &fakePositions{
		open:       make(map[string][]*store.Position),
		usedMargin: make(map[string]float64),
	}
}

func (f *fakePositions) Open(ctx context.Context, sig *signal.Signal, capital float64) (*store.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens = append(f.opens, openCall{symbol: sig.Symbol, capital: capital})
	return &store.Position{ID: "fake", Symbol: sig.Symbol, Status: store.PositionOpen}, nil
}

func (f *fakePositions) CloseAll(ctx context.Context, symbol, reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeAlls = append(f.closeAlls, symbol+":"+reason)
	n := len(f.open[symbol])
	f.open[symbol] = nil
	return n
}

func (f *fakePositions) Manage(ctx context.Context, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manages++
}

func (f *fakePositions) Reconcile(ctx context.Context) error { return nil }

func (f *fakePositions) OpenPositions(symbol string) []*store.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[symbol]
}

func (f *fakePositions) Count() (total, longs, shorts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ps := range f.open {
		for _, p := range ps {
			total++
			if p.Side == "long" {
				longs++
			} else {
				shorts++
			}
		}
	}
	return total, longs, shorts
}

func (f *fakePositions) UsedMargin(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usedMargin[symbol]
}

func (f *fakePositions) GetStats() map[string]interface{} { return map[string]interface{}{} }

type fakeLedger struct {
	mu        sync.Mutex
	closed    []*store.Trade
	events    []store.SystemEvent
	perf      map[string]*store.DailyPerformance
	kelly     map[string]*store.KellyStats
	snapshots []*store.BalanceSnapshot
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		perf:  make(map[string]*store.DailyPerformance),
		kelly: make(map[string]*store.KellyStats),
	}
}

func (f *fakeLedger) TradesClosedSince(ctx context.Context, symbol string, since time.Time) ([]*store.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Trade
	for _, t := range f.closed {
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		if t.ClosedAt != nil && !t.ClosedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListTrades(ctx context.Context, symbol string, limit int) ([]*store.Trade, error) {
	return f.closed, nil
}

func (f *fakeLedger) LatestBalance(ctx context.Context) (*store.BalanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

func (f *fakeLedger) AddBalanceSnapshot(ctx context.Context, snap *store.BalanceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeLedger) GetDailyPerformance(ctx context.Context, date string) (*store.DailyPerformance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perf[date], nil
}

func (f *fakeLedger) UpdateDailyPerformance(ctx context.Context, p *store.DailyPerformance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perf[p.Date] = p
	return nil
}

func (f *fakeLedger) RecentPerformance(ctx context.Context, n int) ([]*store.DailyPerformance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.DailyPerformance
	for _, p := range f.perf {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeLedger) UpdateKelly(ctx context.Context, k *store.KellyStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kelly[k.Symbol] = k
	return nil
}

func (f *fakeLedger) AppendSystemEvent(ctx context.Context, level, component, message string, context map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, store.SystemEvent{Level: level, Component: component, Message: message, Context: context})
	return nil
}

func (f *fakeLedger) Prune(ctx context.Context, before time.Time) error { return nil }

func (f *fakeLedger) eventsFor(component string) []store.SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SystemEvent
	for _, ev := range f.events {
		if ev.Component == component {
			out = append(out, ev)
		}
	}
	return out
}

// ==================== fixture ====================

type fixture struct {
	engine    *Engine
	signals   *fakeSignals
	positions *fakePositions
	ledger    *fakeLedger
	port      *fakePort
	alerts    []string
	alertsMu  sync.Mutex
}

func symbolParams(symbol string, weight float64) *config.SymbolParams {
	return &config.SymbolParams{
		Symbol:             symbol,
		Leverage:           20,
		MaxLeverage:        125,
		PortfolioWeight:    weight,
		MaxPositions:       1,
		MaxDailyTrades:     8,
		MaxDailyLossTrades: 3,
		CooldownMinutes:    0,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureSymbols(t, symbolParams("BTCUSDT", 1.0))
}

func newFixtureSymbols(t *testing.T, params ...*config.SymbolParams) *fixture {
	t.Helper()

	cfg := &config.Config{
		EngineConfig: config.EngineConfig{
			CycleInterval:       time.Second,
			MinAnalysisInterval: time.Minute,
			ShutdownGrace:       time.Second,
			OutcomeHorizon:      time.Hour,
		},
		RiskConfig: config.RiskConfig{
			DailyLossLimit:     0.05,
			WeeklyLossLimit:    0.10,
			MaxDrawdown:        0.20,
			MaxTotalAllocation: 1.0,
			KellyFraction:      0.25,
			MaxLossPerPosition: 0.8,
			MinNotional:        5.0,
		},
		Symbols: params,
	}

	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout"})
	kelly := risk.NewKellyTracker()

	fx := &fixture{
		signals:   &fakeSignals{signals: make(map[string]*signal.Signal)},
		positions: newFakePositions(),
		ledger:    newFakeLedger(),
		port:      &fakePort{balance: 10000},
	}
	fx.engine = New(cfg, Deps{
		Signals:   fx.signals,
		Gate:      risk.NewGate(&cfg.RiskConfig, logger),
		Allocator: risk.NewAllocator(&cfg.RiskConfig, kelly),
		Kelly:     kelly,
		Positions: fx.positions,
		DB:        fx.ledger,
		Port:      fx.port,
		Alert: func(priority, message string) {
			fx.alertsMu.Lock()
			fx.alerts = append(fx.alerts, priority+":"+message)
			fx.alertsMu.Unlock()
		},
	}, logger)
	return fx
}

func tradeSignal(symbol string) *signal.Signal {
	return &signal.Signal{
		Symbol:                 symbol,
		Direction:              signal.DirectionLong,
		Score:                  0.60,
		Confidence:             80,
		ShouldTrade:            true,
		PositionSizeMultiplier: 1.0,
		GeneratedAt:            time.Now(),
	}
}

// ==================== tests ====================

func TestCycleOpensPosition(t *testing.T) {
	fx := newFixture(t)
	fx.signals.signals["BTCUSDT"] = tradeSignal("BTCUSDT")

	fx.engine.RunCycle(context.Background())

	if len(fx.positions.opens) != 1 {
		t.Fatalf("opens = %d, want 1", len(fx.positions.opens))
	}
	// weight 1.0, one position slot, default Kelly 0.1 * fraction 0.25 on a
	// 10000 balance: 10000 * 0.025 = 250
	got := fx.positions.opens[0].capital
	if math.Abs(got-250) > 1e-9 {
		t.Errorf("capital = %.4f, want 250", got)
	}
	if fx.positions.manages != 1 {
		t.Errorf("manage calls = %d, want 1", fx.positions.manages)
	}
}

func TestDailyLossBlocksEntry(t *testing.T) {
	fx := newFixture(t)
	fx.signals.signals["BTCUSDT"] = tradeSignal("BTCUSDT")
	now := time.Now()
	fx.ledger.closed = append(fx.ledger.closed, &store.Trade{
		Symbol: "BTCUSDT", Pnl: -600, Status: store.PositionClosed, ClosedAt: &now,
	})

	fx.engine.RunCycle(context.Background())

	if len(fx.positions.opens) != 0 {
		t.Fatalf("opens = %d, want 0 (gate should block)", len(fx.positions.opens))
	}
	if fx.signals.evaluations() != 0 {
		t.Errorf("signal evaluated despite risk block")
	}
	events := fx.ledger.eventsFor("risk")
	if len(events) != 1 {
		t.Fatalf("risk events = %d, want 1", len(events))
	}
	failed, _ := events[0].Context["failed"].([]string)
	found := false
	for _, name := range failed {
		if name == "daily_loss" {
			found = true
		}
	}
	if !found {
		t.Errorf("failed checks = %v, want daily_loss", failed)
	}
	if fx.positions.manages != 1 {
		t.Errorf("manage calls = %d, want 1 even when blocked", fx.positions.manages)
	}
}

func TestDailyLossSumsAcrossSymbols(t *testing.T) {
	fx := newFixtureSymbols(t, symbolParams("BTCUSDT", 0.5), symbolParams("ETHUSDT", 0.5))
	fx.signals.signals["BTCUSDT"] = tradeSignal("BTCUSDT")
	fx.signals.signals["ETHUSDT"] = tradeSignal("ETHUSDT")

	// Each symbol is down 3% on the day; neither breaches the 5% limit on
	// its own but the portfolio is down 6%.
	now := time.Now()
	fx.ledger.closed = append(fx.ledger.closed,
		&store.Trade{Symbol: "BTCUSDT", Pnl: -300, Status: store.PositionClosed, ClosedAt: &now},
		&store.Trade{Symbol: "ETHUSDT", Pnl: -300, Status: store.PositionClosed, ClosedAt: &now},
	)

	fx.engine.RunCycle(context.Background())

	if len(fx.positions.opens) != 0 {
		t.Fatalf("opens = %v, want none with portfolio daily loss past the limit", fx.positions.opens)
	}
	if fx.signals.evaluations() != 0 {
		t.Errorf("signals evaluated despite portfolio-level block")
	}
	if events := fx.ledger.eventsFor("risk"); len(events) != 2 {
		t.Errorf("risk events = %d, want one block per symbol", len(events))
	}
}

func TestEmergencyClosesSymbol(t *testing.T) {
	fx := newFixture(t)
	sig := tradeSignal("BTCUSDT")
	sig.Emergency = true
	fx.signals.signals["BTCUSDT"] = sig
	fx.positions.open["BTCUSDT"] = []*store.Position{
		{ID: "p1", Symbol: "BTCUSDT", Side: "long", Status: store.PositionOpen},
		{ID: "p2", Symbol: "BTCUSDT", Side: "short", Status: store.PositionOpen},
	}

	fx.engine.RunCycle(context.Background())

	if len(fx.positions.closeAlls) != 1 || fx.positions.closeAlls[0] != "BTCUSDT:emergency" {
		t.Fatalf("closeAlls = %v, want [BTCUSDT:emergency]", fx.positions.closeAlls)
	}
	if len(fx.positions.opens) != 0 {
		t.Errorf("opened a position during an emergency")
	}
	fx.alertsMu.Lock()
	defer fx.alertsMu.Unlock()
	if len(fx.alerts) != 1 || fx.alerts[0][:5] != "high:" {
		t.Errorf("alerts = %v, want one high-priority alert", fx.alerts)
	}
}

func TestMinAnalysisIntervalSkips(t *testing.T) {
	fx := newFixture(t)
	fx.signals.signals["BTCUSDT"] = &signal.Signal{Symbol: "BTCUSDT", Direction: signal.DirectionNeutral}

	fx.engine.RunCycle(context.Background())
	fx.engine.RunCycle(context.Background())

	if got := fx.signals.evaluations(); got != 1 {
		t.Errorf("evaluations = %d, want 1 (second cycle inside interval)", got)
	}
	if fx.positions.manages != 2 {
		t.Errorf("manage calls = %d, want 2 (manage runs every cycle)", fx.positions.manages)
	}
}

func TestStopTradingPausesEntries(t *testing.T) {
	fx := newFixture(t)
	fx.signals.signals["BTCUSDT"] = tradeSignal("BTCUSDT")

	if err := fx.engine.StopTrading(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	fx.engine.RunCycle(context.Background())

	if fx.signals.evaluations() != 0 {
		t.Errorf("signal evaluated while paused")
	}
	if fx.positions.manages != 1 {
		t.Errorf("manage calls = %d, want 1 while paused", fx.positions.manages)
	}

	if err := fx.engine.StopTrading(); err == nil {
		t.Error("second stop should error")
	}
	if err := fx.engine.StartTrading(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := fx.engine.StartTrading(); err == nil {
		t.Error("second start should error")
	}
}

func TestAllocationRefusalIsLoggedNotFatal(t *testing.T) {
	fx := newFixture(t)
	fx.signals.signals["BTCUSDT"] = tradeSignal("BTCUSDT")
	fx.positions.usedMargin["BTCUSDT"] = 10000 // symbol budget exhausted

	fx.engine.RunCycle(context.Background())

	if len(fx.positions.opens) != 0 {
		t.Fatalf("opens = %d, want 0", len(fx.positions.opens))
	}
	if events := fx.ledger.eventsFor("risk"); len(events) != 1 {
		t.Errorf("risk events = %d, want 1 refusal event", len(events))
	}
}

func TestRollupDay(t *testing.T) {
	fx := newFixture(t)
	now := time.Now()
	mk := func(pnl, fees float64) *store.Trade {
		closed := now
		return &store.Trade{
			Symbol: "BTCUSDT", Pnl: pnl, EntryFee: fees / 2, ExitFee: fees / 2,
			Status: store.PositionClosed, ClosedAt: &closed,
		}
	}
	fx.ledger.closed = []*store.Trade{mk(120, 2), mk(-40, 2), mk(15, 1)}

	if err := fx.engine.rollupDay(context.Background(), now); err != nil {
		t.Fatalf("rollup: %v", err)
	}

	perf := fx.ledger.perf[now.Format("2006-01-02")]
	if perf == nil {
		t.Fatal("no rollup persisted")
	}
	if perf.Trades != 3 || perf.Wins != 2 || perf.Losses != 1 {
		t.Errorf("trades/wins/losses = %d/%d/%d, want 3/2/1", perf.Trades, perf.Wins, perf.Losses)
	}
	if math.Abs(perf.Pnl-95) > 1e-9 {
		t.Errorf("pnl = %.4f, want 95", perf.Pnl)
	}
	if math.Abs(perf.Fees-5) > 1e-9 {
		t.Errorf("fees = %.4f, want 5", perf.Fees)
	}
	if math.Abs(perf.BestPnl-120) > 1e-9 || math.Abs(perf.WorstPnl-(-40)) > 1e-9 {
		t.Errorf("best/worst = %.2f/%.2f, want 120/-40", perf.BestPnl, perf.WorstPnl)
	}
	if math.Abs(perf.PnlPct-0.0095) > 1e-9 {
		t.Errorf("pnl pct = %.6f, want 0.0095", perf.PnlPct)
	}
}

func TestStatusReportsDegradedAndRisk(t *testing.T) {
	fx := newFixture(t)
	fx.engine.degraded = func() bool { return true }
	now := time.Now()
	fx.ledger.closed = append(fx.ledger.closed, &store.Trade{
		Symbol: "BTCUSDT", Pnl: -600, Status: store.PositionClosed, ClosedAt: &now,
	})
	fx.engine.RunCycle(context.Background())

	status := fx.engine.Status()
	if status["degraded"] != true {
		t.Error("degraded flag not surfaced")
	}
	risks, ok := status["risk"].(map[string]interface{})
	if !ok {
		t.Fatal("risk section missing")
	}
	entry, ok := risks["BTCUSDT"].(map[string]interface{})
	if !ok {
		t.Fatal("no gate decision surfaced for BTCUSDT")
	}
	if entry["allowed"] != false {
		t.Error("gate decision should be blocked")
	}
}

func TestBalanceFallsBackToSnapshot(t *testing.T) {
	fx := newFixture(t)
	fx.port.err = errors.New("exchange down")
	fx.ledger.snapshots = append(fx.ledger.snapshots, &store.BalanceSnapshot{TotalBalance: 8200})

	balance, err := fx.engine.Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if math.Abs(balance["total"].(float64)-8200) > 1e-9 {
		t.Errorf("total = %v, want 8200", balance["total"])
	}
}
