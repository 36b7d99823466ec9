package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/marketdata"
	"perp-trading-engine/internal/risk"
	"perp-trading-engine/internal/signal"
	"perp-trading-engine/internal/store"
)

// Timeframe used for ATR stop computation at entry and re-evaluation
const (
	stopTimeframe   = "1h"
	stopCandleCount = 100
)

// Partial take-profit ladder: fractions of the target distance and of the
// position size. The remainder closes on stop or trailing.
var takeProfitLadder = []struct {
	TargetFraction float64
	SizeFraction   float64
}{
	{0.5, 0.3},
	{1.0, 0.3},
}

// Store is the persistence surface the manager needs
type Store interface {
	AddPosition(ctx context.Context, p *store.Position) error
	UpdatePosition(ctx context.Context, p *store.Position) error
	ClosePosition(ctx context.Context, id string, closedAt time.Time) error
	ListOpenPositions(ctx context.Context, symbol string) ([]*store.Position, error)
	AddTrade(ctx context.Context, t *store.Trade) error
	UpdateTrade(ctx context.Context, t *store.Trade) error
}

// NotifyFunc pushes a message at a priority ("normal", "high", "emergency").
// May be nil.
type NotifyFunc func(priority, message string)

// Manager owns the full position lifecycle: entry, protective orders,
// trailing, partial exits and reconciliation. Order operations for the same
// symbol are serialized through a per-symbol lock.
type Manager struct {
	config  *config.ExchangeConfig
	engine  *config.EngineConfig
	risk    *config.RiskConfig
	symbols map[string]*config.SymbolParams
	port    exchange.Port
	market  *marketdata.Service
	db      Store
	kelly   *risk.KellyTracker
	notify  NotifyFunc
	logger  *logging.Logger

	mu          sync.RWMutex
	positions   map[string]*store.Position // by position id
	trades      map[string]*store.Trade    // open trade by position id
	pendingStop map[string]bool            // stop order still missing
	lastATREval map[string]time.Time       // per position id

	lockMu   sync.Mutex
	symLocks map[string]*sync.Mutex
}

// NewManager builds the position manager
func NewManager(exCfg *config.ExchangeConfig, engCfg *config.EngineConfig, riskCfg *config.RiskConfig, symbols map[string]*config.SymbolParams, port exchange.Port, market *marketdata.Service, db Store, kelly *risk.KellyTracker, notify NotifyFunc, logger *logging.Logger) *Manager {
	return &Manager{
		config:      exCfg,
		engine:      engCfg,
		risk:        riskCfg,
		symbols:     symbols,
		port:        port,
		market:      market,
		db:          db,
		kelly:       kelly,
		notify:      notify,
		logger:      logger.WithComponent("position"),
		positions:   make(map[string]*store.Position),
		trades:      make(map[string]*store.Trade),
		pendingStop: make(map[string]bool),
		lastATREval: make(map[string]time.Time),
		symLocks:    make(map[string]*sync.Mutex),
	}
}

// symbolLock serializes order operations per symbol
func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.symLocks[symbol] = lock
	}
	return lock
}

// Open enters a position for a signal with the allocated margin capital.
// Returns the persisted position; a failed stop placement does not fail the
// open, it is retried on the next manage pass.
func (m *Manager) Open(ctx context.Context, sig *signal.Signal, capital float64) (*store.Position, error) {
	params, ok := m.symbols[sig.Symbol]
	if !ok {
		return nil, fmt.Errorf("position: unknown symbol %s", sig.Symbol)
	}
	if sig.Direction != signal.DirectionLong && sig.Direction != signal.DirectionShort {
		return nil, fmt.Errorf("position: signal for %s has no direction", sig.Symbol)
	}
	long := sig.Direction == signal.DirectionLong

	lock := m.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	price, ok := m.market.CurrentPrice(sig.Symbol)
	if !ok || price <= 0 {
		return nil, fmt.Errorf("position: no price for %s", sig.Symbol)
	}

	// Reserve the round-trip taker fee out of the notional so the margin
	// allocation covers entry, exit and fees.
	notional := capital * float64(params.Leverage)
	notional *= 1 - 2*m.config.TakerFee
	qty := RoundQuantity(notional/price, params.LotSize, params.QuantityPrecision)
	if qty < params.LotSize || qty <= 0 {
		return nil, fmt.Errorf("position: size %.8f below lot %.8f for %s", qty, params.LotSize, sig.Symbol)
	}

	if err := m.port.SetLeverage(ctx, sig.Symbol, params.Leverage); err != nil {
		return nil, fmt.Errorf("position: set leverage: %w", err)
	}

	side := exchange.SideBuy
	if !long {
		side = exchange.SideSell
	}
	order, err := m.port.PlaceOrder(ctx, sig.Symbol, side, exchange.TypeMarket, qty, 0,
		exchange.OrderParams{TimeInForce: "IOC"})
	if err != nil {
		return nil, fmt.Errorf("position: entry order: %w", err)
	}
	fill := order.AvgFillPrice
	if fill <= 0 {
		fill = price
	}

	candles, err := m.market.OHLCV(ctx, sig.Symbol, stopTimeframe, stopCandleCount)
	if err != nil {
		m.logger.Warn("stop computed without candles", "symbol", sig.Symbol, "error", err.Error())
	}
	levels := risk.ComputeStops(candles, fill, long, params,
		sig.RegimeParams.StopMultiplier, sig.RegimeParams.TargetMultiplier,
		params.Leverage, m.risk.MaxLossPerPosition)

	pos := &store.Position{
		ID:          uuid.NewString(),
		Symbol:      sig.Symbol,
		Side:        sideLabel(long),
		Quantity:    qty,
		EntryPrice:  fill,
		Leverage:    params.Leverage,
		StopLoss:    RoundPrice(levels.StopPrice, params.PricePrecision),
		TakeProfits: buildTakeProfits(fill, levels.TargetPct, long, params.PricePrecision),
		Status:      store.PositionOpen,
		OpenedAt:    time.Now().UTC(),
	}

	entryFee := fill * qty * m.config.TakerFee
	trade := &store.Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Symbol:     sig.Symbol,
		Side:       pos.Side,
		Quantity:   qty,
		EntryPrice: fill,
		EntryFee:   entryFee,
		Status:     store.PositionOpen,
		OpenedAt:   pos.OpenedAt,
	}
	pos.TradeID = trade.ID

	if stopID, err := m.placeStopOrder(ctx, pos); err != nil {
		m.logger.Error("stop order placement failed, will retry",
			"symbol", sig.Symbol, "position", pos.ID, "error", err.Error())
	} else {
		pos.StopOrderID = stopID
	}

	if err := m.db.AddTrade(ctx, trade); err != nil {
		m.logger.Error("trade persist failed", "position", pos.ID, "error", err.Error())
	}
	if err := m.db.AddPosition(ctx, pos); err != nil {
		m.logger.Error("position persist failed", "position", pos.ID, "error", err.Error())
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.trades[pos.ID] = trade
	if pos.StopOrderID == "" {
		m.pendingStop[pos.ID] = true
	}
	m.lastATREval[pos.ID] = pos.OpenedAt
	m.mu.Unlock()

	m.logger.Info("position opened",
		"symbol", pos.Symbol, "side", pos.Side, "qty", qty,
		"entry", fill, "stop", pos.StopLoss, "leverage", params.Leverage)
	m.send("normal", fmt.Sprintf("Opened %s %s %.6f @ %.2f (stop %.2f)",
		pos.Side, pos.Symbol, qty, fill, pos.StopLoss))
	return pos, nil
}

// placeStopOrder submits the protective STOP_MARKET order for the remaining
// quantity.
func (m *Manager) placeStopOrder(ctx context.Context, pos *store.Position) (string, error) {
	side := exchange.SideSell
	if pos.Side == "short" {
		side = exchange.SideBuy
	}
	order, err := m.port.PlaceOrder(ctx, pos.Symbol, side, exchange.TypeStopMarket,
		pos.Quantity, 0, exchange.OrderParams{
			ReduceOnly:  true,
			StopPrice:   pos.StopLoss,
			TimeInForce: "GTC",
		})
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

// Close exits a position's remaining quantity with a market reduce-only
// order, settles the ledger and feeds the Kelly tracker.
func (m *Manager) Close(ctx context.Context, positionID, reason string) error {
	m.mu.RLock()
	pos, ok := m.positions[positionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("position: %s not tracked", positionID)
	}

	lock := m.symbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()
	return m.closeLocked(ctx, pos, reason)
}

// closeLocked requires the symbol lock
func (m *Manager) closeLocked(ctx context.Context, pos *store.Position, reason string) error {
	long := pos.Side == "long"
	side := exchange.SideSell
	if !long {
		side = exchange.SideBuy
	}

	if pos.StopOrderID != "" {
		if err := m.port.CancelOrder(ctx, pos.StopOrderID, pos.Symbol); err != nil {
			m.logger.Warn("stop cancel failed", "position", pos.ID, "error", err.Error())
		}
	}

	order, err := m.port.PlaceOrder(ctx, pos.Symbol, side, exchange.TypeMarket,
		pos.Quantity, 0, exchange.OrderParams{ReduceOnly: true, TimeInForce: "IOC"})
	if err != nil {
		return fmt.Errorf("position: close order: %w", err)
	}
	exit := order.AvgFillPrice
	if exit <= 0 {
		if price, ok := m.market.CurrentPrice(pos.Symbol); ok {
			exit = price
		} else {
			exit = pos.EntryPrice
		}
	}

	closedAt := time.Now().UTC()
	exitFee := exit * pos.Quantity * m.config.TakerFee

	m.mu.Lock()
	trade := m.trades[pos.ID]
	m.mu.Unlock()

	gross := (exit - pos.EntryPrice) * pos.Quantity
	if !long {
		gross = -gross
	}
	var entryFee float64
	if trade != nil {
		entryFee = trade.EntryFee
	}
	pnl := gross - entryFee - exitFee

	margin := pos.EntryPrice * pos.Quantity / float64(pos.Leverage)
	var pnlPct float64
	if margin > 0 {
		pnlPct = pnl / margin
	}

	if trade != nil {
		trade.Quantity = pos.Quantity
		trade.ExitPrice = exit
		trade.ExitFee = exitFee
		trade.Pnl = pnl
		trade.PnlPct = pnlPct
		trade.Reason = reason
		trade.Status = store.PositionClosed
		trade.ClosedAt = &closedAt
		if err := m.db.UpdateTrade(ctx, trade); err != nil {
			m.logger.Error("trade close persist failed", "trade", trade.ID, "error", err.Error())
		}
	}
	if err := m.db.ClosePosition(ctx, pos.ID, closedAt); err != nil {
		m.logger.Error("position close persist failed", "position", pos.ID, "error", err.Error())
	}

	m.kelly.Record(pos.Symbol, pnlPct)

	m.mu.Lock()
	delete(m.positions, pos.ID)
	delete(m.trades, pos.ID)
	delete(m.pendingStop, pos.ID)
	delete(m.lastATREval, pos.ID)
	m.mu.Unlock()

	m.logger.Info("position closed",
		"symbol", pos.Symbol, "side", pos.Side, "reason", reason,
		"exit", exit, "pnl", pnl, "pnl_pct", pnlPct)

	priority := "normal"
	if reason == store.ReasonEmergency {
		priority = "emergency"
	}
	m.send(priority, fmt.Sprintf("Closed %s %s @ %.2f (%s): pnl %.2f (%.2f%%)",
		pos.Side, pos.Symbol, exit, reason, pnl, pnlPct*100))
	return nil
}

// CloseAll closes every open position for a symbol with the given reason
func (m *Manager) CloseAll(ctx context.Context, symbol, reason string) int {
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	closed := 0
	for _, pos := range m.snapshot(symbol) {
		if err := m.closeLocked(ctx, pos, reason); err != nil {
			m.logger.Error("close failed", "position", pos.ID, "error", err.Error())
			continue
		}
		closed++
	}
	return closed
}

// Reconcile diffs the store's open positions against memory. DB-only
// positions are imported (crash recovery); memory-only positions are dropped.
func (m *Manager) Reconcile(ctx context.Context) error {
	persisted, err := m.db.ListOpenPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("position: reconcile: %w", err)
	}

	inDB := make(map[string]*store.Position, len(persisted))
	for _, p := range persisted {
		inDB[p.ID] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range inDB {
		if _, ok := m.positions[id]; !ok {
			m.positions[id] = p
			if p.StopOrderID == "" {
				m.pendingStop[id] = true
			}
			m.lastATREval[id] = time.Now().UTC()
			m.logger.Info("position imported from store", "position", id, "symbol", p.Symbol)
		}
	}
	for id, p := range m.positions {
		if _, ok := inDB[id]; !ok {
			delete(m.positions, id)
			delete(m.trades, id)
			delete(m.pendingStop, id)
			delete(m.lastATREval, id)
			m.logger.Warn("dropped position missing from store", "position", id, "symbol", p.Symbol)
		}
	}
	return nil
}

// ==================== ACCESSORS ====================

// OpenPositions returns tracked open positions, all symbols when empty
func (m *Manager) OpenPositions(symbol string) []*store.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*store.Position
	for _, p := range m.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// snapshot is OpenPositions without the read lock held by callers that
// already serialize through the symbol lock.
func (m *Manager) snapshot(symbol string) []*store.Position {
	return m.OpenPositions(symbol)
}

// Count returns open position counts: total, longs, shorts
func (m *Manager) Count() (total, longs, shorts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.positions {
		total++
		if p.Side == "long" {
			longs++
		} else {
			shorts++
		}
	}
	return total, longs, shorts
}

// UsedMargin sums entry margin across open positions; symbol empty = all
func (m *Manager) UsedMargin(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var used float64
	for _, p := range m.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if p.Leverage > 0 {
			used += p.EntryPrice * p.Quantity / float64(p.Leverage)
		}
	}
	return used
}

// GetStats reports manager state
func (m *Manager) GetStats() map[string]interface{} {
	total, longs, shorts := m.Count()
	return map[string]interface{}{
		"open_positions": total,
		"longs":          longs,
		"shorts":         shorts,
		"used_margin":    m.UsedMargin(""),
	}
}

// ==================== HELPERS ====================

func (m *Manager) send(priority, message string) {
	if m.notify != nil {
		m.notify(priority, message)
	}
}

func sideLabel(long bool) string {
	if long {
		return "long"
	}
	return "short"
}

// buildTakeProfits lays the partial exit ladder along the target distance
func buildTakeProfits(entry, targetPct float64, long bool, precision int) []store.TakeProfitLevel {
	out := make([]store.TakeProfitLevel, 0, len(takeProfitLadder))
	for _, step := range takeProfitLadder {
		dist := targetPct * step.TargetFraction
		price := entry * (1 + dist)
		if !long {
			price = entry * (1 - dist)
		}
		out = append(out, store.TakeProfitLevel{
			Price:        RoundPrice(price, precision),
			SizeFraction: step.SizeFraction,
		})
	}
	return out
}
