package position

import (
	"context"
	"math"
	"time"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/risk"
	"perp-trading-engine/internal/store"
)

// earlyStopFactor scales the fallback stop for the rapid-adverse-move guard
const earlyStopFactor = 0.7

// atrChangeThreshold is the relative ATR move that triggers a stop re-fit
const atrChangeThreshold = 0.20

// Manage runs one management pass over every open position for a symbol:
// trailing stop, partial take-profits, stop hit, early exit and periodic ATR
// re-evaluation. With no price movement the pass is a no-op.
func (m *Manager) Manage(ctx context.Context, symbol string) {
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	for _, pos := range m.snapshot(symbol) {
		if err := ctx.Err(); err != nil {
			return
		}
		m.managePosition(ctx, pos)
	}
}

func (m *Manager) managePosition(ctx context.Context, pos *store.Position) {
	params, ok := m.symbols[pos.Symbol]
	if !ok {
		return
	}
	price, ok := m.market.CurrentPrice(pos.Symbol)
	if !ok || price <= 0 {
		m.logger.Warn("manage skipped, no price", "symbol", pos.Symbol)
		return
	}

	m.retryPendingStop(ctx, pos)

	long := pos.Side == "long"
	profitPct := (price - pos.EntryPrice) / pos.EntryPrice
	if !long {
		profitPct = -profitPct
	}

	changed := false
	if profitPct > pos.MaxProfitPctSeen {
		pos.MaxProfitPctSeen = profitPct
		changed = true
	}

	if m.updateTrailing(ctx, pos, params, price, profitPct, long) {
		changed = true
	}

	if m.executeTakeProfits(ctx, pos, price, long) {
		changed = true
	}

	// Stop hit: trailing stop once active, otherwise the resting stop level
	stopLevel := pos.StopLoss
	if pos.TrailingActive && pos.TrailingStop > 0 {
		stopLevel = pos.TrailingStop
	}
	stopHit := (long && price <= stopLevel) || (!long && price >= stopLevel)
	if stopHit {
		reason := store.ReasonStopLoss
		if pos.TrailingActive {
			reason = store.ReasonTrailingStop
		}
		if err := m.closeLocked(ctx, pos, reason); err != nil {
			m.logger.Error("stop close failed", "position", pos.ID, "error", err.Error())
		}
		return
	}

	if profitPct <= -params.FallbackStopPct*earlyStopFactor {
		if err := m.closeLocked(ctx, pos, store.ReasonEarlyStop); err != nil {
			m.logger.Error("early close failed", "position", pos.ID, "error", err.Error())
		}
		return
	}

	if m.reevaluateATR(ctx, pos, params, price, long) {
		changed = true
	}

	if changed {
		if err := m.db.UpdatePosition(ctx, pos); err != nil {
			m.logger.Error("position update persist failed", "position", pos.ID, "error", err.Error())
		}
	}
}

// retryPendingStop re-attempts a protective order that failed at open
func (m *Manager) retryPendingStop(ctx context.Context, pos *store.Position) {
	m.mu.RLock()
	pending := m.pendingStop[pos.ID]
	m.mu.RUnlock()
	if !pending {
		return
	}
	stopID, err := m.placeStopOrder(ctx, pos)
	if err != nil {
		m.logger.Warn("stop retry failed", "position", pos.ID, "error", err.Error())
		return
	}
	pos.StopOrderID = stopID
	m.mu.Lock()
	delete(m.pendingStop, pos.ID)
	m.mu.Unlock()
	if err := m.db.UpdatePosition(ctx, pos); err != nil {
		m.logger.Error("stop retry persist failed", "position", pos.ID, "error", err.Error())
	}
	m.logger.Info("protective stop placed on retry", "position", pos.ID, "order", stopID)
}

// updateTrailing runs the two-state trailing machine. Activation is a closed
// boundary (profitPct == activation activates). The stop only ever moves in
// the profitable direction.
func (m *Manager) updateTrailing(ctx context.Context, pos *store.Position, params *config.SymbolParams, price, profitPct float64, long bool) bool {
	if !pos.TrailingActive {
		if profitPct < params.TrailingActivation {
			return false
		}
		pos.TrailingActive = true
		pos.TrailingStop = trailingLevel(price, params.TrailingDistance, long, params.PricePrecision)
		m.pushStop(ctx, pos)
		m.logger.Info("trailing activated",
			"symbol", pos.Symbol, "position", pos.ID, "stop", pos.TrailingStop)
		return true
	}

	candidate := trailingLevel(price, params.TrailingDistance, long, params.PricePrecision)
	improved := (long && candidate > pos.TrailingStop) || (!long && candidate < pos.TrailingStop)
	if !improved {
		return false
	}
	pos.TrailingStop = candidate
	m.pushStop(ctx, pos)
	return true
}

// pushStop mirrors the trailing level onto the local stop and the exchange
// order.
func (m *Manager) pushStop(ctx context.Context, pos *store.Position) {
	pos.StopLoss = pos.TrailingStop
	if pos.StopOrderID != "" {
		if err := m.port.CancelOrder(ctx, pos.StopOrderID, pos.Symbol); err != nil {
			m.logger.Warn("stale stop cancel failed", "position", pos.ID, "error", err.Error())
		}
		pos.StopOrderID = ""
	}
	stopID, err := m.placeStopOrder(ctx, pos)
	if err != nil {
		m.logger.Warn("stop replace failed", "position", pos.ID, "error", err.Error())
		m.mu.Lock()
		m.pendingStop[pos.ID] = true
		m.mu.Unlock()
		return
	}
	pos.StopOrderID = stopID
}

// executeTakeProfits fills crossed, unexecuted ladder levels with reducing
// orders. SizeFraction is a share of the entry quantity, so the entry size is
// reconstructed from the unexecuted remainder before sizing a level.
func (m *Manager) executeTakeProfits(ctx context.Context, pos *store.Position, price float64, long bool) bool {
	executedFrac := 0.0
	for _, tp := range pos.TakeProfits {
		if tp.Executed {
			executedFrac += tp.SizeFraction
		}
	}
	entryQty := pos.Quantity
	if rem := 1 - executedFrac; rem > 0 {
		entryQty = pos.Quantity / rem
	}

	changed := false
	filled := false
	for i := range pos.TakeProfits {
		tp := &pos.TakeProfits[i]
		if tp.Executed {
			continue
		}
		crossed := (long && price >= tp.Price) || (!long && price <= tp.Price)
		if !crossed {
			continue
		}

		params := m.symbols[pos.Symbol]
		qty := RoundQuantity(entryQty*tp.SizeFraction, params.LotSize, params.QuantityPrecision)
		if qty <= 0 || qty >= pos.Quantity {
			tp.Executed = true
			changed = true
			continue
		}

		side := exchange.SideSell
		if !long {
			side = exchange.SideBuy
		}
		if _, err := m.port.PlaceOrder(ctx, pos.Symbol, side, exchange.TypeMarket,
			qty, 0, exchange.OrderParams{ReduceOnly: true, TimeInForce: "IOC"}); err != nil {
			m.logger.Warn("partial take-profit failed",
				"position", pos.ID, "level", i, "error", err.Error())
			continue
		}

		tp.Executed = true
		pos.Quantity -= qty
		changed = true
		filled = true
		m.logger.Info("partial take-profit filled",
			"symbol", pos.Symbol, "position", pos.ID, "level", i,
			"qty", qty, "remaining", pos.Quantity)
	}

	if filled {
		m.resizeStopOrder(ctx, pos)
	}
	return changed
}

// resizeStopOrder replaces the resting protective order so it covers the
// quantity left after a partial fill.
func (m *Manager) resizeStopOrder(ctx context.Context, pos *store.Position) {
	if pos.StopOrderID == "" {
		return
	}
	if err := m.port.CancelOrder(ctx, pos.StopOrderID, pos.Symbol); err != nil {
		m.logger.Warn("stop cancel for resize failed", "position", pos.ID, "error", err.Error())
	}
	pos.StopOrderID = ""
	stopID, err := m.placeStopOrder(ctx, pos)
	if err != nil {
		m.logger.Warn("stop resize failed", "position", pos.ID, "error", err.Error())
		m.mu.Lock()
		m.pendingStop[pos.ID] = true
		m.mu.Unlock()
		return
	}
	pos.StopOrderID = stopID
}

// reevaluateATR re-fits the stop every ATR_REEVAL_INTERVAL when volatility
// shifted by more than 20%. Tighten only; the stop never loosens.
func (m *Manager) reevaluateATR(ctx context.Context, pos *store.Position, params *config.SymbolParams, price float64, long bool) bool {
	m.mu.RLock()
	last := m.lastATREval[pos.ID]
	m.mu.RUnlock()
	if time.Since(last) < m.engine.ATRReevalInterval {
		return false
	}
	m.mu.Lock()
	m.lastATREval[pos.ID] = time.Now().UTC()
	m.mu.Unlock()

	candles, err := m.market.OHLCV(ctx, pos.Symbol, stopTimeframe, stopCandleCount)
	if err != nil {
		m.logger.Warn("atr re-eval skipped", "symbol", pos.Symbol, "error", err.Error())
		return false
	}
	levels := risk.ComputeStops(candles, price, long, params, 1, 1,
		pos.Leverage, m.risk.MaxLossPerPosition)
	if !levels.UsedATR {
		return false
	}

	currentDist := math.Abs(pos.StopLoss-pos.EntryPrice) / pos.EntryPrice
	if currentDist <= 0 {
		return false
	}
	change := math.Abs(levels.StopPct-currentDist) / currentDist
	if change <= atrChangeThreshold {
		return false
	}

	candidate := RoundPrice(levels.StopPrice, params.PricePrecision)
	tighter := (long && candidate > pos.StopLoss) || (!long && candidate < pos.StopLoss)
	if !tighter {
		return false
	}

	pos.StopLoss = candidate
	if pos.StopOrderID != "" {
		if err := m.port.CancelOrder(ctx, pos.StopOrderID, pos.Symbol); err != nil {
			m.logger.Warn("stop cancel failed during re-eval", "position", pos.ID, "error", err.Error())
		}
		pos.StopOrderID = ""
	}
	if stopID, err := m.placeStopOrder(ctx, pos); err != nil {
		m.logger.Warn("stop replace failed during re-eval", "position", pos.ID, "error", err.Error())
		m.mu.Lock()
		m.pendingStop[pos.ID] = true
		m.mu.Unlock()
	} else {
		pos.StopOrderID = stopID
	}
	m.logger.Info("stop tightened after volatility shift",
		"symbol", pos.Symbol, "position", pos.ID, "stop", pos.StopLoss)
	return true
}

func trailingLevel(price, distance float64, long bool, precision int) float64 {
	level := price * (1 + distance)
	if long {
		level = price * (1 - distance)
	}
	return RoundPrice(level, precision)
}
