package engine

import (
	"context"
	"time"

	"perp-trading-engine/internal/store"
)

// rollupDay recomputes the performance aggregate for the calendar day
// containing the given time and upserts it.
func (e *Engine) rollupDay(ctx context.Context, day time.Time) error {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	trades, err := e.db.TradesClosedSince(ctx, "", dayStart)
	if err != nil {
		return err
	}

	perf := &store.DailyPerformance{Date: dayStart.Format("2006-01-02")}
	for _, t := range trades {
		if t.ClosedAt == nil || !t.ClosedAt.Before(dayEnd) {
			continue
		}
		perf.Trades++
		perf.Pnl += t.Pnl
		perf.Fees += t.EntryFee + t.ExitFee
		if t.Pnl >= 0 {
			perf.Wins++
		} else {
			perf.Losses++
		}
		if t.Pnl > perf.BestPnl {
			perf.BestPnl = t.Pnl
		}
		if t.Pnl < perf.WorstPnl {
			perf.WorstPnl = t.Pnl
		}
	}
	if perf.Trades == 0 {
		return nil
	}

	if total, err := e.balanceTotal(ctx); err == nil && total > 0 {
		perf.PnlPct = perf.Pnl / total
	}
	return e.db.UpdateDailyPerformance(ctx, perf)
}

// Performance serves the /performance endpoint: the recent daily rollups
// plus running totals.
func (e *Engine) Performance(ctx context.Context) (map[string]interface{}, error) {
	days, err := e.db.RecentPerformance(ctx, 30)
	if err != nil {
		return nil, err
	}

	var totalPnl, totalFees float64
	var totalTrades, totalWins int
	for _, d := range days {
		totalPnl += d.Pnl
		totalFees += d.Fees
		totalTrades += d.Trades
		totalWins += d.Wins
	}
	winRate := 0.0
	if totalTrades > 0 {
		winRate = float64(totalWins) / float64(totalTrades)
	}

	out := map[string]interface{}{
		"days":         days,
		"total_pnl":    totalPnl,
		"total_fees":   totalFees,
		"total_trades": totalTrades,
		"win_rate":     winRate,
	}
	if e.tracker != nil {
		out["drawdown_pct"] = e.tracker.DrawdownPct()
	}
	return out, nil
}
