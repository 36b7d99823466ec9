package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"perp-trading-engine/internal/store"
)

// Retention for pruned rows (old news, resolved predictions, system events)
const pruneRetention = 30 * 24 * time.Hour

// startJobs registers the background schedulers:
//   - hourly: retrain evaluation, news cache cleanup, Kelly persistence
//   - every 15 minutes: balance snapshot
//   - daily at 00:05: finalize yesterday's performance rollup, prune old rows
func (e *Engine) startJobs() {
	c := cron.New()

	c.AddFunc("@every 1h", func() {
		e.retrainJob()
		if e.news != nil {
			e.news.Cleanup()
		}
		e.persistKellyJob()
	})

	c.AddFunc("@every 15m", e.balanceSnapshotJob)

	c.AddFunc("5 0 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		yesterday := time.Now().AddDate(0, 0, -1)
		if err := e.rollupDay(ctx, yesterday); err != nil {
			e.logger.Warn("yesterday rollup failed", "error", err.Error())
		}
		if err := e.db.Prune(ctx, time.Now().Add(-pruneRetention)); err != nil {
			e.logger.Warn("prune failed", "error", err.Error())
		}
	})

	c.Start()
	e.cron = c
}

// retrainJob retrains the ensemble when enough new outcomes accumulated
func (e *Engine) retrainJob() {
	if e.mlModels == nil || !e.mlModels.ShouldRetrain() {
		return
	}
	if err := e.mlModels.Train(); err != nil {
		// Model failures degrade to the heuristic, they never block trading
		e.logger.Warn("retrain failed", "error", err.Error())
		return
	}
	if err := e.mlModels.SaveModels(); err != nil {
		e.logger.Warn("model save failed", "error", err.Error())
		return
	}
	e.logger.Info("ensemble retrained")
}

// persistKellyJob writes the per-symbol win/loss summaries so sizing
// survives restarts.
func (e *Engine) persistKellyJob() {
	if e.kelly == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, p := range e.config.Symbols {
		winRate, avgWin, avgLoss, trades := e.kelly.Stats(p.Symbol)
		if trades == 0 {
			continue
		}
		err := e.db.UpdateKelly(ctx, &store.KellyStats{
			Symbol:    p.Symbol,
			WinRate:   winRate,
			AvgWin:    avgWin,
			AvgLoss:   avgLoss,
			Trades:    trades,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			e.logger.Warn("kelly persistence failed", "symbol", p.Symbol, "error", err.Error())
		}
	}
}

// balanceSnapshotJob appends one capital observation
func (e *Engine) balanceSnapshotJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	total, err := e.balanceTotal(ctx)
	if err != nil {
		e.logger.Warn("balance snapshot skipped", "error", err.Error())
		return
	}
	var usedMargin float64
	for _, p := range e.config.Symbols {
		usedMargin += e.positions.UsedMargin(p.Symbol)
	}
	err = e.db.AddBalanceSnapshot(ctx, &store.BalanceSnapshot{
		TotalBalance: total,
		Available:    total - usedMargin,
		UsedMargin:   usedMargin,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("balance snapshot failed", "error", err.Error())
	}
}
