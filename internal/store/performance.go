package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddBalanceSnapshot records one capital observation
func (s *Store) AddBalanceSnapshot(ctx context.Context, snap *BalanceSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO balance_snapshots
		(id, total_balance, available, used_margin, unrealized_pnl, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.TotalBalance, snap.Available, snap.UsedMargin,
		snap.UnrealizedPnl, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("store: add balance snapshot: %w", err)
	}
	return nil
}

// LatestBalance returns the most recent snapshot, or nil when none exists
func (s *Store) LatestBalance(ctx context.Context) (*BalanceSnapshot, error) {
	row := s.queryRow(ctx, `SELECT id, total_balance, available, used_margin,
		unrealized_pnl, timestamp FROM balance_snapshots
		ORDER BY timestamp DESC LIMIT 1`)

	var snap BalanceSnapshot
	err := row.Scan(&snap.ID, &snap.TotalBalance, &snap.Available,
		&snap.UsedMargin, &snap.UnrealizedPnl, &snap.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest balance: %w", err)
	}
	return &snap, nil
}

// GetDailyPerformance loads the rollup for one date (YYYY-MM-DD), or nil
func (s *Store) GetDailyPerformance(ctx context.Context, date string) (*DailyPerformance, error) {
	row := s.queryRow(ctx, `SELECT date, trades, wins, losses, pnl, pnl_pct,
		fees, best_pnl, worst_pnl FROM daily_performance WHERE date = ?`, date)

	var p DailyPerformance
	err := row.Scan(&p.Date, &p.Trades, &p.Wins, &p.Losses, &p.Pnl,
		&p.PnlPct, &p.Fees, &p.BestPnl, &p.WorstPnl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: daily performance: %w", err)
	}
	return &p, nil
}

// UpdateDailyPerformance upserts the rollup for one date
func (s *Store) UpdateDailyPerformance(ctx context.Context, p *DailyPerformance) error {
	_, err := s.exec(ctx, `INSERT INTO daily_performance
		(date, trades, wins, losses, pnl, pnl_pct, fees, best_pnl, worst_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
		trades = excluded.trades, wins = excluded.wins, losses = excluded.losses,
		pnl = excluded.pnl, pnl_pct = excluded.pnl_pct, fees = excluded.fees,
		best_pnl = excluded.best_pnl, worst_pnl = excluded.worst_pnl`,
		p.Date, p.Trades, p.Wins, p.Losses, p.Pnl, p.PnlPct, p.Fees,
		p.BestPnl, p.WorstPnl)
	if err != nil {
		return fmt.Errorf("store: update daily performance: %w", err)
	}
	return nil
}

// RecentPerformance returns the last n daily rollups, newest first
func (s *Store) RecentPerformance(ctx context.Context, n int) ([]*DailyPerformance, error) {
	if n <= 0 {
		n = 30
	}
	rows, err := s.query(ctx, `SELECT date, trades, wins, losses, pnl, pnl_pct,
		fees, best_pnl, worst_pnl FROM daily_performance
		ORDER BY date DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent performance: %w", err)
	}
	defer rows.Close()

	var out []*DailyPerformance
	for rows.Next() {
		var p DailyPerformance
		if err := rows.Scan(&p.Date, &p.Trades, &p.Wins, &p.Losses, &p.Pnl,
			&p.PnlPct, &p.Fees, &p.BestPnl, &p.WorstPnl); err != nil {
			return nil, fmt.Errorf("store: scan performance: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetKellyStats loads the persisted sizing summary for a symbol, or nil
func (s *Store) GetKellyStats(ctx context.Context, symbol string) (*KellyStats, error) {
	row := s.queryRow(ctx, `SELECT symbol, win_rate, avg_win, avg_loss, trades,
		updated_at FROM kelly_stats WHERE symbol = ?`, symbol)

	var k KellyStats
	err := row.Scan(&k.Symbol, &k.WinRate, &k.AvgWin, &k.AvgLoss, &k.Trades, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: kelly stats: %w", err)
	}
	return &k, nil
}

// UpdateKelly upserts the sizing summary for a symbol
func (s *Store) UpdateKelly(ctx context.Context, k *KellyStats) error {
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO kelly_stats
		(symbol, win_rate, avg_win, avg_loss, trades, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
		win_rate = excluded.win_rate, avg_win = excluded.avg_win,
		avg_loss = excluded.avg_loss, trades = excluded.trades,
		updated_at = excluded.updated_at`,
		k.Symbol, k.WinRate, k.AvgWin, k.AvgLoss, k.Trades, k.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update kelly: %w", err)
	}
	return nil
}
