package store

import (
	"context"
	"fmt"
)

// The schema is written in the dialect intersection of SQLite and PostgreSQL:
// TEXT primary keys (uuid strings), REAL numerics, TIMESTAMP times, no serial
// columns.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		leverage INTEGER NOT NULL,
		stop_loss REAL NOT NULL,
		take_profits TEXT NOT NULL,
		trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
		trailing_stop REAL NOT NULL DEFAULT 0,
		max_profit_pct_seen REAL NOT NULL DEFAULT 0,
		stop_order_id TEXT NOT NULL DEFAULT '',
		trade_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions(symbol, status)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		entry_fee REAL NOT NULL DEFAULT 0,
		exit_fee REAL NOT NULL DEFAULT 0,
		pnl REAL NOT NULL DEFAULT 0,
		pnl_pct REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,

	`CREATE TABLE IF NOT EXISTS balance_snapshots (
		id TEXT PRIMARY KEY,
		total_balance REAL NOT NULL,
		available REAL NOT NULL,
		used_margin REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_balance_snapshots_ts ON balance_snapshots(timestamp)`,

	`CREATE TABLE IF NOT EXISTS signal_predictions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		score REAL NOT NULL,
		confidence REAL NOT NULL,
		regime TEXT NOT NULL,
		ml_score REAL NOT NULL DEFAULT 0,
		news_score REAL NOT NULL DEFAULT 0,
		price REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		outcome REAL,
		outcome_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_symbol ON signal_predictions(symbol, created_at)`,

	`CREATE TABLE IF NOT EXISTS news (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		sentiment REAL NOT NULL,
		impact TEXT NOT NULL,
		severity REAL NOT NULL DEFAULT 0,
		published_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_news_created ON news(created_at)`,

	`CREATE TABLE IF NOT EXISTS daily_performance (
		date TEXT PRIMARY KEY,
		trades INTEGER NOT NULL DEFAULT 0,
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		pnl REAL NOT NULL DEFAULT 0,
		pnl_pct REAL NOT NULL DEFAULT 0,
		fees REAL NOT NULL DEFAULT 0,
		best_pnl REAL NOT NULL DEFAULT 0,
		worst_pnl REAL NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS kelly_stats (
		symbol TEXT PRIMARY KEY,
		win_rate REAL NOT NULL,
		avg_win REAL NOT NULL,
		avg_loss REAL NOT NULL,
		trades INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS system_events (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created ON system_events(created_at)`,
}

// migrate applies the schema. Statements are idempotent so re-running on
// startup is safe.
func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d: %w", i, err)
		}
	}
	s.logger.Info("migrations applied", "statements", len(migrations))
	return nil
}
