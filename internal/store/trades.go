package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddTrade appends a ledger entry for a new fill
func (s *Store) AddTrade(ctx context.Context, t *Trade) error {
	_, err := s.exec(ctx, `INSERT INTO trades
		(id, position_id, symbol, side, quantity, entry_price, exit_price,
		 entry_fee, exit_fee, pnl, pnl_pct, reason, status, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PositionID, t.Symbol, t.Side, t.Quantity, t.EntryPrice,
		t.ExitPrice, t.EntryFee, t.ExitFee, t.Pnl, t.PnlPct, t.Reason,
		t.Status, t.OpenedAt, nullTime(t.ClosedAt))
	if err != nil {
		return fmt.Errorf("store: add trade: %w", err)
	}
	return nil
}

// UpdateTrade fills in the exit side of a ledger entry
func (s *Store) UpdateTrade(ctx context.Context, t *Trade) error {
	_, err := s.exec(ctx, `UPDATE trades SET
		quantity = ?, exit_price = ?, exit_fee = ?, pnl = ?, pnl_pct = ?,
		reason = ?, status = ?, closed_at = ?
		WHERE id = ?`,
		t.Quantity, t.ExitPrice, t.ExitFee, t.Pnl, t.PnlPct,
		t.Reason, t.Status, nullTime(t.ClosedAt), t.ID)
	if err != nil {
		return fmt.Errorf("store: update trade: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first. Empty symbol means
// all symbols.
func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, position_id, symbol, side, quantity, entry_price,
		exit_price, entry_fee, exit_fee, pnl, pnl_pct, reason, status,
		opened_at, closed_at FROM trades`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY opened_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list trades: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TradesClosedSince returns closed trades with closed_at >= since, oldest
// first. Feeds the daily limits, Kelly warm-up and performance rollups.
func (s *Store) TradesClosedSince(ctx context.Context, symbol string, since time.Time) ([]*Trade, error) {
	query := `SELECT id, position_id, symbol, side, quantity, entry_price,
		exit_price, entry_fee, exit_fee, pnl, pnl_pct, reason, status,
		opened_at, closed_at FROM trades
		WHERE status = ? AND closed_at >= ?`
	args := []interface{}{PositionClosed, since}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY closed_at`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: trades since: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row rowScanner) (*Trade, error) {
	var (
		t        Trade
		closedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Side, &t.Quantity,
		&t.EntryPrice, &t.ExitPrice, &t.EntryFee, &t.ExitFee, &t.Pnl,
		&t.PnlPct, &t.Reason, &t.Status, &t.OpenedAt, &closedAt)
	if err != nil {
		return nil, fmt.Errorf("store: scan trade: %w", err)
	}
	if closedAt.Valid {
		ts := closedAt.Time
		t.ClosedAt = &ts
	}
	return &t, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
