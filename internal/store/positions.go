package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AddPosition inserts a new open position
func (s *Store) AddPosition(ctx context.Context, p *Position) error {
	tps, err := json.Marshal(p.TakeProfits)
	if err != nil {
		return fmt.Errorf("store: marshal take profits: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO positions
		(id, symbol, side, quantity, entry_price, leverage, stop_loss, take_profits,
		 trailing_active, trailing_stop, max_profit_pct_seen, stop_order_id, trade_id,
		 status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Leverage, p.StopLoss,
		string(tps), p.TrailingActive, p.TrailingStop, p.MaxProfitPctSeen,
		p.StopOrderID, p.TradeID, p.Status, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("store: add position: %w", err)
	}
	return nil
}

// UpdatePosition persists the mutable fields of an open position
func (s *Store) UpdatePosition(ctx context.Context, p *Position) error {
	tps, err := json.Marshal(p.TakeProfits)
	if err != nil {
		return fmt.Errorf("store: marshal take profits: %w", err)
	}
	_, err = s.exec(ctx, `UPDATE positions SET
		quantity = ?, stop_loss = ?, take_profits = ?, trailing_active = ?,
		trailing_stop = ?, max_profit_pct_seen = ?, stop_order_id = ?
		WHERE id = ?`,
		p.Quantity, p.StopLoss, string(tps), p.TrailingActive,
		p.TrailingStop, p.MaxProfitPctSeen, p.StopOrderID, p.ID)
	if err != nil {
		return fmt.Errorf("store: update position: %w", err)
	}
	return nil
}

// ClosePosition marks a position closed. The open -> closed transition
// happens exactly once; closing an already-closed position is an error.
func (s *Store) ClosePosition(ctx context.Context, id string, closedAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE positions SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
		PositionClosed, closedAt, id, PositionOpen)
	if err != nil {
		return fmt.Errorf("store: close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("store: position %s not open", id)
	}
	return nil
}

// ListOpenPositions returns open positions, optionally filtered by symbol
func (s *Store) ListOpenPositions(ctx context.Context, symbol string) ([]*Position, error) {
	query := `SELECT id, symbol, side, quantity, entry_price, leverage, stop_loss,
		take_profits, trailing_active, trailing_stop, max_profit_pct_seen,
		stop_order_id, trade_id, status, opened_at, closed_at
		FROM positions WHERE status = ?`
	args := []interface{}{PositionOpen}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY opened_at`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list open positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition loads one position by id
func (s *Store) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := s.queryRow(ctx, `SELECT id, symbol, side, quantity, entry_price, leverage,
		stop_loss, take_profits, trailing_active, trailing_stop, max_profit_pct_seen,
		stop_order_id, trade_id, status, opened_at, closed_at
		FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var (
		p        Position
		tps      string
		closedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice,
		&p.Leverage, &p.StopLoss, &tps, &p.TrailingActive, &p.TrailingStop,
		&p.MaxProfitPctSeen, &p.StopOrderID, &p.TradeID, &p.Status,
		&p.OpenedAt, &closedAt)
	if err != nil {
		return nil, fmt.Errorf("store: scan position: %w", err)
	}
	if err := json.Unmarshal([]byte(tps), &p.TakeProfits); err != nil {
		return nil, fmt.Errorf("store: decode take profits: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return &p, nil
}
