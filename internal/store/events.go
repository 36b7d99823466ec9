package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordSignalPrediction persists an emitted signal for later outcome scoring
func (s *Store) RecordSignalPrediction(ctx context.Context, p *SignalPrediction) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO signal_predictions
		(id, symbol, direction, score, confidence, regime, ml_score, news_score,
		 price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.Direction, p.Score, p.Confidence, p.Regime,
		p.MLScore, p.NewsScore, p.Price, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: record prediction: %w", err)
	}
	return nil
}

// UpdatePredictionOutcome fills in the realized move for one prediction
func (s *Store) UpdatePredictionOutcome(ctx context.Context, id string, outcome float64, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE signal_predictions SET outcome = ?, outcome_at = ? WHERE id = ?`,
		outcome, at, id)
	if err != nil {
		return fmt.Errorf("store: update prediction outcome: %w", err)
	}
	return nil
}

// UnresolvedPredictions returns predictions older than the cutoff that still
// lack an outcome.
func (s *Store) UnresolvedPredictions(ctx context.Context, before time.Time) ([]*SignalPrediction, error) {
	rows, err := s.query(ctx, `SELECT id, symbol, direction, score, confidence,
		regime, ml_score, news_score, price, created_at, outcome, outcome_at
		FROM signal_predictions
		WHERE outcome IS NULL AND created_at < ?
		ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("store: unresolved predictions: %w", err)
	}
	defer rows.Close()

	var out []*SignalPrediction
	for rows.Next() {
		var (
			p         SignalPrediction
			outcome   sql.NullFloat64
			outcomeAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Direction, &p.Score,
			&p.Confidence, &p.Regime, &p.MLScore, &p.NewsScore, &p.Price,
			&p.CreatedAt, &outcome, &outcomeAt); err != nil {
			return nil, fmt.Errorf("store: scan prediction: %w", err)
		}
		if outcome.Valid {
			v := outcome.Float64
			p.Outcome = &v
		}
		if outcomeAt.Valid {
			t := outcomeAt.Time
			p.OutcomeAt = &t
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AddNews stores a scored article for auditing
func (s *Store) AddNews(ctx context.Context, n *NewsRecord) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO news
		(id, source, title, sentiment, impact, severity, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Source, n.Title, n.Sentiment, n.Impact, n.Severity,
		n.PublishedAt, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add news: %w", err)
	}
	return nil
}

// AppendSystemEvent persists one structured operational event
func (s *Store) AppendSystemEvent(ctx context.Context, level, component, message string, context map[string]interface{}) error {
	var payload interface{}
	if len(context) > 0 {
		data, err := json.Marshal(context)
		if err != nil {
			return fmt.Errorf("store: marshal event context: %w", err)
		}
		payload = string(data)
	}
	_, err := s.exec(ctx, `INSERT INTO system_events
		(id, level, component, message, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), level, component, message, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest n system events
func (s *Store) RecentEvents(ctx context.Context, n int) ([]*SystemEvent, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.query(ctx, `SELECT id, level, component, message, context,
		created_at FROM system_events ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer rows.Close()

	var out []*SystemEvent
	for rows.Next() {
		var (
			e       SystemEvent
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Component, &e.Message,
			&payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Context)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Prune deletes aged news, resolved predictions and system events in one
// transaction.
func (s *Store) Prune(ctx context.Context, before time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM news WHERE created_at < ?`,
			`DELETE FROM signal_predictions WHERE outcome IS NOT NULL AND created_at < ?`,
			`DELETE FROM system_events WHERE created_at < ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), before); err != nil {
				return fmt.Errorf("store: prune: %w", err)
			}
		}
		return nil
	})
}
