package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/logging"
)

// driver names registered by the imported drivers
const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"
)

// Store is the persistence DAO. It runs over SQLite for single-node
// deployments (DATABASE_PATH) and PostgreSQL when DATABASE_URL is set.
// All multi-row mutations are transactional.
type Store struct {
	db     *sql.DB
	driver string
	config *config.StoreConfig
	logger *logging.Logger
}

// Open connects to the configured backend, applies pool settings and runs
// migrations. DATABASE_URL wins over DATABASE_PATH when both are set.
func Open(ctx context.Context, cfg *config.StoreConfig, logger *logging.Logger) (*Store, error) {
	var (
		db     *sql.DB
		driver string
		err    error
	)

	if cfg.DatabaseURL != "" {
		driver = driverPostgres
		db, err = sql.Open(driverPostgres, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	} else {
		driver = driverSQLite
		dsn := cfg.DatabasePath + "?_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		db, err = sql.Open(driverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		// SQLite is single-writer; one connection avoids lock contention
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		config: cfg,
		logger: logger.WithComponent("store"),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("store ready", "driver", driver)
	return s, nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-style placeholders to $N for the postgres driver.
// Queries in this package are written with ? throughout.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// exec runs a statement with timing; queries over the slow threshold are
// logged at WARN.
func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	s.observe(query, start, err)
	return res, err
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	s.observe(query, start, err)
	return rows, err
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, s.rebind(query), args...)
	s.observe(query, start, nil)
	return row
}

func (s *Store) observe(query string, start time.Time, err error) {
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("query failed", "query", firstWords(query), "error", err.Error())
		return
	}
	if elapsed > s.config.SlowQueryThreshold {
		s.logger.Warn("slow query", "query", firstWords(query), "elapsed_ms", elapsed.Milliseconds())
		return
	}
	s.logger.Debug("query", "query", firstWords(query), "elapsed_ms", elapsed.Milliseconds())
}

// withTx runs fn inside a transaction, rolling back on error
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// firstWords truncates a query for log lines
func firstWords(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > 60 {
		return query[:60]
	}
	return query
}
