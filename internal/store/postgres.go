// Package store provides the persistence for the decision core: Postgres
// for the durable record (risk counters, trade history, position
// snapshots) and Redis for the short-window restart state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/risk"
	"trade-decision-engine/internal/signal"
)

// PostgresConfig holds database connection configuration
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a connection pool and verifies connectivity
func NewDB(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger.With().Str("component", "PostgresStore").Logger()}
	db.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return db, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS risk_snapshots (
			id              BIGSERIAL PRIMARY KEY,
			daily_pnl       DOUBLE PRECISION NOT NULL,
			daily_pnl_pct   DOUBLE PRECISION NOT NULL,
			consecutive_losses INT NOT NULL,
			account_balance DOUBLE PRECISION NOT NULL,
			last_reset_time TIMESTAMPTZ NOT NULL,
			saved_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS closed_trades (
			position_id  TEXT PRIMARY KEY,
			symbol       TEXT NOT NULL,
			direction    TEXT NOT NULL,
			entry_price  DOUBLE PRECISION NOT NULL,
			exit_price   DOUBLE PRECISION NOT NULL,
			quantity     DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			close_reason TEXT NOT NULL,
			opened_at    TIMESTAMPTZ NOT NULL,
			closed_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at)`,
		`CREATE TABLE IF NOT EXISTS position_states (
			id       TEXT PRIMARY KEY,
			symbol   TEXT NOT NULL,
			state    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.logger.Info().Msg("Database schema up to date")
	return nil
}

// SaveRiskSnapshot persists the current risk counters
func (db *DB) SaveRiskSnapshot(ctx context.Context, snap risk.Snapshot) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO risk_snapshots (daily_pnl, daily_pnl_pct, consecutive_losses, account_balance, last_reset_time)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.DailyPnL, snap.DailyPnLPercent, snap.ConsecutiveLosses, snap.AccountBalance, snap.LastResetTime,
	)
	if err != nil {
		return fmt.Errorf("save risk snapshot: %w", err)
	}
	return nil
}

// LoadRiskSnapshot returns the most recently saved risk counters, or
// pgx.ErrNoRows wrapped when none exist yet
func (db *DB) LoadRiskSnapshot(ctx context.Context) (risk.Snapshot, error) {
	var snap risk.Snapshot
	err := db.Pool.QueryRow(ctx,
		`SELECT daily_pnl, daily_pnl_pct, consecutive_losses, account_balance, last_reset_time
		 FROM risk_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&snap.DailyPnL, &snap.DailyPnLPercent, &snap.ConsecutiveLosses, &snap.AccountBalance, &snap.LastResetTime)
	if err != nil {
		return risk.Snapshot{}, fmt.Errorf("load risk snapshot: %w", err)
	}
	return snap, nil
}

// SaveClosedTrade archives one closed trade
func (db *DB) SaveClosedTrade(ctx context.Context, t lifecycle.ClosedTrade) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO closed_trades
		   (position_id, symbol, direction, entry_price, exit_price, quantity, realized_pnl, close_reason, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (position_id) DO NOTHING`,
		t.PositionID, t.Symbol, string(t.Direction), t.EntryPrice, t.ExitPrice,
		t.Quantity, t.RealizedPnL, string(t.CloseReason), t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save closed trade: %w", err)
	}
	return nil
}

// RecentTrades returns the latest closed trades, newest first
func (db *DB) RecentTrades(ctx context.Context, limit int) ([]lifecycle.ClosedTrade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT position_id, symbol, direction, entry_price, exit_price, quantity, realized_pnl, close_reason, opened_at, closed_at
		 FROM closed_trades ORDER BY closed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.ClosedTrade
	for rows.Next() {
		var t lifecycle.ClosedTrade
		var direction, reason string
		if err := rows.Scan(&t.PositionID, &t.Symbol, &direction, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.RealizedPnL, &reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		t.Direction = signal.Direction(direction)
		t.CloseReason = lifecycle.CloseReason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SavePositionState upserts a full position snapshot as JSON
func (db *DB) SavePositionState(ctx context.Context, p *lifecycle.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO position_states (id, symbol, state, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		p.ID, p.Symbol, payload,
	)
	if err != nil {
		return fmt.Errorf("save position state: %w", err)
	}
	return nil
}

// DeletePositionState removes a closed position's snapshot
func (db *DB) DeletePositionState(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM position_states WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position state: %w", err)
	}
	return nil
}

// LoadPositionStates returns all persisted open positions
func (db *DB) LoadPositionStates(ctx context.Context) ([]*lifecycle.Position, error) {
	rows, err := db.Pool.Query(ctx, `SELECT state FROM position_states`)
	if err != nil {
		return nil, fmt.Errorf("query position states: %w", err)
	}
	defer rows.Close()

	var out []*lifecycle.Position
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan position state: %w", err)
		}
		var p lifecycle.Position
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal position state: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err means "no stored row"
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
