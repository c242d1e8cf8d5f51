package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"positionbot/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB opens a pooled connection and verifies it with a ping.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.Component("database").Info().Str("database", cfg.Database).Msg("connected to postgres")
	return &DB{Pool: pool}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.Component("database").Info().Msg("database connection closed")
	}
}

// RunMigrations creates the admin-store schema: position snapshots (mirror
// of internal/positions.Store, queried by reporting/dashboards), pool and
// global config rows, and the hedge audit log.
func (db *DB) RunMigrations(ctx context.Context) error {
	logging.Component("database").Info().Msg("running migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id BIGSERIAL PRIMARY KEY,
			position_id VARCHAR(128) NOT NULL,
			pool_address VARCHAR(64) NOT NULL,
			owner_address VARCHAR(64) NOT NULL,
			mint_x VARCHAR(64) NOT NULL,
			mint_y VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			initial_price DECIMAL(30, 10) NOT NULL,
			lower_bound_price DECIMAL(30, 10) NOT NULL,
			upper_bound_price DECIMAL(30, 10) NOT NULL,
			min_bin_id BIGINT NOT NULL,
			max_bin_id BIGINT NOT NULL,
			range_interval INT NOT NULL,
			current_amount_x BIGINT NOT NULL DEFAULT 0,
			current_amount_y BIGINT NOT NULL DEFAULT 0,
			accumulated_fees_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_hedge_price DECIMAL(30, 10),
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			snapshot_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_position_snapshots_position_id ON position_snapshots(position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_status ON position_snapshots(status)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_snapshot_at ON position_snapshots(snapshot_at)`,

		`CREATE TABLE IF NOT EXISTS pool_configs (
			pool_address VARCHAR(64) PRIMARY KEY,
			range_interval INT NOT NULL DEFAULT 10,
			stop_loss_percent DECIMAL(10, 4) NOT NULL DEFAULT -2.0,
			fee_check_percent DECIMAL(10, 4) NOT NULL DEFAULT 10.0,
			auto_claim_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			auto_claim_threshold_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS global_configs (
			id INT PRIMARY KEY DEFAULT 1,
			check_interval_ms INT NOT NULL DEFAULT 30000,
			mirror_swap_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			hedge_interval_ms INT NOT NULL DEFAULT 10000,
			hedge_percent DECIMAL(10, 4) NOT NULL DEFAULT 50.0,
			min_hedge_bps DECIMAL(10, 4) NOT NULL DEFAULT 25.0,
			min_hedge_step_percent DECIMAL(10, 4) NOT NULL DEFAULT 0.5,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT single_row CHECK (id = 1)
		)`,

		`CREATE TABLE IF NOT EXISTS hedge_audit_log (
			id BIGSERIAL PRIMARY KEY,
			position_id VARCHAR(128) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			amount_in DECIMAL(30, 10) NOT NULL,
			price DECIMAL(30, 10) NOT NULL,
			signature VARCHAR(128) NOT NULL,
			input_mint VARCHAR(64) NOT NULL,
			output_mint VARCHAR(64) NOT NULL,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hedge_audit_log_position_id ON hedge_audit_log(position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_hedge_audit_log_executed_at ON hedge_audit_log(executed_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	logging.Component("database").Info().Msg("migrations completed")
	return nil
}

// HealthCheck pings the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
