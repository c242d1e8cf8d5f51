package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"positionbot/internal/positions"
)

// Repository is the Postgres-backed admin store: position snapshot mirror,
// pool/global config reads, and the hedge audit log.
type Repository struct {
	db *DB
}

// NewRepository builds a Repository over an open DB.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveSnapshot implements positions.SnapshotMirror. It upserts on
// position_id so the mirror holds one current row per position alongside
// the file store's single-record-per-id invariant.
func (r *Repository) SaveSnapshot(ctx context.Context, p *positions.Position) error {
	query := `
		INSERT INTO position_snapshots (
			position_id, pool_address, owner_address, mint_x, mint_y, status,
			initial_price, lower_bound_price, upper_bound_price,
			min_bin_id, max_bin_id, range_interval,
			current_amount_x, current_amount_y, accumulated_fees_usd,
			last_hedge_price, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (position_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_amount_x = EXCLUDED.current_amount_x,
			current_amount_y = EXCLUDED.current_amount_y,
			accumulated_fees_usd = EXCLUDED.accumulated_fees_usd,
			last_hedge_price = EXCLUDED.last_hedge_price,
			closed_at = EXCLUDED.closed_at,
			snapshot_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query,
		p.PositionID, p.PoolAddress, p.OwnerAddress, p.MintX, p.MintY, string(p.Status),
		p.InitialPrice, p.LowerBoundPrice, p.UpperBoundPrice,
		p.MinBinID, p.MaxBinID, p.RangeInterval,
		p.CurrentAmountX, p.CurrentAmountY, p.AccumulatedFeesUSD,
		p.LastHedgePrice, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save position snapshot %s: %w", p.PositionID, err)
	}
	return nil
}

// PoolConfig reads a single pool's admin overrides, or (nil, nil) if none
// have been set.
func (r *Repository) PoolConfig(ctx context.Context, poolAddress string) (*PoolConfigRow, error) {
	var row PoolConfigRow
	err := r.db.Pool.QueryRow(ctx, `
		SELECT pool_address, range_interval, stop_loss_percent, fee_check_percent,
		       auto_claim_enabled, auto_claim_threshold_usd, updated_at
		FROM pool_configs WHERE pool_address = $1
	`, poolAddress).Scan(
		&row.PoolAddress, &row.RangeInterval, &row.StopLossPercent, &row.FeeCheckPercent,
		&row.AutoClaimEnabled, &row.AutoClaimThresholdUSD, &row.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pool config %s: %w", poolAddress, err)
	}
	return &row, nil
}

// UpsertPoolConfig writes the admin-settable per-pool overrides, serving
// POST /admin/pools/:pool/config.
func (r *Repository) UpsertPoolConfig(ctx context.Context, row PoolConfigRow) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO pool_configs (
			pool_address, range_interval, stop_loss_percent, fee_check_percent,
			auto_claim_enabled, auto_claim_threshold_usd, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (pool_address) DO UPDATE SET
			range_interval = EXCLUDED.range_interval,
			stop_loss_percent = EXCLUDED.stop_loss_percent,
			fee_check_percent = EXCLUDED.fee_check_percent,
			auto_claim_enabled = EXCLUDED.auto_claim_enabled,
			auto_claim_threshold_usd = EXCLUDED.auto_claim_threshold_usd,
			updated_at = NOW()
	`, row.PoolAddress, row.RangeInterval, row.StopLossPercent, row.FeeCheckPercent,
		row.AutoClaimEnabled, row.AutoClaimThresholdUSD)
	if err != nil {
		return fmt.Errorf("upsert pool config %s: %w", row.PoolAddress, err)
	}
	return nil
}

// GlobalConfig reads the single fleet-wide default row, or (nil, nil) if it
// has never been written; it does not seed the row.
func (r *Repository) GlobalConfig(ctx context.Context) (*GlobalConfigRow, error) {
	var row GlobalConfigRow
	err := r.db.Pool.QueryRow(ctx, `
		SELECT check_interval_ms, mirror_swap_enabled, hedge_interval_ms,
		       hedge_percent, min_hedge_bps, min_hedge_step_percent, updated_at
		FROM global_configs WHERE id = 1
	`).Scan(
		&row.CheckIntervalMs, &row.MirrorSwapEnabled, &row.HedgeIntervalMs,
		&row.HedgePercent, &row.MinHedgeBps, &row.MinHedgeStepPercent, &row.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read global config: %w", err)
	}
	return &row, nil
}

// RecordHedge appends one row to the hedge audit log; a write failure here
// is never allowed to roll back the Position.Save that already succeeded,
// callers log and continue (mirrors positions.Store's own mirror handling).
func (r *Repository) RecordHedge(ctx context.Context, row HedgeAuditRow) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO hedge_audit_log (position_id, direction, amount_in, price, signature, input_mint, output_mint)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, row.PositionID, row.Direction, row.AmountIn, row.Price, row.Signature, row.InputMint, row.OutputMint)
	if err != nil {
		return fmt.Errorf("record hedge audit row for %s: %w", row.PositionID, err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
