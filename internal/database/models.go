package database

import "time"

// PositionSnapshotRow is the position_snapshots row written on every
// internal/positions.Store.Save, read by reporting/dashboards.
type PositionSnapshotRow struct {
	ID                 int64
	PositionID         string
	PoolAddress        string
	OwnerAddress       string
	MintX              string
	MintY              string
	Status             string
	InitialPrice       float64
	LowerBoundPrice    float64
	UpperBoundPrice    float64
	MinBinID           int64
	MaxBinID           int64
	RangeInterval      int
	CurrentAmountX     int64
	CurrentAmountY     int64
	AccumulatedFeesUSD float64
	LastHedgePrice     *float64
	OpenedAt           time.Time
	ClosedAt           *time.Time
	SnapshotAt         time.Time
}

// PoolConfigRow is one pool's admin-tunable overrides, merged by the
// supervisor over its Config.Defaults (the startup config's PoolDefaults),
// not over GlobalConfigRow.
type PoolConfigRow struct {
	PoolAddress           string
	RangeInterval         int
	StopLossPercent       float64
	FeeCheckPercent       float64
	AutoClaimEnabled      bool
	AutoClaimThresholdUSD float64
	UpdatedAt             time.Time
}

// GlobalConfigRow is the single-row fleet-wide default configuration.
type GlobalConfigRow struct {
	CheckIntervalMs     int
	MirrorSwapEnabled   bool
	HedgeIntervalMs     int
	HedgePercent        float64
	MinHedgeBps         float64
	MinHedgeStepPercent float64
	UpdatedAt           time.Time
}

// HedgeAuditRow is one row of the hedge_audit_log, written alongside every
// HedgeSwap recorded on a Position.
type HedgeAuditRow struct {
	ID          int64
	PositionID  string
	Direction   string
	AmountIn    float64
	Price       float64
	Signature   string
	InputMint   string
	OutputMint  string
	ExecutedAt  time.Time
}
