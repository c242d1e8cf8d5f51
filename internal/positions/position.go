// Package positions defines the Position record and its durable store.
// A Position is the central entity of the hedging engine: identity, token
// pair, bin range, price bounds frozen at open, lifecycle status, and the
// fee/hedge state that accumulates over the position's life.
package positions

import "time"

// Status is the lifecycle state of a Position. Once Closed, a position never
// transitions back to an earlier state (invariant 4).
type Status string

const (
	StatusActive       Status = "active"
	StatusPendingClose Status = "pending_close"
	StatusClosed       Status = "closed"
	StatusStopLoss     Status = "stop_loss"
	StatusTakeProfit   Status = "take_profit"
)

// AutoClaim is the per-position fee auto-claim tunable.
type AutoClaim struct {
	Enabled      bool    `json:"enabled"`
	ThresholdUSD float64 `json:"threshold_usd"`
}

// HedgeSwap is one entry in a position's mirror-hedge history.
type HedgeSwap struct {
	Timestamp   time.Time `json:"ts"`
	Direction   string    `json:"direction"` // "buy_x" or "sell_x"
	AmountIn    float64   `json:"amount"`
	Price       float64   `json:"price"`
	Signature   string    `json:"signature"`
	InputMint   string    `json:"input_mint"`
	OutputMint  string    `json:"output_mint"`
}

// Position is the canonical persisted record. Bounds (LowerBoundPrice,
// UpperBoundPrice, InitialPrice, MinBinID, MaxBinID) are set once at Open and
// are immutable for the life of the position (invariant 3); everything else
// under "mutable state" below is free to change.
type Position struct {
	// Identity
	PositionID   string `json:"position_id"`
	PoolAddress  string `json:"pool_address"`
	OwnerAddress string `json:"owner_address"`

	// Token pair
	MintX     string `json:"mint_x"`
	DecimalsX int    `json:"decimals_x"`
	MintY     string `json:"mint_y"`
	DecimalsY int    `json:"decimals_y"`

	// Initial deposit, smallest units
	InitialAmountX int64 `json:"initial_amount_x"`
	InitialAmountY int64 `json:"initial_amount_y"`

	// Bin range (immutable after open)
	MinBinID      int64 `json:"min_bin_id"`
	MaxBinID      int64 `json:"max_bin_id"`
	RangeInterval int   `json:"range_interval"`

	// Price bounds, USD per unit of X (immutable after open)
	InitialPrice     float64 `json:"initial_price"`
	LowerBoundPrice  float64 `json:"lower_bound_price"`
	UpperBoundPrice  float64 `json:"upper_bound_price"`

	// Lifecycle
	Status         Status     `json:"status"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	LastPriceCheck time.Time  `json:"last_price_check"`
	CurrentPrice   *float64   `json:"current_price,omitempty"`

	// Mutable current-side amounts, smallest units. Updated by the hedge
	// manager after every successful mirror swap so strategy fallback
	// valuation reflects post-hedge holdings instead of the immutable
	// initial deposit (resolves the staleness note in the design notes).
	CurrentAmountX int64 `json:"current_amount_x"`
	CurrentAmountY int64 `json:"current_amount_y"`

	// Fee/hedge state
	AccumulatedFeesUSD float64     `json:"accumulated_fees_usd"`
	AutoClaimConfig    *AutoClaim  `json:"auto_claim,omitempty"`
	LastClaimAt        *time.Time  `json:"last_claim_at,omitempty"`
	LastHedgePrice      *float64   `json:"last_hedge_price,omitempty"`
	HedgeHistory        []HedgeSwap `json:"hedge_history"`

	// ConsecutiveStructuralErrors is persisted but not updated by the
	// supervisor; the five-in-a-row quarantine count is kept in memory by
	// internal/circuit.Breaker.
	ConsecutiveStructuralErrors int `json:"consecutive_structural_errors"`
}

// IsTerminal reports whether the position can never be acted on again.
func (p *Position) IsTerminal() bool {
	return p.Status == StatusClosed
}

// RangeIntervalFromBins recomputes range_interval from the bin span, used to
// validate the round-trip testable property in spec §8.
func RangeIntervalFromBins(minBinID, maxBinID int64) int {
	return int((maxBinID - minBinID + 1) / 2)
}
