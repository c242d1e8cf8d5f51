// Package priceoracle translates a pool's integer bin ladder into USD
// prices and answers the bound/position-percent questions the strategy
// calculator and supervisor need every tick.
package priceoracle

import (
	"context"
	"fmt"
	"math"

	"positionbot/internal/ammclient"
	"positionbot/internal/logging"
	"positionbot/internal/positions"
)

// PositionPrice is the result of a price update against a specific position.
type PositionPrice struct {
	Price               float64
	PriceChangePercent  float64
	PositionPercent     float64
}

// Monitor fetches pool state and derives USD prices from the bin ladder.
type Monitor struct {
	sdk ammclient.SDK
}

// NewMonitor builds a Monitor over the given AMM adapter.
func NewMonitor(sdk ammclient.SDK) *Monitor {
	return &Monitor{sdk: sdk}
}

// RawBinPrice computes raw(b) = (1 + bin_step/10000)^b, the AMM's unitless
// bin price (ratio of Y per X in on-chain accounting).
func RawBinPrice(binID int64, binStep int) float64 {
	base := 1.0 + float64(binStep)/10000.0
	return math.Pow(base, float64(binID))
}

// ScaleFactor determines the once-per-pool reconciliation factor between a
// numerically small raw bin price and a numerically large USD price: when
// raw(active_bin) <= 1 <= current USD price, scale = usdPrice / raw(active)
// (at raw(active_bin) == 1 this is the USD price itself, so the bounds still
// bracket it); otherwise the pool's raw price already lives in
// USD-comparable units and scale is 1.
func ScaleFactor(rawActive, usdPrice float64) float64 {
	if rawActive <= 1 && usdPrice >= 1 {
		return usdPrice / rawActive
	}
	return 1
}

// PriceAtBin applies the scale factor to a raw bin price: P(b) = scale * raw(b).
func PriceAtBin(binID int64, binStep int, scale float64) float64 {
	return scale * RawBinPrice(binID, binStep)
}

// ErrPoolUnavailable is returned by GetPoolPrice on RPC failure.
var ErrPoolUnavailable = fmt.Errorf("pool unavailable")

// GetPoolPrice reads the pool's current USD price. It never returns zero or
// a negative price; any non-positive reading from the adapter is treated as
// an unavailable pool.
func (m *Monitor) GetPoolPrice(ctx context.Context, poolAddress string) (float64, error) {
	view, err := m.sdk.CreatePoolView(ctx, poolAddress)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	price, err := view.CurrentPriceUSD(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive price reported", ErrPoolUnavailable)
	}

	logging.PriceContext(poolAddress).Debug().Float64("price_usd", price).Msg("fetched pool price")
	return price, nil
}

// ComputeBounds derives (lower, upper) USD bounds for a bin range, using the
// scale-factor reconciliation of §4.1. lower = P(min_bin_id),
// upper = P(max_bin_id + 1).
func ComputeBounds(minBinID, maxBinID int64, binStep int, activeBin ammclient.ActiveBin, currentUSDPrice float64) (lower, upper float64) {
	rawActive := RawBinPrice(activeBin.BinID, binStep)
	scale := ScaleFactor(rawActive, currentUSDPrice)
	lower = PriceAtBin(minBinID, binStep, scale)
	upper = PriceAtBin(maxBinID+1, binStep, scale)
	return lower, upper
}

// UpdatePositionPrice fetches the current pool price and derives the
// position-relative metrics used by the decision table.
func (m *Monitor) UpdatePositionPrice(ctx context.Context, pos *positions.Position) (PositionPrice, error) {
	price, err := m.GetPoolPrice(ctx, pos.PoolAddress)
	if err != nil {
		return PositionPrice{}, err
	}
	return PositionPrice{
		Price:              price,
		PriceChangePercent: PriceChangePercent(pos.InitialPrice, price),
		PositionPercent:    PositionPercent(pos.LowerBoundPrice, pos.UpperBoundPrice, price),
	}, nil
}

// PriceChangePercent is (price - initialPrice) / initialPrice * 100.
func PriceChangePercent(initialPrice, price float64) float64 {
	if initialPrice == 0 {
		return 0
	}
	return (price - initialPrice) / initialPrice * 100
}

// PositionPercent is (price - lower) / (upper - lower) * 100, reported
// as-is (not clamped) even when price is outside [lower, upper].
func PositionPercent(lower, upper, price float64) float64 {
	span := upper - lower
	if span == 0 {
		return 0
	}
	return (price - lower) / span * 100
}

// IsAboveUpper reports whether price has breached the position's upper bound.
func IsAboveUpper(pos *positions.Position, price float64) bool {
	return price > pos.UpperBoundPrice
}

// IsBelowLower reports whether price has breached the position's lower bound.
func IsBelowLower(pos *positions.Position, price float64) bool {
	return price < pos.LowerBoundPrice
}

// IsAtFeeCheckLevel reports whether price is inside the range, close enough
// to the lower wall (position_percent <= feeCheckPercent) to trigger the
// fee-vs-loss evaluation. The level intentionally only fires near the lower
// wall; preserve the asymmetry (design notes).
func IsAtFeeCheckLevel(pos *positions.Position, price, feeCheckPercent float64) bool {
	percent := PositionPercent(pos.LowerBoundPrice, pos.UpperBoundPrice, price)
	return percent <= feeCheckPercent && price >= pos.LowerBoundPrice
}
