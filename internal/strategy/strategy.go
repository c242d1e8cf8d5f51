// Package strategy implements the monetary decisions: position value
// estimation, claimable-fee valuation, the fee-vs-loss rule, the decision
// table, and mirror-hedge sizing.
package strategy

import (
	"context"
	"fmt"
	"math"

	"positionbot/internal/ammclient"
	"positionbot/internal/positions"
)

// MintClass resolves the per-mint USD conversion table. SOL prices 1:1 with
// the pool's quoted USD price; recognized stablecoins are always $1; any
// other mint is quote-priced (multiplied by the pool price) -- this
// resolves the open question about non-SOL/non-stable mints and should be
// verified against real pool data before production use.
type MintClass int

const (
	MintClassSOL MintClass = iota
	MintClassStable
	MintClassOther
)

// wellKnownSOLMint and stablecoin mints used to classify tokens. In
// production these would be sourced from a token registry; the small fixed
// table here covers the common case and defaults unknown mints to "other".
const wellKnownSOLMint = "So11111111111111111111111111111111111111112"

var stableMints = map[string]bool{
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": true, // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": true, // USDT
}

// ClassifyMint returns the MintClass used to convert a token amount to USD.
func ClassifyMint(mint string) MintClass {
	if mint == wellKnownSOLMint {
		return MintClassSOL
	}
	if stableMints[mint] {
		return MintClassStable
	}
	return MintClassOther
}

// USDPrice converts a classified mint's unit price given the pool's quoted
// USD price P. SOL and "other" mints price at P; stablecoins are pegged at 1.
func USDPrice(class MintClass, poolPriceUSD float64) float64 {
	if class == MintClassStable {
		return 1
	}
	return poolPriceUSD
}

func toHumanUnits(smallestUnits int64, decimals int) float64 {
	return float64(smallestUnits) / math.Pow(10, float64(decimals))
}

// ValueAt estimates a position's USD value at price. When binData is
// present and non-empty it sums each bin's token quantities; otherwise it
// falls back to the position's current tracked amounts (CurrentAmountX/Y),
// which are kept up to date by the hedge manager after every mirror swap so
// the fallback does not overstate value with the stale initial deposit.
func ValueAt(pos *positions.Position, price float64, binData []ammclient.BinData) float64 {
	classX := ClassifyMint(pos.MintX)
	classY := ClassifyMint(pos.MintY)
	priceX := USDPrice(classX, price)
	priceY := USDPrice(classY, price)

	if len(binData) > 0 {
		var total float64
		for _, b := range binData {
			total += toHumanUnits(b.X, pos.DecimalsX) * priceX
			total += toHumanUnits(b.Y, pos.DecimalsY) * priceY
		}
		return total
	}

	amountX := pos.CurrentAmountX
	amountY := pos.CurrentAmountY
	if amountX == 0 && amountY == 0 {
		amountX = pos.InitialAmountX
		amountY = pos.InitialAmountY
	}
	return toHumanUnits(amountX, pos.DecimalsX)*priceX + toHumanUnits(amountY, pos.DecimalsY)*priceY
}

// ClaimableFeesUSD reads per-token claimable fee amounts from the AMM
// position and converts each to USD using the same per-mint rule. A read
// failure returns 0 rather than a negative or stale cached number.
func ClaimableFeesUSD(ctx context.Context, view ammclient.PoolView, pos *positions.Position, positionID string, poolPriceUSD float64) float64 {
	fees, err := view.ClaimableFees(ctx, positionID)
	if err != nil {
		return 0
	}
	classX := ClassifyMint(pos.MintX)
	classY := ClassifyMint(pos.MintY)
	usd := toHumanUnits(fees.X, pos.DecimalsX)*USDPrice(classX, poolPriceUSD) +
		toHumanUnits(fees.Y, pos.DecimalsY)*USDPrice(classY, poolPriceUSD)
	if usd < 0 {
		return 0
	}
	return usd
}

// FeeVsLossResult is the output of the fee-vs-loss rule.
type FeeVsLossResult struct {
	StopLossPrice    float64
	EstimatedLossUSD float64
	NetResultUSD     float64
	ShouldClose      bool
}

// EvaluateFeeVsLoss implements the fee-vs-loss decision rule exactly as
// specified: sl_price = lower * (1 + stop_loss_percent/100), estimated_loss
// = max(0, value_at(price) - value_at(sl_price)), net = fees - loss,
// should_close iff loss > 0 AND net >= 0. A zero estimated loss never
// recommends close on this ground alone.
func EvaluateFeeVsLoss(pos *positions.Position, price, stopLossPercent, accumulatedFeesUSD float64, binData []ammclient.BinData) FeeVsLossResult {
	slPrice := pos.LowerBoundPrice * (1 + stopLossPercent/100)
	valueAtPrice := ValueAt(pos, price, binData)
	valueAtSL := ValueAt(pos, slPrice, binData)

	loss := valueAtPrice - valueAtSL
	if loss < 0 {
		loss = 0
	}
	net := accumulatedFeesUSD - loss

	return FeeVsLossResult{
		StopLossPrice:    slPrice,
		EstimatedLossUSD: loss,
		NetResultUSD:     net,
		ShouldClose:      loss > 0 && net >= 0,
	}
}

// Action is one of the four outputs of the decision table.
type Action string

const (
	ActionNone           Action = "none"
	ActionClose          Action = "close"
	ActionOpenNewAbove   Action = "open_new_above"
	ActionOpenNewBelow   Action = "open_new_below"
)

// Decision is the pure output of Decide; the supervisor (C7) is the only
// component that executes it.
type Decision struct {
	Action Action
	Reason string
	FeeVsLoss FeeVsLossResult
}

// Decide applies the decision table from §4.2 given the current price and
// pool tunables. Decide is pure: it has no side effects.
func Decide(pos *positions.Position, price, stopLossPercent, feeCheckPercent, accumulatedFeesUSD float64, binData []ammclient.BinData, isAboveUpper, isBelowLower, atFeeCheckLevel bool) Decision {
	fvl := EvaluateFeeVsLoss(pos, price, stopLossPercent, accumulatedFeesUSD, binData)

	switch {
	case isAboveUpper:
		return Decision{Action: ActionOpenNewAbove, Reason: "take profit breach", FeeVsLoss: fvl}
	case isBelowLower && fvl.ShouldClose:
		return Decision{Action: ActionOpenNewBelow, Reason: "rebalance down, fees cover loss", FeeVsLoss: fvl}
	case isBelowLower:
		return Decision{Action: ActionOpenNewBelow, Reason: "rebalance down, loss accepted", FeeVsLoss: fvl}
	case atFeeCheckLevel && fvl.ShouldClose:
		return Decision{Action: ActionClose, Reason: "preventive close near lower wall", FeeVsLoss: fvl}
	case atFeeCheckLevel:
		return Decision{Action: ActionNone, Reason: "fee-check level, fees do not yet cover loss", FeeVsLoss: fvl}
	default:
		return Decision{Action: ActionNone, Reason: "within safe range", FeeVsLoss: fvl}
	}
}

// HedgeDirection is which side of the pair the wallet must trade to
// neutralize the book's automatic rebalancing.
type HedgeDirection string

const (
	DirectionBuyX  HedgeDirection = "buy_x"
	DirectionSellX HedgeDirection = "sell_x"
)

// HedgeSize is the sized, directed mirror swap the hedge manager should
// submit to the aggregator.
type HedgeSize struct {
	Direction   HedgeDirection
	AmountIn    float64 // in the input token's human units
	InputMint   string
	OutputMint  string
	HedgeRatio  float64
}

// ErrHedgeBelowThreshold is returned by ComputeHedge when |hedge_ratio| is
// too small to act on.
var ErrHedgeBelowThreshold = fmt.Errorf("hedge ratio below threshold")

// ComputeHedge implements the mirror-hedge sizing rule of §4.2.
// base_price = last_hedge_price ?? initial_price, delta = (base -
// current)/base, hedge_ratio = (hedge_percent/100) * delta. A price drop
// (delta > 0) means the book bought X from LPs by selling Y, so the wallet
// buys X to neutralize; a price rise (delta < 0) means the wallet sells X.
func ComputeHedge(pos *positions.Position, currentPrice, hedgePercent, positionValueUSD float64) (HedgeSize, error) {
	basePrice := pos.InitialPrice
	if pos.LastHedgePrice != nil {
		basePrice = *pos.LastHedgePrice
	}
	if basePrice == 0 {
		return HedgeSize{}, fmt.Errorf("base price is zero")
	}

	delta := (basePrice - currentPrice) / basePrice
	hedgeRatio := (hedgePercent / 100) * delta

	if math.Abs(hedgeRatio) < 1e-12 {
		return HedgeSize{}, ErrHedgeBelowThreshold
	}

	size := HedgeSize{HedgeRatio: hedgeRatio}
	switch {
	case delta > 0:
		size.Direction = DirectionBuyX
		size.InputMint = pos.MintY
		size.OutputMint = pos.MintX
		size.AmountIn = math.Abs(hedgeRatio) * positionValueUSD
	case delta < 0:
		size.Direction = DirectionSellX
		size.InputMint = pos.MintX
		size.OutputMint = pos.MintY
		size.AmountIn = math.Abs(hedgeRatio) * positionValueUSD / currentPrice
	default:
		return HedgeSize{}, ErrHedgeBelowThreshold
	}

	return size, nil
}
