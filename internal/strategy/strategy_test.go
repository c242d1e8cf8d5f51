package strategy

import (
	"math"
	"testing"

	"positionbot/internal/positions"
)

func basePosition() *positions.Position {
	return &positions.Position{
		MintX:           "So11111111111111111111111111111111111111112",
		MintY:           "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		DecimalsX:       9,
		DecimalsY:       6,
		InitialPrice:    100.0,
		LowerBoundPrice: 96.0,
		UpperBoundPrice: 104.0,
		CurrentAmountX:  1_000_000_000, // 1 SOL
		CurrentAmountY:  100_000_000,   // 100 USDC
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.01
}

// Scenario 1: take-profit breach.
func TestDecisionTakeProfitBreach(t *testing.T) {
	pos := basePosition()
	d := Decide(pos, 104.50, -2, 50, 0, nil,
		true /* isAboveUpper */, false, false)
	if d.Action != ActionOpenNewAbove {
		t.Errorf("expected open_new_above, got %s", d.Action)
	}
}

// Scenario 2: stop-loss with fees covering projected loss.
func TestDecisionStopLossWithFeesCover(t *testing.T) {
	pos := &positions.Position{
		LowerBoundPrice: 96.0,
		UpperBoundPrice: 104.0,
		CurrentAmountX:  0,
		CurrentAmountY:  0,
		InitialAmountX:  0,
		InitialAmountY:  0,
	}
	// synthesize ValueAt via bin_data-free fallback: force exact USD values
	// from the spec scenario by overriding with direct math, since ValueAt
	// needs real token balances. We only assert the fee-vs-loss arithmetic.
	fvl := FeeVsLossResult{}
	slPrice := pos.LowerBoundPrice * (1 + (-2.0)/100)
	if !almostEqual(slPrice, 94.08) {
		t.Fatalf("sl_price = %v, want 94.08", slPrice)
	}
	valueAt955 := 190.00
	valueAt9408 := 186.30
	loss := valueAt955 - valueAt9408
	if loss < 0 {
		loss = 0
	}
	net := 4.50 - loss
	fvl.EstimatedLossUSD = loss
	fvl.NetResultUSD = net
	fvl.ShouldClose = loss > 0 && net >= 0

	if !almostEqual(fvl.EstimatedLossUSD, 3.70) {
		t.Errorf("estimated_loss = %v, want 3.70", fvl.EstimatedLossUSD)
	}
	if !almostEqual(fvl.NetResultUSD, 0.80) {
		t.Errorf("net_result = %v, want 0.80", fvl.NetResultUSD)
	}
	if !fvl.ShouldClose {
		t.Error("expected should_close = true")
	}

	d := Decide(pos, 95.50, -2, 50, 4.50, nil, false, true /* isBelowLower */, false)
	if d.Action != ActionOpenNewBelow {
		t.Errorf("expected open_new_below when below lower bound, got %s", d.Action)
	}
}

// Scenario 3: fee-check level without coverage.
func TestDecisionFeeCheckWithoutCoverage(t *testing.T) {
	pos := basePosition()
	d := Decide(pos, 99.80, -2, 50, 0.20, nil, false, false, true /* atFeeCheckLevel */)
	if d.Action != ActionNone {
		t.Errorf("expected none when fees don't cover projected loss, got %s", d.Action)
	}
}

// Decision property: zero accumulated fees with a positive loss never closes.
func TestZeroFeesNeverCloses(t *testing.T) {
	pos := basePosition()
	d := Decide(pos, 99.80, -2, 50, 0, nil, false, false, true)
	if d.Action == ActionClose {
		t.Error("zero fees with positive estimated loss must not produce close")
	}
}

// Decision property: price above upper always opens above regardless of fees.
func TestAboveUpperIgnoresFees(t *testing.T) {
	pos := basePosition()
	for _, fees := range []float64{0, 100, 1e9} {
		d := Decide(pos, 105.0, -2, 50, fees, nil, true, false, false)
		if d.Action != ActionOpenNewAbove {
			t.Errorf("fees=%v: expected open_new_above, got %s", fees, d.Action)
		}
	}
}

// Monotonicity: increasing fees cannot turn a close decision into none.
func TestFeeMonotonicity(t *testing.T) {
	pos := basePosition()
	lowFees := Decide(pos, 99.0, -2, 60, 0.01, nil, false, false, true)
	highFees := Decide(pos, 99.0, -2, 60, 1000.0, nil, false, false, true)

	if lowFees.Action == ActionClose && highFees.Action == ActionNone {
		t.Error("increasing fees flipped a close decision into none")
	}
}

// Hedge scenario 6: price drop, buy_x.
func TestHedgeAfterPriceDrop(t *testing.T) {
	pos := &positions.Position{InitialPrice: 100.0, MintX: "X", MintY: "Y"}
	size, err := ComputeHedge(pos, 95.00, 50, 200.0)
	if err != nil {
		t.Fatalf("ComputeHedge: %v", err)
	}
	if size.Direction != DirectionBuyX {
		t.Errorf("expected buy_x, got %s", size.Direction)
	}
	if !almostEqual(size.HedgeRatio, 0.025) {
		t.Errorf("hedge_ratio = %v, want 0.025", size.HedgeRatio)
	}
	if !almostEqual(size.AmountIn, 5.00) {
		t.Errorf("amount_in = %v, want 5.00", size.AmountIn)
	}
}

func TestHedgeDirectionBySign(t *testing.T) {
	pos := &positions.Position{InitialPrice: 100.0, MintX: "X", MintY: "Y"}

	fallen, err := ComputeHedge(pos, 90.0, 50, 200.0)
	if err != nil {
		t.Fatalf("ComputeHedge (fallen): %v", err)
	}
	if fallen.Direction != DirectionBuyX {
		t.Errorf("price below last_hedge_price should buy_x, got %s", fallen.Direction)
	}

	risen, err := ComputeHedge(pos, 110.0, 50, 200.0)
	if err != nil {
		t.Fatalf("ComputeHedge (risen): %v", err)
	}
	if risen.Direction != DirectionSellX {
		t.Errorf("price above last_hedge_price should sell_x, got %s", risen.Direction)
	}
}

func TestHedgeBelowThresholdReturnsError(t *testing.T) {
	pos := &positions.Position{InitialPrice: 100.0, MintX: "X", MintY: "Y"}
	_, err := ComputeHedge(pos, 100.0, 50, 200.0)
	if err != ErrHedgeBelowThreshold {
		t.Errorf("expected ErrHedgeBelowThreshold at delta=0, got %v", err)
	}
}

func TestMintClassification(t *testing.T) {
	if ClassifyMint("So11111111111111111111111111111111111111112") != MintClassSOL {
		t.Error("expected SOL mint to classify as MintClassSOL")
	}
	if ClassifyMint("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v") != MintClassStable {
		t.Error("expected USDC mint to classify as MintClassStable")
	}
	if ClassifyMint("some-other-mint-address") != MintClassOther {
		t.Error("expected unknown mint to classify as MintClassOther")
	}
	if USDPrice(MintClassStable, 123.45) != 1 {
		t.Error("stablecoins must always price at 1 regardless of pool price")
	}
	if USDPrice(MintClassOther, 42.0) != 42.0 {
		t.Error("other mints should be quote-priced")
	}
}
