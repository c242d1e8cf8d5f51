package priceoracle

import (
	"math"
	"testing"

	"positionbot/internal/ammclient"
	"positionbot/internal/positions"
)

func TestScaleFactorAppliesOnlyWhenRawIsSmall(t *testing.T) {
	tests := []struct {
		name      string
		rawActive float64
		usdPrice  float64
		want      float64
	}{
		{"small raw, large usd price triggers scaling", 0.5, 100.0, 200.0},
		{"raw already comparable to usd", 95.0, 100.0, 1.0},
		{"raw above one, small usd price", 1.5, 0.8, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScaleFactor(tt.rawActive, tt.usdPrice)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ScaleFactor(%v, %v) = %v, want %v", tt.rawActive, tt.usdPrice, got, tt.want)
			}
		})
	}
}

func TestComputeBoundsOrdering(t *testing.T) {
	activeBin := struct{ BinID int64 }{BinID: 0}
	lower, upper := lowerUpperHelper(-10, 10, 100, activeBin.BinID, 50.0)
	if lower >= upper {
		t.Errorf("expected lower < upper, got lower=%v upper=%v", lower, upper)
	}
}

func lowerUpperHelper(minBin, maxBin int64, binStep int, activeBinID int64, usdPrice float64) (float64, float64) {
	return ComputeBounds(minBin, maxBin, binStep, ammclient.ActiveBin{BinID: activeBinID}, usdPrice)
}

func TestExactlyOneOfAboveBelowWithin(t *testing.T) {
	pos := &positions.Position{LowerBoundPrice: 96.0, UpperBoundPrice: 104.0}

	prices := []float64{50.0, 96.0, 100.0, 104.0, 150.0, 95.999999, 104.000001}
	for _, price := range prices {
		above := IsAboveUpper(pos, price)
		below := IsBelowLower(pos, price)
		within := price >= pos.LowerBoundPrice && price <= pos.UpperBoundPrice

		count := 0
		for _, b := range []bool{above, below, within} {
			if b {
				count++
			}
		}
		if count != 1 {
			t.Errorf("price %v: expected exactly one of above/below/within, got above=%v below=%v within=%v", price, above, below, within)
		}
	}
}

func TestIsAtFeeCheckLevelFiresOnlyNearLowerWall(t *testing.T) {
	pos := &positions.Position{LowerBoundPrice: 96.0, UpperBoundPrice: 104.0}

	if !IsAtFeeCheckLevel(pos, 99.80, 50) {
		t.Error("expected fee-check level to fire at 47.5%% position with 50%% threshold")
	}
	if IsAtFeeCheckLevel(pos, 103.0, 50) {
		t.Error("expected fee-check level not to fire near the upper wall")
	}
	if IsAtFeeCheckLevel(pos, 90.0, 50) {
		t.Error("expected fee-check level not to fire below the lower bound")
	}
}

func TestPriceChangePercent(t *testing.T) {
	got := PriceChangePercent(100.0, 104.5)
	want := 4.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("PriceChangePercent = %v, want %v", got, want)
	}
}
