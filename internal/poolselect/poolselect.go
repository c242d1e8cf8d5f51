// Package poolselect implements the relocation-target pool choice used when
// the supervisor needs to reopen a position, either in the same pool it
// just closed or, if that pool has disappeared, in the closest candidate by
// discovery.
package poolselect

import (
	"context"
	"math"

	"positionbot/internal/discovery"
)

// poolLister is the narrow slice of the discovery client this package
// needs, so tests can fake it without standing up an HTTP server.
type poolLister interface {
	AllPools(ctx context.Context) ([]discovery.PoolSummary, error)
}

// Selector chooses a pool address for a given token pair and target price.
type Selector struct {
	discovery poolLister
}

// NewSelector builds a Selector over the given discovery client.
func NewSelector(d *discovery.Client) *Selector {
	return &Selector{discovery: d}
}

// PoolExists is the narrow check used to decide whether the caller-supplied
// previous pool can still be reused; it's satisfied by the AMM adapter in
// production and faked in tests.
type PoolExists func(ctx context.Context, poolAddress, mintX, mintY string) (bool, error)

// Select applies the policy from §4.3: prefer the caller-supplied previous
// pool if it still exists and matches both mints; otherwise enumerate pools
// via discovery, filter by mint pair, and pick the one whose active USD
// price is closest to targetPrice. Returns "" if no candidate has nonzero
// liquidity.
func (s *Selector) Select(ctx context.Context, mintX, mintY string, targetPrice float64, previousPool string, exists PoolExists) (string, error) {
	if previousPool != "" && exists != nil {
		ok, err := exists(ctx, previousPool, mintX, mintY)
		if err == nil && ok {
			return previousPool, nil
		}
	}

	pools, err := s.discovery.AllPools(ctx)
	if err != nil {
		return "", err
	}

	var best string
	bestDiff := math.Inf(1)
	for _, p := range pools {
		if p.MintX != mintX || p.MintY != mintY {
			continue
		}
		if p.LiquidityUSD <= 0 {
			continue
		}
		diff := math.Abs(p.ActivePriceUSD - targetPrice)
		if diff < bestDiff {
			bestDiff = diff
			best = p.Address
		}
	}

	return best, nil
}
