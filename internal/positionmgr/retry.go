package positionmgr

import (
	"context"
	"time"
)

const (
	maxBlockhashRetries = 3
	blockhashRetryDelay = 2 * time.Second
)

// withFreshBlockhash calls attempt at most maxBlockhashRetries times in
// total, with a fixed linear delay between calls, and stops early on a
// non-transient error. Each call of attempt rebuilds the transaction so a
// new recent blockhash is fetched; the position ID is fixed by the caller
// outside this loop so it stays the same across attempts. This is
// deliberately linear, not exponential, because blockhash expiry is a
// fixed ~60-90s chain window and backing off further than that only wastes
// the confirmation budget.
func withFreshBlockhash(ctx context.Context, attempt func(ctx context.Context, attemptNumber int) (string, error)) (string, error) {
	var lastErr error
	for i := 0; i < maxBlockhashRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(blockhashRetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		sig, err := attempt(ctx, i)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if !isTransient(err) {
			return "", err
		}
	}
	return "", lastErr
}
