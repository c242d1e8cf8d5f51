package ammclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"positionbot/internal/discovery"
	"positionbot/internal/logging"
)

const maxAttempts = 4

// HTTPClient is the concrete SDK. Pool reads (active bin, bin step, mints,
// price, bin distribution) are served by the discovery REST API; the
// position-specific operations (claimable fees, instruction building) go to
// a separate builder service that owns the wallet-aware DLMM instruction
// encoding this codebase never vendors.
type HTTPClient struct {
	discovery  *discovery.Client
	builderURL string
	http       *http.Client
}

// NewHTTPClient builds an HTTPClient. builderURL points at the instruction
// builder service; discoveryClient serves public pool reads.
func NewHTTPClient(discoveryClient *discovery.Client, builderURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		discovery:  discoveryClient,
		builderURL: builderURL,
		http:       &http.Client{Timeout: timeout},
	}
}

func calculateRetryDelay(attempt int) time.Duration {
	backoff := math.Pow(2, float64(attempt)) * float64(250*time.Millisecond)
	jitter := rand.Float64() * float64(200*time.Millisecond)
	delay := time.Duration(backoff + jitter)
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

func isRetryableError(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal builder request %s: %w", path, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(calculateRetryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.builderURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request %s: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if !isRetryableError(status, err) {
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("builder request %s failed with status %d", path, resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(out)
		}

		if resp != nil {
			resp.Body.Close()
		}
		lastErr = err
		logging.Component("ammclient").Warn().Err(lastErr).Str("path", path).Int("attempt", attempt+1).Msg("retrying builder request")
	}
	return fmt.Errorf("builder request %s exhausted retries: %w", path, lastErr)
}

// httpPoolView adapts one discovered pool address to PoolView.
type httpPoolView struct {
	client  *HTTPClient
	address string
}

func (c *HTTPClient) CreatePoolView(ctx context.Context, poolAddress string) (PoolView, error) {
	if _, err := c.discovery.PoolByAddress(ctx, poolAddress); err != nil {
		return nil, fmt.Errorf("create pool view for %s: %w", poolAddress, err)
	}
	return &httpPoolView{client: c, address: poolAddress}, nil
}

func (v *httpPoolView) ActiveBin(ctx context.Context) (ActiveBin, error) {
	bins, err := v.client.discovery.BinDistribution(ctx, v.address)
	if err != nil {
		return ActiveBin{}, fmt.Errorf("active bin for %s: %w", v.address, err)
	}
	if len(bins) == 0 {
		return ActiveBin{}, fmt.Errorf("active bin for %s: no bin data returned", v.address)
	}
	// The discovery endpoint reports the active bin first; a pool with no
	// liquidity concentrated there would report X=Y=0 for it.
	b := bins[0]
	return ActiveBin{BinID: b.BinID, X: b.X, Y: b.Y}, nil
}

func (v *httpPoolView) BinStep(ctx context.Context) (int, error) {
	detail, err := v.client.discovery.PoolByAddress(ctx, v.address)
	if err != nil {
		return 0, fmt.Errorf("bin step for %s: %w", v.address, err)
	}
	return detail.BinStep, nil
}

func (v *httpPoolView) TokenXMint(ctx context.Context) (string, error) {
	detail, err := v.client.discovery.PoolByAddress(ctx, v.address)
	if err != nil {
		return "", fmt.Errorf("token x mint for %s: %w", v.address, err)
	}
	return detail.MintX, nil
}

func (v *httpPoolView) TokenYMint(ctx context.Context) (string, error) {
	detail, err := v.client.discovery.PoolByAddress(ctx, v.address)
	if err != nil {
		return "", fmt.Errorf("token y mint for %s: %w", v.address, err)
	}
	return detail.MintY, nil
}

func (v *httpPoolView) CurrentPriceUSD(ctx context.Context) (float64, error) {
	detail, err := v.client.discovery.PoolByAddress(ctx, v.address)
	if err != nil {
		return 0, fmt.Errorf("current price for %s: %w", v.address, err)
	}
	return detail.ActivePriceUSD, nil
}

func (v *httpPoolView) BinDistribution(ctx context.Context, positionID string) ([]BinData, error) {
	bins, err := v.client.discovery.BinDistribution(ctx, v.address)
	if err != nil {
		return nil, fmt.Errorf("bin distribution for %s: %w", v.address, err)
	}
	out := make([]BinData, len(bins))
	for i, b := range bins {
		out[i] = BinData{BinID: b.BinID, X: b.X, Y: b.Y}
	}
	return out, nil
}

func (v *httpPoolView) ClaimableFees(ctx context.Context, positionID string) (ClaimableFees, error) {
	var out ClaimableFees
	req := map[string]string{"pool_address": v.address, "position_id": positionID}
	if err := v.client.postJSON(ctx, "/positions/claimable-fees", req, &out); err != nil {
		return ClaimableFees{}, fmt.Errorf("claimable fees for %s/%s: %w", v.address, positionID, err)
	}
	return out, nil
}

func (c *HTTPClient) PositionsByOwner(ctx context.Context, owner string) ([]string, error) {
	var out []string
	req := map[string]string{"owner": owner}
	if err := c.postJSON(ctx, "/positions/by-owner", req, &out); err != nil {
		return nil, fmt.Errorf("positions by owner %s: %w", owner, err)
	}
	return out, nil
}

func (c *HTTPClient) BuildOpenPositionAndDeposit(ctx context.Context, args OpenPositionArgs) ([]Transaction, error) {
	var out []Transaction
	if err := c.postJSON(ctx, "/build/open-position-and-deposit", args, &out); err != nil {
		return nil, fmt.Errorf("build open position for %s: %w", args.PoolAddress, err)
	}
	return out, nil
}

func (c *HTTPClient) BuildRemoveLiquidityAndClose(ctx context.Context, args CloseArgs) ([]Transaction, error) {
	var out []Transaction
	if err := c.postJSON(ctx, "/build/remove-liquidity-and-close", args, &out); err != nil {
		return nil, fmt.Errorf("build remove liquidity and close for %s: %w", args.PositionID, err)
	}
	return out, nil
}

func (c *HTTPClient) BuildClosePosition(ctx context.Context, args CloseArgs) (Transaction, error) {
	var out Transaction
	if err := c.postJSON(ctx, "/build/close-position", args, &out); err != nil {
		return Transaction{}, fmt.Errorf("build close position for %s: %w", args.PositionID, err)
	}
	return out, nil
}

func (c *HTTPClient) BuildClaimSwapFees(ctx context.Context, args ClaimArgs) (Transaction, error) {
	var out Transaction
	if err := c.postJSON(ctx, "/build/claim-swap-fees", args, &out); err != nil {
		return Transaction{}, fmt.Errorf("build claim swap fees for %s: %w", args.PositionID, err)
	}
	return out, nil
}
