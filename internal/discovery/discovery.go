// Package discovery is the HTTP client for the external pool-discovery
// endpoint (out of scope as a service, consumed here at its interface).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"positionbot/internal/logging"
)

// PoolSummary is one entry of GET /pair/all.
type PoolSummary struct {
	Address        string  `json:"address"`
	MintX          string  `json:"mint_x"`
	MintY          string  `json:"mint_y"`
	ActivePriceUSD float64 `json:"active_price_usd"`
	LiquidityUSD   float64 `json:"liquidity_usd"`
}

// PoolDetail is the GET /pair/{address} response.
type PoolDetail struct {
	PoolSummary
	BinStep int `json:"bin_step"`
}

// Bin is one entry of the best-effort bin distribution endpoint.
type Bin struct {
	BinID int64 `json:"bin_id"`
	X     int64 `json:"x"`
	Y     int64 `json:"y"`
}

const maxAttempts = 4

// Client is a small retried HTTP client over the discovery REST API. GET
// requests are idempotent so they're retried with exponential backoff and
// jitter, capped at 5s, matching the backoff policy used elsewhere in this
// codebase's HTTP clients.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) calculateRetryDelay(attempt int) time.Duration {
	backoff := math.Pow(2, float64(attempt)) * float64(250*time.Millisecond)
	jitter := rand.Float64() * float64(200*time.Millisecond)
	delay := time.Duration(backoff + jitter)
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

func (c *Client) isRetryableError(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.calculateRetryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("build discovery request: %w", err)
		}

		resp, err := c.http.Do(req)
		if !c.isRetryableError(statusOf(resp), err) {
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("discovery request %s failed with status %d", path, resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(out)
		}

		lastErr = err
		if resp != nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("discovery request %s returned status %d", path, resp.StatusCode)
		}
		logging.Component("discovery").Warn().Err(lastErr).Int("attempt", attempt+1).Msg("retrying discovery request")
	}
	return fmt.Errorf("discovery request %s exhausted retries: %w", path, lastErr)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// AllPools returns every known pool (GET /pair/all).
func (c *Client) AllPools(ctx context.Context) ([]PoolSummary, error) {
	var out []PoolSummary
	if err := c.getJSON(ctx, "/pair/all", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PoolByAddress returns pool detail for a single address (GET /pair/{address}).
func (c *Client) PoolByAddress(ctx context.Context, address string) (PoolDetail, error) {
	var out PoolDetail
	if err := c.getJSON(ctx, "/pair/"+address, &out); err != nil {
		return PoolDetail{}, err
	}
	return out, nil
}

// BinDistribution is best-effort; callers should treat a failure as "no
// bin data available" rather than a fatal error.
func (c *Client) BinDistribution(ctx context.Context, address string) ([]Bin, error) {
	var out []Bin
	if err := c.getJSON(ctx, "/pair/"+address+"/bins", &out); err != nil {
		return nil, err
	}
	return out, nil
}
