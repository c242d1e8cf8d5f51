package chainrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"positionbot/internal/logging"
)

const maxAttempts = 4

// RPCClient is the concrete chainrpc.Client, a thin JSON-RPC 2.0 client
// against a Solana-compatible RPC endpoint. Retry policy mirrors the
// aggregator client: exponential backoff with jitter, capped at 5s.
type RPCClient struct {
	endpoint string
	http     *http.Client
}

// NewRPCClient builds an RPCClient against endpoint with the given
// per-request timeout.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	return &RPCClient{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
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

func isRetryableStatus(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request %s: %w", method, err)
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

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build rpc request %s: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if !isRetryableStatus(status, err) {
			if err != nil {
				return fmt.Errorf("rpc %s: %w", method, err)
			}
			defer resp.Body.Close()
			var rpcResp rpcResponse
			if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
				return fmt.Errorf("decode rpc response for %s: %w", method, err)
			}
			if rpcResp.Error != nil {
				return fmt.Errorf("rpc %s failed: %s", method, rpcResp.Error.Message)
			}
			if out != nil {
				if err := json.Unmarshal(rpcResp.Result, out); err != nil {
					return fmt.Errorf("unmarshal rpc result for %s: %w", method, err)
				}
			}
			return nil
		}

		if resp != nil {
			resp.Body.Close()
		}
		lastErr = err
		logging.Component("chainrpc").Warn().Err(lastErr).Str("method", method).Int("attempt", attempt+1).Msg("retrying rpc call")
	}
	return fmt.Errorf("rpc %s exhausted retries: %v", method, lastErr)
}

func (c *RPCClient) GetBalance(ctx context.Context, pubkey string) (int64, error) {
	var result struct {
		Value int64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{pubkey}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

func (c *RPCClient) GetTokenAccountBalance(ctx context.Context, ata string) (TokenAccountBalance, error) {
	var result struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals int    `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountBalance", []interface{}{ata}, &result); err != nil {
		return TokenAccountBalance{}, err
	}
	var amount int64
	fmt.Sscanf(result.Value.Amount, "%d", &amount)
	return TokenAccountBalance{Amount: amount, Decimals: result.Value.Decimals}, nil
}

func (c *RPCClient) GetParsedTokenAccountsByOwner(ctx context.Context, pubkey string) ([]TokenAccount, error) {
	params := []interface{}{
		pubkey,
		map[string]string{"programId": "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"},
		map[string]string{"encoding": "jsonParsed"},
	}
	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals int    `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccount, 0, len(result.Value))
	for _, v := range result.Value {
		info := v.Account.Data.Parsed.Info
		var amount int64
		fmt.Sscanf(info.TokenAmount.Amount, "%d", &amount)
		accounts = append(accounts, TokenAccount{
			Mint:    info.Mint,
			Balance: TokenAccountBalance{Amount: amount, Decimals: info.TokenAmount.Decimals},
		})
	}
	return accounts, nil
}

func (c *RPCClient) GetAccountInfo(ctx context.Context, pubkey string) (AccountInfo, error) {
	params := []interface{}{pubkey, map[string]string{"encoding": "base64"}}
	var result struct {
		Value *struct {
			Owner string `json:"owner"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return AccountInfo{}, err
	}
	if result.Value == nil {
		return AccountInfo{Exists: false}, nil
	}
	return AccountInfo{Exists: true, Owner: result.Value.Owner}, nil
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

func (c *RPCClient) SendRawTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(raw)
	params := []interface{}{
		encoded,
		map[string]interface{}{
			"encoding":      "base64",
			"skipPreflight": opts.SkipPreflight,
			"maxRetries":    opts.MaxRetries,
		},
	}
	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

func (c *RPCClient) ConfirmTransaction(ctx context.Context, signature, blockhash string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 2 * time.Second

	for time.Now().Before(deadline) {
		var result struct {
			Value []*struct {
				ConfirmationStatus string `json:"confirmationStatus"`
				Err                interface{} `json:"err"`
			} `json:"value"`
		}
		err := c.call(ctx, "getSignatureStatuses", []interface{}{[]string{signature}}, &result)
		if err == nil && len(result.Value) == 1 && result.Value[0] != nil {
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on-chain: %v", signature, status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("transaction %s not confirmed within %s", signature, timeout)
}
