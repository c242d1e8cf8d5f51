// Package chainrpc declares the narrow interface this service uses to talk
// to the chain RPC node: balances, account info, blockhash, and
// send/confirm of already-built transactions.
package chainrpc

import (
	"context"
	"time"
)

// TokenAccountBalance is a parsed SPL token account balance.
type TokenAccountBalance struct {
	Amount   int64
	Decimals int
}

// TokenAccount pairs a mint with its owned balance, as returned by
// get_parsed_token_accounts_by_owner.
type TokenAccount struct {
	Mint    string
	Balance TokenAccountBalance
}

// AccountInfo is the minimal on-chain account metadata needed to decide
// whether a position account still exists and who owns it.
type AccountInfo struct {
	Exists bool
	Owner  string // program ID that owns the account
}

// SendOptions configures send_raw_transaction.
type SendOptions struct {
	SkipPreflight bool
	MaxRetries    int
}

// Client is the RPC surface consumed by internal/positionmgr and
// internal/hedge. Every call carries ctx so the caller's timeout (15s
// default per spec, 10s for aggregator calls which live in a separate
// package) governs cancellation.
type Client interface {
	GetBalance(ctx context.Context, pubkey string) (int64, error)
	GetTokenAccountBalance(ctx context.Context, ata string) (TokenAccountBalance, error)
	GetParsedTokenAccountsByOwner(ctx context.Context, pubkey string) ([]TokenAccount, error)
	GetAccountInfo(ctx context.Context, pubkey string) (AccountInfo, error)
	GetLatestBlockhash(ctx context.Context) (string, error)
	SendRawTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error)
	ConfirmTransaction(ctx context.Context, signature, blockhash string, timeout time.Duration) error
}

// DefaultRPCTimeout is the suspension-point timeout spec §5 assigns to RPC
// calls absent an explicit override from config.
const DefaultRPCTimeout = 15 * time.Second

// DefaultConfirmTimeout is the maximum wait for close/open transaction
// confirmation (spec §5).
const DefaultConfirmTimeout = 90 * time.Second
