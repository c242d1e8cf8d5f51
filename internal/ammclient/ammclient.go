// Package ammclient declares the narrow interface this service uses to talk
// to the bin-based liquidity-book AMM SDK. The core never vendors a concrete
// chain SDK; every on-chain read or transaction-build call goes through this
// interface so the engine stays testable with a fake implementation.
package ammclient

import "context"

// ActiveBin describes the bin currently touched by the pool price.
type ActiveBin struct {
	BinID int64
	X     int64 // smallest units of token X reported at the active bin
	Y     int64 // smallest units of token Y reported at the active bin
}

// BinData is a single bin's token quantities, in smallest units, used for
// position value estimation when available.
type BinData struct {
	BinID int64
	X     int64
	Y     int64
}

// ClaimableFees is the claimable fee amount per token, in smallest units.
type ClaimableFees struct {
	X int64
	Y int64
}

// Transaction is an unsigned transaction message returned by a build_*
// call. It must be completed with a fresh recent blockhash and fee payer
// before signing; Blockhash is populated by the caller immediately before
// each send attempt so every retry uses a fresh one.
type Transaction struct {
	Message   []byte
	Blockhash string
}

// OpenPositionArgs parameters for build_open_position_and_deposit.
type OpenPositionArgs struct {
	PoolAddress  string
	OwnerAddress string
	MinBinID     int64
	MaxBinID     int64
	AmountX      int64
	AmountY      int64
	Strategy     string // "balance" -- SDK auto-fills Y from a reference X at current price
}

// CloseArgs parameters shared by build_remove_liquidity_and_close and
// build_close_position.
type CloseArgs struct {
	PoolAddress    string
	OwnerAddress   string
	PositionID     string
	MinUsedBinID   int64
	MaxUsedBinID   int64
	ClaimAndClose  bool
}

// ClaimArgs parameters for build_claim_swap_fees.
type ClaimArgs struct {
	PoolAddress  string
	OwnerAddress string
	PositionID   string
}

// PoolView is a read-only snapshot of a pool's on-chain state.
type PoolView interface {
	ActiveBin(ctx context.Context) (ActiveBin, error)
	BinStep(ctx context.Context) (int, error)
	TokenXMint(ctx context.Context) (string, error)
	TokenYMint(ctx context.Context) (string, error)
	CurrentPriceUSD(ctx context.Context) (float64, error)
	BinDistribution(ctx context.Context, positionID string) ([]BinData, error)
	ClaimableFees(ctx context.Context, positionID string) (ClaimableFees, error)
}

// SDK is the full adapter surface consumed by internal/positionmgr and
// internal/priceoracle.
type SDK interface {
	CreatePoolView(ctx context.Context, poolAddress string) (PoolView, error)
	PositionsByOwner(ctx context.Context, owner string) ([]string, error)

	BuildOpenPositionAndDeposit(ctx context.Context, args OpenPositionArgs) ([]Transaction, error)
	BuildRemoveLiquidityAndClose(ctx context.Context, args CloseArgs) ([]Transaction, error)
	BuildClosePosition(ctx context.Context, args CloseArgs) (Transaction, error)
	BuildClaimSwapFees(ctx context.Context, args ClaimArgs) (Transaction, error)
}
