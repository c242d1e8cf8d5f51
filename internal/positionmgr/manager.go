// Package positionmgr implements the authoritative lifecycle actions on a
// Position: open, close and claim, with retry under blockhash expiry and
// transient-vs-structural classification. Deciding what to do with a
// position is strategy.Decide's job, not this package's.
package positionmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"positionbot/internal/ammclient"
	"positionbot/internal/chainrpc"
	"positionbot/internal/events"
	"positionbot/internal/logging"
	"positionbot/internal/positions"
	"positionbot/internal/priceoracle"
)

func isTransient(err error) bool {
	return positions.IsTransient(err)
}

const defaultRangeInterval = 10

// clampRangeInterval snaps out-of-[1,100] values to the default, per §4.4.
func clampRangeInterval(interval int) int {
	if interval < 1 || interval > 100 {
		return defaultRangeInterval
	}
	return interval
}

// Manager owns open/close/claim and the retry machinery around them.
type Manager struct {
	sdk   ammclient.SDK
	rpc   chainrpc.Client
	price *priceoracle.Monitor
	store *positions.Store
	bus   *events.EventBus // optional, set via SetEventBus
}

// NewManager builds a Manager over the given collaborators.
func NewManager(sdk ammclient.SDK, rpc chainrpc.Client, price *priceoracle.Monitor, store *positions.Store) *Manager {
	return &Manager{sdk: sdk, rpc: rpc, price: price, store: store}
}

// SetEventBus wires an event bus for POSITION_CLOSED notifications. A nil
// bus (the zero value) is a no-op publisher.
func (m *Manager) SetEventBus(bus *events.EventBus) {
	m.bus = bus
}

// OpenArgs are the caller-supplied parameters to Open.
type OpenArgs struct {
	PositionID    string
	PoolAddress   string
	OwnerAddress  string
	AmountX       int64
	AmountY       int64
	RangeInterval int
	AutoClaim     *positions.AutoClaim
}

// Open builds and submits the initialize-and-deposit transaction, freezes
// the position's USD bounds from the active bin read at build time, and
// persists the new Position with status=active. The bounds are not checked
// or synchronized against any bin-to-USD mapping the AMM's dashboard view
// may report.
func (m *Manager) Open(ctx context.Context, args OpenArgs) (*positions.Position, error) {
	if m.store.Exists(args.PositionID) {
		return nil, fmt.Errorf("%w: position_id %s already used", positions.ErrInvalidRangeInterval, args.PositionID)
	}

	interval := clampRangeInterval(args.RangeInterval)

	view, err := m.sdk.CreatePoolView(ctx, args.PoolAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", positions.ErrPoolNotFound, err)
	}
	activeBin, err := view.ActiveBin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create pool view active bin: %w", err)
	}
	binStep, err := view.BinStep(ctx)
	if err != nil {
		return nil, fmt.Errorf("read bin step: %w", err)
	}
	mintX, err := view.TokenXMint(ctx)
	if err != nil {
		return nil, fmt.Errorf("read mint x: %w", err)
	}
	mintY, err := view.TokenYMint(ctx)
	if err != nil {
		return nil, fmt.Errorf("read mint y: %w", err)
	}
	currentPrice, err := view.CurrentPriceUSD(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current price: %w", err)
	}

	minBinID := activeBin.BinID - int64(interval)
	maxBinID := activeBin.BinID + int64(interval)
	lower, upper := priceoracle.ComputeBounds(minBinID, maxBinID, binStep, activeBin, currentPrice)

	buildArgs := ammclient.OpenPositionArgs{
		PoolAddress:  args.PoolAddress,
		OwnerAddress: args.OwnerAddress,
		MinBinID:     minBinID,
		MaxBinID:     maxBinID,
		AmountX:      args.AmountX,
		AmountY:      args.AmountY,
		Strategy:     "balance",
	}

	sig, err := withFreshBlockhash(ctx, func(ctx context.Context, _ int) (string, error) {
		txs, err := m.sdk.BuildOpenPositionAndDeposit(ctx, buildArgs)
		if err != nil {
			return "", err
		}
		return m.sendSequentially(ctx, txs)
	})
	if err != nil {
		return nil, fmt.Errorf("open position transaction: %w", err)
	}

	pos := &positions.Position{
		PositionID:      args.PositionID,
		PoolAddress:     args.PoolAddress,
		OwnerAddress:    args.OwnerAddress,
		MintX:           mintX,
		MintY:           mintY,
		InitialAmountX:  args.AmountX,
		InitialAmountY:  args.AmountY,
		CurrentAmountX:  args.AmountX,
		CurrentAmountY:  args.AmountY,
		MinBinID:        minBinID,
		MaxBinID:        maxBinID,
		RangeInterval:   interval,
		InitialPrice:    currentPrice,
		LowerBoundPrice: lower,
		UpperBoundPrice: upper,
		Status:          positions.StatusActive,
		OpenedAt:        time.Now(),
		AutoClaimConfig: args.AutoClaim,
		HedgeHistory:    []positions.HedgeSwap{},
	}

	if err := m.store.Save(ctx, pos); err != nil {
		return nil, err
	}

	logging.PositionContext(pos.PositionID, pos.PoolAddress).Info().
		Str("signature", sig).Float64("lower", lower).Float64("upper", upper).
		Msg("position opened")

	return pos, nil
}

func (m *Manager) sendSequentially(ctx context.Context, txs []ammclient.Transaction) (string, error) {
	var last string
	for _, tx := range txs {
		blockhash, err := m.rpc.GetLatestBlockhash(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", positions.ErrBlockhashExpired, err)
		}
		tx.Blockhash = blockhash

		sig, err := m.rpc.SendRawTransaction(ctx, tx.Message, chainrpc.SendOptions{SkipPreflight: false, MaxRetries: 3})
		if err != nil {
			return "", fmt.Errorf("%w: %v", positions.ErrSendFailure, err)
		}
		if err := m.rpc.ConfirmTransaction(ctx, sig, blockhash, chainrpc.DefaultConfirmTimeout); err != nil {
			return "", fmt.Errorf("%w: %v", positions.ErrRPCTimeout, err)
		}
		last = sig
	}
	return last, nil
}

// Close closes a position. It is idempotent: closing an already-closed
// position, or one whose on-chain account has disappeared or been
// reassigned to a different program, returns success with an empty
// signature rather than an error.
func (m *Manager) Close(ctx context.Context, positionID, reason string) (string, error) {
	pos, ok := m.store.GetByID(ctx, positionID)
	if !ok {
		return "", positions.ErrPositionNotFound
	}
	if pos.Status == positions.StatusClosed {
		return "", nil
	}
	if pos.Status == positions.StatusPendingClose {
		return "", fmt.Errorf("%w: position %s is quarantined pending manual review", positions.ErrPositionQuarantined, positionID)
	}

	info, err := m.rpc.GetAccountInfo(ctx, pos.PositionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", positions.ErrRPCTimeout, err)
	}
	if !info.Exists || !isAMMProgram(info.Owner) {
		sig, err := m.markClosed(ctx, pos)
		if err == nil {
			m.publishClosed(pos.PositionID, "on_chain_account_missing")
		}
		return sig, err
	}

	view, err := m.sdk.CreatePoolView(ctx, pos.PoolAddress)
	if err != nil {
		return "", fmt.Errorf("%w: %v", positions.ErrPoolNotFound, err)
	}
	bins, err := view.BinDistribution(ctx, pos.PositionID)
	if err != nil {
		bins = nil // best effort; an empty distribution drives a direct close attempt below
	}

	closeArgs := ammclient.CloseArgs{
		PoolAddress:  pos.PoolAddress,
		OwnerAddress: pos.OwnerAddress,
		PositionID:   pos.PositionID,
	}

	var sig string
	if len(bins) > 0 {
		closeArgs.MinUsedBinID = bins[0].BinID
		closeArgs.MaxUsedBinID = bins[len(bins)-1].BinID
		closeArgs.ClaimAndClose = true
		sig, err = withFreshBlockhash(ctx, func(ctx context.Context, _ int) (string, error) {
			txs, err := m.sdk.BuildRemoveLiquidityAndClose(ctx, closeArgs)
			if err != nil {
				return "", err
			}
			return m.sendSequentially(ctx, txs)
		})
	} else {
		sig, err = withFreshBlockhash(ctx, func(ctx context.Context, _ int) (string, error) {
			tx, err := m.sdk.BuildClosePosition(ctx, closeArgs)
			if err != nil {
				return "", err
			}
			return m.sendSequentially(ctx, []ammclient.Transaction{tx})
		})
		if err != nil && isNonEmptyPositionError(err) {
			closeArgs.ClaimAndClose = true
			sig, err = withFreshBlockhash(ctx, func(ctx context.Context, _ int) (string, error) {
				txs, buildErr := m.sdk.BuildRemoveLiquidityAndClose(ctx, closeArgs)
				if buildErr != nil {
					return "", buildErr
				}
				return m.sendSequentially(ctx, txs)
			})
		}
	}

	if err != nil {
		if positions.TreatAsClosedSuccess(err) {
			closedSig, closeErr := m.markClosed(ctx, pos)
			if closeErr == nil {
				m.publishClosed(pos.PositionID, reason)
			}
			return closedSig, closeErr
		}
		return "", err
	}

	if _, err := m.markClosed(ctx, pos); err != nil {
		return "", err
	}
	logging.PositionContext(pos.PositionID, pos.PoolAddress).Info().Str("signature", sig).Str("reason", reason).Msg("position closed")
	m.publishClosed(pos.PositionID, reason)
	return sig, nil
}

func (m *Manager) publishClosed(positionID, reason string) {
	if m.bus != nil {
		m.bus.PublishPositionClosed(positionID, reason)
	}
}

func (m *Manager) markClosed(ctx context.Context, pos *positions.Position) (string, error) {
	now := time.Now()
	pos.Status = positions.StatusClosed
	pos.ClosedAt = &now
	if err := m.store.Save(ctx, pos); err != nil {
		return "", err
	}
	return "", nil
}

// Claim builds and sends the claim-swap-fees transaction. It only updates
// LastClaimAt; AccumulatedFeesUSD is left as stored, and the supervisor tick
// does not recompute it from the AMM either.
func (m *Manager) Claim(ctx context.Context, positionID string) (string, error) {
	pos, ok := m.store.GetByID(ctx, positionID)
	if !ok {
		return "", positions.ErrPositionNotFound
	}

	claimArgs := ammclient.ClaimArgs{
		PoolAddress:  pos.PoolAddress,
		OwnerAddress: pos.OwnerAddress,
		PositionID:   pos.PositionID,
	}

	sig, err := withFreshBlockhash(ctx, func(ctx context.Context, _ int) (string, error) {
		tx, err := m.sdk.BuildClaimSwapFees(ctx, claimArgs)
		if err != nil {
			return "", err
		}
		return m.sendSequentially(ctx, []ammclient.Transaction{tx})
	})
	if err != nil {
		return "", err
	}

	now := time.Now()
	pos.LastClaimAt = &now
	if err := m.store.Save(ctx, pos); err != nil {
		return "", err
	}

	logging.PositionContext(pos.PositionID, pos.PoolAddress).Info().Str("signature", sig).Msg("fees claimed")
	return sig, nil
}

func isAMMProgram(owner string) bool {
	return owner == ammProgramID
}

// ammProgramID is the program ID the AMM positions are owned by; callers
// that construct a fake chainrpc.Client in tests set their AccountInfo.Owner
// to this constant to simulate a still-valid position account.
const ammProgramID = "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo"

// isNonEmptyPositionError classifies an upstream on-chain error by
// substring, mirroring the teacher's isRetryableError pattern: the AMM
// program reports this case as a string, not a distinct error code.
func isNonEmptyPositionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "non-empty position") || strings.Contains(msg, "position not empty")
}
