// Package hedge runs the per-position mirror-swap loop: one goroutine per
// active position that periodically sizes and submits a hedge swap through
// the aggregator to keep the wallet delta-neutral against the AMM's own
// automatic rebalancing.
package hedge

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"positionbot/internal/aggregator"
	"positionbot/internal/ammclient"
	"positionbot/internal/chainrpc"
	"positionbot/internal/database"
	"positionbot/internal/events"
	"positionbot/internal/logging"
	"positionbot/internal/positions"
	"positionbot/internal/priceoracle"
	"positionbot/internal/strategy"
)

// Config tunes the hedge loop, sourced from MirrorSwapConfig.
type Config struct {
	Interval            time.Duration
	HedgeAmountPercent   float64
	MinHedgeBps          float64
	MinHedgeStepPercent  float64
	SlippageBps          int
}

// loopState is the bookkeeping kept for one position's running goroutine.
type loopState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// quoter is the narrow slice of *aggregator.Client the hedge loop needs,
// declared here so a fake can stand in for tests without a live HTTP server.
type quoter interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount float64, slippageBps int) (aggregator.Quote, error)
	SwapInstructions(ctx context.Context, userPublicKey string, q aggregator.Quote) (aggregator.SwapTransaction, error)
}

// Manager starts and stops one hedge loop per position. A position that is
// not currently running has no entry in loops.
type Manager struct {
	sdk   ammclient.SDK
	rpc   chainrpc.Client
	agg   quoter
	price *priceoracle.Monitor
	store *positions.Store
	cfg   Config
	bus   *events.EventBus        // optional, set via SetEventBus
	repo  *database.Repository    // optional, set via SetRepository

	mu    sync.Mutex
	loops map[string]*loopState
}

// SetEventBus wires an event bus for HEDGE_EXECUTED notifications. Safe to
// call once before Start is ever invoked; a nil bus (the zero value) is a
// no-op publisher.
func (m *Manager) SetEventBus(bus *events.EventBus) {
	m.bus = bus
}

// SetRepository wires the Postgres admin store's hedge audit log. A nil
// repo (no admin store configured) leaves the audit log unwritten; the
// Position's own HedgeHistory still records every swap.
func (m *Manager) SetRepository(repo *database.Repository) {
	m.repo = repo
}

// NewManager builds a Manager over its collaborators.
func NewManager(sdk ammclient.SDK, rpc chainrpc.Client, agg *aggregator.Client, price *priceoracle.Monitor, store *positions.Store, cfg Config) *Manager {
	return &Manager{
		sdk:   sdk,
		rpc:   rpc,
		agg:   agg,
		price: price,
		store: store,
		cfg:   cfg,
		loops: make(map[string]*loopState),
	}
}

// newManagerWithQuoter builds a Manager against an arbitrary quoter,
// used by tests to substitute a fake aggregator client.
func newManagerWithQuoter(sdk ammclient.SDK, rpc chainrpc.Client, agg quoter, price *priceoracle.Monitor, store *positions.Store, cfg Config) *Manager {
	return &Manager{sdk: sdk, rpc: rpc, agg: agg, price: price, store: store, cfg: cfg, loops: make(map[string]*loopState)}
}

// Start begins the hedge loop for positionID. Idempotent: a no-op if the
// loop is already running.
func (m *Manager) Start(ctx context.Context, positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[positionID]; running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	state := &loopState{cancel: cancel, done: make(chan struct{})}
	m.loops[positionID] = state

	go func() {
		defer close(state.done)
		m.runLoop(loopCtx, positionID)
	}()

	logging.HedgeContext(positionID).Info().Msg("hedge loop started")
}

// Stop cancels positionID's hedge loop and waits for its in-flight step to
// finish or time out at one check interval, matching the close-always-stops-
// hedge-first ordering required by the supervisor.
func (m *Manager) Stop(positionID string) {
	m.mu.Lock()
	state, running := m.loops[positionID]
	if running {
		delete(m.loops, positionID)
	}
	m.mu.Unlock()

	if !running {
		return
	}
	state.cancel()

	timeout := m.cfg.Interval
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case <-state.done:
	case <-time.After(timeout):
		logging.HedgeContext(positionID).Warn().Msg("hedge loop stop timed out waiting for in-flight step")
	}
}

// IsRunning reports whether positionID currently has an active hedge loop.
func (m *Manager) IsRunning(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.loops[positionID]
	return running
}

func (m *Manager) runLoop(ctx context.Context, positionID string) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.step(ctx, positionID)
		case <-ctx.Done():
			return
		}
	}
}

// step executes one hedge iteration: fetch price, size the swap, gate on
// dust/oscillation thresholds, quote, submit, record.
func (m *Manager) step(ctx context.Context, positionID string) {
	log := logging.HedgeContext(positionID)

	pos, ok := m.store.GetByID(ctx, positionID)
	if !ok || pos.IsTerminal() {
		return
	}

	price, err := m.price.GetPoolPrice(ctx, pos.PoolAddress)
	if err != nil {
		log.Warn().Err(err).Msg("hedge step: price fetch failed, retrying next tick")
		return
	}

	var binData []ammclient.BinData
	if view, viewErr := m.sdk.CreatePoolView(ctx, pos.PoolAddress); viewErr == nil {
		if dist, distErr := view.BinDistribution(ctx, pos.PositionID); distErr == nil {
			binData = dist
		}
	}
	positionValueUSD := strategy.ValueAt(pos, price, binData)

	size, err := strategy.ComputeHedge(pos, price, m.cfg.HedgeAmountPercent, positionValueUSD)
	if err != nil {
		return // below the sizing epsilon; nothing to do this tick
	}

	if !m.passesGate(pos, price, size) {
		return
	}

	if err := m.submit(ctx, pos, price, size); err != nil {
		log.Warn().Err(err).Str("direction", string(size.Direction)).Msg("hedge submit failed, last_hedge_price left unchanged")
		return
	}
}

// passesGate implements step 4 of §4.5: require |hedge_ratio| >=
// min_hedge_bps (dust) and |current - last_hedge_price| >= min_hedge_step
// percent of last_hedge_price (oscillation).
func (m *Manager) passesGate(pos *positions.Position, currentPrice float64, size strategy.HedgeSize) bool {
	if abs(size.HedgeRatio)*10000 < m.cfg.MinHedgeBps {
		return false
	}
	if pos.LastHedgePrice == nil {
		return true
	}
	last := *pos.LastHedgePrice
	if last == 0 {
		return true
	}
	stepPercent := abs(currentPrice-last) / last * 100
	return stepPercent >= m.cfg.MinHedgeStepPercent
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// submit quotes the mirror swap, fetches the aggregator-built transaction,
// sends it as returned, confirms it, then records the result on the
// Position. It does not sign the transaction with the operator key.
func (m *Manager) submit(ctx context.Context, pos *positions.Position, price float64, size strategy.HedgeSize) error {
	quote, err := m.agg.GetQuote(ctx, size.InputMint, size.OutputMint, size.AmountIn, m.cfg.SlippageBps)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	swapTx, err := m.agg.SwapInstructions(ctx, pos.OwnerAddress, quote)
	if err != nil {
		return fmt.Errorf("swap instructions: %w", err)
	}

	blockhash, err := m.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", positions.ErrBlockhashExpired, err)
	}
	rawTx, err := base64.StdEncoding.DecodeString(swapTx.SwapTransactionBase64)
	if err != nil {
		return fmt.Errorf("decode swap transaction: %w", err)
	}
	sig, err := m.rpc.SendRawTransaction(ctx, rawTx, chainrpc.SendOptions{SkipPreflight: false, MaxRetries: 3})
	if err != nil {
		return fmt.Errorf("%w: %v", positions.ErrSendFailure, err)
	}
	if err := m.rpc.ConfirmTransaction(ctx, sig, blockhash, chainrpc.DefaultConfirmTimeout); err != nil {
		return fmt.Errorf("%w: %v", positions.ErrRPCTimeout, err)
	}

	now := price
	pos.LastHedgePrice = &now
	pos.HedgeHistory = append(pos.HedgeHistory, positions.HedgeSwap{
		Timestamp:  time.Now(),
		Direction:  string(size.Direction),
		AmountIn:   size.AmountIn,
		Price:      price,
		Signature:  sig,
		InputMint:  size.InputMint,
		OutputMint: size.OutputMint,
	})
	applyFill(pos, size)

	if err := m.store.Save(ctx, pos); err != nil {
		return err
	}

	logging.HedgeContext(pos.PositionID).Info().
		Str("signature", sig).Str("direction", string(size.Direction)).
		Float64("amount_in", size.AmountIn).Msg("hedge swap executed")
	if m.bus != nil {
		m.bus.PublishHedgeExecuted(pos.PositionID, string(size.Direction), size.AmountIn, price, sig)
	}
	if m.repo != nil {
		if err := m.repo.RecordHedge(ctx, database.HedgeAuditRow{
			PositionID: pos.PositionID,
			Direction:  string(size.Direction),
			AmountIn:   size.AmountIn,
			Price:      price,
			Signature:  sig,
			InputMint:  size.InputMint,
			OutputMint: size.OutputMint,
		}); err != nil {
			logging.HedgeContext(pos.PositionID).Warn().Err(err).Msg("hedge audit log write failed, swap already recorded on position")
		}
	}
	return nil
}

// applyFill subtracts the swap's input amount from the position's tracked
// amount of the input token (clamped at zero), which the strategy package's
// fallback valuation uses. The output side is not increased, and the actual
// fill is not read from the chain; nothing later reconciles these amounts,
// though valuation uses bin-distribution data instead whenever it is
// available.
func applyFill(pos *positions.Position, size strategy.HedgeSize) {
	amountSmallestUnits := toSmallestUnits(size.AmountIn, decimalsFor(pos, size.InputMint))
	switch size.Direction {
	case strategy.DirectionBuyX:
		pos.CurrentAmountY -= amountSmallestUnits
	case strategy.DirectionSellX:
		pos.CurrentAmountX -= amountSmallestUnits
	}
	if pos.CurrentAmountX < 0 {
		pos.CurrentAmountX = 0
	}
	if pos.CurrentAmountY < 0 {
		pos.CurrentAmountY = 0
	}
}

func decimalsFor(pos *positions.Position, mint string) int {
	if mint == pos.MintX {
		return pos.DecimalsX
	}
	return pos.DecimalsY
}

func toSmallestUnits(humanUnits float64, decimals int) int64 {
	scale := 1.0
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return int64(humanUnits * scale)
}
