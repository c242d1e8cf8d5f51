// Package supervisor orchestrates the monitoring tick: syncing active
// positions against on-chain state, starting/stopping hedge loops,
// dispatching the strategy calculator's decisions, and quarantining
// positions that accumulate structural errors. It is the only component
// that executes a Decision; everything it calls is otherwise pure or
// idempotent.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"positionbot/internal/ammclient"
	"positionbot/internal/chainrpc"
	"positionbot/internal/circuit"
	"positionbot/internal/database"
	"positionbot/internal/events"
	"positionbot/internal/hedge"
	"positionbot/internal/logging"
	"positionbot/internal/poolselect"
	"positionbot/internal/positionmgr"
	"positionbot/internal/positions"
	"positionbot/internal/priceoracle"
	"positionbot/internal/strategy"
)

// ammProgramID mirrors positionmgr's own on-chain ownership check; the
// supervisor performs this same test independently during syncActive, which
// runs ahead of (and without) any positionmgr.Close call.
const ammProgramID = "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo"

const backpressureWindow = 60 * time.Second

// PoolConfigProvider resolves a pool's admin-settable overrides. A nil
// provider (no Postgres admin store configured) means every pool uses
// Config.Defaults unmodified.
type PoolConfigProvider interface {
	PoolConfig(ctx context.Context, poolAddress string) (*database.PoolConfigRow, error)
}

// GlobalConfigProvider resolves the fleet-wide admin override of the startup
// config's mirror-swap enablement. Unlike PoolConfigProvider, GlobalConfig's
// row governs fleet cadence (mirror_swap_enabled, check/hedge intervals), not
// a single pool's strategy thresholds, so it is read once per tick ahead of
// mergedConfig rather than folded into mergedPoolConfig's per-pool shape. A
// nil provider (no Postgres admin store, or SetGlobalConfigProvider never
// called) leaves the startup config authoritative.
type GlobalConfigProvider interface {
	GlobalConfig(ctx context.Context) (*database.GlobalConfigRow, error)
}

// PoolDefaults is the fleet-wide fallback merged under any admin override,
// sourced from config.PoolDefaultsConfig.
type PoolDefaults struct {
	StopLossPercent       float64
	FeeCheckPercent       float64
	RangeInterval         int
	AutoClaimEnabled      bool
	AutoClaimThresholdUSD float64
}

type mergedPoolConfig struct {
	StopLossPercent       float64
	FeeCheckPercent       float64
	RangeInterval         int
	AutoClaimEnabled      bool
	AutoClaimThresholdUSD float64
}

// Config tunes the supervisor.
type Config struct {
	CheckInterval      time.Duration
	MaxConcurrent      int
	MirrorSwapEnabled  bool
	Defaults           PoolDefaults
}

// Supervisor is the PositionMonitor (C7): a single ticker-driven goroutine
// that dispatches decisions across positions with bounded concurrency.
type Supervisor struct {
	sdk         ammclient.SDK
	rpc         chainrpc.Client
	price       *priceoracle.Monitor
	store       *positions.Store
	positionMgr *positionmgr.Manager
	hedgeMgr    *hedge.Manager
	selector    *poolselect.Selector
	breaker     *circuit.Breaker
	bus           *events.EventBus
	poolConfigs   PoolConfigProvider   // may be nil
	globalConfigs GlobalConfigProvider // may be nil, set via SetGlobalConfigProvider
	cfg           Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	locks        sync.Map // position_id -> *sync.Mutex
	backpressure sync.Map // position_id -> time.Time, last "insufficient balance" open_new failure
	tracked      sync.Map // position_id -> struct{}, hedge loop already dispatched once
}

// New builds a Supervisor over its collaborators. poolConfigs may be nil.
func New(
	sdk ammclient.SDK,
	rpc chainrpc.Client,
	price *priceoracle.Monitor,
	store *positions.Store,
	positionMgr *positionmgr.Manager,
	hedgeMgr *hedge.Manager,
	selector *poolselect.Selector,
	breaker *circuit.Breaker,
	bus *events.EventBus,
	poolConfigs PoolConfigProvider,
	cfg Config,
) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return &Supervisor{
		sdk:         sdk,
		rpc:         rpc,
		price:       price,
		store:       store,
		positionMgr: positionMgr,
		hedgeMgr:    hedgeMgr,
		selector:    selector,
		breaker:     breaker,
		bus:         bus,
		poolConfigs: poolConfigs,
		cfg:         cfg,
	}
}

// Start launches the tick loop. Idempotent: a second Start on an already
// running Supervisor returns an error rather than spawning a duplicate loop.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	logging.Component("supervisor").Info().Dur("interval", s.cfg.CheckInterval).Msg("starting supervisor")

	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop signals the tick loop to exit and waits for the in-flight tick (if
// any) to finish.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	logging.Component("supervisor").Info().Msg("supervisor stopped")
	return nil
}

// SetGlobalConfigProvider wires the Postgres admin store's fleet-wide
// override, read once at the top of every tick. Safe to call before Start.
func (s *Supervisor) SetGlobalConfigProvider(provider GlobalConfigProvider) {
	s.globalConfigs = provider
}

// IsRunning reports whether the tick loop is active.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.tick(context.Background())

	for {
		select {
		case <-ticker.C:
			s.tick(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// tick implements §4.7: sync, then dispatch per active position with
// bounded concurrency so one slow position never delays the others.
func (s *Supervisor) tick(ctx context.Context) {
	s.applyGlobalConfig(ctx)
	s.syncActive(ctx)

	var active []*positions.Position
	for _, p := range s.store.All() {
		if !p.IsTerminal() {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return
	}

	semaphore := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, p := range active {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(pos *positions.Position) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					logging.Component("supervisor").Error().
						Str("position_id", pos.PositionID).
						Interface("panic", r).Msg("recovered panic processing position")
				}
			}()
			s.processPosition(ctx, pos.PositionID)
		}(p)
	}
	wg.Wait()
}

// applyGlobalConfig overlays the admin store's fleet-wide mirror-swap toggle
// onto the startup config, best-effort: an unreachable store or an absent
// row leaves the prior value in place rather than disabling hedging.
func (s *Supervisor) applyGlobalConfig(ctx context.Context) {
	if s.globalConfigs == nil {
		return
	}
	row, err := s.globalConfigs.GlobalConfig(ctx)
	if err != nil || row == nil {
		return
	}
	s.cfg.MirrorSwapEnabled = row.MirrorSwapEnabled
}

// syncActive verifies on-chain existence/ownership for every tracked active
// position and starts hedge loops for positions discovered since the last
// tick (step 1-2 of §4.7).
func (s *Supervisor) syncActive(ctx context.Context) {
	log := logging.Component("supervisor")

	for _, pos := range s.store.All() {
		if pos.IsTerminal() {
			continue
		}

		info, err := s.rpc.GetAccountInfo(ctx, pos.PositionID)
		if err != nil {
			log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("sync: account info unavailable, skipping this tick")
			continue
		}
		if !info.Exists || info.Owner != ammProgramID {
			s.hedgeMgr.Stop(pos.PositionID)
			now := time.Now()
			pos.Status = positions.StatusClosed
			pos.ClosedAt = &now
			if err := s.store.Save(ctx, pos); err != nil {
				log.Error().Err(err).Str("position_id", pos.PositionID).Msg("sync: failed to persist closed status")
				continue
			}
			if s.bus != nil {
				s.bus.PublishPositionClosed(pos.PositionID, "on_chain_account_missing")
			}
			continue
		}

		if _, alreadyTracked := s.tracked.LoadOrStore(pos.PositionID, struct{}{}); !alreadyTracked {
			if s.cfg.MirrorSwapEnabled && pos.Status == positions.StatusActive {
				s.hedgeMgr.Start(context.Background(), pos.PositionID)
			}
		}
	}
}

// positionMutex returns the per-position mutex that serializes
// processPosition (decision plus close/open dispatch) for one position.
// TryLock gives the "next tick skips positions whose lock is held"
// behavior. The hedge loop does not take this lock; it is kept off a
// closing position by hedgeMgr.Stop, which every dispatch calls first.
func (s *Supervisor) positionMutex(positionID string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(positionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (s *Supervisor) processPosition(ctx context.Context, positionID string) {
	lock := s.positionMutex(positionID)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	log := logging.Component("supervisor")

	if ok, reason := s.breaker.CanAct(positionID); !ok {
		log.Debug().Str("position_id", positionID).Str("reason", reason).Msg("position quarantined, skipping")
		return
	}

	pos, ok := s.store.GetByID(ctx, positionID)
	if !ok || pos.IsTerminal() {
		return
	}

	merged := s.mergedConfig(ctx, pos.PoolAddress)

	priceResult, err := s.price.UpdatePositionPrice(ctx, pos)
	if err != nil {
		s.recordOutcome(ctx, positionID, err)
		return
	}

	if s.bus != nil {
		s.bus.PublishPriceUpdate(pos.PoolAddress, priceResult.Price)
		s.bus.PublishPositionUpdate(pos.PositionID, priceResult.Price, priceResult.PositionPercent, pos.AccumulatedFeesUSD)
	}

	var binData []ammclient.BinData
	view, viewErr := s.sdk.CreatePoolView(ctx, pos.PoolAddress)
	if viewErr == nil {
		if bd, err := view.BinDistribution(ctx, pos.PositionID); err == nil {
			binData = bd
		}
	}

	if merged.AutoClaimEnabled && merged.AutoClaimThresholdUSD > 0 && viewErr == nil {
		claimableUSD := strategy.ClaimableFeesUSD(ctx, view, pos, pos.PositionID, priceResult.Price)
		if claimableUSD >= merged.AutoClaimThresholdUSD {
			if _, err := s.positionMgr.Claim(ctx, positionID); err != nil {
				log.Warn().Err(err).Str("position_id", positionID).Msg("auto-claim failed")
			}
		}
	}

	isAbove := priceoracle.IsAboveUpper(pos, priceResult.Price)
	isBelow := priceoracle.IsBelowLower(pos, priceResult.Price)
	atFeeCheck := priceoracle.IsAtFeeCheckLevel(pos, priceResult.Price, merged.FeeCheckPercent)

	decision := strategy.Decide(pos, priceResult.Price, merged.StopLossPercent, merged.FeeCheckPercent, pos.AccumulatedFeesUSD, binData, isAbove, isBelow, atFeeCheck)

	switch decision.Action {
	case strategy.ActionNone:
		s.breaker.RecordSuccess(positionID)
	case strategy.ActionClose:
		s.dispatchClose(ctx, pos, decision.Reason)
	case strategy.ActionOpenNewAbove, strategy.ActionOpenNewBelow:
		s.dispatchReopen(ctx, pos, decision.Reason, merged)
	}
}

func (s *Supervisor) dispatchClose(ctx context.Context, pos *positions.Position, reason string) {
	s.hedgeMgr.Stop(pos.PositionID)
	if _, err := s.positionMgr.Close(ctx, pos.PositionID, reason); err != nil {
		s.recordOutcome(ctx, pos.PositionID, err)
		return
	}
	s.breaker.RecordSuccess(pos.PositionID)
}

// dispatchReopen implements §4.7 step 3(c) for open_new_*: stop the hedge
// loop, close the old position, wait for settlement, then reopen in the
// same pool (or via PoolSelector if the pool is gone), reusing
// range_interval. The back-pressure window skips further attempts for a
// position that last failed on insufficient balance within the last 60s.
func (s *Supervisor) dispatchReopen(ctx context.Context, pos *positions.Position, reason string, merged mergedPoolConfig) {
	if until, ok := s.backpressure.Load(pos.PositionID); ok {
		if time.Since(until.(time.Time)) < backpressureWindow {
			return
		}
		s.backpressure.Delete(pos.PositionID)
	}

	s.hedgeMgr.Stop(pos.PositionID)
	ownerAddress := pos.OwnerAddress
	mintX, mintY := pos.MintX, pos.MintY
	amountX, amountY := pos.InitialAmountX, pos.InitialAmountY
	rangeInterval := pos.RangeInterval
	poolAddress := pos.PoolAddress

	if _, err := s.positionMgr.Close(ctx, pos.PositionID, reason); err != nil {
		s.recordOutcome(ctx, pos.PositionID, err)
		return
	}

	if err := s.awaitSettlement(ctx, ownerAddress, mintX, mintY, amountX, amountY); err != nil {
		s.backpressure.Store(pos.PositionID, time.Now())
		s.recordOutcome(ctx, pos.PositionID, err)
		return
	}

	targetPool, err := s.selector.Select(ctx, mintX, mintY, pos.UpperBoundPrice, poolAddress, s.poolExists)
	if err != nil || targetPool == "" {
		s.recordOutcome(ctx, pos.PositionID, fmt.Errorf("%w: no relocation pool found", positions.ErrPoolNotFound))
		return
	}

	newID := fmt.Sprintf("%s-reopen-%d", pos.PositionID, time.Now().UnixNano())
	_, err = s.positionMgr.Open(ctx, positionmgrOpenArgs(newID, targetPool, ownerAddress, amountX, amountY, rangeInterval, pos.AutoClaimConfig))
	if err != nil {
		s.recordOutcome(ctx, pos.PositionID, err)
		return
	}
	s.breaker.RecordSuccess(pos.PositionID)
}

func (s *Supervisor) poolExists(ctx context.Context, poolAddress, mintX, mintY string) (bool, error) {
	view, err := s.sdk.CreatePoolView(ctx, poolAddress)
	if err != nil {
		return false, err
	}
	gotX, err := view.TokenXMint(ctx)
	if err != nil {
		return false, err
	}
	gotY, err := view.TokenYMint(ctx)
	if err != nil {
		return false, err
	}
	return gotX == mintX && gotY == mintY, nil
}

// awaitSettlement polls the wallet's token accounts until the expected
// amounts of both mints have reappeared after a close, or the context's
// deadline / a bounded number of attempts is exhausted. A wallet that
// cannot raise the needed tokens (the "missing-token" case) is reported to
// the caller as ErrInsufficientBalance; building a purchase swap for the
// shortfall requires the wallet owner's own signature and is therefore
// left to the operator-facing surface, not auto-executed here.
func (s *Supervisor) awaitSettlement(ctx context.Context, owner, mintX, mintY string, wantX, wantY int64) error {
	const maxAttempts = 10
	const pollInterval = 3 * time.Second

	for attempt := 0; attempt < maxAttempts; attempt++ {
		accounts, err := s.rpc.GetParsedTokenAccountsByOwner(ctx, owner)
		if err == nil {
			var haveX, haveY int64
			for _, a := range accounts {
				if a.Mint == mintX {
					haveX = a.Balance.Amount
				}
				if a.Mint == mintY {
					haveY = a.Balance.Amount
				}
			}
			if haveX >= wantX && haveY >= wantY {
				return nil
			}
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return positions.ErrInsufficientBalance
}

func (s *Supervisor) recordOutcome(ctx context.Context, positionID string, err error) {
	log := logging.Component("supervisor")
	if !positions.IsStructural(err) {
		log.Warn().Err(err).Str("position_id", positionID).Msg("transient error, retrying next tick")
		return
	}

	wasOpen := s.breaker.State(positionID) == circuit.StateOpen
	s.breaker.RecordStructuralError(positionID, err)
	log.Warn().Err(err).Str("position_id", positionID).Msg("structural error")

	if wasOpen || s.breaker.State(positionID) != circuit.StateOpen {
		return
	}

	// Breaker just tripped to open: quarantine the position itself so
	// positionmgr.Close rejects it and the operator sees pending_close
	// instead of a position that silently stops ticking.
	s.hedgeMgr.Stop(positionID)
	pos, ok := s.store.GetByID(ctx, positionID)
	if !ok {
		return
	}
	pos.Status = positions.StatusPendingClose
	if saveErr := s.store.Save(ctx, pos); saveErr != nil {
		log.Error().Err(saveErr).Str("position_id", positionID).Msg("failed to persist pending_close after quarantine")
	}
}

// mergedConfig merges the admin store's per-pool override (when present)
// over the fleet defaults, per spec.md §3 "GlobalConfig defaults merged
// with PoolConfig".
func (s *Supervisor) mergedConfig(ctx context.Context, poolAddress string) mergedPoolConfig {
	merged := mergedPoolConfig{
		StopLossPercent:       s.cfg.Defaults.StopLossPercent,
		FeeCheckPercent:       s.cfg.Defaults.FeeCheckPercent,
		RangeInterval:         s.cfg.Defaults.RangeInterval,
		AutoClaimEnabled:      s.cfg.Defaults.AutoClaimEnabled,
		AutoClaimThresholdUSD: s.cfg.Defaults.AutoClaimThresholdUSD,
	}
	if s.poolConfigs == nil {
		return merged
	}
	row, err := s.poolConfigs.PoolConfig(ctx, poolAddress)
	if err != nil || row == nil {
		return merged
	}
	merged.StopLossPercent = row.StopLossPercent
	merged.FeeCheckPercent = row.FeeCheckPercent
	merged.RangeInterval = row.RangeInterval
	merged.AutoClaimEnabled = row.AutoClaimEnabled
	merged.AutoClaimThresholdUSD = row.AutoClaimThresholdUSD
	return merged
}

// positionmgrOpenArgs builds the Open() arguments for a reopened position;
// split out only to keep dispatchReopen's line length sane.
func positionmgrOpenArgs(positionID, poolAddress, owner string, amountX, amountY int64, rangeInterval int, autoClaim *positions.AutoClaim) positionmgr.OpenArgs {
	return positionmgr.OpenArgs{
		PositionID:    positionID,
		PoolAddress:   poolAddress,
		OwnerAddress:  owner,
		AmountX:       amountX,
		AmountY:       amountY,
		RangeInterval: rangeInterval,
		AutoClaim:     autoClaim,
	}
}
