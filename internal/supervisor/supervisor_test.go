package supervisor

import (
	"context"
	"testing"
	"time"

	"positionbot/internal/aggregator"
	"positionbot/internal/ammclient"
	"positionbot/internal/chainrpc"
	"positionbot/internal/circuit"
	"positionbot/internal/database"
	"positionbot/internal/discovery"
	"positionbot/internal/events"
	"positionbot/internal/hedge"
	"positionbot/internal/poolselect"
	"positionbot/internal/positionmgr"
	"positionbot/internal/positions"
	"positionbot/internal/priceoracle"
)

// --- fakes (package-local, same shape as positionmgr/hedge's) ---

type fakePoolView struct {
	activeBin ammclient.ActiveBin
	binStep   int
	mintX     string
	mintY     string
	price     float64
	bins      []ammclient.BinData
	fees      ammclient.ClaimableFees
}

func (v *fakePoolView) ActiveBin(ctx context.Context) (ammclient.ActiveBin, error) { return v.activeBin, nil }
func (v *fakePoolView) BinStep(ctx context.Context) (int, error)                    { return v.binStep, nil }
func (v *fakePoolView) TokenXMint(ctx context.Context) (string, error)              { return v.mintX, nil }
func (v *fakePoolView) TokenYMint(ctx context.Context) (string, error)              { return v.mintY, nil }
func (v *fakePoolView) CurrentPriceUSD(ctx context.Context) (float64, error)        { return v.price, nil }
func (v *fakePoolView) BinDistribution(ctx context.Context, positionID string) ([]ammclient.BinData, error) {
	return v.bins, nil
}
func (v *fakePoolView) ClaimableFees(ctx context.Context, positionID string) (ammclient.ClaimableFees, error) {
	return v.fees, nil
}

type fakeSDK struct {
	view *fakePoolView
}

func (s *fakeSDK) CreatePoolView(ctx context.Context, poolAddress string) (ammclient.PoolView, error) {
	return s.view, nil
}
func (s *fakeSDK) PositionsByOwner(ctx context.Context, owner string) ([]string, error) { return nil, nil }
func (s *fakeSDK) BuildOpenPositionAndDeposit(ctx context.Context, args ammclient.OpenPositionArgs) ([]ammclient.Transaction, error) {
	return []ammclient.Transaction{{Message: []byte("open")}}, nil
}
func (s *fakeSDK) BuildRemoveLiquidityAndClose(ctx context.Context, args ammclient.CloseArgs) ([]ammclient.Transaction, error) {
	return []ammclient.Transaction{{Message: []byte("remove-close")}}, nil
}
func (s *fakeSDK) BuildClosePosition(ctx context.Context, args ammclient.CloseArgs) (ammclient.Transaction, error) {
	return ammclient.Transaction{Message: []byte("close")}, nil
}
func (s *fakeSDK) BuildClaimSwapFees(ctx context.Context, args ammclient.ClaimArgs) (ammclient.Transaction, error) {
	return ammclient.Transaction{Message: []byte("claim")}, nil
}

type fakeRPC struct {
	accountExists bool
	accountOwner  string
}

func (r *fakeRPC) GetBalance(ctx context.Context, pubkey string) (int64, error) { return 0, nil }
func (r *fakeRPC) GetTokenAccountBalance(ctx context.Context, ata string) (chainrpc.TokenAccountBalance, error) {
	return chainrpc.TokenAccountBalance{}, nil
}
func (r *fakeRPC) GetParsedTokenAccountsByOwner(ctx context.Context, pubkey string) ([]chainrpc.TokenAccount, error) {
	return nil, nil
}
func (r *fakeRPC) GetAccountInfo(ctx context.Context, pubkey string) (chainrpc.AccountInfo, error) {
	return chainrpc.AccountInfo{Exists: r.accountExists, Owner: r.accountOwner}, nil
}
func (r *fakeRPC) GetLatestBlockhash(ctx context.Context) (string, error) { return "blockhash-1", nil }
func (r *fakeRPC) SendRawTransaction(ctx context.Context, raw []byte, opts chainrpc.SendOptions) (string, error) {
	return "sig-1", nil
}
func (r *fakeRPC) ConfirmTransaction(ctx context.Context, signature, blockhash string, timeout time.Duration) error {
	return nil
}

type fakeAggregator struct{}

func (f *fakeAggregator) GetQuote(ctx context.Context, inputMint, outputMint string, amount float64, slippageBps int) (aggregator.Quote, error) {
	return aggregator.Quote{}, nil
}
func (f *fakeAggregator) SwapInstructions(ctx context.Context, userPublicKey string, q aggregator.Quote) (aggregator.SwapTransaction, error) {
	return aggregator.SwapTransaction{}, nil
}

const ammProgramIDForTest = "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo"

type testHarness struct {
	sup   *Supervisor
	store *positions.Store
	rpc   *fakeRPC
	sdk   *fakeSDK
}

func newHarness(t *testing.T, view *fakePoolView, rpc *fakeRPC) *testHarness {
	t.Helper()
	store, err := positions.NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sdk := &fakeSDK{view: view}
	price := priceoracle.NewMonitor(sdk)
	posMgr := positionmgr.NewManager(sdk, rpc, price, store)
	hedgeMgr := hedge.NewManager(sdk, rpc, aggregator.NewClient("http://unused", time.Second), price, store, hedge.Config{
		Interval: 50 * time.Millisecond, HedgeAmountPercent: 50, MinHedgeBps: 25, MinHedgeStepPercent: 0.5, SlippageBps: 50,
	})
	selector := poolselect.NewSelector(discovery.NewClient("http://unused", time.Second))
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), nil)
	bus := events.NewEventBus()

	sup := New(sdk, rpc, price, store, posMgr, hedgeMgr, selector, breaker, bus, nil, Config{
		CheckInterval: time.Hour, // never fires on its own in these tests
		MaxConcurrent: 4,
		Defaults: PoolDefaults{
			StopLossPercent: -2.0,
			FeeCheckPercent: 10.0,
			RangeInterval:   10,
		},
	})
	return &testHarness{sup: sup, store: store, rpc: rpc, sdk: sdk}
}

func TestSyncActiveMarksMissingOnChainAccountClosed(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)
	ctx := context.Background()

	pos, err := h.sup.positionMgr.Open(ctx, positionmgr.OpenArgs{PositionID: "pos-1", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h.rpc.accountExists = false
	h.sup.syncActive(ctx)

	got, _ := h.store.GetByID(ctx, pos.PositionID)
	if got.Status != positions.StatusClosed {
		t.Errorf("expected position marked closed after sync, got %s", got.Status)
	}
}

func TestSyncActiveStartsHedgeLoopOnce(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)
	h.sup.cfg.MirrorSwapEnabled = true
	ctx := context.Background()

	pos, err := h.sup.positionMgr.Open(ctx, positionmgr.OpenArgs{PositionID: "pos-2", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h.sup.syncActive(ctx)
	if !h.sup.hedgeMgr.IsRunning(pos.PositionID) {
		t.Fatal("expected hedge loop running after first sync")
	}

	h.sup.hedgeMgr.Stop(pos.PositionID)
	h.sup.syncActive(ctx) // already tracked: must not restart it a second time
	if h.sup.hedgeMgr.IsRunning(pos.PositionID) {
		t.Error("expected syncActive not to restart an already-tracked position's hedge loop")
	}
}

func TestProcessPositionSkipsQuarantinedPosition(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)
	ctx := context.Background()

	pos, err := h.sup.positionMgr.Open(ctx, positionmgr.OpenArgs{PositionID: "pos-3", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		h.sup.recordOutcome(ctx, pos.PositionID, positions.ErrPositionNotFound)
	}

	view.price = 200 // would otherwise breach upper bound and trigger open_new_above
	h.sup.processPosition(ctx, pos.PositionID)

	got, _ := h.store.GetByID(ctx, pos.PositionID)
	if got.Status != positions.StatusPendingClose {
		t.Errorf("expected quarantined position moved to pending_close, got status %s", got.Status)
	}
	if h.sup.hedgeMgr.IsRunning(pos.PositionID) {
		t.Error("expected hedge loop stopped for a quarantined position")
	}
}

func TestRecordOutcomeQuarantinesPositionOnFifthStructuralError(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)
	ctx := context.Background()

	pos, err := h.sup.positionMgr.Open(ctx, positionmgr.OpenArgs{PositionID: "pos-5", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 4; i++ {
		h.sup.recordOutcome(ctx, pos.PositionID, positions.ErrPositionNotFound)
	}
	got, _ := h.store.GetByID(ctx, pos.PositionID)
	if got.Status != positions.StatusActive {
		t.Fatalf("expected position still active before the fifth error, got %s", got.Status)
	}

	h.sup.recordOutcome(ctx, pos.PositionID, positions.ErrPositionNotFound)
	got, _ = h.store.GetByID(ctx, pos.PositionID)
	if got.Status != positions.StatusPendingClose {
		t.Errorf("expected pending_close after the fifth consecutive structural error, got %s", got.Status)
	}
}

func TestProcessPositionClosesOnPreventiveCloseDecision(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)
	ctx := context.Background()

	pos, err := h.sup.positionMgr.Open(ctx, positionmgr.OpenArgs{PositionID: "pos-4", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pos.AccumulatedFeesUSD = 1_000_000 // comfortably covers any loss at the stop-loss price
	if err := h.store.Save(ctx, pos); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Move price to just above the lower bound, inside the fee-check band.
	view.price = pos.LowerBoundPrice * 1.001
	h.sup.processPosition(ctx, pos.PositionID)

	got, _ := h.store.GetByID(ctx, pos.PositionID)
	if got.Status != positions.StatusClosed {
		t.Errorf("expected preventive close, got status %s", got.Status)
	}
}

type fakeGlobalConfigProvider struct {
	row *database.GlobalConfigRow
	err error
}

func (f *fakeGlobalConfigProvider) GlobalConfig(ctx context.Context) (*database.GlobalConfigRow, error) {
	return f.row, f.err
}

func TestApplyGlobalConfigOverridesMirrorSwapEnabled(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)
	h.sup.cfg.MirrorSwapEnabled = true
	h.sup.SetGlobalConfigProvider(&fakeGlobalConfigProvider{row: &database.GlobalConfigRow{MirrorSwapEnabled: false}})

	h.sup.applyGlobalConfig(context.Background())

	if h.sup.cfg.MirrorSwapEnabled {
		t.Error("expected admin override to disable mirror swap")
	}
}

func TestApplyGlobalConfigLeavesConfigAloneWhenProviderNil(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)
	h.sup.cfg.MirrorSwapEnabled = true

	h.sup.applyGlobalConfig(context.Background())

	if !h.sup.cfg.MirrorSwapEnabled {
		t.Error("expected config untouched when no admin store is configured")
	}
}

func TestMergedConfigFallsBackToDefaultsWhenProviderNil(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)

	merged := h.sup.mergedConfig(context.Background(), "pool-1")
	if merged.StopLossPercent != -2.0 || merged.FeeCheckPercent != 10.0 || merged.RangeInterval != 10 {
		t.Errorf("expected defaults passed through unmodified, got %+v", merged)
	}
}

func TestAwaitSettlementSucceedsWhenBalanceSufficient(t *testing.T) {
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "mint-x", mintY: "mint-y", price: 100}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramIDForTest}
	h := newHarness(t, view, rpc)

	h.sdk.view = view
	// GetParsedTokenAccountsByOwner returns nil (no accounts) by default, so a
	// zero-amount requirement should still be satisfied immediately.
	if err := h.sup.awaitSettlement(context.Background(), "owner-1", "mint-x", "mint-y", 0, 0); err != nil {
		t.Errorf("expected settlement with zero required amounts to succeed immediately, got %v", err)
	}
}
