package positionmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"positionbot/internal/ammclient"
	"positionbot/internal/chainrpc"
	"positionbot/internal/positions"
	"positionbot/internal/priceoracle"
)

// --- fakes ---

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

func newTestManager(t *testing.T) (*Manager, *positions.Store) {
	t.Helper()
	store, err := positions.NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	view := &fakePoolView{
		activeBin: ammclient.ActiveBin{BinID: 0},
		binStep:   25,
		mintX:     "mint-x",
		mintY:     "mint-y",
		price:     100.0,
	}
	sdk := &fakeSDK{view: view}
	rpc := &fakeRPC{accountExists: true, accountOwner: ammProgramID}
	mgr := NewManager(sdk, rpc, priceoracle.NewMonitor(sdk), store)
	return mgr, store
}

func TestOpenFreezesBoundsAndPersists(t *testing.T) {
	mgr, _ := newTestManager(t)

	pos, err := mgr.Open(context.Background(), OpenArgs{
		PositionID:    "pos-1",
		PoolAddress:   "pool-1",
		OwnerAddress:  "owner-1",
		AmountX:       1000,
		AmountY:       1000,
		RangeInterval: 10,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.Status != positions.StatusActive {
		t.Errorf("expected active status, got %s", pos.Status)
	}
	if pos.LowerBoundPrice >= pos.InitialPrice || pos.InitialPrice >= pos.UpperBoundPrice {
		t.Errorf("expected lower < initial < upper, got %v < %v < %v", pos.LowerBoundPrice, pos.InitialPrice, pos.UpperBoundPrice)
	}
	if pos.MinBinID > pos.MaxBinID {
		t.Errorf("expected min_bin_id <= max_bin_id")
	}
}

func TestRangeIntervalClamps(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, defaultRangeInterval},
		{101, defaultRangeInterval},
		{-5, defaultRangeInterval},
		{50, 50},
		{1, 1},
		{100, 100},
	}
	for _, tt := range tests {
		if got := clampRangeInterval(tt.in); got != tt.want {
			t.Errorf("clampRangeInterval(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	pos, err := mgr.Open(ctx, OpenArgs{PositionID: "pos-close", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := mgr.Close(ctx, pos.PositionID, "test"); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	sig, err := mgr.Close(ctx, pos.PositionID, "test")
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sig != "" {
		t.Errorf("expected empty signature on idempotent close, got %q", sig)
	}
}

func TestCloseRejectsQuarantinedPosition(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	pos, err := mgr.Open(ctx, OpenArgs{PositionID: "pos-quarantined", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pos.Status = positions.StatusPendingClose
	if err := store.Save(ctx, pos); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := mgr.Close(ctx, pos.PositionID, "test"); !errors.Is(err, positions.ErrPositionQuarantined) {
		t.Fatalf("expected ErrPositionQuarantined, got %v", err)
	}
}

func TestCloseMissingOnChainAccountMarksClosed(t *testing.T) {
	store, err := positions.NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	view := &fakePoolView{activeBin: ammclient.ActiveBin{BinID: 0}, binStep: 25, mintX: "x", mintY: "y", price: 100.0}
	sdk := &fakeSDK{view: view}
	rpc := &fakeRPC{accountExists: false}
	mgr := NewManager(sdk, rpc, priceoracle.NewMonitor(sdk), store)

	ctx := context.Background()
	pos, err := mgr.Open(ctx, OpenArgs{PositionID: "pos-gone", PoolAddress: "pool-1", OwnerAddress: "owner-1", AmountX: 1000, AmountY: 1000, RangeInterval: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := mgr.Close(ctx, pos.PositionID, "reconcile"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := store.GetByID(ctx, pos.PositionID)
	if got.Status != positions.StatusClosed {
		t.Errorf("expected closed status when on-chain account is missing, got %s", got.Status)
	}
}
