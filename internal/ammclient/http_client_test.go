package ammclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"positionbot/internal/discovery"
)

func discoveryServer(t *testing.T, detail discovery.PoolDetail, bins []discovery.Bin) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/pair/"+detail.Address+"/bins":
			json.NewEncoder(w).Encode(bins)
		case r.URL.Path == "/pair/"+detail.Address:
			json.NewEncoder(w).Encode(detail)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestHTTPClient(t *testing.T, discoverySrv, builderSrv *httptest.Server) *HTTPClient {
	t.Helper()
	discoveryClient := discovery.NewClient(discoverySrv.URL, 2*time.Second)
	builderURL := ""
	if builderSrv != nil {
		builderURL = builderSrv.URL
	}
	return NewHTTPClient(discoveryClient, builderURL, 2*time.Second)
}

func TestCreatePoolViewFailsForUnknownPool(t *testing.T) {
	discoverySrv := discoveryServer(t, discovery.PoolDetail{PoolSummary: discovery.PoolSummary{Address: "known-pool"}}, nil)
	defer discoverySrv.Close()

	client := newTestHTTPClient(t, discoverySrv, nil)
	if _, err := client.CreatePoolView(context.Background(), "unknown-pool"); err == nil {
		t.Fatalf("expected an error for a pool the discovery service doesn't know about")
	}
}

func TestPoolViewReadsActiveBinAndMints(t *testing.T) {
	detail := discovery.PoolDetail{
		PoolSummary: discovery.PoolSummary{Address: "pool-1", MintX: "mint-x", MintY: "mint-y", ActivePriceUSD: 1.25},
		BinStep:     25,
	}
	bins := []discovery.Bin{{BinID: 100, X: 500, Y: 300}, {BinID: 101, X: 0, Y: 700}}
	discoverySrv := discoveryServer(t, detail, bins)
	defer discoverySrv.Close()

	client := newTestHTTPClient(t, discoverySrv, nil)
	view, err := client.CreatePoolView(context.Background(), "pool-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	activeBin, err := view.ActiveBin(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activeBin.BinID != 100 || activeBin.X != 500 || activeBin.Y != 300 {
		t.Fatalf("unexpected active bin: %+v", activeBin)
	}

	mintX, err := view.TokenXMint(context.Background())
	if err != nil || mintX != "mint-x" {
		t.Fatalf("unexpected mint x: %q err=%v", mintX, err)
	}

	price, err := view.CurrentPriceUSD(context.Background())
	if err != nil || price != 1.25 {
		t.Fatalf("unexpected price: %v err=%v", price, err)
	}

	distribution, err := view.BinDistribution(context.Background(), "position-1")
	if err != nil || len(distribution) != 2 {
		t.Fatalf("unexpected bin distribution: %+v err=%v", distribution, err)
	}
}

func TestClaimableFeesCallsBuilderService(t *testing.T) {
	detail := discovery.PoolDetail{PoolSummary: discovery.PoolSummary{Address: "pool-1"}}
	discoverySrv := discoveryServer(t, detail, nil)
	defer discoverySrv.Close()

	builderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/positions/claimable-fees" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(ClaimableFees{X: 10, Y: 20})
	}))
	defer builderSrv.Close()

	client := newTestHTTPClient(t, discoverySrv, builderSrv)
	view, err := client.CreatePoolView(context.Background(), "pool-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fees, err := view.ClaimableFees(context.Background(), "position-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fees.X != 10 || fees.Y != 20 {
		t.Fatalf("unexpected claimable fees: %+v", fees)
	}
}

func TestBuildOpenPositionAndDepositReturnsTransactions(t *testing.T) {
	detail := discovery.PoolDetail{PoolSummary: discovery.PoolSummary{Address: "pool-1"}}
	discoverySrv := discoveryServer(t, detail, nil)
	defer discoverySrv.Close()

	builderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/build/open-position-and-deposit" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]Transaction{{Message: []byte("unsigned-tx")}})
	}))
	defer builderSrv.Close()

	client := newTestHTTPClient(t, discoverySrv, builderSrv)
	txs, err := client.BuildOpenPositionAndDeposit(context.Background(), OpenPositionArgs{
		PoolAddress:  "pool-1",
		OwnerAddress: "owner-1",
		MinBinID:     90,
		MaxBinID:     110,
		AmountX:      1000,
		Strategy:     "balance",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 1 || string(txs[0].Message) != "unsigned-tx" {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
}

func TestPostJSONRetriesOn503ThenSucceeds(t *testing.T) {
	detail := discovery.PoolDetail{PoolSummary: discovery.PoolSummary{Address: "pool-1"}}
	discoverySrv := discoveryServer(t, detail, nil)
	defer discoverySrv.Close()

	attempts := 0
	builderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Transaction{Message: []byte("closed-tx")})
	}))
	defer builderSrv.Close()

	client := newTestHTTPClient(t, discoverySrv, builderSrv)
	tx, err := client.BuildClosePosition(context.Background(), CloseArgs{PoolAddress: "pool-1", PositionID: "position-1"})
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if string(tx.Message) != "closed-tx" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}
