package stats_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"MarketMirror/internal/core"
	"MarketMirror/internal/state"
	"MarketMirror/internal/stats"
)

var saleTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mintRecord(tokenID uint64) (*core.TransactionRecord, *state.Token) {
	rec := &core.TransactionRecord{
		ID:         uuid.New(),
		FactID:     uuid.NewString(),
		TokenID:    tokenID,
		Kind:       "mint",
		FromWallet: "0xalice",
		ToWallet:   "0xalice",
		Status:     core.StatusConfirmed,
		OccurredAt: saleTime,
	}
	tok := &state.Token{TokenID: tokenID, Owner: "0xalice", ListingState: state.Unlisted}
	return rec, tok
}

func listRecord(tokenID uint64, price int64) (*core.TransactionRecord, *state.Token) {
	rec := &core.TransactionRecord{
		ID:         uuid.New(),
		FactID:     uuid.NewString(),
		TokenID:    tokenID,
		Kind:       "list",
		FromWallet: "0xalice",
		Price:      big.NewInt(price),
		Status:     core.StatusConfirmed,
		OccurredAt: saleTime,
	}
	tok := &state.Token{TokenID: tokenID, Owner: "0xalice", ListingState: state.Listed, Price: big.NewInt(price)}
	return rec, tok
}

func saleRecord(tokenID uint64, price, fee int64) (*core.TransactionRecord, *state.Token) {
	rec := &core.TransactionRecord{
		ID:         uuid.New(),
		FactID:     uuid.NewString(),
		TokenID:    tokenID,
		Kind:       "sale",
		FromWallet: "0xalice",
		ToWallet:   "0xbob",
		Price:      big.NewInt(price),
		Fee:        big.NewInt(fee),
		Status:     core.StatusConfirmed,
		OccurredAt: saleTime,
	}
	tok := &state.Token{TokenID: tokenID, Owner: "0xbob", ListingState: state.Unlisted}
	return rec, tok
}

func TestAggregator_CountsAndVolume(t *testing.T) {
	a := stats.NewAggregator(nil)

	a.FactApplied(mintRecord(1))
	a.FactApplied(mintRecord(2))
	a.FactApplied(listRecord(1, 500))
	a.FactApplied(saleRecord(1, 500, 12))

	snap := a.Current()
	if snap.TotalTokens != 2 {
		t.Errorf("tokens: got %d, want 2", snap.TotalTokens)
	}
	if snap.TotalSales != 1 {
		t.Errorf("sales: got %d, want 1", snap.TotalSales)
	}
	if snap.TotalVolume.Int64() != 500 {
		t.Errorf("volume: got %s, want 500", snap.TotalVolume)
	}
	if snap.TotalFees.Int64() != 12 {
		t.Errorf("fees: got %s, want 12", snap.TotalFees)
	}
	if snap.ListedNow != 0 {
		t.Errorf("listed: got %d, want 0 (sale delists)", snap.ListedNow)
	}
}

func TestAggregator_ListedMembershipFollowsState(t *testing.T) {
	a := stats.NewAggregator(nil)

	a.FactApplied(mintRecord(1))
	a.FactApplied(listRecord(1, 500))
	if got := a.Current().ListedNow; got != 1 {
		t.Fatalf("after list: got %d, want 1", got)
	}

	// Re-list price update: still one listing, not two.
	a.FactApplied(listRecord(1, 900))
	if got := a.Current().ListedNow; got != 1 {
		t.Errorf("after relist: got %d, want 1", got)
	}

	// Delist drops it.
	rec, tok := listRecord(1, 900)
	rec.Kind = "delist"
	rec.Price = nil
	tok.ListingState = state.Unlisted
	tok.Price = nil
	a.FactApplied(rec, tok)
	if got := a.Current().ListedNow; got != 0 {
		t.Errorf("after delist: got %d, want 0", got)
	}
}

func TestAggregator_RecentSalesWindow(t *testing.T) {
	a := stats.NewAggregator(nil)

	for i := uint64(1); i <= 13; i++ {
		a.FactApplied(mintRecord(i))
		a.FactApplied(listRecord(i, int64(i)*100))
		a.FactApplied(saleRecord(i, int64(i)*100, 1))
	}

	snap := a.Current()
	if len(snap.RecentSales) != 10 {
		t.Fatalf("recent sales: got %d, want 10", len(snap.RecentSales))
	}
	// Newest first.
	if snap.RecentSales[0].TokenID != 13 {
		t.Errorf("newest sale: got token %d, want 13", snap.RecentSales[0].TokenID)
	}
	if snap.RecentSales[9].TokenID != 4 {
		t.Errorf("oldest retained sale: got token %d, want 4", snap.RecentSales[9].TokenID)
	}
}

// The window must read the same whether it was built incrementally or via
// Recompute, even when sale facts arrive out of occurrence order.
func TestAggregator_RecentSalesOrderedByOccurrence(t *testing.T) {
	a := stats.NewAggregator(nil)

	for _, tc := range []struct {
		token  uint64
		offset time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 0}, // arrives second, occurred first
		{3, time.Minute},
	} {
		rec, tok := saleRecord(tc.token, 100, 2)
		rec.OccurredAt = saleTime.Add(tc.offset)
		a.FactApplied(rec, tok)
	}

	snap := a.Current()
	want := []uint64{1, 3, 2}
	for i, id := range want {
		if snap.RecentSales[i].TokenID != id {
			t.Fatalf("window[%d]: got token %d, want %d (%+v)",
				i, snap.RecentSales[i].TokenID, id, snap.RecentSales)
		}
	}

	// A full window rejects a sale older than everything it holds.
	for i := uint64(10); i < 17; i++ {
		rec, tok := saleRecord(i, 100, 2)
		rec.OccurredAt = saleTime.Add(time.Duration(i) * time.Minute)
		a.FactApplied(rec, tok)
	}
	rec, tok := saleRecord(99, 100, 2)
	rec.OccurredAt = saleTime.Add(-time.Hour)
	a.FactApplied(rec, tok)

	snap = a.Current()
	if len(snap.RecentSales) != 10 {
		t.Fatalf("window size: got %d, want 10", len(snap.RecentSales))
	}
	for _, s := range snap.RecentSales {
		if s.TokenID == 99 {
			t.Error("stale sale displaced a newer one in the window")
		}
	}
}

func TestAggregator_SnapshotIsIsolated(t *testing.T) {
	a := stats.NewAggregator(nil)
	a.FactApplied(mintRecord(1))
	a.FactApplied(listRecord(1, 500))
	a.FactApplied(saleRecord(1, 500, 12))

	snap := a.Current()
	snap.TotalVolume.SetInt64(999999)
	snap.RecentSales[0].Price.SetInt64(999999)

	fresh := a.Current()
	if fresh.TotalVolume.Int64() != 500 {
		t.Errorf("snapshot mutation leaked into aggregator: %s", fresh.TotalVolume)
	}
	if fresh.RecentSales[0].Price.Int64() != 500 {
		t.Errorf("sale mutation leaked: %s", fresh.RecentSales[0].Price)
	}
}

func TestAggregator_ConcurrentUpdates(t *testing.T) {
	a := stats.NewAggregator(nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i uint64) {
			defer wg.Done()
			a.FactApplied(mintRecord(i))
			a.FactApplied(listRecord(i, 100))
			a.FactApplied(saleRecord(i, 100, 2))
		}(uint64(i))
	}
	wg.Wait()

	snap := a.Current()
	if snap.TotalTokens != n || snap.TotalSales != n {
		t.Errorf("counts: tokens=%d sales=%d, want %d/%d", snap.TotalTokens, snap.TotalSales, n, n)
	}
	if snap.TotalVolume.Int64() != n*100 {
		t.Errorf("volume: got %s, want %d", snap.TotalVolume, n*100)
	}
}

type fakeSource struct {
	loaded *stats.Loaded
}

func (f *fakeSource) LoadStats(ctx context.Context) (*stats.Loaded, error) {
	return f.loaded, nil
}

func TestAggregator_RecomputeReplacesState(t *testing.T) {
	a := stats.NewAggregator(nil)

	// Drift the incremental state on purpose.
	a.FactApplied(mintRecord(1))

	src := &fakeSource{loaded: &stats.Loaded{
		TotalTokens:    42,
		TotalSales:     7,
		TotalVolume:    big.NewInt(123456),
		TotalFees:      big.NewInt(3086),
		ListedTokenIDs: []uint64{3, 4, 5},
		RecentSales: []stats.Sale{
			{TokenID: 5, Price: big.NewInt(1000), OccurredAt: saleTime},
		},
	}}

	if err := a.Recompute(context.Background(), src); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	snap := a.Current()
	if snap.TotalTokens != 42 || snap.TotalSales != 7 {
		t.Errorf("counts: %d/%d", snap.TotalTokens, snap.TotalSales)
	}
	if snap.TotalVolume.Int64() != 123456 {
		t.Errorf("volume: %s", snap.TotalVolume)
	}
	if snap.ListedNow != 3 {
		t.Errorf("listed: %d", snap.ListedNow)
	}
	if len(snap.RecentSales) != 1 || snap.RecentSales[0].TokenID != 5 {
		t.Errorf("recent: %+v", snap.RecentSales)
	}
}
