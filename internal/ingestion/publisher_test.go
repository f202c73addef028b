package ingestion_test

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarketMirror/internal/core"
	"MarketMirror/internal/ingestion"
	"MarketMirror/internal/state"
)

func appliedSale(tokenID uint64) (*core.TransactionRecord, *state.Token) {
	now := time.Now().UTC()
	rec := &core.TransactionRecord{
		ID:         uuid.New(),
		FactID:     uuid.NewString(),
		TokenID:    tokenID,
		Kind:       "sale",
		FromWallet: "0xalice",
		ToWallet:   "0xbob",
		Price:      big.NewInt(1000),
		Fee:        big.NewInt(25),
		Status:     core.StatusConfirmed,
		OccurredAt: now,
		AppliedAt:  now,
	}
	tok := &state.Token{TokenID: tokenID, Owner: "0xbob", ListingState: state.Unlisted}
	return rec, tok
}

// The publisher is invoked concurrently by the worker pool; per-token locks
// only serialize facts for the same token. A full buffer must count drops
// without losing increments.
func TestPublisher_ConcurrentFactAppliedCountsDrops(t *testing.T) {
	const buffer = 4
	p := ingestion.NewPublisher(nil, buffer, zerolog.Nop())

	const goroutines = 8
	const perGoroutine = 25
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				p.FactApplied(appliedSale(uint64(g*perGoroutine + i)))
			}
		}(g)
	}
	wg.Wait()

	// Nothing drains the buffer, so everything past capacity is dropped.
	want := int64(goroutines*perGoroutine - buffer)
	if got := p.Dropped(); got != want {
		t.Errorf("dropped: got %d, want %d", got, want)
	}
}

func TestPublisher_FactAppliedNeverBlocks(t *testing.T) {
	p := ingestion.NewPublisher(nil, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := uint64(0); i < 100; i++ {
			p.FactApplied(appliedSale(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("FactApplied blocked on a full buffer")
	}
	if p.Dropped() != 99 {
		t.Errorf("dropped: got %d, want 99", p.Dropped())
	}
}
