package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"MarketMirror/internal/core"
)

// ============================================================
// DB checker fake
// ============================================================

type memDBChecker struct {
	mu      sync.Mutex
	applied map[string]bool
	err     error
	lookups int
}

func (c *memDBChecker) IsApplied(ctx context.Context, factID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.err != nil {
		return false, c.err
	}
	return c.applied[factID], nil
}

// ============================================================
// Two-tier lookup
// ============================================================

func TestIsDuplicate_LRUHit(t *testing.T) {
	db := &memDBChecker{applied: map[string]bool{}}
	ic := core.NewIdempotencyChecker(16, db)

	ic.MarkApplied("f1")

	if !ic.IsDuplicate(context.Background(), "f1") {
		t.Fatal("marked fact should be a duplicate")
	}
	if db.lookups != 0 {
		t.Errorf("LRU hit must not reach the DB, got %d lookups", db.lookups)
	}

	lru, _ := ic.Metrics().Duplicates()
	if lru != 1 {
		t.Errorf("lru duplicate count: got %d, want 1", lru)
	}
}

func TestIsDuplicate_FallsBackToDB(t *testing.T) {
	db := &memDBChecker{applied: map[string]bool{"f-old": true}}
	ic := core.NewIdempotencyChecker(16, db)

	if !ic.IsDuplicate(context.Background(), "f-old") {
		t.Fatal("fact known to the DB should be a duplicate")
	}
	if db.lookups != 1 {
		t.Errorf("lookups: got %d, want 1", db.lookups)
	}

	// The DB hit backfills the LRU; the second check stays in memory.
	if !ic.IsDuplicate(context.Background(), "f-old") {
		t.Fatal("backfilled fact should still be a duplicate")
	}
	if db.lookups != 1 {
		t.Errorf("second check hit the DB: %d lookups", db.lookups)
	}

	lru, dbHits := ic.Metrics().Duplicates()
	if lru != 1 || dbHits != 1 {
		t.Errorf("duplicates: lru=%d db=%d, want 1/1", lru, dbHits)
	}
}

func TestIsDuplicate_NewFact(t *testing.T) {
	db := &memDBChecker{applied: map[string]bool{}}
	ic := core.NewIdempotencyChecker(16, db)

	if ic.IsDuplicate(context.Background(), "f-new") {
		t.Fatal("unseen fact must not be a duplicate")
	}
}

// A DB failure must not block processing: the apply transaction is the
// authoritative gate, so the checker answers "not duplicate" and moves on.
func TestIsDuplicate_DBErrorIsNotDuplicate(t *testing.T) {
	db := &memDBChecker{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(16, db)

	if ic.IsDuplicate(context.Background(), "f1") {
		t.Fatal("DB error must not report duplicate")
	}
	if ic.Metrics().Tier2Errors() != 1 {
		t.Errorf("tier2 errors: got %d, want 1", ic.Metrics().Tier2Errors())
	}
}

func TestIsDuplicate_NilDBChecker(t *testing.T) {
	ic := core.NewIdempotencyChecker(16, nil)

	if ic.IsDuplicate(context.Background(), "f1") {
		t.Fatal("no DB checker, unseen fact must not be a duplicate")
	}
	ic.MarkApplied("f1")
	if !ic.IsDuplicate(context.Background(), "f1") {
		t.Fatal("marked fact should be a duplicate")
	}
}

// ============================================================
// Capacity and warm start
// ============================================================

func TestLRU_EvictsOldestAtCapacity(t *testing.T) {
	ic := core.NewIdempotencyChecker(3, nil)

	for i := 0; i < 4; i++ {
		ic.MarkApplied(fmt.Sprintf("f%d", i))
	}

	if ic.Size() != 3 {
		t.Fatalf("size: got %d, want 3", ic.Size())
	}
	if ic.IsDuplicate(context.Background(), "f0") {
		t.Error("oldest fact should have been evicted")
	}
	for i := 1; i < 4; i++ {
		if !ic.IsDuplicate(context.Background(), fmt.Sprintf("f%d", i)) {
			t.Errorf("f%d should still be cached", i)
		}
	}
}

func TestLRU_ContainsPromotes(t *testing.T) {
	ic := core.NewIdempotencyChecker(2, nil)

	ic.MarkApplied("f1")
	ic.MarkApplied("f2")

	// Touch f1 so f2 becomes the eviction candidate.
	if !ic.IsDuplicate(context.Background(), "f1") {
		t.Fatal("f1 should be cached")
	}
	ic.MarkApplied("f3")

	if !ic.IsDuplicate(context.Background(), "f1") {
		t.Error("promoted entry was evicted")
	}
	if ic.IsDuplicate(context.Background(), "f2") {
		t.Error("least recently used entry survived")
	}
}

func TestWarm_PreloadsRecentFacts(t *testing.T) {
	db := &memDBChecker{applied: map[string]bool{}}
	ic := core.NewIdempotencyChecker(16, db)

	ic.Warm([]string{"f1", "f2", "f3"})

	if ic.Size() != 3 {
		t.Fatalf("size after warm: got %d, want 3", ic.Size())
	}
	for _, id := range []string{"f1", "f2", "f3"} {
		if !ic.IsDuplicate(context.Background(), id) {
			t.Errorf("warmed fact %s should be a duplicate", id)
		}
	}
	if db.lookups != 0 {
		t.Errorf("warmed checks must not reach the DB, got %d lookups", db.lookups)
	}
}

// ============================================================
// Concurrency
// ============================================================

func TestChecker_ConcurrentAccess(t *testing.T) {
	ic := core.NewIdempotencyChecker(128, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("g%d-f%d", g, i)
				ic.MarkApplied(id)
				ic.IsDuplicate(context.Background(), id)
			}
		}(g)
	}
	wg.Wait()

	if ic.Size() != 128 {
		t.Errorf("size: got %d, want capacity 128", ic.Size())
	}
}
