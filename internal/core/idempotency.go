package core

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// IdempotencyChecker implements two-tier fact deduplication: a bounded
// in-memory LRU over fact IDs for the hot path, backed by the applied_facts
// table for facts that aged out of the cache. The LRU is an accelerator only;
// the transactional fact mark inside MirrorStore.ApplyFact remains the
// authoritative duplicate gate, so a false negative here costs one DB round
// trip and nothing else.
type IdempotencyChecker struct {
	lru *idempotencyLRU

	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the cold-path lookup against applied_facts.
type DBIdempotencyChecker interface {
	IsApplied(ctx context.Context, factID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   &IdempotencyMetrics{},
	}
}

// IsDuplicate checks whether factID has already been applied (two-tier lookup).
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, factID string) bool {
	if ic.lru.Contains(factID) {
		ic.metrics.duplicatesLRU.Add(1)
		return true
	}

	if ic.dbChecker != nil {
		applied, err := ic.dbChecker.IsApplied(ctx, factID)
		if err != nil {
			// Conservative: assume not duplicate. A DB blip here must not
			// block fact processing; the apply transaction still dedups.
			ic.metrics.tier2Errors.Add(1)
			return false
		}
		if applied {
			ic.metrics.duplicatesDB.Add(1)
			ic.lru.Add(factID)
			return true
		}
	}

	return false
}

// MarkApplied adds factID to the LRU after a successful apply.
func (ic *IdempotencyChecker) MarkApplied(factID string) {
	ic.lru.Add(factID)
}

// Warm preloads recently applied fact IDs so a restart does not pay the
// cold-path DB lookup for every fact the ingest replays.
func (ic *IdempotencyChecker) Warm(factIDs []string) {
	ic.lru.Warm(factIDs)
}

func (ic *IdempotencyChecker) Metrics() *IdempotencyMetrics {
	return ic.metrics
}

// Size returns the current LRU occupancy.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Size()
}

// --- LRU Implementation ---

// idempotencyLRU is a mutex-guarded LRU of fact IDs. Facts for different
// tokens are applied concurrently, so unlike a single-threaded core this
// cache must take its own lock.
type idempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front).
func (lru *idempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if it exists).
func (lru *idempotencyLRU) Add(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	lru.addLocked(key)
}

func (lru *idempotencyLRU) addLocked(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *idempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

func (lru *idempotencyLRU) Warm(keys []string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	for _, key := range keys {
		lru.addLocked(key)
	}
}

func (lru *idempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats. Atomic counters, safe to read
// while the checker is in use.
type IdempotencyMetrics struct {
	duplicatesLRU atomic.Int64
	duplicatesDB  atomic.Int64
	tier2Errors   atomic.Int64
}

func (m *IdempotencyMetrics) Duplicates() (lru int64, db int64) {
	return m.duplicatesLRU.Load(), m.duplicatesDB.Load()
}

func (m *IdempotencyMetrics) Tier2Errors() int64 {
	return m.tier2Errors.Load()
}
