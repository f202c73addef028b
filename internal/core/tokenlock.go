package core

import "sync"

// tokenLocks serializes fact application per token while leaving facts for
// distinct tokens fully parallel. Entries are reference counted and removed
// when the last holder releases, so the table stays proportional to in-flight
// work rather than to the token universe.
type tokenLocks struct {
	mu    sync.Mutex
	locks map[uint64]*tokenLockEntry
}

type tokenLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newTokenLocks() *tokenLocks {
	return &tokenLocks{locks: make(map[uint64]*tokenLockEntry)}
}

// Lock acquires the per-token mutex, creating the entry on first use.
func (t *tokenLocks) Lock(tokenID uint64) {
	t.mu.Lock()
	entry, ok := t.locks[tokenID]
	if !ok {
		entry = &tokenLockEntry{}
		t.locks[tokenID] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the per-token mutex and drops the entry once unreferenced.
func (t *tokenLocks) Unlock(tokenID uint64) {
	t.mu.Lock()
	entry, ok := t.locks[tokenID]
	if !ok {
		t.mu.Unlock()
		panic("unlock of unheld token lock")
	}
	entry.refs--
	if entry.refs == 0 {
		delete(t.locks, tokenID)
	}
	t.mu.Unlock()

	entry.mu.Unlock()
}
