package core_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"MarketMirror/internal/core"
	"MarketMirror/internal/event"
	"MarketMirror/internal/fee"
	"MarketMirror/internal/state"
)

// ============================================================
// In-memory store fake
// ============================================================

type memStore struct {
	mu         sync.Mutex
	tokens     map[uint64]*state.Token
	records    map[string]*core.TransactionRecord // by fact_id
	rejections []string

	// failures are consumed by ApplyFact before the real write, to simulate
	// infrastructure errors.
	failures []error
}

func newMemStore() *memStore {
	return &memStore{
		tokens:  make(map[uint64]*state.Token),
		records: make(map[string]*core.TransactionRecord),
	}
}

func (s *memStore) GetToken(ctx context.Context, tokenID uint64) (*state.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return tok.Clone(), nil
}

func (s *memStore) GetAppliedRecord(ctx context.Context, factID string) (*core.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[factID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ApplyFact(ctx context.Context, tok *state.Token, rec *core.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}

	if _, dup := s.records[rec.FactID]; dup {
		return core.ErrFactAlreadyApplied
	}

	s.tokens[tok.TokenID] = tok.Clone()
	cp := *rec
	s.records[rec.FactID] = &cp
	return nil
}

func (s *memStore) RecordRejection(ctx context.Context, factID, kind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections = append(s.rejections, factID)
	return nil
}

func (s *memStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type captureListener struct {
	mu      sync.Mutex
	records []*core.TransactionRecord
}

func (l *captureListener) FactApplied(rec *core.TransactionRecord, tok *state.Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// ============================================================
// Helpers
// ============================================================

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newReconciler(t *testing.T, store core.MirrorStore) *core.Reconciler {
	t.Helper()
	calc, err := fee.NewCalculator(250)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	dedup := core.NewIdempotencyChecker(1024, nil)
	r := core.NewReconciler(state.NewMachine(calc), store, dedup, "0xtreasury", nil, nil, zerolog.Nop())
	r.SetRetryPolicy(core.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	return r
}

func mint(factID string, tokenID uint64) *event.Minted {
	return &event.Minted{
		ID:          factID,
		TokenID:     tokenID,
		Creator:     "0xalice",
		Owner:       "0xalice",
		Purchasable: true,
		MetadataURI: "ipfs://QmMeta",
		Name:        "Nebula",
		Category:    "art",
		BlockNumber: 100,
		Timestamp:   baseTime,
	}
}

func list(factID string, tokenID uint64, price int64) *event.Listed {
	return &event.Listed{
		ID:        factID,
		TokenID:   tokenID,
		Price:     big.NewInt(price),
		By:        "0xalice",
		Timestamp: baseTime.Add(time.Minute),
	}
}

func sold(factID string, tokenID uint64, buyer string, price int64) *event.Sold {
	return &event.Sold{
		ID:        factID,
		TokenID:   tokenID,
		Buyer:     buyer,
		Price:     big.NewInt(price),
		Timestamp: baseTime.Add(2 * time.Minute),
	}
}

func mustApply(t *testing.T, r *core.Reconciler, f event.Fact) *core.Outcome {
	t.Helper()
	out, err := r.Apply(context.Background(), f)
	if err != nil {
		t.Fatalf("apply %s: %v", f.FactID(), err)
	}
	if out.Kind != core.OutcomeApplied {
		t.Fatalf("apply %s: outcome %s (err=%v)", f.FactID(), out.Kind, out.Err)
	}
	return out
}

// ============================================================
// Basic outcomes
// ============================================================

func TestApply_MintProducesRecord(t *testing.T) {
	store := newMemStore()
	r := newReconciler(t, store)

	out := mustApply(t, r, mint("f1", 1))

	rec := out.Record
	if rec.Kind != "mint" {
		t.Errorf("record kind: got %s, want mint", rec.Kind)
	}
	if rec.FactID != "f1" || rec.TokenID != 1 {
		t.Errorf("record identity: %s/%d", rec.FactID, rec.TokenID)
	}
	if rec.Status != core.StatusConfirmed {
		t.Errorf("status: got %s, want confirmed", rec.Status)
	}
	if out.Token.Owner != "0xalice" {
		t.Errorf("owner: got %s", out.Token.Owner)
	}
}

func TestApply_DuplicateFactIsNoOp(t *testing.T) {
	store := newMemStore()
	r := newReconciler(t, store)

	mustApply(t, r, mint("f1", 1))
	mustApply(t, r, list("f2", 1, 2000))

	// Same list fact arrives again.
	out, err := r.Apply(context.Background(), list("f2", 1, 2000))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Kind != core.OutcomeAlreadyApplied {
		t.Fatalf("outcome: got %s, want already_applied", out.Kind)
	}
	if out.Record == nil || out.Record.FactID != "f2" {
		t.Error("duplicate must return the prior record")
	}
	if store.recordCount() != 2 {
		t.Errorf("record count: got %d, want 2", store.recordCount())
	}
	if out.Token.Version != 2 {
		t.Errorf("token version moved on duplicate: %d", out.Token.Version)
	}
}

// Duplicate detection must survive an LRU that has forgotten the fact: the
// store-level fact mark is authoritative.
func TestApply_DuplicateCaughtByStoreWhenCacheCold(t *testing.T) {
	store := newMemStore()

	r1 := newReconciler(t, store)
	mustApply(t, r1, mint("f1", 1))

	// Fresh reconciler, empty LRU, same backing store.
	r2 := newReconciler(t, store)
	out, err := r2.Apply(context.Background(), mint("f1", 1))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Kind != core.OutcomeAlreadyApplied {
		t.Fatalf("outcome: got %s, want already_applied", out.Kind)
	}
	if store.recordCount() != 1 {
		t.Errorf("record count: got %d, want 1", store.recordCount())
	}
}

// ============================================================
// Rejection semantics
// ============================================================

func TestApply_RejectionDoesNotConsumeFactID(t *testing.T) {
	store := newMemStore()
	r := newReconciler(t, store)

	mustApply(t, r, mint("f1", 1))

	// Buying an unlisted token is rejected.
	out, err := r.Apply(context.Background(), sold("f-buy", 1, "0xbob", 2000))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Kind != core.OutcomeRejected {
		t.Fatalf("outcome: got %s, want rejected", out.Kind)
	}
	var ce *state.ConflictError
	if !errors.As(out.Err, &ce) {
		t.Fatalf("expected ConflictError, got %v", out.Err)
	}

	// Now the listing lands, and the same fact_id succeeds.
	mustApply(t, r, list("f2", 1, 2000))
	mustApply(t, r, sold("f-buy", 1, "0xbob", 2000))

	if len(store.rejections) != 1 || store.rejections[0] != "f-buy" {
		t.Errorf("rejections: %v", store.rejections)
	}
}

func TestApply_MalformedFactRejected(t *testing.T) {
	store := newMemStore()
	r := newReconciler(t, store)

	bad := mint("f1", 1)
	bad.MetadataURI = ""

	out, err := r.Apply(context.Background(), bad)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Kind != core.OutcomeRejected {
		t.Fatalf("outcome: got %s, want rejected", out.Kind)
	}
	var ve *event.ValidationError
	if !errors.As(out.Err, &ve) {
		t.Fatalf("expected ValidationError, got %v", out.Err)
	}
	if store.recordCount() != 0 {
		t.Error("rejected fact must not write a record")
	}
}

// ============================================================
// Concurrency
// ============================================================

func TestApply_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	store := newMemStore()
	r := newReconciler(t, store)

	mustApply(t, r, mint("f1", 1))

	const n = 16
	outcomes := make([]core.OutcomeKind, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := r.Apply(context.Background(), list("f2", 1, 2000))
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			outcomes[i] = out.Kind
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, k := range outcomes {
		if k == core.OutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied count: got %d, want 1", applied)
	}
	if store.recordCount() != 2 {
		t.Errorf("record count: got %d, want 2", store.recordCount())
	}
}

func TestApply_ConcurrentBuyRace(t *testing.T) {
	store := newMemStore()
	r := newReconciler(t, store)

	mustApply(t, r, mint("f1", 1))
	mustApply(t, r, list("f2", 1, 2000))

	// Two distinct purchase facts race for one listing. Exactly one wins;
	// the other must be rejected, not applied and not deduplicated.
	var wg sync.WaitGroup
	results := make([]*core.Outcome, 2)
	buyers := []string{"0xbob", "0xcarol"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := sold("f-buy-"+buyers[i], 1, buyers[i], 2000)
			out, err := r.Apply(context.Background(), f)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	var applied, rejected int
	var winner string
	for i, out := range results {
		switch out.Kind {
		case core.OutcomeApplied:
			applied++
			winner = buyers[i]
		case core.OutcomeRejected:
			rejected++
		}
	}
	if applied != 1 || rejected != 1 {
		t.Fatalf("applied=%d rejected=%d, want 1/1", applied, rejected)
	}

	tok, err := store.GetToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Owner != winner {
		t.Errorf("owner: got %s, want %s", tok.Owner, winner)
	}
	if tok.ListingState != state.Unlisted {
		t.Errorf("state: got %s, want unlisted", tok.ListingState)
	}
}

// ============================================================
// Transient failure handling
// ============================================================

func TestApply_RetriesTransientStoreErrors(t *testing.T) {
	store := newMemStore()
	store.failures = []error{
		&core.TransientError{Op: "apply_fact", Err: errors.New("connection reset")},
		&core.TransientError{Op: "apply_fact", Err: errors.New("connection reset")},
	}
	r := newReconciler(t, store)

	out := mustApply(t, r, mint("f1", 1))
	if out.Record.FactID != "f1" {
		t.Errorf("record: %+v", out.Record)
	}
	if store.recordCount() != 1 {
		t.Errorf("record count: got %d, want 1", store.recordCount())
	}
}

func TestApply_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore()
	store.failures = []error{
		&core.TransientError{Op: "apply_fact", Err: errors.New("down")},
		&core.TransientError{Op: "apply_fact", Err: errors.New("down")},
		&core.TransientError{Op: "apply_fact", Err: errors.New("down")},
	}
	r := newReconciler(t, store)

	_, err := r.Apply(context.Background(), mint("f1", 1))
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !core.IsTransient(err) {
		t.Errorf("exhausted error should unwrap to transient: %v", err)
	}
	if store.recordCount() != 0 {
		t.Error("no record should exist after failed apply")
	}
}

func TestApply_ConflictIsNotRetried(t *testing.T) {
	store := newMemStore()
	r := newReconciler(t, store)

	mustApply(t, r, mint("f1", 1))

	start := time.Now()
	out, err := r.Apply(context.Background(), sold("f-buy", 1, "0xbob", 100))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Kind != core.OutcomeRejected {
		t.Fatalf("outcome: got %s, want rejected", out.Kind)
	}
	// Conflicts are deterministic; there must be no backoff sleeping.
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("rejection took %v, suggests retry loop ran", elapsed)
	}
}

// ============================================================
// Listener and round trip
// ============================================================

func TestApply_FullRoundTrip(t *testing.T) {
	store := newMemStore()
	listener := &captureListener{}

	calc, _ := fee.NewCalculator(250)
	dedup := core.NewIdempotencyChecker(1024, nil)
	r := core.NewReconciler(state.NewMachine(calc), store, dedup, "0xtreasury", listener, nil, zerolog.Nop())

	mustApply(t, r, mint("f1", 7))
	mustApply(t, r, list("f2", 7, 2_000_000))
	mustApply(t, r, &event.Delisted{ID: "f3", TokenID: 7, By: "0xalice", Timestamp: baseTime})
	mustApply(t, r, list("f4", 7, 3_000_000))
	out := mustApply(t, r, sold("f5", 7, "0xbob", 3_000_000))

	if out.Token.Owner != "0xbob" {
		t.Errorf("final owner: got %s", out.Token.Owner)
	}
	if out.Token.ListingState != state.Unlisted {
		t.Errorf("final state: got %s", out.Token.ListingState)
	}

	sale := out.Record
	if sale.Kind != "sale" {
		t.Fatalf("record kind: got %s", sale.Kind)
	}
	if sale.Price.Int64() != 3_000_000 {
		t.Errorf("sale price: got %s", sale.Price)
	}
	if sale.Fee.Int64() != 75_000 {
		t.Errorf("fee: got %s, want 75000", sale.Fee)
	}
	if sale.Proceeds.Int64() != 2_925_000 {
		t.Errorf("proceeds: got %s, want 2925000", sale.Proceeds)
	}
	if sale.FeeRecipient != "0xtreasury" {
		t.Errorf("fee recipient: got %s", sale.FeeRecipient)
	}
	if sale.FromWallet != "0xalice" || sale.ToWallet != "0xbob" {
		t.Errorf("counterparties: %s -> %s", sale.FromWallet, sale.ToWallet)
	}

	if store.recordCount() != 5 {
		t.Errorf("record count: got %d, want 5", store.recordCount())
	}
	if len(listener.records) != 5 {
		t.Errorf("listener notifications: got %d, want 5", len(listener.records))
	}
}
