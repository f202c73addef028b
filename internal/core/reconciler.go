package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarketMirror/internal/event"
	"MarketMirror/internal/observability"
	"MarketMirror/internal/state"
)

// AppliedListener is notified after a fact commits. Used by the stats
// aggregator and the outbound publisher; must be cheap and must not block
// the apply path.
type AppliedListener interface {
	FactApplied(rec *TransactionRecord, tok *state.Token)
}

// Listeners fans FactApplied out to several listeners in order.
type Listeners []AppliedListener

func (ls Listeners) FactApplied(rec *TransactionRecord, tok *state.Token) {
	for _, l := range ls {
		l.FactApplied(rec, tok)
	}
}

// Reconciler is the single write path into the mirror. It serializes facts
// per token, deduplicates by fact_id, evaluates listing-state guards, and
// commits the three-way write (token, record, fact mark) atomically through
// the store. Facts for distinct tokens proceed in parallel.
type Reconciler struct {
	machine      *state.Machine
	store        MirrorStore
	dedup        *IdempotencyChecker
	locks        *tokenLocks
	retry        RetryPolicy
	feeRecipient string
	listener     AppliedListener
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewReconciler(
	machine *state.Machine,
	store MirrorStore,
	dedup *IdempotencyChecker,
	feeRecipient string,
	listener AppliedListener,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		machine:      machine,
		store:        store,
		dedup:        dedup,
		locks:        newTokenLocks(),
		retry:        DefaultRetryPolicy(),
		feeRecipient: feeRecipient,
		listener:     listener,
		metrics:      metrics,
		log:          log.With().Str("component", "reconciler").Logger(),
	}
}

// SetRetryPolicy overrides the default transient-failure retry bounds.
func (r *Reconciler) SetRetryPolicy(p RetryPolicy) { r.retry = p }

// Apply submits one fact. The returned Outcome classifies the result; the
// error return is reserved for infrastructure failure after retries are
// exhausted, where the fact should be redelivered rather than dropped.
func (r *Reconciler) Apply(ctx context.Context, f event.Fact) (*Outcome, error) {
	start := time.Now()
	kind := f.Kind().String()

	if err := f.Validate(); err != nil {
		return r.reject(ctx, f, kind, err), nil
	}

	// Per-token critical section: everything from the duplicate check to the
	// commit happens under the lock so two facts for the same token can never
	// interleave their read-check-write cycles.
	tokenID := f.Token()
	r.locks.Lock(tokenID)
	defer r.locks.Unlock(tokenID)

	if r.dedup.IsDuplicate(ctx, f.FactID()) {
		return r.alreadyApplied(ctx, f, "lru")
	}

	var lastErr error
	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		if d := r.retry.delay(attempt); d > 0 {
			if r.metrics != nil {
				r.metrics.ApplyRetries.Inc()
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		outcome, err := r.attempt(ctx, f, kind)
		if err == nil {
			if outcome.Kind == OutcomeApplied {
				r.dedup.MarkApplied(f.FactID())
				if r.metrics != nil {
					r.metrics.FactsApplied.WithLabelValues(kind).Inc()
					r.metrics.ApplyDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
				}
				if r.listener != nil {
					r.listener.FactApplied(outcome.Record, outcome.Token)
				}
				r.log.Info().
					Str("fact_id", f.FactID()).
					Str("kind", kind).
					Uint64("token_id", tokenID).
					Msg("fact applied")
			}
			return outcome, nil
		}

		if !IsTransient(err) {
			return nil, err
		}

		lastErr = err
		if r.metrics != nil {
			var te *TransientError
			if errors.As(err, &te) {
				r.metrics.PersistErrors.WithLabelValues(te.Op).Inc()
			}
		}
		r.log.Warn().
			Err(err).
			Str("fact_id", f.FactID()).
			Int("attempt", attempt+1).
			Msg("transient store error, retrying")
	}

	return nil, fmt.Errorf("apply %s: retries exhausted: %w", f.FactID(), lastErr)
}

// attempt runs one load-transition-commit cycle. Transient errors bubble up
// for the retry loop; domain rejections and duplicates come back as outcomes.
func (r *Reconciler) attempt(ctx context.Context, f event.Fact, kind string) (*Outcome, error) {
	tok, err := r.store.GetToken(ctx, f.Token())
	if errors.Is(err, ErrNotFound) {
		tok = nil
	} else if err != nil {
		return nil, err
	}

	eff, err := r.machine.Apply(tok, f)
	if err != nil {
		var ce *state.ConflictError
		var ve *event.ValidationError
		if errors.As(err, &ce) || errors.As(err, &ve) {
			return r.reject(ctx, f, kind, err), nil
		}
		return nil, err
	}

	rec := r.buildRecord(f, eff)
	if err := r.store.ApplyFact(ctx, eff.Token, rec); err != nil {
		if errors.Is(err, ErrFactAlreadyApplied) {
			// Lost a race with a concurrent duplicate. The winner's commit is
			// the fact's one effect; surface it instead of ours.
			outcome, derr := r.alreadyApplied(ctx, f, "tx")
			if derr != nil {
				return nil, derr
			}
			r.dedup.MarkApplied(f.FactID())
			return outcome, nil
		}
		return nil, err
	}

	return &Outcome{Kind: OutcomeApplied, Record: rec, Token: eff.Token}, nil
}

func (r *Reconciler) buildRecord(f event.Fact, eff *state.Effect) *TransactionRecord {
	rec := &TransactionRecord{
		ID:          uuid.New(),
		FactID:      f.FactID(),
		TokenID:     f.Token(),
		Kind:        RecordKind(f.Kind()),
		FromWallet:  eff.From,
		ToWallet:    eff.To,
		Price:       eff.Price,
		Status:      StatusConfirmed,
		BlockNumber: f.Block(),
		OccurredAt:  f.OccurredAt(),
		AppliedAt:   time.Now().UTC(),
	}
	if eff.Fee != nil {
		rec.Fee = eff.Fee
		rec.Proceeds = eff.Proceeds
		rec.FeeRecipient = r.feeRecipient
	}
	return rec
}

// alreadyApplied fetches the prior record and current token for a duplicate.
func (r *Reconciler) alreadyApplied(ctx context.Context, f event.Fact, tier string) (*Outcome, error) {
	if r.metrics != nil {
		r.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}

	rec, err := r.store.GetAppliedRecord(ctx, f.FactID())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tok, err := r.store.GetToken(ctx, f.Token())
	if errors.Is(err, ErrNotFound) {
		tok = nil
	} else if err != nil {
		return nil, err
	}

	r.log.Debug().
		Str("fact_id", f.FactID()).
		Str("tier", tier).
		Msg("duplicate fact skipped")

	return &Outcome{Kind: OutcomeAlreadyApplied, Record: rec, Token: tok}, nil
}

// reject classifies a validation or guard failure. The fact is never marked
// applied, and the rejection is logged to the advisory table for review.
func (r *Reconciler) reject(ctx context.Context, f event.Fact, kind string, cause error) *Outcome {
	reason := "validation"
	var ce *state.ConflictError
	if errors.As(cause, &ce) {
		reason = ce.Precondition
	}

	if r.metrics != nil {
		r.metrics.FactsRejected.WithLabelValues(kind, reason).Inc()
	}

	if err := r.store.RecordRejection(ctx, f.FactID(), kind, cause.Error()); err != nil {
		r.log.Warn().Err(err).Str("fact_id", f.FactID()).Msg("rejection log write failed")
	}

	r.log.Info().
		Str("fact_id", f.FactID()).
		Str("kind", kind).
		Uint64("token_id", f.Token()).
		Str("reason", reason).
		Msg("fact rejected")

	return &Outcome{Kind: OutcomeRejected, Err: cause}
}
