package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MarketMirror/internal/state"
)

var (
	// ErrNotFound: the requested token, record, or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrFactAlreadyApplied: the store refused an apply because fact_id is
	// already recorded. Raced duplicates surface this from inside the
	// transaction; the reconciler converts it to OutcomeAlreadyApplied.
	ErrFactAlreadyApplied = errors.New("fact already applied")
)

// MirrorStore is the persistence boundary the reconciler writes through.
// ApplyFact must be atomic: the token upsert, the transaction record, and the
// applied_facts mark commit together or not at all.
type MirrorStore interface {
	// GetToken returns the current mirrored token, or ErrNotFound.
	GetToken(ctx context.Context, tokenID uint64) (*state.Token, error)

	// GetAppliedRecord returns the record previously produced by factID,
	// or ErrNotFound if the fact was never applied.
	GetAppliedRecord(ctx context.Context, factID string) (*TransactionRecord, error)

	// ApplyFact atomically writes the post-transition token, the record, and
	// the fact mark. Wallets referenced by the record are created lazily in
	// the same transaction. Returns ErrFactAlreadyApplied on a fact_id race.
	ApplyFact(ctx context.Context, tok *state.Token, rec *TransactionRecord) error

	// RecordRejection logs a rejected fact for operator review. Advisory:
	// failures here never fail the apply path.
	RecordRejection(ctx context.Context, factID, kind, reason string) error
}

// TransientError wraps an infrastructure failure (connection drop, failover,
// serialization abort) that is safe to retry because the atomic apply either
// fully committed or fully rolled back.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryPolicy bounds the apply retry loop for transient store failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy: 5 attempts, 100ms doubling to a 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// delay returns the backoff before attempt n (0-based; no delay before the first).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
