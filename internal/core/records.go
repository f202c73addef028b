package core

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"MarketMirror/internal/event"
	"MarketMirror/internal/state"
)

// RecordStatus is the settlement status of a transaction record. The mirror
// only writes records for facts the ledger has already finalized, so every
// record is confirmed at insert time.
type RecordStatus string

const (
	StatusConfirmed RecordStatus = "confirmed"
)

// TransactionRecord is one row of immutable provenance: which fact moved
// which token, between whom, for how much. Fee and Proceeds are populated
// only on sales.
type TransactionRecord struct {
	ID           uuid.UUID
	FactID       string
	TokenID      uint64
	Kind         string // mint, list, delist, sale
	FromWallet   string
	ToWallet     string
	Price        *big.Int
	Fee          *big.Int
	Proceeds     *big.Int
	FeeRecipient string
	Status       RecordStatus
	BlockNumber  int64
	OccurredAt   time.Time
	AppliedAt    time.Time
}

// RecordKind maps a fact kind to the record row discriminator.
func RecordKind(k event.Kind) string {
	switch k {
	case event.KindMinted:
		return "mint"
	case event.KindListed:
		return "list"
	case event.KindDelisted:
		return "delist"
	case event.KindSold:
		return "sale"
	default:
		return "unknown"
	}
}

// OutcomeKind classifies the result of submitting a fact to the reconciler.
type OutcomeKind int

const (
	// OutcomeApplied: the fact mutated the mirror and produced a new record.
	OutcomeApplied OutcomeKind = iota
	// OutcomeAlreadyApplied: the fact was seen before; the prior record is
	// returned and no state changed.
	OutcomeAlreadyApplied
	// OutcomeRejected: a guard failed. The fact is NOT marked applied, so a
	// corrected resubmission under the same fact_id can still succeed.
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already_applied"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is what ApplyFact returns to callers. Token is the post-apply state
// for Applied, the current state for AlreadyApplied, and nil when the token
// does not exist. Err carries the conflict or validation error on rejection.
type Outcome struct {
	Kind   OutcomeKind
	Record *TransactionRecord
	Token  *state.Token
	Err    error
}
