package state

import (
	"math/big"
	"time"

	"MarketMirror/internal/event"
)

// ListingState is the per-token lifecycle position.
type ListingState int32

const (
	// Unlisted: not for sale. Initial state unless the mint carried a price,
	// and the state every sale or delist returns to.
	Unlisted ListingState = iota
	// Listed: for sale at Token.Price. Requires Purchasable.
	Listed
)

func (s ListingState) String() string {
	switch s {
	case Unlisted:
		return "unlisted"
	case Listed:
		return "listed"
	default:
		return "unknown"
	}
}

// Token is the mirrored state of one mintable/sellable unit.
// Invariant: ListingState == Listed implies Purchasable and Price != nil.
// Owner changes only through a successful sale transition.
type Token struct {
	TokenID      uint64
	Creator      string // wallet address, fixed at mint
	Owner        string // wallet address
	Purchasable  bool   // fixed at mint time
	Price        *big.Int
	ListingState ListingState
	MetadataURI  string
	Name         string
	Description  string
	Image        string
	Category     string
	Attributes   []event.Attribute
	Version      int64 // bumped on every applied transition
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy. Transitions mutate a clone so a guard failure
// never leaves a half-modified token visible to the caller.
func (t *Token) Clone() *Token {
	cp := *t
	if t.Price != nil {
		cp.Price = new(big.Int).Set(t.Price)
	}
	if t.Attributes != nil {
		cp.Attributes = make([]event.Attribute, len(t.Attributes))
		copy(cp.Attributes, t.Attributes)
	}
	return &cp
}
