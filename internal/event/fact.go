package event

import (
	"math/big"
	"time"
)

// Kind discriminates fact payloads
type Kind int32

const (
	KindUnknown Kind = iota
	KindMinted
	KindListed
	KindDelisted
	KindSold
)

// Fact is the interface all ledger fact payloads implement.
// Facts are immutable once observed; the mirror only applies them forward.
type Fact interface {
	// FactID returns the ledger transaction identifier. Opaque, never parsed,
	// used only as the idempotency key.
	FactID() string

	// Kind returns the discriminator
	Kind() Kind

	// Token returns the ledger-assigned token this fact touches
	Token() uint64

	// Block returns the ledger block that carried the fact
	Block() int64

	// OccurredAt returns the ledger timestamp of the fact
	OccurredAt() time.Time

	// Validate checks structural well-formedness (not mirror-state guards).
	// Returns a *ValidationError on malformed input.
	Validate() error
}

// Attribute is a metadata trait carried on Minted facts.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Minted represents token creation on the ledger.
// Idempotency key: fact_id (ledger transaction hash).
type Minted struct {
	ID          string
	TokenID     uint64
	Creator     string // wallet address
	Owner       string // wallet address, usually = Creator at mint
	Purchasable bool
	Price       *big.Int // optional; nil when the token mints unlisted
	MetadataURI string
	Name        string
	Description string
	Image       string // content address of the pinned media
	Category    string
	Attributes  []Attribute
	BlockNumber int64
	Timestamp   time.Time
}

func (m *Minted) FactID() string        { return m.ID }
func (m *Minted) Kind() Kind            { return KindMinted }
func (m *Minted) Token() uint64         { return m.TokenID }
func (m *Minted) Block() int64          { return m.BlockNumber }
func (m *Minted) OccurredAt() time.Time { return m.Timestamp }

func (m *Minted) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "fact_id", Reason: "empty"}
	}
	if m.Creator == "" {
		return &ValidationError{Field: "creator", Reason: "empty"}
	}
	if m.Owner == "" {
		return &ValidationError{Field: "owner", Reason: "empty"}
	}
	if m.MetadataURI == "" {
		return &ValidationError{Field: "metadata_uri", Reason: "empty"}
	}
	if m.Price != nil && m.Price.Sign() < 0 {
		return &ValidationError{Field: "price", Reason: "negative"}
	}
	return nil
}

// Listed represents the owner putting a token up for sale.
type Listed struct {
	ID          string
	TokenID     uint64
	Price       *big.Int
	By          string // wallet address of the lister
	BlockNumber int64
	Timestamp   time.Time
}

func (l *Listed) FactID() string        { return l.ID }
func (l *Listed) Kind() Kind            { return KindListed }
func (l *Listed) Token() uint64         { return l.TokenID }
func (l *Listed) Block() int64          { return l.BlockNumber }
func (l *Listed) OccurredAt() time.Time { return l.Timestamp }

func (l *Listed) Validate() error {
	if l.ID == "" {
		return &ValidationError{Field: "fact_id", Reason: "empty"}
	}
	if l.By == "" {
		return &ValidationError{Field: "by", Reason: "empty"}
	}
	if l.Price == nil || l.Price.Sign() <= 0 {
		return &ValidationError{Field: "price", Reason: "missing or non-positive"}
	}
	return nil
}

// Delisted represents the owner withdrawing a listing.
type Delisted struct {
	ID          string
	TokenID     uint64
	By          string
	BlockNumber int64
	Timestamp   time.Time
}

func (d *Delisted) FactID() string        { return d.ID }
func (d *Delisted) Kind() Kind            { return KindDelisted }
func (d *Delisted) Token() uint64         { return d.TokenID }
func (d *Delisted) Block() int64          { return d.BlockNumber }
func (d *Delisted) OccurredAt() time.Time { return d.Timestamp }

func (d *Delisted) Validate() error {
	if d.ID == "" {
		return &ValidationError{Field: "fact_id", Reason: "empty"}
	}
	if d.By == "" {
		return &ValidationError{Field: "by", Reason: "empty"}
	}
	return nil
}

// Sold represents a completed purchase.
type Sold struct {
	ID          string
	TokenID     uint64
	Buyer       string
	Price       *big.Int // amount actually paid
	BlockNumber int64
	Timestamp   time.Time
}

func (s *Sold) FactID() string        { return s.ID }
func (s *Sold) Kind() Kind            { return KindSold }
func (s *Sold) Token() uint64         { return s.TokenID }
func (s *Sold) Block() int64          { return s.BlockNumber }
func (s *Sold) OccurredAt() time.Time { return s.Timestamp }

func (s *Sold) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "fact_id", Reason: "empty"}
	}
	if s.Buyer == "" {
		return &ValidationError{Field: "buyer", Reason: "empty"}
	}
	if s.Price == nil || s.Price.Sign() <= 0 {
		return &ValidationError{Field: "price", Reason: "missing or non-positive"}
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindMinted:
		return "Minted"
	case KindListed:
		return "Listed"
	case KindDelisted:
		return "Delisted"
	case KindSold:
		return "Sold"
	default:
		return "Unknown"
	}
}

// KindFromString maps a wire kind name to its discriminator.
func KindFromString(s string) Kind {
	switch s {
	case "Minted", "minted":
		return KindMinted
	case "Listed", "listed":
		return KindListed
	case "Delisted", "delisted":
		return KindDelisted
	case "Sold", "sold":
		return KindSold
	default:
		return KindUnknown
	}
}
