package state

import (
	"fmt"
	"math/big"

	"MarketMirror/internal/event"
	"MarketMirror/internal/fee"
)

// Effect is the outcome of a successful transition: the post-transition token
// plus the facts needed to derive a transaction record. Proceeds and Fee are
// recorded, not executed; settlement happens on the ledger.
type Effect struct {
	Token    *Token
	From     string // seller / lister / creator
	To       string // buyer or initial owner; empty for list/delist
	Price    *big.Int
	Fee      *big.Int // set only on sales
	Proceeds *big.Int // set only on sales
}

// Machine validates and applies per-token listing transitions:
//
//	Unlisted → Listed (list) → Unlisted (delist or sale)
//
// A sale moves ownership and starts a fresh Unlisted cycle under the buyer,
// so tokens can be re-listed after purchase. All guard failures return a
// *ConflictError; the input token is never mutated.
type Machine struct {
	fees *fee.Calculator
}

func NewMachine(fees *fee.Calculator) *Machine {
	return &Machine{fees: fees}
}

// Apply runs the guard and transition for f against tok. tok is nil iff the
// token has never been minted into the mirror. Structural validation errors
// (*event.ValidationError) surface before any guard is evaluated.
func (m *Machine) Apply(tok *Token, f event.Fact) (*Effect, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	switch evt := f.(type) {
	case *event.Minted:
		return m.applyMinted(tok, evt)
	case *event.Listed:
		return m.applyListed(tok, evt)
	case *event.Delisted:
		return m.applyDelisted(tok, evt)
	case *event.Sold:
		return m.applySold(tok, evt)
	default:
		return nil, fmt.Errorf("unknown fact type: %T", f)
	}
}

func (m *Machine) applyMinted(tok *Token, evt *event.Minted) (*Effect, error) {
	if tok != nil {
		return nil, conflictf("token_not_minted", "token %d already exists", evt.TokenID)
	}

	next := &Token{
		TokenID:      evt.TokenID,
		Creator:      evt.Creator,
		Owner:        evt.Owner,
		Purchasable:  evt.Purchasable,
		ListingState: Unlisted,
		MetadataURI:  evt.MetadataURI,
		Name:         evt.Name,
		Description:  evt.Description,
		Image:        evt.Image,
		Category:     evt.Category,
		Attributes:   evt.Attributes,
		Version:      1,
		CreatedAt:    evt.Timestamp,
		UpdatedAt:    evt.Timestamp,
	}

	// A purchasable mint that carries a price starts out listed.
	if evt.Purchasable && evt.Price != nil {
		next.ListingState = Listed
		next.Price = new(big.Int).Set(evt.Price)
	}

	return &Effect{
		Token: next,
		From:  evt.Creator,
		To:    evt.Owner,
		Price: next.Price,
	}, nil
}

func (m *Machine) applyListed(tok *Token, evt *event.Listed) (*Effect, error) {
	if tok == nil {
		return nil, conflictf("token_minted", "token %d not found", evt.TokenID)
	}
	if evt.By != tok.Owner {
		return nil, conflictf("lister_is_owner", "by=%s, owner=%s", evt.By, tok.Owner)
	}
	if !tok.Purchasable {
		return nil, conflictf("token_purchasable", "token %d was minted non-purchasable", evt.TokenID)
	}

	// From Unlisted this is a fresh listing; from Listed it is a price update
	// by the owner, applied in place rather than rejected.
	next := tok.Clone()
	next.ListingState = Listed
	next.Price = new(big.Int).Set(evt.Price)
	next.Version++
	next.UpdatedAt = evt.Timestamp

	return &Effect{
		Token: next,
		From:  tok.Owner,
		Price: next.Price,
	}, nil
}

func (m *Machine) applyDelisted(tok *Token, evt *event.Delisted) (*Effect, error) {
	if tok == nil {
		return nil, conflictf("token_minted", "token %d not found", evt.TokenID)
	}
	if tok.ListingState != Listed {
		return nil, conflictf("token_listed", "token %d is %s", evt.TokenID, tok.ListingState)
	}
	if evt.By != tok.Owner {
		return nil, conflictf("delister_is_owner", "by=%s, owner=%s", evt.By, tok.Owner)
	}

	next := tok.Clone()
	next.ListingState = Unlisted
	next.Price = nil
	next.Version++
	next.UpdatedAt = evt.Timestamp

	return &Effect{
		Token: next,
		From:  tok.Owner,
	}, nil
}

func (m *Machine) applySold(tok *Token, evt *event.Sold) (*Effect, error) {
	if tok == nil {
		return nil, conflictf("token_minted", "token %d not found", evt.TokenID)
	}
	if tok.ListingState != Listed {
		return nil, conflictf("token_listed", "token %d is %s", evt.TokenID, tok.ListingState)
	}
	if evt.Price.Cmp(tok.Price) < 0 {
		return nil, conflictf("sufficient_payment", "paid %s, listing price %s", evt.Price, tok.Price)
	}

	seller := tok.Owner

	next := tok.Clone()
	next.Owner = evt.Buyer
	next.ListingState = Unlisted
	next.Price = nil
	next.Version++
	next.UpdatedAt = evt.Timestamp

	return &Effect{
		Token:    next,
		From:     seller,
		To:       evt.Buyer,
		Price:    new(big.Int).Set(evt.Price),
		Fee:      m.fees.Fee(evt.Price),
		Proceeds: m.fees.Proceeds(evt.Price),
	}, nil
}
