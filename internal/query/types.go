package query

import (
	"math/big"
	"time"

	"MarketMirror/internal/core"
	"MarketMirror/internal/event"
	"MarketMirror/internal/persistence"
	"MarketMirror/internal/state"
)

// TokenView is the API shape of a mirrored token.
type TokenView struct {
	TokenID      uint64            `json:"tokenId"`
	Creator      string            `json:"creator"`
	Owner        string            `json:"owner"`
	Purchasable  bool              `json:"purchasable"`
	Price        *big.Int          `json:"price,omitempty"`
	ListingState string            `json:"listingState"`
	MetadataURI  string            `json:"metadataUri"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Image        string            `json:"image"`
	Category     string            `json:"category"`
	Attributes   []event.Attribute `json:"attributes,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func tokenView(t *state.Token) TokenView {
	return TokenView{
		TokenID:      t.TokenID,
		Creator:      t.Creator,
		Owner:        t.Owner,
		Purchasable:  t.Purchasable,
		Price:        t.Price,
		ListingState: t.ListingState.String(),
		MetadataURI:  t.MetadataURI,
		Name:         t.Name,
		Description:  t.Description,
		Image:        t.Image,
		Category:     t.Category,
		Attributes:   t.Attributes,
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// RecordView is the API shape of one applied transaction record.
type RecordView struct {
	ID           string    `json:"id"`
	FactID       string    `json:"factId"`
	TokenID      uint64    `json:"tokenId"`
	Kind         string    `json:"kind"`
	FromWallet   string    `json:"fromWallet,omitempty"`
	ToWallet     string    `json:"toWallet,omitempty"`
	Price        *big.Int  `json:"price,omitempty"`
	Fee          *big.Int  `json:"fee,omitempty"`
	Proceeds     *big.Int  `json:"proceeds,omitempty"`
	FeeRecipient string    `json:"feeRecipient,omitempty"`
	Status       string    `json:"status"`
	BlockNumber  int64     `json:"blockNumber"`
	OccurredAt   time.Time `json:"occurredAt"`
	AppliedAt    time.Time `json:"appliedAt"`
}

func recordView(r *core.TransactionRecord) RecordView {
	return RecordView{
		ID:           r.ID.String(),
		FactID:       r.FactID,
		TokenID:      r.TokenID,
		Kind:         r.Kind,
		FromWallet:   r.FromWallet,
		ToWallet:     r.ToWallet,
		Price:        r.Price,
		Fee:          r.Fee,
		Proceeds:     r.Proceeds,
		FeeRecipient: r.FeeRecipient,
		Status:       string(r.Status),
		BlockNumber:  r.BlockNumber,
		OccurredAt:   r.OccurredAt,
		AppliedAt:    r.AppliedAt,
	}
}

// UserView is the API shape of a wallet profile, with the wallet's current
// holdings summarized.
type UserView struct {
	Wallet       string            `json:"wallet"`
	Username     string            `json:"username"`
	Bio          string            `json:"bio"`
	AvatarURI    string            `json:"avatarUri"`
	SocialLinks  map[string]string `json:"socialLinks"`
	OwnedCount   int64             `json:"ownedCount"`
	CreatedCount int64             `json:"createdCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func userView(u *persistence.UserProfile) UserView {
	links := u.SocialLinks
	if links == nil {
		links = map[string]string{}
	}
	return UserView{
		Wallet:      u.Wallet,
		Username:    u.Username,
		Bio:         u.Bio,
		AvatarURI:   u.AvatarURI,
		SocialLinks: links,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// TokenPage is the standard pagination envelope for token listings.
type TokenPage struct {
	Items []TokenView `json:"items"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
	Total int64       `json:"total"`
	Pages int64       `json:"pages"`
}

// RecordPage is the pagination envelope for transaction history.
type RecordPage struct {
	Items []RecordView `json:"items"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Total int64        `json:"total"`
	Pages int64        `json:"pages"`
}

func pageCount(total int64, limit int) int64 {
	if total == 0 {
		return 0
	}
	return (total + int64(limit) - 1) / int64(limit)
}
