package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MarketMirror/internal/core"
)

// UserProfile is the off-chain profile attached to a wallet. Wallets come
// into existence lazily, either the first time a fact references them or the
// first time the wallet writes its own profile.
type UserProfile struct {
	Wallet      string
	Username    string
	Bio         string
	AvatarURI   string
	SocialLinks map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProfileUpdate carries partial profile edits; nil fields are left unchanged.
type ProfileUpdate struct {
	Username    *string
	Bio         *string
	AvatarURI   *string
	SocialLinks map[string]string
}

// GetUser returns the profile for wallet, or core.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, wallet string) (*UserProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT wallet, username, bio, avatar_uri, social_links, created_at, updated_at
		 FROM users WHERE wallet = $1`, wallet)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, classifyErr("get_user", err)
	}
	return u, nil
}

// UpdateProfile applies a partial edit, creating the wallet row if the user
// has never appeared in a fact.
func (s *Store) UpdateProfile(ctx context.Context, wallet string, upd ProfileUpdate) (*UserProfile, error) {
	var links interface{}
	if upd.SocialLinks != nil {
		b, err := json.Marshal(upd.SocialLinks)
		if err != nil {
			return nil, fmt.Errorf("marshal social links: %w", err)
		}
		links = b
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (wallet, username, bio, avatar_uri, social_links, created_at, updated_at)
		 VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, '{}'::jsonb), NOW(), NOW())
		 ON CONFLICT (wallet) DO UPDATE SET
			username     = COALESCE($2, users.username),
			bio          = COALESCE($3, users.bio),
			avatar_uri   = COALESCE($4, users.avatar_uri),
			social_links = COALESCE($5, users.social_links),
			updated_at   = NOW()
		 RETURNING wallet, username, bio, avatar_uri, social_links, created_at, updated_at`,
		wallet, upd.Username, upd.Bio, upd.AvatarURI, links)

	u, err := scanUser(row)
	if err != nil {
		return nil, classifyErr("update_profile", err)
	}
	return u, nil
}

func scanUser(row rowScanner) (*UserProfile, error) {
	var (
		u     UserProfile
		links []byte
	)
	if err := row.Scan(&u.Wallet, &u.Username, &u.Bio, &u.AvatarURI,
		&links, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if len(links) > 0 {
		if err := json.Unmarshal(links, &u.SocialLinks); err != nil {
			return nil, fmt.Errorf("user %s social links: %w", u.Wallet, err)
		}
	}
	return &u, nil
}
