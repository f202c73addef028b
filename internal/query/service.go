package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"MarketMirror/internal/core"
	"MarketMirror/internal/persistence"
	"MarketMirror/internal/stats"
)

// Service serves read-only views of the mirror. Every response is derived
// from the same committed rows the reconciler writes, so readers see a token
// either before or after a fact, never mid-apply.
type Service struct {
	db    *sql.DB
	stats *stats.Aggregator
	log   zerolog.Logger
}

func NewService(db *sql.DB, agg *stats.Aggregator, log zerolog.Logger) *Service {
	return &Service{
		db:    db,
		stats: agg,
		log:   log.With().Str("component", "query").Logger(),
	}
}

// Listings returns the page of currently listed tokens matching q.
func (s *Service) Listings(ctx context.Context, q *ListingQuery) (*TokenPage, error) {
	where := []string{"listing_state = 'listed'"}
	args := []interface{}{}
	argIdx := 1

	if q.Category != "" {
		where = append(where, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, q.Category)
		argIdx++
	}
	if q.MinPrice != nil {
		where = append(where, fmt.Sprintf("price >= $%d", argIdx))
		args = append(args, q.MinPrice.String())
		argIdx++
	}
	if q.MaxPrice != nil {
		where = append(where, fmt.Sprintf("price <= $%d", argIdx))
		args = append(args, q.MaxPrice.String())
		argIdx++
	}

	whereSQL := strings.Join(where, " AND ")

	total, err := s.countTokens(ctx, whereSQL, args)
	if err != nil {
		return nil, err
	}

	orderSQL := sortColumn(q.SortBy) + " " + sortDirection(q.SortOrder) + ", token_id ASC"

	items, err := s.selectTokens(ctx, whereSQL, orderSQL, args, argIdx, q.Page, q.Limit)
	if err != nil {
		return nil, err
	}

	return &TokenPage{
		Items: items,
		Page:  q.Page,
		Limit: q.Limit,
		Total: total,
		Pages: pageCount(total, q.Limit),
	}, nil
}

// Token returns a single token by ID, or core.ErrNotFound.
func (s *Service) Token(ctx context.Context, tokenID uint64) (*TokenView, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+persistence.TokenColumns+` FROM tokens WHERE token_id = $1`, int64(tokenID))

	tok, err := persistence.ScanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	view := tokenView(tok)
	return &view, nil
}

// TokensByOwner returns tokens currently held by the wallet, newest first.
func (s *Service) TokensByOwner(ctx context.Context, wallet string, page, limit int) (*TokenPage, error) {
	return s.tokensByWallet(ctx, "owner", wallet, page, limit)
}

// TokensByCreator returns tokens minted by the wallet, newest first.
func (s *Service) TokensByCreator(ctx context.Context, wallet string, page, limit int) (*TokenPage, error) {
	return s.tokensByWallet(ctx, "creator", wallet, page, limit)
}

func (s *Service) tokensByWallet(ctx context.Context, column, wallet string, page, limit int) (*TokenPage, error) {
	whereSQL := column + " = $1"
	args := []interface{}{wallet}

	total, err := s.countTokens(ctx, whereSQL, args)
	if err != nil {
		return nil, err
	}

	items, err := s.selectTokens(ctx, whereSQL, "created_at DESC, token_id ASC", args, 2, page, limit)
	if err != nil {
		return nil, err
	}

	return &TokenPage{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: pageCount(total, limit),
	}, nil
}

// TokenTransactions returns a token's applied history, most recent first.
func (s *Service) TokenTransactions(ctx context.Context, tokenID uint64, page, limit int) (*RecordPage, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transaction_records WHERE token_id = $1`,
		int64(tokenID)).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+persistence.RecordColumns+` FROM transaction_records
		 WHERE token_id = $1
		 ORDER BY occurred_at DESC, applied_at DESC
		 LIMIT $2 OFFSET $3`,
		int64(tokenID), limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []RecordView{}
	for rows.Next() {
		rec, err := persistence.ScanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, recordView(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &RecordPage{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: pageCount(total, limit),
	}, nil
}

// Profile returns the wallet's profile, or core.ErrNotFound. Wallets appear
// here lazily, on the first fact that references them.
func (s *Service) Profile(ctx context.Context, wallet string) (*UserView, error) {
	var (
		u     persistence.UserProfile
		links []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet, username, bio, avatar_uri, social_links, created_at, updated_at
		 FROM users WHERE wallet = $1`, wallet).
		Scan(&u.Wallet, &u.Username, &u.Bio, &u.AvatarURI, &links, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(links) > 0 {
		if err := json.Unmarshal(links, &u.SocialLinks); err != nil {
			return nil, fmt.Errorf("user %s social_links: %w", wallet, err)
		}
	}

	view := userView(&u)
	err = s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE owner = $1),
		   COUNT(*) FILTER (WHERE creator = $1)
		 FROM tokens`, wallet).
		Scan(&view.OwnedCount, &view.CreatedCount)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Stats returns the current marketplace aggregates.
func (s *Service) Stats() stats.Snapshot {
	return s.stats.Current()
}

// --- helpers ---

func (s *Service) countTokens(ctx context.Context, whereSQL string, args []interface{}) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE `+whereSQL, args...).Scan(&total)
	return total, err
}

func (s *Service) selectTokens(
	ctx context.Context,
	whereSQL, orderSQL string,
	args []interface{},
	argIdx, page, limit int,
) ([]TokenView, error) {
	query := fmt.Sprintf(
		`SELECT `+persistence.TokenColumns+` FROM tokens
		 WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		whereSQL, orderSQL, argIdx, argIdx+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []TokenView{}
	for rows.Next() {
		tok, err := persistence.ScanToken(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tokenView(tok))
	}
	return items, rows.Err()
}

func sortColumn(sortBy string) string {
	if sortBy == SortByPrice {
		return "price"
	}
	return "created_at"
}

func sortDirection(order string) string {
	if order == SortAsc {
		return "ASC"
	}
	return "DESC"
}
