package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"MarketMirror/internal/core"
	"MarketMirror/internal/state"
)

// Store is the Postgres-backed mirror. Prices are NUMERIC(78,0) so wei-scale
// values round-trip exactly; they cross the driver boundary as decimal strings.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

// DB exposes the underlying handle for the query service and migrator.
func (s *Store) DB() *sql.DB { return s.db }

// Open connects with the pool settings the mirror runs with in production.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// TokenColumns is the canonical select list for the tokens table, in the
// order ScanToken expects. Shared with the query service.
const TokenColumns = `token_id, creator, owner, purchasable, price, listing_state,
	metadata_uri, name, description, image, category, attributes, version, created_at, updated_at`

// GetToken returns the current mirrored token, or core.ErrNotFound.
func (s *Store) GetToken(ctx context.Context, tokenID uint64) (*state.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+TokenColumns+` FROM tokens WHERE token_id = $1`, int64(tokenID))

	tok, err := ScanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, classifyErr("get_token", err)
	}
	return tok, nil
}

// RecordColumns is the canonical select list for transaction_records, in the
// order ScanRecord expects.
const RecordColumns = `id, fact_id, token_id, kind, from_wallet, to_wallet,
	price, fee, proceeds, fee_recipient, status, block_number, occurred_at, applied_at`

// GetAppliedRecord returns the record written for factID, or core.ErrNotFound.
func (s *Store) GetAppliedRecord(ctx context.Context, factID string) (*core.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+RecordColumns+` FROM transaction_records WHERE fact_id = $1`, factID)

	rec, err := ScanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, classifyErr("get_applied_record", err)
	}
	return rec, nil
}

// ApplyFact commits the three-way write atomically: the fact mark, the token
// upsert, and the transaction record, plus lazy creation of any wallet the
// record references. The applied_facts insert goes first so a raced duplicate
// fails fast with ErrFactAlreadyApplied before touching anything else.
func (s *Store) ApplyFact(ctx context.Context, tok *state.Token, rec *core.TransactionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO applied_facts (fact_id, token_id, kind, applied_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.FactID, int64(rec.TokenID), rec.Kind, rec.AppliedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrFactAlreadyApplied
		}
		return classifyErr("mark_fact", err)
	}

	for _, wallet := range []string{rec.FromWallet, rec.ToWallet, tok.Creator, tok.Owner} {
		if wallet == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (wallet, created_at, updated_at)
			 VALUES ($1, NOW(), NOW()) ON CONFLICT (wallet) DO NOTHING`, wallet); err != nil {
			return classifyErr("ensure_user", err)
		}
	}

	attrs, err := json.Marshal(tok.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tokens (`+TokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (token_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			price = EXCLUDED.price,
			listing_state = EXCLUDED.listing_state,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		int64(tok.TokenID), tok.Creator, tok.Owner, tok.Purchasable,
		bigToSQL(tok.Price), tok.ListingState.String(),
		tok.MetadataURI, tok.Name, tok.Description, tok.Image, tok.Category,
		attrs, tok.Version, tok.CreatedAt, tok.UpdatedAt)
	if err != nil {
		return classifyErr("upsert_token", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transaction_records (`+RecordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.FactID, int64(rec.TokenID), rec.Kind,
		rec.FromWallet, rec.ToWallet,
		bigToSQL(rec.Price), bigToSQL(rec.Fee), bigToSQL(rec.Proceeds),
		rec.FeeRecipient, string(rec.Status), rec.BlockNumber,
		rec.OccurredAt, rec.AppliedAt)
	if err != nil {
		return classifyErr("insert_record", err)
	}

	if err := tx.Commit(); err != nil {
		return classifyErr("commit", err)
	}
	return nil
}

// RecordRejection appends to the advisory rejection log. Best effort by
// contract: callers log and move on if this fails.
func (s *Store) RecordRejection(ctx context.Context, factID, kind, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fact_rejections (fact_id, kind, reason, rejected_at)
		 VALUES ($1, $2, $3, NOW())`,
		factID, kind, reason)
	return classifyErr("record_rejection", err)
}

// IsApplied is the cold-path dedup lookup behind the in-memory LRU.
func (s *Store) IsApplied(ctx context.Context, factID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM applied_facts WHERE fact_id = $1 LIMIT 1`, factID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentFactIDs returns the most recently applied fact IDs, newest first.
// Used to warm the dedup LRU on startup.
func (s *Store) RecentFactIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fact_id FROM applied_facts ORDER BY applied_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classifyErr("recent_fact_ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ScanToken reads one tokens row in TokenColumns order.
func ScanToken(row rowScanner) (*state.Token, error) {
	var (
		tok       state.Token
		tokenID   int64
		price     sql.NullString
		listState string
		attrs     []byte
	)
	err := row.Scan(&tokenID, &tok.Creator, &tok.Owner, &tok.Purchasable,
		&price, &listState, &tok.MetadataURI, &tok.Name, &tok.Description,
		&tok.Image, &tok.Category, &attrs, &tok.Version, &tok.CreatedAt, &tok.UpdatedAt)
	if err != nil {
		return nil, err
	}

	tok.TokenID = uint64(tokenID)
	tok.Price, err = bigFromSQL(price)
	if err != nil {
		return nil, fmt.Errorf("token %d price: %w", tokenID, err)
	}
	if listState == state.Listed.String() {
		tok.ListingState = state.Listed
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &tok.Attributes); err != nil {
			return nil, fmt.Errorf("token %d attributes: %w", tokenID, err)
		}
	}
	return &tok, nil
}

// ScanRecord reads one transaction_records row in RecordColumns order.
// Shared with the query service.
func ScanRecord(row rowScanner) (*core.TransactionRecord, error) {
	var (
		rec     core.TransactionRecord
		tokenID int64
		price   sql.NullString
		feeAmt  sql.NullString
		prc     sql.NullString
		feeTo   sql.NullString
		status  string
	)
	err := row.Scan(&rec.ID, &rec.FactID, &tokenID, &rec.Kind,
		&rec.FromWallet, &rec.ToWallet, &price, &feeAmt, &prc,
		&feeTo, &status, &rec.BlockNumber, &rec.OccurredAt, &rec.AppliedAt)
	if err != nil {
		return nil, err
	}

	rec.TokenID = uint64(tokenID)
	rec.Status = core.RecordStatus(status)
	rec.FeeRecipient = feeTo.String
	if rec.Price, err = bigFromSQL(price); err != nil {
		return nil, fmt.Errorf("record %s price: %w", rec.FactID, err)
	}
	if rec.Fee, err = bigFromSQL(feeAmt); err != nil {
		return nil, fmt.Errorf("record %s fee: %w", rec.FactID, err)
	}
	if rec.Proceeds, err = bigFromSQL(prc); err != nil {
		return nil, fmt.Errorf("record %s proceeds: %w", rec.FactID, err)
	}
	return &rec, nil
}

func bigToSQL(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func bigFromSQL(v sql.NullString) (*big.Int, error) {
	if !v.Valid {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", v.String)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ core.MirrorStore = (*Store)(nil)
var _ core.DBIdempotencyChecker = (*Store)(nil)
