package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"MarketMirror/internal/stats"
)

// LoadStats derives the aggregate baseline from the mirror tables.
// Implements stats.Source.
func (s *Store) LoadStats(ctx context.Context) (*stats.Loaded, error) {
	loaded := &stats.Loaded{
		TotalVolume: new(big.Int),
		TotalFees:   new(big.Int),
	}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&loaded.TotalTokens)
	if err != nil {
		return nil, classifyErr("stats_tokens", err)
	}

	var volume, fees sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(price), SUM(fee)
		 FROM transaction_records
		 WHERE kind = 'sale' AND status = 'confirmed'`).
		Scan(&loaded.TotalSales, &volume, &fees)
	if err != nil {
		return nil, classifyErr("stats_sales", err)
	}
	if loaded.TotalVolume, err = sumFromSQL(volume); err != nil {
		return nil, fmt.Errorf("stats volume: %w", err)
	}
	if loaded.TotalFees, err = sumFromSQL(fees); err != nil {
		return nil, fmt.Errorf("stats fees: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id FROM tokens WHERE listing_state = 'listed'`)
	if err != nil {
		return nil, classifyErr("stats_listed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		loaded.ListedTokenIDs = append(loaded.ListedTokenIDs, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	saleRows, err := s.db.QueryContext(ctx,
		`SELECT r.token_id, t.name, r.from_wallet, r.to_wallet, r.price, r.fee, r.occurred_at
		 FROM transaction_records r
		 JOIN tokens t ON t.token_id = r.token_id
		 WHERE r.kind = 'sale' AND r.status = 'confirmed'
		 ORDER BY r.occurred_at DESC
		 LIMIT 10`)
	if err != nil {
		return nil, classifyErr("stats_recent", err)
	}
	defer saleRows.Close()

	for saleRows.Next() {
		var (
			sale    stats.Sale
			tokenID int64
			price   sql.NullString
			fee     sql.NullString
		)
		if err := saleRows.Scan(&tokenID, &sale.Name, &sale.Seller, &sale.Buyer,
			&price, &fee, &sale.OccurredAt); err != nil {
			return nil, err
		}
		sale.TokenID = uint64(tokenID)
		if sale.Price, err = bigFromSQL(price); err != nil {
			return nil, fmt.Errorf("recent sale price: %w", err)
		}
		if sale.Fee, err = bigFromSQL(fee); err != nil {
			return nil, fmt.Errorf("recent sale fee: %w", err)
		}
		loaded.RecentSales = append(loaded.RecentSales, sale)
	}
	return loaded, saleRows.Err()
}

// sumFromSQL treats a NULL aggregate (no rows) as zero.
func sumFromSQL(v sql.NullString) (*big.Int, error) {
	if !v.Valid {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", v.String)
	}
	return n, nil
}

var _ stats.Source = (*Store)(nil)
