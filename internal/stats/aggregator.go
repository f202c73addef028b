package stats

import (
	"context"
	"math/big"
	"sync"
	"time"

	"MarketMirror/internal/core"
	"MarketMirror/internal/observability"
	"MarketMirror/internal/state"
)

// recentSalesCap bounds the rolling window exposed on the stats endpoint.
const recentSalesCap = 10

// Sale is one entry in the recent-sales window.
type Sale struct {
	TokenID    uint64    `json:"tokenId"`
	Name       string    `json:"name"`
	Seller     string    `json:"seller"`
	Buyer      string    `json:"buyer"`
	Price      *big.Int  `json:"price"`
	Fee        *big.Int  `json:"fee"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Snapshot is a point-in-time copy of the aggregates.
// Invariant: TotalVolume equals the sum of Price over all confirmed sale
// records, maintained incrementally and repairable via Recompute.
type Snapshot struct {
	TotalTokens int64    `json:"totalTokens"`
	TotalSales  int64    `json:"totalSales"`
	TotalVolume *big.Int `json:"totalVolume"`
	TotalFees   *big.Int `json:"totalFees"`
	ListedNow   int64    `json:"listedNow"`
	RecentSales []Sale   `json:"recentSales"`
}

// Loaded is the recomputed baseline a Source derives from the record table.
type Loaded struct {
	TotalTokens    int64
	TotalSales     int64
	TotalVolume    *big.Int
	TotalFees      *big.Int
	ListedTokenIDs []uint64
	RecentSales    []Sale
}

// Source rebuilds aggregates from durable records.
type Source interface {
	LoadStats(ctx context.Context) (*Loaded, error)
}

// Aggregator maintains marketplace aggregates incrementally as facts commit.
// It subscribes to the reconciler as an AppliedListener, so it only ever sees
// each fact once, in commit order per token. Derived state: safe to rebuild
// from the record table at any time.
type Aggregator struct {
	mu sync.Mutex

	totalTokens int64
	totalSales  int64
	totalVolume *big.Int
	totalFees   *big.Int
	listed      map[uint64]struct{}
	recent      []Sale // newest first

	metrics *observability.Metrics
}

func NewAggregator(metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		totalVolume: new(big.Int),
		totalFees:   new(big.Int),
		listed:      make(map[uint64]struct{}),
		metrics:     metrics,
	}
}

// FactApplied implements core.AppliedListener.
func (a *Aggregator) FactApplied(rec *core.TransactionRecord, tok *state.Token) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch rec.Kind {
	case "mint":
		a.totalTokens++
	case "sale":
		a.totalSales++
		a.totalVolume.Add(a.totalVolume, rec.Price)
		if rec.Fee != nil {
			a.totalFees.Add(a.totalFees, rec.Fee)
		}
		a.pushSale(Sale{
			TokenID:    rec.TokenID,
			Name:       tok.Name,
			Seller:     rec.FromWallet,
			Buyer:      rec.ToWallet,
			Price:      new(big.Int).Set(rec.Price),
			Fee:        cloneBig(rec.Fee),
			OccurredAt: rec.OccurredAt,
		})
	}

	// Listing membership follows the post-apply state regardless of kind:
	// a re-list price update keeps the token in the set, a sale drops it.
	if tok.ListingState == state.Listed {
		a.listed[tok.TokenID] = struct{}{}
	} else {
		delete(a.listed, tok.TokenID)
	}

	a.exportLocked()
}

// Recompute replaces the aggregates with a baseline derived from the record
// table. Idempotent; used on startup and as an operator repair action when
// the incremental counters are suspected stale.
func (a *Aggregator) Recompute(ctx context.Context, src Source) error {
	loaded, err := src.LoadStats(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalTokens = loaded.TotalTokens
	a.totalSales = loaded.TotalSales
	a.totalVolume = new(big.Int).Set(loaded.TotalVolume)
	a.totalFees = new(big.Int).Set(loaded.TotalFees)

	a.listed = make(map[uint64]struct{}, len(loaded.ListedTokenIDs))
	for _, id := range loaded.ListedTokenIDs {
		a.listed[id] = struct{}{}
	}

	a.recent = a.recent[:0]
	for _, s := range loaded.RecentSales {
		if len(a.recent) == recentSalesCap {
			break
		}
		a.recent = append(a.recent, s)
	}

	if a.metrics != nil {
		a.metrics.StatsRecomputes.Inc()
	}
	a.exportLocked()
	return nil
}

// Current returns a deep copy of the aggregates.
func (a *Aggregator) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	recent := make([]Sale, len(a.recent))
	for i, s := range a.recent {
		recent[i] = s
		recent[i].Price = new(big.Int).Set(s.Price)
		recent[i].Fee = cloneBig(s.Fee)
	}

	return Snapshot{
		TotalTokens: a.totalTokens,
		TotalSales:  a.totalSales,
		TotalVolume: new(big.Int).Set(a.totalVolume),
		TotalFees:   new(big.Int).Set(a.totalFees),
		ListedNow:   int64(len(a.listed)),
		RecentSales: recent,
	}
}

// pushSale keeps the window ordered by OccurredAt descending, the same
// ordering Recompute loads from the record table, so a late-arriving sale
// fact slots into place instead of jumping the queue.
func (a *Aggregator) pushSale(s Sale) {
	i := 0
	for i < len(a.recent) && a.recent[i].OccurredAt.After(s.OccurredAt) {
		i++
	}
	if i >= recentSalesCap {
		return
	}
	a.recent = append(a.recent, Sale{})
	copy(a.recent[i+1:], a.recent[i:])
	a.recent[i] = s
	if len(a.recent) > recentSalesCap {
		a.recent = a.recent[:recentSalesCap]
	}
}

func (a *Aggregator) exportLocked() {
	if a.metrics == nil {
		return
	}
	a.metrics.StatsTotalTokens.Set(float64(a.totalTokens))
	a.metrics.StatsTotalSales.Set(float64(a.totalSales))
	a.metrics.StatsListedNow.Set(float64(len(a.listed)))
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
