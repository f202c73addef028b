package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MarketMirror/internal/core"
	"MarketMirror/internal/state"
)

// MirrorEvent is the outbound notification for one applied fact: the record
// plus the token's post-apply listing position, for consumers (indexers,
// notification services, front-end caches) that follow the mirror rather
// than the raw ledger feed.
type MirrorEvent struct {
	FactID       string    `json:"factId"`
	TokenID      uint64    `json:"tokenId"`
	Kind         string    `json:"kind"`
	FromWallet   string    `json:"fromWallet,omitempty"`
	ToWallet     string    `json:"toWallet,omitempty"`
	Price        *big.Int  `json:"price,omitempty"`
	Fee          *big.Int  `json:"fee,omitempty"`
	Owner        string    `json:"owner"`
	ListingState string    `json:"listingState"`
	OccurredAt   time.Time `json:"occurredAt"`
	AppliedAt    time.Time `json:"appliedAt"`
}

// OutboundStreamName carries applied-fact notifications for downstream
// consumers. Subjects: market.mirror.applied.{kind}.
const OutboundStreamName = "MIRROR_EVENTS"

// Publisher fans applied facts out to JetStream. It implements
// core.AppliedListener via a buffered channel so a slow or unavailable NATS
// never stalls the apply path; under sustained backlog events are dropped,
// which is acceptable because consumers can always re-read the mirror tables.
type Publisher struct {
	js     jetstream.JetStream
	events chan MirrorEvent
	log    zerolog.Logger

	// dropped is atomic: FactApplied runs concurrently across worker
	// goroutines, one per token lock.
	dropped atomic.Int64
}

func NewPublisher(js jetstream.JetStream, buffer int, log zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{
		js:     js,
		events: make(chan MirrorEvent, buffer),
		log:    log.With().Str("component", "publisher").Logger(),
	}
}

// FactApplied implements core.AppliedListener. Non-blocking by contract.
func (p *Publisher) FactApplied(rec *core.TransactionRecord, tok *state.Token) {
	evt := MirrorEvent{
		FactID:       rec.FactID,
		TokenID:      rec.TokenID,
		Kind:         rec.Kind,
		FromWallet:   rec.FromWallet,
		ToWallet:     rec.ToWallet,
		Price:        rec.Price,
		Fee:          rec.Fee,
		Owner:        tok.Owner,
		ListingState: tok.ListingState.String(),
		OccurredAt:   rec.OccurredAt,
		AppliedAt:    rec.AppliedAt,
	}

	select {
	case p.events <- evt:
	default:
		p.dropped.Add(1)
		p.log.Warn().Str("fact_id", rec.FactID).Msg("outbound buffer full, event dropped")
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run drains the event buffer and publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.events:
			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can re-read the mirror tables.
				p.log.Warn().Err(err).Str("fact_id", evt.FactID).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt MirrorEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal mirror event: %w", err)
	}

	subject := fmt.Sprintf("market.mirror.applied.%s", evt.Kind)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the applied-fact notification stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStreamName,
		Subjects:  []string{"market.mirror.applied.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", OutboundStreamName).Msg("ensured stream")
	return nil
}
