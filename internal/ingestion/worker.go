package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"MarketMirror/internal/core"
	"MarketMirror/internal/event"
	"MarketMirror/internal/observability"
)

// Applier is the reconciler surface the pool drives.
type Applier interface {
	Apply(ctx context.Context, f event.Fact) (*core.Outcome, error)
}

// WorkerPool drains RawFacts from the shared channel, parses them, and
// submits them to the reconciler. Workers run in parallel; the reconciler's
// per-token locks provide the ordering that matters, so pool size trades
// throughput against nothing but memory.
//
// Disposition rules: infrastructure failure NAKs (redeliver), everything
// else ACKs. A rejected fact is a final answer, and a malformed payload will
// not parse better the fifth time.
type WorkerPool struct {
	applier  Applier
	factChan <-chan RawFact
	workers  int
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewWorkerPool(applier Applier, factChan <-chan RawFact, workers int, metrics *observability.Metrics, log zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	return &WorkerPool{
		applier:  applier,
		factChan: factChan,
		workers:  workers,
		metrics:  metrics,
		log:      log.With().Str("component", "worker_pool").Logger(),
	}
}

// Run blocks until ctx is cancelled and the fact channel has drained.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
}

func (p *WorkerPool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-p.factChan:
			if !ok {
				return
			}
			p.handle(ctx, raw)
		}
	}
}

func (p *WorkerPool) handle(ctx context.Context, raw RawFact) {
	if p.metrics != nil {
		p.metrics.IngestReceived.WithLabelValues(raw.Source).Inc()
	}

	f, err := ParseFact(raw.Kind, raw.Data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IngestParseFails.Inc()
		}
		p.log.Error().Err(err).Str("kind", raw.Kind).Msg("unparseable fact dropped")
		ack(raw)
		return
	}

	out, err := p.applier.Apply(ctx, f)
	if err != nil {
		// Store unavailable after retries; leave the fact on the stream.
		if p.metrics != nil {
			p.metrics.IngestNaks.Inc()
		}
		p.log.Error().Err(err).Str("fact_id", f.FactID()).Msg("apply failed, nak for redelivery")
		nak(raw)
		return
	}

	if out.Kind == core.OutcomeApplied && p.metrics != nil {
		p.metrics.IngestLag.Observe(time.Since(f.OccurredAt()).Seconds())
	}
	ack(raw)
}

func ack(raw RawFact) {
	if raw.Ack != nil {
		raw.Ack()
	}
}

func nak(raw RawFact) {
	if raw.Nak != nil {
		raw.Nak()
	}
}
