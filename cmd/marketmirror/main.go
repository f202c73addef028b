package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"

	"MarketMirror/internal/chainfeed"
	"MarketMirror/internal/config"
	"MarketMirror/internal/core"
	"MarketMirror/internal/fee"
	"MarketMirror/internal/ingestion"
	"MarketMirror/internal/mediastore"
	"MarketMirror/internal/observability"
	"MarketMirror/internal/persistence"
	"MarketMirror/internal/query"
	"MarketMirror/internal/server"
	"MarketMirror/internal/state"
	"MarketMirror/internal/stats"
)

func main() {
	log := observability.NewLogger("marketmirror")
	log.Info().Msg("MarketMirror starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := persistence.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Core wiring ---
	store := persistence.NewStore(db, log)

	fees, err := fee.NewCalculator(int64(cfg.FeeBps))
	if err != nil {
		log.Fatal().Err(err).Msg("fee calculator")
	}
	machine := state.NewMachine(fees)

	dedup := core.NewIdempotencyChecker(cfg.DedupCacheSize, store)
	recentIDs, err := store.RecentFactIDs(ctx, cfg.DedupCacheSize)
	if err != nil {
		log.Warn().Err(err).Msg("dedup warm load failed, starting cold")
	} else {
		dedup.Warm(recentIDs)
		log.Info().Int("facts", len(recentIDs)).Msg("dedup cache warmed")
	}

	aggregator := stats.NewAggregator(metrics)
	if err := aggregator.Recompute(ctx, store); err != nil {
		log.Fatal().Err(err).Msg("stats baseline recompute")
	}
	log.Info().Msg("stats baseline loaded")

	// --- NATS ---
	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		nc, jsCtx, err := ingestion.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		js = jsCtx

		if err := ingestion.EnsureStream(ctx, js, log); err != nil {
			log.Fatal().Err(err).Msg("ensure fact stream")
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}
	}

	// The aggregator always listens; the outbound publisher joins when NATS
	// is configured.
	listeners := core.Listeners{aggregator}
	if js != nil {
		publisher := ingestion.NewPublisher(js, 4096, log)
		listeners = append(listeners, publisher)
		go publisher.Run(ctx)
	}

	reconciler := core.NewReconciler(machine, store, dedup, cfg.FeeRecipient, listeners, metrics, log)

	// --- Ingestion ---
	factChan := make(chan ingestion.RawFact, 4096)

	pool := ingestion.NewWorkerPool(reconciler, factChan, cfg.Workers, metrics, log)
	go pool.Run(ctx)

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		subscriber = ingestion.NewNATSSubscriber(js, factChan, log)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			log.Fatal().Err(err).Msg("nats subscribe")
		}
		log.Info().Str("url", cfg.NATSURL).Msg("nats ingestion online")
	}

	var scanner *chainfeed.Scanner
	if cfg.GatewayURL != "" {
		scanner = chainfeed.NewScanner(cfg.GatewayURL, factChan, metrics, log)
	}

	var feed *chainfeed.FeedClient
	if cfg.FeedWSURL != "" {
		feed, err = chainfeed.NewFeedClient(ctx, cfg.FeedWSURL, factChan, scanner, nil, metrics, log)
		if err != nil {
			log.Fatal().Err(err).Msg("feed connect")
		}
		log.Info().Str("url", cfg.FeedWSURL).Msg("live feed online")
	}

	// --- HTTP surface ---
	media, err := mediastore.NewFS(cfg.MediaRoot, log)
	if err != nil {
		log.Fatal().Err(err).Msg("media store")
	}

	querySvc := query.NewService(db, aggregator, log)

	srv := server.New(ctx, cfg.HTTPAddr, &server.Deps{
		Query:    querySvc,
		Applier:  reconciler,
		Profiles: store,
		Media:    media,
		Scanner:  scannerOrNil(scanner),
		Health:   health,
		Metrics:  metrics,
	}, log)

	errChan := make(chan error, 4)
	go func() {
		errChan <- srv.Run()
	}()

	health.SetReady(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Int("workers", cfg.Workers).
		Uint32("fee_bps", cfg.FeeBps).
		Msg("MarketMirror ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	cancel()

	if feed != nil {
		feed.Close()
	}
	if subscriber != nil {
		subscriber.Stop()
	}

	log.Info().Msg("MarketMirror shutdown complete")
}

// scannerOrNil avoids a typed-nil interface when no gateway is configured.
func scannerOrNil(s *chainfeed.Scanner) server.RangeScanner {
	if s == nil {
		return nil
	}
	return s
}
