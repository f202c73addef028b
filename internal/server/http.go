package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"MarketMirror/internal/core"
	"MarketMirror/internal/event"
	"MarketMirror/internal/mediastore"
	"MarketMirror/internal/observability"
	"MarketMirror/internal/persistence"
	"MarketMirror/internal/query"
	"MarketMirror/internal/stats"
)

// Applier is the reconciler surface behind the HTTP fact intake.
type Applier interface {
	Apply(ctx context.Context, f event.Fact) (*core.Outcome, error)
}

// ProfileWriter persists wallet profile edits.
type ProfileWriter interface {
	UpdateProfile(ctx context.Context, wallet string, upd persistence.ProfileUpdate) (*persistence.UserProfile, error)
}

// RangeScanner backfills fact ranges from the ledger gateway.
type RangeScanner interface {
	ScanRange(ctx context.Context, fromBlock, toBlock int64) (int, error)
}

// QueryAPI is the read surface the handlers serve from.
type QueryAPI interface {
	Listings(ctx context.Context, q *query.ListingQuery) (*query.TokenPage, error)
	Token(ctx context.Context, tokenID uint64) (*query.TokenView, error)
	TokensByOwner(ctx context.Context, wallet string, page, limit int) (*query.TokenPage, error)
	TokensByCreator(ctx context.Context, wallet string, page, limit int) (*query.TokenPage, error)
	TokenTransactions(ctx context.Context, tokenID uint64, page, limit int) (*query.RecordPage, error)
	Profile(ctx context.Context, wallet string) (*query.UserView, error)
	Stats() stats.Snapshot
}

// Deps holds everything the HTTP surface serves from. Scanner and Media are
// optional; their endpoints return 503 when absent.
type Deps struct {
	Query    QueryAPI
	Applier  Applier
	Profiles ProfileWriter
	Media    mediastore.BlobStore
	Scanner  RangeScanner
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
}

// Server is the mirror's HTTP API: the marketplace query surface, the fact
// intake, and the operational endpoints.
type Server struct {
	httpServer *http.Server
	deps       *Deps
	baseCtx    context.Context
	log        zerolog.Logger
}

// New builds the server. ctx is the process lifetime: cancelling it stops
// Run and any background work handlers detached from a request.
func New(ctx context.Context, addr string, deps *Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps:    deps,
		baseCtx: ctx,
		log:     log.With().Str("component", "http").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/marketplace/listings", s.instrument("listings", s.handleListings))
	mux.HandleFunc("GET /api/marketplace/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("GET /api/nfts", s.instrument("nfts_by_wallet", s.handleTokensByWallet))
	mux.HandleFunc("GET /api/nfts/{tokenId}", s.instrument("nft", s.handleToken))
	mux.HandleFunc("GET /api/nfts/{tokenId}/transactions", s.instrument("nft_transactions", s.handleTokenTransactions))
	mux.HandleFunc("GET /api/users/{wallet}", s.instrument("user", s.handleGetProfile))
	mux.HandleFunc("PUT /api/users/{wallet}", s.instrument("user_update", s.handleUpdateProfile))
	mux.HandleFunc("POST /api/facts", s.instrument("facts", s.handleSubmitFact))
	mux.HandleFunc("POST /api/facts/scan", s.instrument("facts_scan", s.handleScan))
	mux.HandleFunc("POST /api/media", s.instrument("media_put", s.handlePutMedia))
	mux.HandleFunc("GET /api/media/{digest}", s.instrument("media_get", s.handleGetMedia))

	if s.deps.Health != nil {
		mux.HandleFunc("GET /healthz", s.deps.Health.LivenessHandler)
		mux.HandleFunc("GET /readyz", s.deps.Health.ReadinessHandler)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Run serves until the lifetime context is cancelled, then drains in-flight
// requests.
func (s *Server) Run() error {
	go func() {
		<-s.baseCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// statusRecorder captures the response code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h(rec, r)

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if rec.status >= 500 {
				m.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}
