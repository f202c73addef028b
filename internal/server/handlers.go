package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"MarketMirror/internal/core"
	"MarketMirror/internal/event"
	"MarketMirror/internal/ingestion"
	"MarketMirror/internal/mediastore"
	"MarketMirror/internal/persistence"
	"MarketMirror/internal/query"
)

const (
	maxFactBody  = 1 << 20  // 1 MiB
	maxMediaBody = 10 << 20 // 10 MiB
)

// ============================================================================
// Marketplace queries
// ============================================================================

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	q, err := query.ParseListingQuery(r.URL.Query())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	page, err := s.deps.Query.Listings(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Query.Stats())
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := s.tokenIDFromPath(w, r)
	if !ok {
		return
	}

	tok, err := s.deps.Query.Token(r.Context(), tokenID)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleTokensByWallet(w http.ResponseWriter, r *http.Request) {
	page, limit, err := query.ParsePage(r.URL.Query())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	owner := r.URL.Query().Get("owner")
	creator := r.URL.Query().Get("creator")

	var result *query.TokenPage
	switch {
	case owner != "" && creator != "":
		writeError(w, http.StatusBadRequest, "invalid_argument", "owner and creator are mutually exclusive")
		return
	case owner != "":
		result, err = s.deps.Query.TokensByOwner(r.Context(), owner, page, limit)
	case creator != "":
		result, err = s.deps.Query.TokensByCreator(r.Context(), creator, page, limit)
	default:
		writeError(w, http.StatusBadRequest, "invalid_argument", "owner or creator parameter is required")
		return
	}
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTokenTransactions(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := s.tokenIDFromPath(w, r)
	if !ok {
		return
	}

	page, limit, err := query.ParsePage(r.URL.Query())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	hist, err := s.deps.Query.TokenTransactions(r.Context(), tokenID, page, limit)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// ============================================================================
// Profiles
// ============================================================================

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Query.Profile(r.Context(), r.PathValue("wallet"))
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type profileUpdateBody struct {
	Username    *string           `json:"username"`
	Bio         *string           `json:"bio"`
	AvatarURI   *string           `json:"avatarUri"`
	SocialLinks map[string]string `json:"socialLinks"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body profileUpdateBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFactBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed JSON body")
		return
	}

	u, err := s.deps.Profiles.UpdateProfile(r.Context(), r.PathValue("wallet"), persistence.ProfileUpdate{
		Username:    body.Username,
		Bio:         body.Bio,
		AvatarURI:   body.AvatarURI,
		SocialLinks: body.SocialLinks,
	})
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	refreshed, err := s.deps.Query.Profile(r.Context(), u.Wallet)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshed)
}

// ============================================================================
// Fact intake
// ============================================================================

func (s *Server) handleSubmitFact(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxFactBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "unreadable body")
		return
	}

	f, err := ingestion.ParseEnvelope(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	out, err := s.deps.Applier.Apply(r.Context(), f)
	if err != nil {
		// Store unavailable after retries; the submitter should resend.
		s.log.Error().Err(err).Str("fact_id", f.FactID()).Msg("fact intake failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "mirror store unavailable, retry later")
		return
	}

	switch out.Kind {
	case core.OutcomeApplied, core.OutcomeAlreadyApplied:
		resp := map[string]interface{}{
			"status":  out.Kind.String(),
			"factId":  f.FactID(),
			"tokenId": f.Token(),
		}
		if out.Record != nil {
			resp["recordId"] = out.Record.ID.String()
		}
		writeJSON(w, http.StatusOK, resp)

	case core.OutcomeRejected:
		status := http.StatusConflict
		code := "conflict"
		var ve *event.ValidationError
		if errors.As(out.Err, &ve) {
			status = http.StatusBadRequest
			code = "invalid_argument"
		}
		writeError(w, status, code, out.Err.Error())

	default:
		writeError(w, http.StatusInternalServerError, "internal", "unknown outcome")
	}
}

type scanRequestBody struct {
	FromBlock int64 `json:"fromBlock"`
	ToBlock   int64 `json:"toBlock"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no gateway configured for range scans")
		return
	}

	var body scanRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFactBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed JSON body")
		return
	}
	if body.FromBlock < 0 || (body.ToBlock != 0 && body.ToBlock < body.FromBlock) {
		writeError(w, http.StatusBadRequest, "invalid_argument", "bad block range")
		return
	}

	// Scans can take minutes; detach from the request but stay bound to the
	// server lifetime so shutdown cancels in-flight catch-up work.
	go func() {
		if _, err := s.deps.Scanner.ScanRange(s.baseCtx, body.FromBlock, body.ToBlock); err != nil {
			s.log.Error().Err(err).
				Int64("from_block", body.FromBlock).
				Int64("to_block", body.ToBlock).
				Msg("range scan failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "scan_started",
		"fromBlock": body.FromBlock,
		"toBlock":   body.ToBlock,
	})
}

// ============================================================================
// Media
// ============================================================================

func (s *Server) handlePutMedia(w http.ResponseWriter, r *http.Request) {
	if s.deps.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "media store not configured")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxMediaBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "unreadable body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_argument", "empty body")
		return
	}
	if len(data) > maxMediaBody {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "media exceeds 10 MiB")
		return
	}

	addr, err := s.deps.Media.Put(r.Context(), data)
	if err != nil {
		s.log.Error().Err(err).Msg("media store write failed")
		writeError(w, http.StatusInternalServerError, "internal", "media store write failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr})
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	if s.deps.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "media store not configured")
		return
	}

	// The path carries the bare digest; cas:// is a URI scheme and would not
	// survive path normalization.
	data, err := s.deps.Media.Get(r.Context(), mediastore.Scheme+r.PathValue("digest"))
	if errors.Is(err, mediastore.ErrBadAddress) {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if errors.Is(err, mediastore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such blob")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("media store read failed")
		writeError(w, http.StatusInternalServerError, "internal", "media store read failed")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	// Content-addressed blobs never change.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) tokenIDFromPath(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("tokenId")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "tokenId must be a non-negative integer")
		return 0, false
	}
	return id, true
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
	default:
		s.log.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "internal", "query failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
