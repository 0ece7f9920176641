package synergy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gaia/synergy-engine/internal/catalog"
	"github.com/gaia/synergy-engine/internal/exchange"
	"github.com/gaia/synergy-engine/internal/impact"
	"github.com/gaia/synergy-engine/internal/ledger"
	"github.com/gaia/synergy-engine/internal/mission"
	"github.com/gaia/synergy-engine/internal/model"
	"github.com/gaia/synergy-engine/internal/referral"
	"github.com/gaia/synergy-engine/internal/store"
)

// idempotencyHeader may carry the key instead of the JSON body.
const idempotencyHeader = "Idempotency-Key"

// Routes returns the API router, to be mounted under /api/v1.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/synergies", s.listSynergies)
	r.Get("/skill-transfers", s.listSkillTransfers)
	r.Get("/events", s.listActiveEvents)
	r.Post("/exchange", s.handleExchange)

	r.Get("/missions", s.listMissions)
	r.Get("/missions/{missionID}", s.getMission)
	r.Post("/missions/{missionID}/join", s.handleJoinMission)
	r.Post("/missions/{missionID}/complete", s.handleCompleteMission)

	r.Get("/harmony/{userID}", s.getHarmonyPoints)
	r.Get("/harmony/{userID}/entries", s.listPointsEntries)
	r.Post("/harmony/{userID}/credit", s.handleCredit)
	r.Post("/harmony/{userID}/debit", s.handleDebit)
	r.Put("/harmony/{userID}/multiplier", s.handleSetMultiplier)

	r.Get("/holdings/{userID}", s.getHoldings)
	r.Put("/profiles/{userID}", s.putProfile)
	r.Get("/badges/{userID}", s.handleBadges)

	r.Post("/referrals", s.handleCreateReferral)
	r.Post("/referrals/{referralID}/confirm", s.handleConfirmReferral)
	r.Post("/referrals/{referralID}/reject", s.handleRejectReferral)

	r.Post("/investments", s.handleCreateInvestment)
	r.Get("/investments/{userID}", s.listInvestments)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

// --- Request types ---

// CreditRequest is the JSON body for POST /harmony/{userID}/credit.
// A missing multiplier means 1.
type CreditRequest struct {
	Amount     decimal.Decimal  `json:"amount"`
	Multiplier *decimal.Decimal `json:"multiplier,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// DebitRequest is the JSON body for POST /harmony/{userID}/debit.
type DebitRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// MultiplierRequest is the JSON body for PUT /harmony/{userID}/multiplier.
type MultiplierRequest struct {
	Multiplier decimal.Decimal `json:"multiplier"`
}

// MissionRequest is the JSON body for mission join and complete.
type MissionRequest struct {
	UserID string `json:"user_id"`
}

// ReferralRequest is the JSON body for POST /referrals.
type ReferralRequest struct {
	ReferrerID     string            `json:"referrer_id"`
	RefereeID      string            `json:"referee_id"`
	ProjectsShared []model.ProjectID `json:"projects_shared"`
}

// InvestmentRequest is the JSON body for POST /investments.
type InvestmentRequest struct {
	UserID    string          `json:"user_id"`
	ProjectID model.ProjectID `json:"project_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// ProfileRequest is the JSON body for PUT /profiles/{userID}.
type ProfileRequest struct {
	Level  int                     `json:"level"`
	Skills map[model.ProjectID]int `json:"skills"`
}

// --- Catalog reads ---

// listSynergies handles GET /api/v1/synergies
func (s *Service) listSynergies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Synergies())
}

// listSkillTransfers handles GET /api/v1/skill-transfers
func (s *Service) listSkillTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.catalog.SkillTransfers()))
}

// listActiveEvents handles GET /api/v1/events
// Only campaigns active now are returned.
func (s *Service) listActiveEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.catalog.ActiveEvents(s.clock.Now())))
}

// --- Exchanges ---

// handleExchange handles POST /api/v1/exchange
func (s *Service) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(idempotencyHeader)
	}

	res, err := s.ExchangeTokens(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Missions ---

// listMissions handles GET /api/v1/missions
func (s *Service) listMissions(w http.ResponseWriter, r *http.Request) {
	views, err := s.Missions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// getMission handles GET /api/v1/missions/{missionID}
func (s *Service) getMission(w http.ResponseWriter, r *http.Request) {
	view, err := s.Mission(r.Context(), chi.URLParam(r, "missionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleJoinMission handles POST /api/v1/missions/{missionID}/join
func (s *Service) handleJoinMission(w http.ResponseWriter, r *http.Request) {
	var req MissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	view, err := s.JoinMission(r.Context(), chi.URLParam(r, "missionID"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCompleteMission handles POST /api/v1/missions/{missionID}/complete
func (s *Service) handleCompleteMission(w http.ResponseWriter, r *http.Request) {
	var req MissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.CompleteMission(r.Context(), chi.URLParam(r, "missionID"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Harmony Points ---

// getHarmonyPoints handles GET /api/v1/harmony/{userID}
func (s *Service) getHarmonyPoints(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeCtx(r.Context())
	defer cancel()

	hp, err := s.store.GetHarmonyPoints(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hp)
}

// listPointsEntries handles GET /api/v1/harmony/{userID}/entries
func (s *Service) listPointsEntries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeCtx(r.Context())
	defer cancel()

	entries, err := s.store.ListPointsEntries(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// handleCredit handles POST /api/v1/harmony/{userID}/credit
func (s *Service) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mult := one
	if req.Multiplier != nil {
		mult = *req.Multiplier
	}

	res, err := s.CreditHarmonyPoints(r.Context(), chi.URLParam(r, "userID"), req.Amount, mult, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSetMultiplier handles PUT /api/v1/harmony/{userID}/multiplier
func (s *Service) handleSetMultiplier(w http.ResponseWriter, r *http.Request) {
	var req MultiplierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hp, err := s.SetLedgerMultiplier(r.Context(), chi.URLParam(r, "userID"), req.Multiplier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hp)
}

// handleDebit handles POST /api/v1/harmony/{userID}/debit
func (s *Service) handleDebit(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(idempotencyHeader)
	}

	res, err := s.DebitHarmonyPoints(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.IdempotencyKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Holdings, profiles, badges ---

// getHoldings handles GET /api/v1/holdings/{userID}
func (s *Service) getHoldings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeCtx(r.Context())
	defer cancel()

	tokens, err := s.store.GetHoldings(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tokens))
}

// putProfile handles PUT /api/v1/profiles/{userID}
func (s *Service) putProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Level < 0 {
		writeError(w, "level must be >= 0", http.StatusBadRequest)
		return
	}
	for project, lvl := range req.Skills {
		if lvl < 0 {
			writeError(w, "skill level for "+string(project)+" must be >= 0", http.StatusBadRequest)
			return
		}
	}
	if req.Skills == nil {
		req.Skills = map[model.ProjectID]int{}
	}

	p := &model.UserProfile{UserID: chi.URLParam(r, "userID"), Level: req.Level, Skills: req.Skills}

	ctx, cancel := s.storeCtx(r.Context())
	defer cancel()

	if err := s.store.PutProfile(ctx, p); err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("profile updated", "user", p.UserID, "level", p.Level, "skills", len(p.Skills))
	writeJSON(w, http.StatusOK, p)
}

// handleBadges handles GET /api/v1/badges/{userID}
func (s *Service) handleBadges(w http.ResponseWriter, r *http.Request) {
	badges, err := s.GetEligibleBadges(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, badges)
}

// --- Referrals ---

// handleCreateReferral handles POST /api/v1/referrals
func (s *Service) handleCreateReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ref, err := s.CreateReferral(r.Context(), req.ReferrerID, req.RefereeID, req.ProjectsShared)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

// handleConfirmReferral handles POST /api/v1/referrals/{referralID}/confirm
func (s *Service) handleConfirmReferral(w http.ResponseWriter, r *http.Request) {
	res, err := s.ConfirmReferral(r.Context(), chi.URLParam(r, "referralID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRejectReferral handles POST /api/v1/referrals/{referralID}/reject
func (s *Service) handleRejectReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := s.RejectReferral(r.Context(), chi.URLParam(r, "referralID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// --- Investments ---

// handleCreateInvestment handles POST /api/v1/investments
func (s *Service) handleCreateInvestment(w http.ResponseWriter, r *http.Request) {
	var req InvestmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	inv, err := s.CreateInvestment(r.Context(), req.UserID, req.ProjectID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// listInvestments handles GET /api/v1/investments/{userID}
func (s *Service) listInvestments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeCtx(r.Context())
	defer cancel()

	invs, err := s.store.ListInvestments(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(invs))
}

// --- helpers ---

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnknownPair),
		errors.Is(err, catalog.ErrUnknownMission),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, exchange.ErrLockedSynergy),
		errors.Is(err, mission.ErrMissionFull),
		errors.Is(err, mission.ErrMissionExpired),
		errors.Is(err, mission.ErrAlreadyJoined),
		errors.Is(err, mission.ErrNotParticipant),
		errors.Is(err, mission.ErrAlreadyCompleted),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, referral.ErrAlreadyResolved),
		errors.Is(err, store.ErrDuplicateKey):
		return http.StatusConflict

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, exchange.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, referral.ErrSelfReferral),
		errors.Is(err, referral.ErrNoProjects),
		errors.Is(err, referral.ErrMissingUser),
		errors.Is(err, impact.ErrInvalidInvestment):
		return http.StatusBadRequest

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps err to a status. Internal failures are logged and
// reported without detail.
func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
