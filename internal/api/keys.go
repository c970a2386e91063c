package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/spend"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// adminHandlers serve key and team management; all routes require the
// master key.
type adminHandlers struct {
	store  auth.Store
	ledger spend.Ledger
	logger *observability.Logger
}

// keyRequest is the mutable subset of a virtual key accepted on create
// and update.
type keyRequest struct {
	Name                string            `json:"name"`
	Alias               *string           `json:"key_alias"`
	TeamID              *string           `json:"team_id"`
	UserID              *string           `json:"user_id"`
	AllowedModels       []string          `json:"allowed_models"`
	TPMLimit            *int64            `json:"tpm_limit"`
	RPMLimit            *int64            `json:"rpm_limit"`
	MaxParallelRequests *int              `json:"max_parallel_requests"`
	ModelTPMLimit       map[string]int64  `json:"model_tpm_limit"`
	ModelRPMLimit       map[string]int64  `json:"model_rpm_limit"`
	MaxBudget           float64           `json:"max_budget"`
	SoftBudget          *float64          `json:"soft_budget"`
	BudgetDuration      string            `json:"budget_duration"`
	ExpiresAt           *time.Time        `json:"expires_at"`
}

// generatedKey is the create response; the raw key appears here once
// and is never retrievable again.
type generatedKey struct {
	Key     string           `json:"key"`
	KeyInfo *auth.VirtualKey `json:"key_info"`
}

// createKey serves POST /v1/keys.
func (a *adminHandlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rawKey, hash, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, r, gwerrors.NewInternalError("key generation failed"))
		return
	}

	now := time.Now()
	key := &auth.VirtualKey{
		ID:                  uuid.NewString(),
		KeyHash:             hash,
		KeyPrefix:           auth.ExtractKeyPrefix(rawKey),
		Name:                req.Name,
		Alias:               req.Alias,
		TeamID:              req.TeamID,
		UserID:              req.UserID,
		AllowedModels:       req.AllowedModels,
		TPMLimit:            req.TPMLimit,
		RPMLimit:            req.RPMLimit,
		MaxParallelRequests: req.MaxParallelRequests,
		ModelTPMLimit:       req.ModelTPMLimit,
		ModelRPMLimit:       req.ModelRPMLimit,
		MaxBudget:           req.MaxBudget,
		SoftBudget:          req.SoftBudget,
		BudgetDuration:      req.BudgetDuration,
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
		ExpiresAt:           req.ExpiresAt,
	}
	if next, ok := auth.NextBudgetReset(req.BudgetDuration, now); ok {
		key.BudgetResetAt = &next
	}

	if err := a.store.CreateKey(r.Context(), key); err != nil {
		a.logger.WithRequestID(r.Context()).Error("key create failed", "error", err)
		writeError(w, r, gwerrors.NewInternalError("key create failed"))
		return
	}

	writeJSON(w, http.StatusCreated, generatedKey{Key: rawKey, KeyInfo: key})
}

// listKeys serves GET /v1/keys.
func (a *adminHandlers) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.store.ListKeys(r.Context())
	if err != nil {
		writeError(w, r, gwerrors.NewInternalError("key list failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// getKey serves GET /v1/keys/{id}.
func (a *adminHandlers) getKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.store.GetKeyByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeKeyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// updateKey serves POST /v1/keys/{id}.
func (a *adminHandlers) updateKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.store.GetKeyByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeKeyError(w, r, err)
		return
	}

	var req keyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	key.Name = req.Name
	key.Alias = req.Alias
	key.TeamID = req.TeamID
	key.UserID = req.UserID
	key.AllowedModels = req.AllowedModels
	key.TPMLimit = req.TPMLimit
	key.RPMLimit = req.RPMLimit
	key.MaxParallelRequests = req.MaxParallelRequests
	key.ModelTPMLimit = req.ModelTPMLimit
	key.ModelRPMLimit = req.ModelRPMLimit
	key.MaxBudget = req.MaxBudget
	key.SoftBudget = req.SoftBudget
	key.ExpiresAt = req.ExpiresAt
	if req.BudgetDuration != key.BudgetDuration {
		key.BudgetDuration = req.BudgetDuration
		key.BudgetResetAt = nil
		if next, ok := auth.NextBudgetReset(req.BudgetDuration, time.Now()); ok {
			key.BudgetResetAt = &next
		}
	}

	if err := a.store.UpdateKey(r.Context(), key); err != nil {
		writeKeyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// deleteKey serves DELETE /v1/keys/{id}.
func (a *adminHandlers) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteKey(r.Context(), r.PathValue("id")); err != nil {
		writeKeyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// keySpend serves GET /v1/keys/{id}/spend.
func (a *adminHandlers) keySpend(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := a.ledger.ListByKey(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, gwerrors.NewInternalError("spend lookup failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// createTeam serves POST /v1/teams.
func (a *adminHandlers) createTeam(w http.ResponseWriter, r *http.Request) {
	var team auth.Team
	if err := decode(r, &team); err != nil {
		writeError(w, r, err)
		return
	}
	if team.ID == "" {
		team.ID = uuid.NewString()
	}
	team.IsActive = true
	team.CreatedAt = time.Now()
	team.UpdatedAt = team.CreatedAt

	if err := a.store.CreateTeam(r.Context(), &team); err != nil {
		writeError(w, r, gwerrors.NewInternalError("team create failed"))
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

// getTeam serves GET /v1/teams/{id}.
func (a *adminHandlers) getTeam(w http.ResponseWriter, r *http.Request) {
	team, err := a.store.GetTeam(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, auth.ErrTeamNotFound) {
			writeError(w, r, gwerrors.NewInvalidRequestError("", "team not found"))
			return
		}
		writeError(w, r, gwerrors.NewInternalError("team lookup failed"))
		return
	}
	writeJSON(w, http.StatusOK, team)
}

// updateTeam serves POST /v1/teams/{id}.
func (a *adminHandlers) updateTeam(w http.ResponseWriter, r *http.Request) {
	team, err := a.store.GetTeam(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, auth.ErrTeamNotFound) {
			writeError(w, r, gwerrors.NewInvalidRequestError("", "team not found"))
			return
		}
		writeError(w, r, gwerrors.NewInternalError("team lookup failed"))
		return
	}

	var update auth.Team
	if err := decode(r, &update); err != nil {
		writeError(w, r, err)
		return
	}
	update.ID = team.ID
	update.SpentBudget = team.SpentBudget
	update.CreatedAt = team.CreatedAt
	update.UpdatedAt = time.Now()

	if err := a.store.UpdateTeam(r.Context(), &update); err != nil {
		writeError(w, r, gwerrors.NewInternalError("team update failed"))
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func writeKeyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrKeyNotFound) {
		writeError(w, r, gwerrors.NewInvalidRequestError("", "key not found"))
		return
	}
	writeError(w, r, gwerrors.NewInternalError("key store error"))
}
