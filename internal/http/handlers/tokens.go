package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"forgelab/internal/domain"
)

func (a *App) TokensBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Tokens.Balance(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Msg("balance load failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"user_id":        userID,
		"balance":        balance,
		"tokens_per_job": a.Tokens.Cost(),
	})
}

type topupRequest struct {
	UserID string `json:"user_id"`
	Amount int    `json:"amount"`
	Source string `json:"source"`
}

// TokensTopup credits a user's balance. Operator-only until a payment
// provider is wired in.
func (a *App) TokensTopup(w http.ResponseWriter, r *http.Request) {
	if !a.adminAuthorized(r) {
		a.error(w, http.StatusUnauthorized, "unauthorized", "admin token required")
		return
	}
	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if _, err := uuid.Parse(req.UserID); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "user_id must be a uuid")
		return
	}
	if req.Source == "" {
		req.Source = "manual_topup"
	}
	event, err := a.Tokens.Topup(r.Context(), req.UserID, req.Amount, req.Source)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.Logger.Error().Err(err).Msg("topup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to credit tokens")
		return
	}
	a.json(w, http.StatusCreated, map[string]any{
		"event_id": event.ID,
		"user_id":  event.UserID,
		"delta":    event.Delta,
		"balance":  event.BalanceAfter,
	})
}
