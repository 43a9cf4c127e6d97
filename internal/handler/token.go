package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidysweep/billing/internal/metrics"
	"github.com/tidysweep/billing/internal/token"
)

type TokenHandler struct {
	tokens  *token.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewTokenHandler(ts *token.Service, m *metrics.Metrics, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{tokens: ts, metrics: m, logger: logger}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Refresh revokes the presented token and issues a replacement.
func (h *TokenHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == 0 {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}

	fresh, err := h.tokens.CreateEntitlementToken(id.UserID)
	if errors.Is(err, token.ErrUserNotFound) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "user not found")
		return
	}
	if err != nil {
		h.logger.Error("refresh token", "user", id.UserID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if err := h.tokens.RevokeToken(id.Token); err != nil {
		h.logger.Error("revoke old token", "user", id.UserID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.metrics.TokensIssued.Inc()
	WriteJSON(w, http.StatusOK, tokenResponse{Token: fresh.Token, ExpiresAt: fresh.ExpiresAt})
}

type revokeRequest struct {
	AllDevices bool `json:"allDevices"`
}

// Revoke invalidates the presented token, or every token of the user when
// allDevices is set. Idempotent.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == 0 {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}

	var req revokeRequest
	if r.Body != nil {
		// Body is optional; decode errors mean "just this token".
		json.NewDecoder(r.Body).Decode(&req)
	}

	var err error
	if req.AllDevices {
		err = h.tokens.RevokeAllUserTokens(id.UserID)
	} else {
		err = h.tokens.RevokeToken(id.Token)
	}
	if err != nil {
		h.logger.Error("revoke token", "user", id.UserID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.metrics.TokensRevoked.Inc()
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
