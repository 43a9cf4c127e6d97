package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidysweep/billing/internal/entitlement"
	"github.com/tidysweep/billing/internal/metrics"
	"github.com/tidysweep/billing/internal/model"
)

type RestoreHandler struct {
	entitlements *entitlement.Service
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewRestoreHandler(es *entitlement.Service, m *metrics.Metrics, logger *slog.Logger) *RestoreHandler {
	return &RestoreHandler{entitlements: es, metrics: m, logger: logger}
}

type restoreRequest struct {
	Email    string `json:"email"`
	Platform string `json:"platform"`
}

type restoreSubscription struct {
	Status           model.Status `json:"status"`
	Tier             model.Tier   `json:"tier"`
	CurrentPeriodEnd *time.Time   `json:"currentPeriodEnd"`
}

type restoreResponse struct {
	Success      bool                `json:"success"`
	Token        string              `json:"token"`
	ExpiresAt    time.Time           `json:"expiresAt"`
	Subscription restoreSubscription `json:"subscription"`
}

// Restore recovers access for a client that lost its token (reinstall, new
// device). Unauthenticated by design; possession of a paid subscription's
// email is the claim being verified.
func (h *RestoreHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		WriteError(w, http.StatusBadRequest, CodeValidation, "valid email required")
		return
	}

	result, err := h.entitlements.RestoreSubscription(req.Email, req.Platform)
	if errors.Is(err, entitlement.ErrNoActiveSubscription) {
		h.metrics.Restores.WithLabelValues("not_found").Inc()
		WriteError(w, http.StatusNotFound, CodeNotFound, "no active subscription for this email")
		return
	}
	if err != nil {
		h.metrics.Restores.WithLabelValues("error").Inc()
		h.logger.Error("restore subscription", "email", req.Email, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.metrics.Restores.WithLabelValues("ok").Inc()
	h.metrics.TokensIssued.Inc()
	WriteJSON(w, http.StatusOK, restoreResponse{
		Success:   true,
		Token:     result.Token.Token,
		ExpiresAt: result.Token.ExpiresAt,
		Subscription: restoreSubscription{
			Status:           result.Entitlement.Status,
			Tier:             result.Entitlement.Tier,
			CurrentPeriodEnd: result.Entitlement.CurrentPeriodEnd,
		},
	})
}
