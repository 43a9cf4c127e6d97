package handler

import (
	"log/slog"
	"net/http"

	"github.com/tidysweep/billing/internal/entitlement"
)

type EntitlementHandler struct {
	entitlements *entitlement.Service
	logger       *slog.Logger
}

func NewEntitlementHandler(es *entitlement.Service, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{entitlements: es, logger: logger}
}

// Verify reports the caller's entitlement state. Requires bearer auth.
func (h *EntitlementHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == 0 {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}

	resp, err := h.entitlements.GetEntitlementForUser(id.UserID)
	if err != nil {
		h.logger.Error("get entitlement", "user", id.UserID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
