package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tidysweep/billing/internal/entitlement"
	"github.com/tidysweep/billing/internal/store"
	stripegw "github.com/tidysweep/billing/internal/stripe"
)

// BillingHandler serves the authenticated self-service surface: portal,
// invoice history, cancel and reactivate.
type BillingHandler struct {
	stripeClient *stripegw.Client
	userStore    *store.UserStore
	entitlements *store.EntitlementStore
	reconciler   *entitlement.Service
	logger       *slog.Logger
}

func NewBillingHandler(sc *stripegw.Client, us *store.UserStore, es *store.EntitlementStore, rec *entitlement.Service, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		stripeClient: sc,
		userStore:    us,
		entitlements: es,
		reconciler:   rec,
		logger:       logger,
	}
}

// customerID resolves the caller's Stripe customer id or writes the
// appropriate error. The empty string means the response is already written.
func (h *BillingHandler) customerID(w http.ResponseWriter, r *http.Request) string {
	id := IdentityFromContext(r.Context())
	if id.UserID == 0 {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return ""
	}
	user, err := h.userStore.GetByID(id.UserID)
	if err != nil {
		h.logger.Error("load user", "user", id.UserID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return ""
	}
	if user == nil || user.StripeCustomerID == nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no billing account")
		return ""
	}
	return *user.StripeCustomerID
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl"`
}

// CustomerPortal returns a URL to Stripe's self-service billing portal.
func (h *BillingHandler) CustomerPortal(w http.ResponseWriter, r *http.Request) {
	customerID := h.customerID(w, r)
	if customerID == "" {
		return
	}

	var req portalRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	url, err := h.stripeClient.CreatePortalSession(customerID, req.ReturnURL)
	if err != nil {
		writeStripeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

// BillingHistory lists the caller's recent invoices.
func (h *BillingHandler) BillingHistory(w http.ResponseWriter, r *http.Request) {
	customerID := h.customerID(w, r)
	if customerID == "" {
		return
	}

	invoices, err := h.stripeClient.ListInvoices(customerID, 24)
	if err != nil {
		writeStripeError(w, h.logger, err)
		return
	}
	if invoices == nil {
		invoices = []stripegw.InvoiceSummary{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

// CancelSubscription flags the caller's subscription for cancellation at
// period end, then re-syncs local state from Stripe's response.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	h.setCancelAtPeriodEnd(w, r, true)
}

// ReactivateSubscription clears a pending cancellation.
func (h *BillingHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setCancelAtPeriodEnd(w, r, false)
}

func (h *BillingHandler) setCancelAtPeriodEnd(w http.ResponseWriter, r *http.Request, cancel bool) {
	id := IdentityFromContext(r.Context())
	if id.UserID == 0 {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}

	ent, err := h.entitlements.GetCurrentForUser(id.UserID)
	if err != nil {
		h.logger.Error("load entitlement", "user", id.UserID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if ent == nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no active subscription")
		return
	}

	sub, err := h.stripeClient.SetCancelAtPeriodEnd(ent.StripeSubscriptionID, cancel)
	if err != nil {
		writeStripeError(w, h.logger, err)
		return
	}

	updated, err := h.reconciler.SyncFromSubscription(sub)
	if err != nil {
		h.logger.Error("sync after cancel update", "subscription", sub.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"subscription": map[string]any{
			"status":            updated.Status,
			"tier":              updated.Tier,
			"currentPeriodEnd":  updated.CurrentPeriodEnd,
			"cancelAtPeriodEnd": updated.CancelAtPeriodEnd,
		},
	})
}
