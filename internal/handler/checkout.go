package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tidysweep/billing/internal/metrics"
	"github.com/tidysweep/billing/internal/model"
	"github.com/tidysweep/billing/internal/store"
	stripegw "github.com/tidysweep/billing/internal/stripe"
)

type CheckoutHandler struct {
	stripeClient *stripegw.Client
	userStore    *store.UserStore
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewCheckoutHandler(sc *stripegw.Client, us *store.UserStore, m *metrics.Metrics, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		stripeClient: sc,
		userStore:    us,
		metrics:      m,
		logger:       logger,
	}
}

type checkoutRequest struct {
	PriceID   string `json:"priceId"`
	Platform  string `json:"platform"`
	Email     string `json:"email"`
	ReturnURL string `json:"returnUrl"`
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CreateCheckoutSession starts a Stripe checkout for a monthly or yearly
// subscription. Unauthenticated: the buyer has no token yet.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}

	var tier model.Tier
	switch req.PriceID {
	case "monthly":
		tier = model.TierMonthly
	case "yearly":
		tier = model.TierYearly
	default:
		WriteError(w, http.StatusBadRequest, CodeValidation, "priceId must be monthly or yearly")
		return
	}
	if req.Platform != "linux" && req.Platform != "windows" {
		WriteError(w, http.StatusBadRequest, CodeValidation, "platform must be linux or windows")
		return
	}

	customerID := ""
	if req.Email != "" {
		cust, err := h.stripeClient.GetOrCreateCustomer(req.Email, req.Platform)
		if err != nil {
			writeStripeError(w, h.logger, err)
			return
		}
		customerID = cust.ID
		if err := h.bindCustomer(req.Email, req.Platform, customerID); err != nil {
			h.logger.Error("persist customer mapping", "email", req.Email, "error", err)
			WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
			return
		}
	}

	sess, err := h.stripeClient.CreateCheckoutSession(stripegw.CheckoutParams{
		CustomerID: customerID,
		Email:      req.Email,
		Tier:       tier,
		Platform:   req.Platform,
		ReturnURL:  req.ReturnURL,
	})
	if err != nil {
		writeStripeError(w, h.logger, err)
		return
	}

	h.metrics.CheckoutSessions.Inc()
	WriteJSON(w, http.StatusOK, checkoutResponse{SessionID: sess.ID, URL: sess.URL})
}

// bindCustomer records the email to Stripe-customer mapping, creating the
// user on first checkout.
func (h *CheckoutHandler) bindCustomer(email, platform, customerID string) error {
	user, err := h.userStore.GetByEmail(email)
	if err != nil {
		return err
	}
	if user == nil {
		user, err = h.userStore.Create(email, &platform)
		if err != nil {
			return err
		}
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID != customerID {
		return h.userStore.UpdateStripeCustomerID(user.ID, customerID)
	}
	return nil
}
