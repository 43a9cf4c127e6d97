package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/tidysweep/billing/internal/entitlement"
	"github.com/tidysweep/billing/internal/metrics"
	"github.com/tidysweep/billing/internal/store"
)

// maxWebhookBody bounds the raw payload read; Stripe events are well under
// this.
const maxWebhookBody = 1 << 20

// EventVerifier checks a raw payload against its signature header. Satisfied
// by the Stripe client.
type EventVerifier interface {
	VerifyWebhookSignature(payload []byte, sigHeader string) (stripe.Event, error)
}

type WebhookHandler struct {
	verifier     EventVerifier
	entitlements *entitlement.Service
	events       *store.WebhookEventStore
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewWebhookHandler(v EventVerifier, es *entitlement.Service, ws *store.WebhookEventStore, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:     v,
		entitlements: es,
		events:       ws,
		metrics:      m,
		logger:       logger,
	}
}

// HandleStripeWebhook ingests a signed provider event: verify, dedup,
// dispatch, mark processed. Handler failures are recorded on the event row
// and acknowledged with 200 so Stripe does not retry application-logic bugs;
// only signature or payload-shape failures produce a 400.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	// The raw body must reach signature verification untouched; parsing
	// and reserializing would invalidate the signature.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "read body")
		return
	}

	event, err := h.verifier.VerifyWebhookSignature(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid signature")
		return
	}

	evt, created, err := h.events.Insert(event.ID, string(event.Type), string(body))
	if err != nil {
		h.logger.Error("record webhook event", "event", event.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if !created {
		h.metrics.WebhookEvents.WithLabelValues(string(event.Type), "duplicate").Inc()
		h.logger.Info("duplicate webhook delivery ignored", "event", event.ID, "type", event.Type)
		WriteJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true})
		return
	}

	handlerErr := h.dispatch(event)

	errText := ""
	outcome := "processed"
	if handlerErr != nil {
		errText = handlerErr.Error()
		outcome = "error"
		h.logger.Error("webhook handler failed", "event", event.ID, "type", event.Type, "error", handlerErr)
	}
	if err := h.events.MarkProcessed(evt.ID, errText); err != nil {
		h.logger.Error("mark webhook event processed", "event", event.ID, "error", err)
	}
	h.metrics.WebhookEvents.WithLabelValues(string(event.Type), outcome).Inc()

	WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) dispatch(event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}
		_, err := h.entitlements.SyncFromSubscription(&sub)
		return err

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}
		return h.entitlements.HandleSubscriptionDeleted(&sub)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("unmarshal invoice: %w", err)
		}
		return h.entitlements.HandlePaymentFailed(subscriptionIDFromInvoice(inv))

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("unmarshal invoice: %w", err)
		}
		return h.entitlements.HandlePaymentSucceeded(subscriptionIDFromInvoice(inv))

	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("unmarshal checkout session: %w", err)
		}
		if sess.Subscription == nil {
			return nil
		}
		// The session carries only the subscription id; fetch and sync
		// the canonical state.
		return h.entitlements.HandlePaymentSucceeded(sess.Subscription.ID)

	default:
		// Unhandled event types are recorded and acknowledged.
		return nil
	}
}

// subscriptionIDFromInvoice extracts the subscription id from an invoice's
// parent, or "" when the invoice is not subscription-backed.
func subscriptionIDFromInvoice(inv stripe.Invoice) string {
	if inv.Parent != nil &&
		inv.Parent.SubscriptionDetails != nil &&
		inv.Parent.SubscriptionDetails.Subscription != nil {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}
