package stripe

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tidysweep/billing/internal/model"
)

// ErrCheckoutFailed is returned when Stripe creates a checkout session
// without a redirect URL.
var ErrCheckoutFailed = errors.New("checkout session has no redirect url")

// ErrSignatureVerification is returned when a webhook payload fails the
// signature check. This is the sole trust boundary for inbound events.
var ErrSignatureVerification = errors.New("webhook signature verification failed")

type Config struct {
	SecretKey      string
	WebhookSecret  string
	MonthlyPriceID string
	YearlyPriceID  string
	SuccessURL     string
	CancelURL      string
	TrialDays      int64
}

type Client struct {
	cfg    Config
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.TrialDays == 0 {
		cfg.TrialDays = 7
	}
	return &Client{cfg: cfg, logger: logger}
}

// FindCustomerByEmail returns the first Stripe customer with the given
// email, or nil if none exists.
func (c *Client) FindCustomerByEmail(email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	iter := customer.List(params)
	for iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return nil, nil
}

// GetCustomer fetches a customer by id.
func (c *Client) GetCustomer(customerID string) (*stripe.Customer, error) {
	cust, err := customer.Get(customerID, nil)
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return cust, nil
}

// GetOrCreateCustomer finds an existing customer by email or creates one
// tagged with the client platform.
func (c *Client) GetOrCreateCustomer(email, platform string) (*stripe.Customer, error) {
	existing, err := c.FindCustomerByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	if platform != "" {
		params.AddMetadata("platform", platform)
	}
	cust, err := customer.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe customer: %w", err)
	}
	return cust, nil
}

// CheckoutParams describes a checkout session request. CustomerID, when
// set, binds the session to an existing customer; otherwise Email is used
// to prefill checkout.
type CheckoutParams struct {
	CustomerID string
	Email      string
	Tier       model.Tier
	Platform   string
	ReturnURL  string
}

// CheckoutSession is the session id plus the redirect URL the client opens.
type CheckoutSession struct {
	ID  string
	URL string
}

// CreateCheckoutSession creates a subscription checkout session with a trial
// period. Platform and tier are bound as metadata so webhook reconciliation
// can recover them later.
func (c *Client) CreateCheckoutSession(p CheckoutParams) (*CheckoutSession, error) {
	successURL := c.cfg.SuccessURL
	cancelURL := c.cfg.CancelURL
	if p.ReturnURL != "" {
		successURL = p.ReturnURL
		cancelURL = p.ReturnURL
	}

	priceID := c.cfg.MonthlyPriceID
	if p.Tier == model.TierYearly {
		priceID = c.cfg.YearlyPriceID
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(c.cfg.TrialDays),
			Metadata: map[string]string{
				"platform": p.Platform,
				"tier":     string(p.Tier),
			},
		},
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(successURL),
		CancelURL:           stripe.String(cancelURL),
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	} else if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}
	params.AddMetadata("platform", p.Platform)
	params.AddMetadata("tier", string(p.Tier))

	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if sess.URL == "" {
		return nil, ErrCheckoutFailed
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CreatePortalSession returns a URL to Stripe's self-service billing portal.
func (c *Client) CreatePortalSession(customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer: stripe.String(customerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// GetSubscription fetches the canonical subscription state from Stripe.
func (c *Client) GetSubscription(subID string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(subID, nil)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// GetActiveSubscription returns the customer's most recently created
// subscription whose status is active, trialing, or past_due, or nil.
func (c *Client) GetActiveSubscription(customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	iter := subscription.List(params)

	var best *stripe.Subscription
	for iter.Next() {
		sub := iter.Subscription()
		switch sub.Status {
		case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		default:
			continue
		}
		if best == nil || sub.Created > best.Created {
			best = sub
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return best, nil
}

// SetCancelAtPeriodEnd flags or unflags the subscription for cancellation at
// the end of the current period and returns the updated subscription.
func (c *Client) SetCancelAtPeriodEnd(subID string, cancel bool) (*stripe.Subscription, error) {
	sub, err := subscription.Update(subID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	})
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

// InvoiceSummary is one line of a customer's billing history.
type InvoiceSummary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
	HostedURL string    `json:"hostedUrl,omitempty"`
	PDFURL    string    `json:"pdfUrl,omitempty"`
}

// ListInvoices returns up to limit invoices for the customer, newest first.
func (c *Client) ListInvoices(customerID string, limit int64) ([]InvoiceSummary, error) {
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Limit = stripe.Int64(limit)
	iter := invoice.List(params)

	var out []InvoiceSummary
	for iter.Next() {
		inv := iter.Invoice()
		out = append(out, InvoiceSummary{
			ID:        inv.ID,
			Status:    string(inv.Status),
			Total:     inv.Total,
			Currency:  string(inv.Currency),
			CreatedAt: time.Unix(inv.Created, 0).UTC(),
			HostedURL: inv.HostedInvoiceURL,
			PDFURL:    inv.InvoicePDF,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return out, nil
}

// VerifyWebhookSignature checks the Stripe-Signature header against the raw,
// unparsed payload and returns the parsed event. The body must be passed
// exactly as received; reserializing invalidates the signature.
func (c *Client) VerifyWebhookSignature(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	return event, nil
}

// MapStatus translates a Stripe subscription status into the local enum.
// Unknown values map to incomplete so a new provider status fails safe
// rather than granting access.
func MapStatus(s stripe.SubscriptionStatus) model.Status {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return model.StatusTrialing
	case stripe.SubscriptionStatusActive:
		return model.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return model.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return model.StatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return model.StatusUnpaid
	case stripe.SubscriptionStatusIncomplete:
		return model.StatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return model.StatusIncompleteExpired
	case stripe.SubscriptionStatusPaused:
		return model.StatusPaused
	default:
		return model.StatusIncomplete
	}
}

// DetermineTier matches the subscription's price against the configured
// price ids, falling back to the billing interval, then to monthly. The
// monthly default is inherited behavior; the fallback is logged so a
// misclassified yearly subscriber is at least visible.
func (c *Client) DetermineTier(sub *stripe.Subscription) model.Tier {
	price := firstItemPrice(sub)
	if price == nil {
		c.logger.Warn("subscription has no price, defaulting tier to monthly", "subscription", sub.ID)
		return model.TierMonthly
	}

	switch price.ID {
	case c.cfg.MonthlyPriceID:
		return model.TierMonthly
	case c.cfg.YearlyPriceID:
		return model.TierYearly
	}

	if price.Recurring != nil {
		switch price.Recurring.Interval {
		case stripe.PriceRecurringIntervalMonth:
			return model.TierMonthly
		case stripe.PriceRecurringIntervalYear:
			return model.TierYearly
		}
	}

	c.logger.Warn("could not determine tier, defaulting to monthly",
		"subscription", sub.ID, "price", price.ID)
	return model.TierMonthly
}

func firstItemPrice(sub *stripe.Subscription) *stripe.Price {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0].Price
}

// PeriodBounds extracts the current period start and end from the
// subscription's first item. Stripe moved period bounds onto items in the
// 2025-03-31 API version.
func PeriodBounds(sub *stripe.Subscription) (start, end *time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, nil
	}
	item := sub.Items.Data[0]
	if item.CurrentPeriodStart > 0 {
		t := time.Unix(item.CurrentPeriodStart, 0).UTC()
		start = &t
	}
	if item.CurrentPeriodEnd > 0 {
		t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		end = &t
	}
	return start, end
}

// TrialEnd returns the subscription's trial end as a time, or nil.
func TrialEnd(sub *stripe.Subscription) *time.Time {
	if sub.TrialEnd <= 0 {
		return nil
	}
	t := time.Unix(sub.TrialEnd, 0).UTC()
	return &t
}
