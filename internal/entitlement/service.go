// Package entitlement is the reconciliation core: it maps Stripe
// subscription lifecycle events onto local entitlement state and decides
// validity. The design assumes out-of-order and duplicate webhook delivery;
// all writes funnel through an upsert keyed by the Stripe subscription id,
// so replays converge on the last received snapshot.
package entitlement

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/tidysweep/billing/internal/model"
	"github.com/tidysweep/billing/internal/store"
	stripegw "github.com/tidysweep/billing/internal/stripe"
	"github.com/tidysweep/billing/internal/token"
)

// ErrNoActiveSubscription is returned when restore finds no qualifying
// subscription locally or at Stripe. Restore must never mint a token
// without one.
var ErrNoActiveSubscription = errors.New("no active subscription")

const (
	// renewalGracePeriod is server-side leniency for the window between a
	// period expiring and Stripe's renewal webhook arriving. Distinct from
	// OfflineGracePeriodHours, which is the client-side cached-validity
	// window surfaced in responses.
	renewalGracePeriod = 60 * time.Minute

	// OfflineGracePeriodHours tells clients how long they may operate
	// without re-verifying against this service.
	OfflineGracePeriodHours = 72

	// defaultPastDueExpiryDays is how long a past_due entitlement may
	// linger before the sweep cancels it.
	defaultPastDueExpiryDays = 7
)

// Gateway is the slice of the Stripe adapter the reconciliation core needs.
type Gateway interface {
	GetCustomer(customerID string) (*stripe.Customer, error)
	FindCustomerByEmail(email string) (*stripe.Customer, error)
	GetSubscription(subID string) (*stripe.Subscription, error)
	GetActiveSubscription(customerID string) (*stripe.Subscription, error)
	DetermineTier(sub *stripe.Subscription) model.Tier
}

type Service struct {
	users        *store.UserStore
	entitlements *store.EntitlementStore
	tokens       *token.Service
	gateway      Gateway
	logger       *slog.Logger
}

func NewService(users *store.UserStore, entitlements *store.EntitlementStore, tokens *token.Service, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{
		users:        users,
		entitlements: entitlements,
		tokens:       tokens,
		gateway:      gateway,
		logger:       logger,
	}
}

// SyncFromSubscription resolves the owning user and upserts the entitlement
// keyed by the Stripe subscription id. Replaying the same event, or a
// created/updated pair in either order, leaves exactly one row reflecting
// the given snapshot. Last write wins by receipt order; event timestamps are
// deliberately not consulted since delivery order is unreliable.
func (s *Service) SyncFromSubscription(sub *stripe.Subscription) (*model.Entitlement, error) {
	if sub == nil || sub.Customer == nil {
		return nil, fmt.Errorf("subscription has no customer")
	}

	user, err := s.resolveUser(sub)
	if err != nil {
		return nil, err
	}

	periodStart, periodEnd := stripegw.PeriodBounds(sub)
	ent, err := s.entitlements.Upsert(store.UpsertParams{
		UserID:               user.ID,
		StripeSubscriptionID: sub.ID,
		Status:               stripegw.MapStatus(sub.Status),
		Tier:                 s.gateway.DetermineTier(sub),
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		TrialEnd:             stripegw.TrialEnd(sub),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("synced subscription",
		"subscription", sub.ID, "user", user.ID,
		"status", ent.Status, "tier", ent.Tier)
	return ent, nil
}

// resolveUser finds the user by Stripe customer id, falls back to email
// lookup, and creates the user on first contact. Webhook payloads carry the
// customer as a bare id, so the full customer is fetched when the email is
// needed.
func (s *Service) resolveUser(sub *stripe.Subscription) (*model.User, error) {
	customerID := sub.Customer.ID

	user, err := s.users.GetByStripeCustomerID(customerID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	email := sub.Customer.Email
	if email == "" {
		cust, err := s.gateway.GetCustomer(customerID)
		if err != nil {
			return nil, fmt.Errorf("resolve customer %s: %w", customerID, err)
		}
		email = cust.Email
	}
	if email == "" {
		return nil, fmt.Errorf("customer %s has no email", customerID)
	}

	user, err = s.users.GetByEmail(email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		var platform *string
		if p, ok := sub.Metadata["platform"]; ok && p != "" {
			platform = &p
		}
		user, err = s.users.Create(email, platform)
		if err != nil {
			return nil, err
		}
	}

	if err := s.users.UpdateStripeCustomerID(user.ID, customerID); err != nil {
		return nil, err
	}
	user.StripeCustomerID = &customerID
	return user, nil
}

// HandleSubscriptionDeleted marks the entitlement canceled. An event for an
// unknown subscription is a no-op, not an error: it may precede the creation
// event or belong to a test subscription.
func (s *Service) HandleSubscriptionDeleted(sub *stripe.Subscription) error {
	ent, err := s.entitlements.GetByStripeSubscriptionID(sub.ID)
	if err != nil {
		return err
	}
	if ent == nil {
		s.logger.Info("delete event for unknown subscription, ignoring", "subscription", sub.ID)
		return nil
	}
	if err := s.entitlements.UpdateStatus(ent.ID, model.StatusCanceled); err != nil {
		return err
	}
	return s.entitlements.SetCancelAtPeriodEnd(ent.ID, true)
}

// HandlePaymentFailed flips the entitlement to past_due without touching
// period dates; the invoice's partial view is not trusted for those.
func (s *Service) HandlePaymentFailed(subID string) error {
	if subID == "" {
		return nil
	}
	ent, err := s.entitlements.GetByStripeSubscriptionID(subID)
	if err != nil {
		return err
	}
	if ent == nil {
		return nil
	}
	return s.entitlements.UpdateStatus(ent.ID, model.StatusPastDue)
}

// HandlePaymentSucceeded re-fetches the full subscription and re-runs the
// sync, trusting Stripe's canonical state over the invoice snapshot.
func (s *Service) HandlePaymentSucceeded(subID string) error {
	if subID == "" {
		return nil
	}
	sub, err := s.gateway.GetSubscription(subID)
	if err != nil {
		return err
	}
	_, err = s.SyncFromSubscription(sub)
	return err
}

// Features is the flag bundle clients act on.
type Features struct {
	FullAccess              bool `json:"fullAccess"`
	OfflineGracePeriodHours int  `json:"offlineGracePeriodHours"`
}

// SubscriptionSummary is the client-facing view of an entitlement.
type SubscriptionSummary struct {
	Status            model.Status `json:"status"`
	Tier              model.Tier   `json:"tier"`
	CurrentPeriodEnd  *time.Time   `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool         `json:"cancelAtPeriodEnd"`
	TrialEnd          *time.Time   `json:"trialEnd,omitempty"`
}

type Response struct {
	Valid        bool                 `json:"valid"`
	Subscription *SubscriptionSummary `json:"subscription,omitempty"`
	Features     Features             `json:"features"`
}

// GetEntitlementForUser selects the user's authoritative entitlement and
// computes validity. No entitlement means valid=false with a zero grace
// period.
func (s *Service) GetEntitlementForUser(userID int64) (*Response, error) {
	ent, err := s.entitlements.GetCurrentForUser(userID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return &Response{Valid: false, Features: Features{}}, nil
	}

	valid := IsValid(ent, time.Now().UTC())
	resp := &Response{
		Valid: valid,
		Subscription: &SubscriptionSummary{
			Status:            ent.Status,
			Tier:              ent.Tier,
			CurrentPeriodEnd:  ent.CurrentPeriodEnd,
			CancelAtPeriodEnd: ent.CancelAtPeriodEnd,
			TrialEnd:          ent.TrialEnd,
		},
	}
	if valid {
		resp.Features = Features{FullAccess: true, OfflineGracePeriodHours: OfflineGracePeriodHours}
	}
	return resp, nil
}

// IsValid reports whether the entitlement grants access at the given time:
// the status must be active-like and the current period either not ended or
// ended within the renewal grace window. A missing period end defers
// entirely to the status.
func IsValid(ent *model.Entitlement, now time.Time) bool {
	switch ent.Status {
	case model.StatusActive, model.StatusTrialing, model.StatusPastDue:
	default:
		return false
	}
	if ent.CurrentPeriodEnd == nil {
		return true
	}
	return now.Before(ent.CurrentPeriodEnd.Add(renewalGracePeriod))
}

// RestoreResult carries the freshly minted token for a recovered client.
type RestoreResult struct {
	Token       *model.EntitlementToken
	Entitlement *model.Entitlement
}

// RestoreSubscription is the recovery path for a client that lost its token.
// Resolution order: local user+entitlement by email, then Stripe lookup by
// email with a sync-in, then a live re-sync for a local user without a
// qualifying entitlement. A token is minted only once a valid entitlement is
// found; otherwise ErrNoActiveSubscription.
func (s *Service) RestoreSubscription(email string, platform string) (*RestoreResult, error) {
	now := time.Now().UTC()

	user, err := s.users.GetByEmail(email)
	if err != nil {
		return nil, err
	}

	var ent *model.Entitlement
	if user != nil {
		ent, err = s.entitlements.GetCurrentForUser(user.ID)
		if err != nil {
			return nil, err
		}
	}

	if ent == nil || !IsValid(ent, now) {
		ent, err = s.resyncFromGateway(user, email)
		if err != nil {
			return nil, err
		}
		if ent == nil || !IsValid(ent, now) {
			return nil, ErrNoActiveSubscription
		}
	}

	if platform != "" {
		if err := s.users.UpdatePlatform(ent.UserID, platform); err != nil {
			return nil, err
		}
	}

	tok, err := s.tokens.CreateEntitlementToken(ent.UserID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("restored subscription", "user", ent.UserID, "subscription", ent.StripeSubscriptionID)
	return &RestoreResult{Token: tok, Entitlement: ent}, nil
}

func (s *Service) resyncFromGateway(user *model.User, email string) (*model.Entitlement, error) {
	customerID := ""
	if user != nil && user.StripeCustomerID != nil {
		customerID = *user.StripeCustomerID
	}
	if customerID == "" {
		cust, err := s.gateway.FindCustomerByEmail(email)
		if err != nil {
			return nil, err
		}
		if cust == nil {
			return nil, ErrNoActiveSubscription
		}
		customerID = cust.ID
	}

	sub, err := s.gateway.GetActiveSubscription(customerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoActiveSubscription
	}
	return s.SyncFromSubscription(sub)
}

// ExpirePastDueSubscriptions cancels past_due entitlements whose period
// ended more than daysThreshold days ago. Zero or negative uses the default.
func (s *Service) ExpirePastDueSubscriptions(daysThreshold int) (int64, error) {
	if daysThreshold <= 0 {
		daysThreshold = defaultPastDueExpiryDays
	}
	cutoff := time.Now().UTC().Add(-time.Duration(daysThreshold) * 24 * time.Hour)
	n, err := s.entitlements.ExpirePastDue(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale past_due entitlements", "count", n)
	}
	return n, nil
}
