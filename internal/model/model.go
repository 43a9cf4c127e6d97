package model

import "time"

// Status is the local view of a Stripe subscription status.
type Status string

const (
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

// Tier identifies the purchased plan.
type Tier string

const (
	TierFree    Tier = "free"
	TierMonthly Tier = "monthly"
	TierYearly  Tier = "yearly"
)

type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	StripeCustomerID *string   `json:"stripe_customer_id"`
	Platform         *string   `json:"platform"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Entitlement records one subscription's last known state. Rows are upserted
// by StripeSubscriptionID and never deleted; history is kept for audit.
type Entitlement struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	Status               Status     `json:"status"`
	Tier                 Tier       `json:"tier"`
	CurrentPeriodStart   *time.Time `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	TrialEnd             *time.Time `json:"trial_end"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// EntitlementToken is a bearer credential tied to a user. The JWT signature
// proves authorship; the row decides current validity (revocation, expiry).
type EntitlementToken struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// WebhookEvent is the idempotency and audit record for an inbound Stripe
// event. The unique StripeEventID enforces at-most-once processing under
// provider retries.
type WebhookEvent struct {
	ID            int64      `json:"id"`
	StripeEventID string     `json:"stripe_event_id"`
	EventType     string     `json:"event_type"`
	Processed     bool       `json:"processed"`
	Payload       string     `json:"payload"`
	Error         *string    `json:"error"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}
