package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tidysweep/billing/internal/model"
)

type EntitlementStore struct {
	db *sql.DB
}

func NewEntitlementStore(db *sql.DB) *EntitlementStore {
	return &EntitlementStore{db: db}
}

func scanEntitlement(scanner interface{ Scan(...any) error }) (*model.Entitlement, error) {
	var e model.Entitlement
	var periodStart, periodEnd, trialEnd sql.NullTime
	var cancelAtPeriodEnd int
	err := scanner.Scan(
		&e.ID, &e.UserID, &e.StripeSubscriptionID, &e.Status, &e.Tier,
		&periodStart, &periodEnd, &cancelAtPeriodEnd, &trialEnd,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if periodStart.Valid {
		e.CurrentPeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		e.CurrentPeriodEnd = &periodEnd.Time
	}
	if trialEnd.Valid {
		e.TrialEnd = &trialEnd.Time
	}
	e.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &e, nil
}

const entitlementCols = `id, user_id, stripe_subscription_id, status, tier, current_period_start, current_period_end, cancel_at_period_end, trial_end, created_at, updated_at`

// UpsertParams carries one subscription snapshot from Stripe.
type UpsertParams struct {
	UserID               int64
	StripeSubscriptionID string
	Status               model.Status
	Tier                 model.Tier
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	TrialEnd             *time.Time
}

// Upsert inserts or replaces the row keyed by stripe_subscription_id. This is
// the idempotence mechanism for webhook replay: the row always ends up
// reflecting the given snapshot, last write wins, and the unique key
// serializes concurrent deliveries for the same subscription.
func (s *EntitlementStore) Upsert(p UpsertParams) (*model.Entitlement, error) {
	cancel := 0
	if p.CancelAtPeriodEnd {
		cancel = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO entitlements
			(user_id, stripe_subscription_id, status, tier, current_period_start, current_period_end, cancel_at_period_end, trial_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_subscription_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			tier = excluded.tier,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			trial_end = excluded.trial_end,
			updated_at = datetime('now')`,
		p.UserID, p.StripeSubscriptionID, p.Status, p.Tier,
		p.CurrentPeriodStart, p.CurrentPeriodEnd, cancel, p.TrialEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert entitlement: %w", err)
	}
	return s.GetByStripeSubscriptionID(p.StripeSubscriptionID)
}

func (s *EntitlementStore) GetByID(id int64) (*model.Entitlement, error) {
	row := s.db.QueryRow(`SELECT `+entitlementCols+` FROM entitlements WHERE id = ?`, id)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

func (s *EntitlementStore) GetByStripeSubscriptionID(subID string) (*model.Entitlement, error) {
	row := s.db.QueryRow(
		`SELECT `+entitlementCols+` FROM entitlements WHERE stripe_subscription_id = ?`,
		subID,
	)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement by stripe subscription id: %w", err)
	}
	return e, nil
}

// GetCurrentForUser returns the user's most recent entitlement by period end
// among the active-like statuses, or nil if none. Rows without a period end
// sort last.
func (s *EntitlementStore) GetCurrentForUser(userID int64) (*model.Entitlement, error) {
	row := s.db.QueryRow(
		`SELECT `+entitlementCols+` FROM entitlements
		WHERE user_id = ? AND status IN ('active', 'trialing', 'past_due')
		ORDER BY current_period_end DESC NULLS LAST LIMIT 1`,
		userID,
	)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current entitlement for user: %w", err)
	}
	return e, nil
}

func (s *EntitlementStore) UpdateStatus(id int64, status model.Status) error {
	_, err := s.db.Exec(
		`UPDATE entitlements SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update entitlement status: %w", err)
	}
	return nil
}

func (s *EntitlementStore) SetCancelAtPeriodEnd(id int64, cancel bool) error {
	v := 0
	if cancel {
		v = 1
	}
	_, err := s.db.Exec(
		`UPDATE entitlements SET cancel_at_period_end = ?, updated_at = datetime('now') WHERE id = ?`,
		v, id,
	)
	if err != nil {
		return fmt.Errorf("set cancel at period end: %w", err)
	}
	return nil
}

// ExpirePastDue flips past_due rows whose period ended before the cutoff to
// canceled, returning the number of rows changed. A scheduled consistency
// pass; Stripe may stop sending events for abandoned subscriptions.
func (s *EntitlementStore) ExpirePastDue(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE entitlements SET status = 'canceled', updated_at = datetime('now')
		WHERE status = 'past_due' AND current_period_end IS NOT NULL AND current_period_end < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("expire past due entitlements: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
