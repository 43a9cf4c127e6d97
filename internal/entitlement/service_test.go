package entitlement

import (
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/tidysweep/billing/internal/database"
	"github.com/tidysweep/billing/internal/model"
	"github.com/tidysweep/billing/internal/store"
	"github.com/tidysweep/billing/internal/token"
)

// fakeGateway serves canned Stripe objects so reconciliation can be
// exercised without network calls.
type fakeGateway struct {
	customers     map[string]*stripe.Customer
	subscriptions map[string]*stripe.Subscription
	activeSubs    map[string]*stripe.Subscription
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		customers:     make(map[string]*stripe.Customer),
		subscriptions: make(map[string]*stripe.Subscription),
		activeSubs:    make(map[string]*stripe.Subscription),
	}
}

func (f *fakeGateway) GetCustomer(customerID string) (*stripe.Customer, error) {
	cust, ok := f.customers[customerID]
	if !ok {
		return nil, errors.New("no such customer")
	}
	return cust, nil
}

func (f *fakeGateway) FindCustomerByEmail(email string) (*stripe.Customer, error) {
	for _, cust := range f.customers {
		if cust.Email == email {
			return cust, nil
		}
	}
	return nil, nil
}

func (f *fakeGateway) GetSubscription(subID string) (*stripe.Subscription, error) {
	sub, ok := f.subscriptions[subID]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return sub, nil
}

func (f *fakeGateway) GetActiveSubscription(customerID string) (*stripe.Subscription, error) {
	return f.activeSubs[customerID], nil
}

func (f *fakeGateway) DetermineTier(sub *stripe.Subscription) model.Tier {
	if t, ok := sub.Metadata["tier"]; ok && t == "yearly" {
		return model.TierYearly
	}
	return model.TierMonthly
}

type fixture struct {
	db           *sql.DB
	svc          *Service
	users        *store.UserStore
	entitlements *store.EntitlementStore
	tokens       *token.Service
	gateway      *fakeGateway
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := store.NewUserStore(db)
	entitlements := store.NewEntitlementStore(db)
	tokens := token.NewService(token.Config{Secret: "test-secret", TTL: "30d"}, users, store.NewTokenStore(db), slog.Default())
	gateway := newFakeGateway()
	return &fixture{
		db:           db,
		svc:          NewService(users, entitlements, tokens, gateway, slog.Default()),
		users:        users,
		entitlements: entitlements,
		tokens:       tokens,
		gateway:      gateway,
	}
}

func testSubscription(subID, custID, email string, status stripe.SubscriptionStatus, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       subID,
		Status:   status,
		Customer: &stripe.Customer{ID: custID, Email: email},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				CurrentPeriodStart: periodEnd.Add(-30 * 24 * time.Hour).Unix(),
				CurrentPeriodEnd:   periodEnd.Unix(),
			}},
		},
	}
}

func TestSyncCreatesUserAndEntitlement(t *testing.T) {
	f := setup(t)

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, periodEnd)
	sub.Metadata = map[string]string{"platform": "linux"}

	ent, err := f.svc.SyncFromSubscription(sub)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ent.Status != model.StatusActive {
		t.Errorf("status = %q, want active", ent.Status)
	}

	user, _ := f.users.GetByEmail("alice@example.com")
	if user == nil {
		t.Fatal("expected user to be created")
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID != "cus_1" {
		t.Errorf("stripe customer id = %v, want cus_1", user.StripeCustomerID)
	}
	if user.Platform == nil || *user.Platform != "linux" {
		t.Errorf("platform = %v, want linux", user.Platform)
	}
}

func TestSyncIdempotent(t *testing.T) {
	f := setup(t)

	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))
	first, err := f.svc.SyncFromSubscription(sub)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := f.svc.SyncFromSubscription(sub)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replay created a new entitlement: %d != %d", first.ID, second.ID)
	}
	if first.UserID != second.UserID {
		t.Errorf("replay created a new user: %d != %d", first.UserID, second.UserID)
	}
}

func TestSyncResolvesEmailViaGateway(t *testing.T) {
	f := setup(t)

	// Webhook payloads carry the customer as a bare id.
	f.gateway.customers["cus_1"] = &stripe.Customer{ID: "cus_1", Email: "alice@example.com"}
	sub := testSubscription("sub_1", "cus_1", "", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))

	if _, err := f.svc.SyncFromSubscription(sub); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if user, _ := f.users.GetByEmail("alice@example.com"); user == nil {
		t.Error("expected user resolved through customer fetch")
	}
}

func TestSyncReusesExistingUserByEmail(t *testing.T) {
	f := setup(t)

	existing, _ := f.users.Create("alice@example.com", nil)
	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))

	ent, err := f.svc.SyncFromSubscription(sub)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ent.UserID != existing.ID {
		t.Errorf("entitlement bound to user %d, want %d", ent.UserID, existing.ID)
	}
	user, _ := f.users.GetByID(existing.ID)
	if user.StripeCustomerID == nil || *user.StripeCustomerID != "cus_1" {
		t.Error("expected customer id backfilled on existing user")
	}
}

func TestHandleSubscriptionDeleted(t *testing.T) {
	f := setup(t)

	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))
	f.svc.SyncFromSubscription(sub)

	if err := f.svc.HandleSubscriptionDeleted(&stripe.Subscription{ID: "sub_1"}); err != nil {
		t.Fatalf("handle deleted: %v", err)
	}
	ent, _ := f.entitlements.GetByStripeSubscriptionID("sub_1")
	if ent.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled", ent.Status)
	}
	if !ent.CancelAtPeriodEnd {
		t.Error("expected cancel_at_period_end = true")
	}
}

func TestHandleSubscriptionDeletedUnknownIsNoop(t *testing.T) {
	f := setup(t)

	if err := f.svc.HandleSubscriptionDeleted(&stripe.Subscription{ID: "sub_ghost"}); err != nil {
		t.Fatalf("delete for unknown subscription should be a no-op, got %v", err)
	}
}

func TestHandlePaymentFailed(t *testing.T) {
	f := setup(t)

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, periodEnd)
	f.svc.SyncFromSubscription(sub)

	if err := f.svc.HandlePaymentFailed("sub_1"); err != nil {
		t.Fatalf("handle payment failed: %v", err)
	}
	ent, _ := f.entitlements.GetByStripeSubscriptionID("sub_1")
	if ent.Status != model.StatusPastDue {
		t.Errorf("status = %q, want past_due", ent.Status)
	}
	// Period dates come only from subscription snapshots, never invoices.
	if ent.CurrentPeriodEnd == nil || !ent.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("period end changed: %v, want %v", ent.CurrentPeriodEnd, periodEnd)
	}
}

func TestHandlePaymentSucceededResyncs(t *testing.T) {
	f := setup(t)

	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusPastDue, time.Now().UTC().Add(-time.Hour))
	f.svc.SyncFromSubscription(sub)

	renewed := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))
	f.gateway.subscriptions["sub_1"] = renewed

	if err := f.svc.HandlePaymentSucceeded("sub_1"); err != nil {
		t.Fatalf("handle payment succeeded: %v", err)
	}
	ent, _ := f.entitlements.GetByStripeSubscriptionID("sub_1")
	if ent.Status != model.StatusActive {
		t.Errorf("status = %q, want active after re-sync", ent.Status)
	}
}

func TestIsValidGraceWindow(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name      string
		status    model.Status
		periodEnd *time.Time
		want      bool
	}{
		{"active within period", model.StatusActive, timePtr(now.Add(time.Hour)), true},
		{"active ended 59m ago", model.StatusActive, timePtr(now.Add(-59 * time.Minute)), true},
		{"active ended 61m ago", model.StatusActive, timePtr(now.Add(-61 * time.Minute)), false},
		{"trialing no period end", model.StatusTrialing, nil, true},
		{"past_due within period", model.StatusPastDue, timePtr(now.Add(time.Hour)), true},
		{"canceled within period", model.StatusCanceled, timePtr(now.Add(time.Hour)), false},
		{"unpaid", model.StatusUnpaid, timePtr(now.Add(time.Hour)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := &model.Entitlement{Status: tt.status, CurrentPeriodEnd: tt.periodEnd}
			if got := IsValid(ent, now); got != tt.want {
				t.Errorf("IsValid = %v, want %v", got, tt.want)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestGetEntitlementForUser(t *testing.T) {
	f := setup(t)

	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))
	ent, _ := f.svc.SyncFromSubscription(sub)

	resp, err := f.svc.GetEntitlementForUser(ent.UserID)
	if err != nil {
		t.Fatalf("get entitlement: %v", err)
	}
	if !resp.Valid {
		t.Fatal("expected valid entitlement")
	}
	if !resp.Features.FullAccess {
		t.Error("expected full access")
	}
	if resp.Features.OfflineGracePeriodHours != OfflineGracePeriodHours {
		t.Errorf("offline grace = %d, want %d", resp.Features.OfflineGracePeriodHours, OfflineGracePeriodHours)
	}
	if resp.Subscription == nil || resp.Subscription.Status != model.StatusActive {
		t.Error("expected subscription summary with active status")
	}
}

func TestGetEntitlementForUserNone(t *testing.T) {
	f := setup(t)
	u, _ := f.users.Create("alice@example.com", nil)

	resp, err := f.svc.GetEntitlementForUser(u.ID)
	if err != nil {
		t.Fatalf("get entitlement: %v", err)
	}
	if resp.Valid {
		t.Error("expected invalid with no entitlement")
	}
	if resp.Features.FullAccess || resp.Features.OfflineGracePeriodHours != 0 {
		t.Error("expected zero features with no entitlement")
	}
	if resp.Subscription != nil {
		t.Error("expected no subscription summary")
	}
}

func TestRestoreFromLocalEntitlement(t *testing.T) {
	f := setup(t)

	sub := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))
	f.svc.SyncFromSubscription(sub)

	res, err := f.svc.RestoreSubscription("alice@example.com", "windows")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Token == nil || res.Token.Token == "" {
		t.Fatal("expected minted token")
	}
	v, _ := f.tokens.ValidateEntitlementToken(res.Token.Token)
	if !v.Valid {
		t.Error("restored token should validate")
	}

	user, _ := f.users.GetByEmail("alice@example.com")
	if user.Platform == nil || *user.Platform != "windows" {
		t.Errorf("platform = %v, want windows", user.Platform)
	}
}

func TestRestoreViaGatewayLookup(t *testing.T) {
	f := setup(t)

	// Nothing local: the user bought on another machine.
	f.gateway.customers["cus_1"] = &stripe.Customer{ID: "cus_1", Email: "alice@example.com"}
	f.gateway.activeSubs["cus_1"] = testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))

	res, err := f.svc.RestoreSubscription("alice@example.com", "")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Entitlement.StripeSubscriptionID != "sub_1" {
		t.Errorf("subscription = %q, want sub_1", res.Entitlement.StripeSubscriptionID)
	}
}

func TestRestoreNoSubscriptionMintsNothing(t *testing.T) {
	f := setup(t)
	u, _ := f.users.Create("alice@example.com", nil)

	_, err := f.svc.RestoreSubscription("alice@example.com", "")
	if !errors.Is(err, ErrNoActiveSubscription) {
		t.Fatalf("err = %v, want ErrNoActiveSubscription", err)
	}

	// The failed restore must not leave a token behind.
	var n int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM entitlement_tokens WHERE user_id = ?`, u.ID).Scan(&n); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if n != 0 {
		t.Errorf("token rows = %d, want 0", n)
	}
}

func TestRestoreStaleLocalRefreshesFromGateway(t *testing.T) {
	f := setup(t)

	stale := testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(-48*time.Hour))
	f.svc.SyncFromSubscription(stale)

	f.gateway.customers["cus_1"] = &stripe.Customer{ID: "cus_1", Email: "alice@example.com"}
	f.gateway.activeSubs["cus_1"] = testSubscription("sub_1", "cus_1", "alice@example.com", stripe.SubscriptionStatusActive, time.Now().UTC().Add(30*24*time.Hour))

	res, err := f.svc.RestoreSubscription("alice@example.com", "")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !IsValid(res.Entitlement, time.Now().UTC()) {
		t.Error("expected refreshed entitlement to be valid")
	}
}

func TestExpirePastDueSubscriptions(t *testing.T) {
	f := setup(t)

	stale := testSubscription("sub_stale", "cus_1", "alice@example.com", stripe.SubscriptionStatusPastDue, time.Now().UTC().Add(-10*24*time.Hour))
	f.svc.SyncFromSubscription(stale)
	fresh := testSubscription("sub_fresh", "cus_1", "alice@example.com", stripe.SubscriptionStatusPastDue, time.Now().UTC().Add(-time.Hour))
	f.svc.SyncFromSubscription(fresh)

	n, err := f.svc.ExpirePastDueSubscriptions(0)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	ent, _ := f.entitlements.GetByStripeSubscriptionID("sub_stale")
	if ent.Status != model.StatusCanceled {
		t.Errorf("stale status = %q, want canceled", ent.Status)
	}
}
