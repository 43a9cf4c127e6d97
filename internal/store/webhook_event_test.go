package store

import (
	"testing"

	"github.com/tidysweep/billing/internal/database"
)

func setupWebhookEventTestDB(t *testing.T) *WebhookEventStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWebhookEventStore(db)
}

func TestWebhookEventInsert(t *testing.T) {
	ws := setupWebhookEventTestDB(t)

	evt, created, err := ws.Insert("evt_1", "customer.subscription.updated", `{"id":"evt_1"}`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !created {
		t.Error("expected created = true for first delivery")
	}
	if evt.Processed {
		t.Error("new event should not be processed")
	}
}

func TestWebhookEventInsertDuplicate(t *testing.T) {
	ws := setupWebhookEventTestDB(t)

	first, _, err := ws.Insert("evt_1", "invoice.paid", `{}`)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second, created, err := ws.Insert("evt_1", "invoice.paid", `{}`)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Error("expected created = false for duplicate delivery")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned different row: %d != %d", second.ID, first.ID)
	}
}

func TestWebhookEventMarkProcessed(t *testing.T) {
	ws := setupWebhookEventTestDB(t)

	evt, _, _ := ws.Insert("evt_1", "invoice.paid", `{}`)
	if err := ws.MarkProcessed(evt.ID, ""); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	got, _ := ws.GetByStripeEventID("evt_1")
	if !got.Processed {
		t.Error("expected processed = true")
	}
	if got.Error != nil {
		t.Errorf("expected no error, got %q", *got.Error)
	}
	if got.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}
}

func TestWebhookEventMarkProcessedWithError(t *testing.T) {
	ws := setupWebhookEventTestDB(t)

	evt, _, _ := ws.Insert("evt_1", "invoice.paid", `{}`)
	if err := ws.MarkProcessed(evt.ID, "sync failed"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	got, _ := ws.GetByStripeEventID("evt_1")
	if !got.Processed {
		t.Error("event with handler error still counts as processed")
	}
	if got.Error == nil || *got.Error != "sync failed" {
		t.Errorf("error = %v, want sync failed", got.Error)
	}
}

func TestWebhookEventCountUnprocessed(t *testing.T) {
	ws := setupWebhookEventTestDB(t)

	ws.Insert("evt_1", "invoice.paid", `{}`)
	evt2, _, _ := ws.Insert("evt_2", "invoice.paid", `{}`)
	ws.MarkProcessed(evt2.ID, "")

	n, err := ws.CountUnprocessed()
	if err != nil {
		t.Fatalf("count unprocessed: %v", err)
	}
	if n != 1 {
		t.Errorf("unprocessed = %d, want 1", n)
	}
}
