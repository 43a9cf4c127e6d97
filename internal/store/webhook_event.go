package store

import (
	"database/sql"
	"fmt"

	"github.com/tidysweep/billing/internal/model"
)

type WebhookEventStore struct {
	db *sql.DB
}

func NewWebhookEventStore(db *sql.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

func scanWebhookEvent(scanner interface{ Scan(...any) error }) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	var processed int
	var errText sql.NullString
	var processedAt sql.NullTime
	err := scanner.Scan(
		&e.ID, &e.StripeEventID, &e.EventType, &processed, &e.Payload,
		&errText, &e.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Processed = processed != 0
	if errText.Valid {
		e.Error = &errText.String
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return &e, nil
}

const webhookEventCols = `id, stripe_event_id, event_type, processed, payload, error, created_at, processed_at`

// Insert records an inbound event. It returns created=false when a row for
// the Stripe event id already exists; the unique constraint resolves
// concurrent duplicate delivery without application-level locking.
func (s *WebhookEventStore) Insert(stripeEventID, eventType, payload string) (*model.WebhookEvent, bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO webhook_events (stripe_event_id, event_type, payload) VALUES (?, ?, ?)
		ON CONFLICT(stripe_event_id) DO NOTHING`,
		stripeEventID, eventType, payload,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	evt, err := s.GetByStripeEventID(stripeEventID)
	if err != nil {
		return nil, false, err
	}
	return evt, affected > 0, nil
}

func (s *WebhookEventStore) GetByStripeEventID(stripeEventID string) (*model.WebhookEvent, error) {
	row := s.db.QueryRow(
		`SELECT `+webhookEventCols+` FROM webhook_events WHERE stripe_event_id = ?`,
		stripeEventID,
	)
	e, err := scanWebhookEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

// MarkProcessed flags the event as handled. A non-empty handlerErr is kept
// for operator review; the event still counts as processed so Stripe is not
// asked to retry an application-logic failure.
func (s *WebhookEventStore) MarkProcessed(id int64, handlerErr string) error {
	var errText any
	if handlerErr != "" {
		errText = handlerErr
	}
	_, err := s.db.Exec(
		`UPDATE webhook_events SET processed = 1, error = ?, processed_at = datetime('now') WHERE id = ?`,
		errText, id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

// CountUnprocessed reports events received but not yet marked processed,
// used by the readiness probe.
func (s *WebhookEventStore) CountUnprocessed() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE processed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed webhook events: %w", err)
	}
	return n, nil
}
