package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tidysweep/billing/internal/model"
)

type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func scanToken(scanner interface{ Scan(...any) error }) (*model.EntitlementToken, error) {
	var t model.EntitlementToken
	var revokedAt sql.NullTime
	err := scanner.Scan(&t.ID, &t.UserID, &t.Token, &t.ExpiresAt, &revokedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}

const tokenCols = `id, user_id, token, expires_at, revoked_at, created_at`

func (s *TokenStore) Create(userID int64, token string, expiresAt time.Time) (*model.EntitlementToken, error) {
	result, err := s.db.Exec(
		`INSERT INTO entitlement_tokens (user_id, token, expires_at) VALUES (?, ?, ?)`,
		userID, token, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert entitlement token: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+tokenCols+` FROM entitlement_tokens WHERE id = ?`, id)
	return scanToken(row)
}

func (s *TokenStore) GetByToken(token string) (*model.EntitlementToken, error) {
	row := s.db.QueryRow(`SELECT `+tokenCols+` FROM entitlement_tokens WHERE token = ?`, token)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// Revoke sets the revocation timestamp. Idempotent; an already-revoked token
// keeps its original revocation time.
func (s *TokenStore) Revoke(token string) error {
	_, err := s.db.Exec(
		`UPDATE entitlement_tokens SET revoked_at = datetime('now') WHERE token = ? AND revoked_at IS NULL`,
		token,
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *TokenStore) RevokeAllForUser(userID int64) error {
	_, err := s.db.Exec(
		`UPDATE entitlement_tokens SET revoked_at = datetime('now') WHERE user_id = ? AND revoked_at IS NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("revoke tokens for user: %w", err)
	}
	return nil
}

// DeleteExpired removes rows past expiry. A housekeeping sweep only; expired
// tokens already fail validation.
func (s *TokenStore) DeleteExpired() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM entitlement_tokens WHERE expires_at <= datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
