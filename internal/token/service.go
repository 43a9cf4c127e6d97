// Package token issues and validates bearer entitlement tokens. A token is
// a signed JWT backed by a database row; the signature proves authorship,
// the row decides current validity.
package token

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tidysweep/billing/internal/model"
	"github.com/tidysweep/billing/internal/store"
)

var ErrUserNotFound = errors.New("user not found")

// DefaultTTL is the fallback token lifetime when the configured duration
// string cannot be parsed. This is a silent fallback, not an error.
const DefaultTTL = 30 * 24 * time.Hour

type Config struct {
	// Secret signs tokens with HMAC-SHA256.
	Secret string
	// TTL is a duration string of the form <N><unit>, unit in d/h/m/s,
	// e.g. "30d". Unparseable values fall back to DefaultTTL.
	TTL string
}

type Service struct {
	cfg       Config
	ttl       time.Duration
	userStore *store.UserStore
	tokens    *store.TokenStore
	logger    *slog.Logger
}

func NewService(cfg Config, userStore *store.UserStore, tokens *store.TokenStore, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		ttl:       ParseDuration(cfg.TTL),
		userStore: userStore,
		tokens:    tokens,
		logger:    logger,
	}
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for the user without persisting it. The
// signature alone proves authorship, not current validity. The jti claim
// makes every token string unique; timestamps are second-resolution, so two
// mints in the same second would otherwise collide on the token column.
func (s *Service) GenerateToken(userID int64, email string, expiresAt time.Time) (string, error) {
	c := claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// CreateEntitlementToken mints and persists a token for the user. Returns
// ErrUserNotFound if the user does not exist.
func (s *Service) CreateEntitlementToken(userID int64) (*model.EntitlementToken, error) {
	user, err := s.userStore.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	expiresAt := time.Now().UTC().Add(s.ttl)
	signed, err := s.GenerateToken(user.ID, user.Email, expiresAt)
	if err != nil {
		return nil, err
	}
	return s.tokens.Create(user.ID, signed, expiresAt)
}

// Validation is the result of checking a bearer token.
type Validation struct {
	Valid  bool
	UserID int64
	Email  string
}

// ValidateEntitlementToken checks a token in two phases: signature and
// claims expiry first (no DB round trip on failure), then the database row,
// which must exist, be unrevoked, and be unexpired. The double check covers
// both forged tokens and tokens revoked before natural expiry.
func (s *Service) ValidateEntitlementToken(tokenString string) (Validation, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return Validation{}, nil
	}

	row, err := s.tokens.GetByToken(tokenString)
	if err != nil {
		return Validation{}, err
	}
	if row == nil || row.RevokedAt != nil || !row.ExpiresAt.After(time.Now().UTC()) {
		return Validation{}, nil
	}

	userID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return Validation{}, nil
	}
	return Validation{Valid: true, UserID: userID, Email: c.Email}, nil
}

// RevokeToken marks a single token revoked. Idempotent.
func (s *Service) RevokeToken(tokenString string) error {
	return s.tokens.Revoke(tokenString)
}

// RevokeAllUserTokens marks every live token of the user revoked.
func (s *Service) RevokeAllUserTokens(userID int64) error {
	return s.tokens.RevokeAllForUser(userID)
}

// CleanupExpiredTokens deletes rows past expiry. Safe to run on a schedule;
// not required for correctness since expired tokens already fail validation.
func (s *Service) CleanupExpiredTokens() (int64, error) {
	return s.tokens.DeleteExpired()
}

// ParseDuration parses <N><unit> duration strings where unit is one of
// d, h, m, s. Anything unparseable falls back to DefaultTTL.
func ParseDuration(s string) time.Duration {
	if len(s) < 2 {
		return DefaultTTL
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return DefaultTTL
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'h':
		return time.Duration(n) * time.Hour
	case 'm':
		return time.Duration(n) * time.Minute
	case 's':
		return time.Duration(n) * time.Second
	default:
		return DefaultTTL
	}
}
