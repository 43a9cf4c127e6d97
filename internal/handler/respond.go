package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
)

// Machine-readable error codes, stable across releases.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeRateLimit    = "RATE_LIMIT_EXCEEDED"
	CodeStripe       = "STRIPE_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
)

// ErrorEnvelope is the uniform error body for every API failure.
type ErrorEnvelope struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorEnvelope{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
		Code:       code,
	})
}

// writeStripeError maps an upstream Stripe failure onto the envelope. The
// provider detail is logged in full but hidden from clients.
func writeStripeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusBadGateway
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
		status = stripeErr.HTTPStatusCode
	}
	logger.Error("stripe request failed", "error", err)
	WriteError(w, status, CodeStripe, "payment provider request failed")
}
