package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-retry"

	"github.com/tidysweep/billing/internal/database"
	"github.com/tidysweep/billing/internal/logging"
	"github.com/tidysweep/billing/internal/server"
	billingstripe "github.com/tidysweep/billing/internal/stripe"
	"github.com/tidysweep/billing/internal/token"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	logger := logging.Setup(os.Getenv("BILLING_LOG_LEVEL"))

	port := os.Getenv("BILLING_PORT")
	if port == "" {
		port = "8090"
	}

	dbPath := os.Getenv("BILLING_DB_PATH")
	if dbPath == "" {
		dbPath = "billing.db"
	}

	tokenSecret := os.Getenv("BILLING_TOKEN_SECRET")
	if tokenSecret == "" {
		slog.Error("BILLING_TOKEN_SECRET is required")
		os.Exit(1)
	}

	db, err := openWithRetry(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		Stripe: billingstripe.Config{
			SecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
			MonthlyPriceID: os.Getenv("STRIPE_MONTHLY_PRICE_ID"),
			YearlyPriceID:  os.Getenv("STRIPE_YEARLY_PRICE_ID"),
			SuccessURL:     os.Getenv("BILLING_SUCCESS_URL"),
			CancelURL:      os.Getenv("BILLING_CANCEL_URL"),
			TrialDays:      trialDays(os.Getenv("BILLING_TRIAL_DAYS")),
		},
		Token: token.Config{
			Secret: tokenSecret,
			TTL:    os.Getenv("BILLING_TOKEN_TTL"),
		},
	}

	srv := server.New(db, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Hourly housekeeping: expired-token purge, past-due expiry sweep,
	// rate-limit table cleanup.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.TokenService().CleanupExpiredTokens(); err != nil {
					slog.Error("cleanup expired tokens", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired tokens", "count", n)
				}
				if _, err := srv.Entitlements().ExpirePastDueSubscriptions(0); err != nil {
					slog.Error("expire past due subscriptions", "error", err)
				}
				srv.RateLimiter().Cleanup()
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("billing service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	sweepCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// trialDays parses the configured trial length, leaving zero (and thus the
// client default) on anything unparseable.
func trialDays(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		slog.Warn("invalid BILLING_TRIAL_DAYS, using default", "value", s)
		return 0
	}
	return n
}

// openWithRetry retries the initial database open briefly; the data
// directory may still be mounting at boot.
func openWithRetry(dbPath string) (*sql.DB, error) {
	var db *sql.DB
	backoff := retry.WithMaxRetries(5, retry.NewConstant(time.Second))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		var err error
		db, err = database.Open(dbPath)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return db, err
}
