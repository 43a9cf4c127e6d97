package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidysweep/billing/internal/entitlement"
	"github.com/tidysweep/billing/internal/handler"
	"github.com/tidysweep/billing/internal/metrics"
	"github.com/tidysweep/billing/internal/middleware"
	"github.com/tidysweep/billing/internal/store"
	stripegw "github.com/tidysweep/billing/internal/stripe"
	"github.com/tidysweep/billing/internal/token"
)

type Server struct {
	db            *sql.DB
	tokenService  *token.Service
	entitlements  *entitlement.Service
	webhookEvents *store.WebhookEventStore
	registry      *prometheus.Registry

	checkoutH    *handler.CheckoutHandler
	entitlementH *handler.EntitlementHandler
	restoreH     *handler.RestoreHandler
	tokenH       *handler.TokenHandler
	billingH     *handler.BillingHandler
	webhookH     *handler.WebhookHandler

	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

type Config struct {
	Stripe stripegw.Config
	Token  token.Config
}

// New wires every service from its collaborators; there is no ambient
// shared state beyond the DB pool and the rate-limit counters.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	userStore := store.NewUserStore(db)
	entitlementStore := store.NewEntitlementStore(db)
	tokenStore := store.NewTokenStore(db)
	webhookStore := store.NewWebhookEventStore(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	stripeClient := stripegw.NewClient(cfg.Stripe, logger.With("component", "stripe"))
	tokenService := token.NewService(cfg.Token, userStore, tokenStore, logger.With("component", "token"))
	entitlementService := entitlement.NewService(
		userStore, entitlementStore, tokenService, stripeClient,
		logger.With("component", "entitlement"),
	)

	return &Server{
		db:            db,
		tokenService:  tokenService,
		entitlements:  entitlementService,
		webhookEvents: webhookStore,
		registry:      registry,
		checkoutH:     handler.NewCheckoutHandler(stripeClient, userStore, m, logger.With("component", "checkout")),
		entitlementH:  handler.NewEntitlementHandler(entitlementService, logger.With("component", "verify")),
		restoreH:      handler.NewRestoreHandler(entitlementService, m, logger.With("component", "restore")),
		tokenH:        handler.NewTokenHandler(tokenService, m, logger.With("component", "token")),
		billingH:      handler.NewBillingHandler(stripeClient, userStore, entitlementStore, entitlementService, logger.With("component", "billing")),
		webhookH:      handler.NewWebhookHandler(stripeClient, entitlementService, webhookStore, m, logger.With("component", "webhook")),
		rateLimiter:   middleware.NewRateLimiter(),
		logger:        logger,
	}
}

// TokenService exposes the token service for scheduled cleanup.
func (s *Server) TokenService() *token.Service {
	return s.tokenService
}

// Entitlements exposes the entitlement service for scheduled sweeps.
func (s *Server) Entitlements() *entitlement.Service {
	return s.entitlements
}

// RateLimiter exposes the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Operational probes (open)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /live", s.health)
	mux.HandleFunc("GET /ready", s.ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Stripe webhook: signature is the trust mechanism, exempt from the
	// rate limiter.
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	// Public API (rate-limited)
	mux.Handle("POST /api/create-checkout-session", s.rateLimited(s.checkoutH.CreateCheckoutSession))
	mux.Handle("POST /api/restore-subscription", s.rateLimited(s.restoreH.Restore))

	// Bearer-authenticated API
	authMw := middleware.RequireBearer(s.tokenService)
	mux.Handle("GET /api/verify-entitlement", authMw(http.HandlerFunc(s.entitlementH.Verify)))
	mux.Handle("POST /api/refresh-token", authMw(http.HandlerFunc(s.tokenH.Refresh)))
	mux.Handle("POST /api/revoke-token", authMw(http.HandlerFunc(s.tokenH.Revoke)))
	mux.Handle("POST /api/customer-portal", authMw(http.HandlerFunc(s.billingH.CustomerPortal)))
	mux.Handle("GET /api/billing-history", authMw(http.HandlerFunc(s.billingH.BillingHistory)))
	mux.Handle("POST /api/cancel-subscription", authMw(http.HandlerFunc(s.billingH.CancelSubscription)))
	mux.Handle("POST /api/reactivate-subscription", authMw(http.HandlerFunc(s.billingH.ReactivateSubscription)))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP, 10, time.Minute)
	return rl(h)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	backlog, err := s.webhookEvents.CountUnprocessed()
	if err != nil {
		handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready", "webhookBacklog": backlog})
}
