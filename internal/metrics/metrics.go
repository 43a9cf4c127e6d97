// Package metrics holds the service's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	WebhookEvents    *prometheus.CounterVec
	TokensIssued     prometheus.Counter
	TokensRevoked    prometheus.Counter
	CheckoutSessions prometheus.Counter
	Restores         *prometheus.CounterVec
}

// New registers the billing counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Inbound Stripe webhook events by type and outcome (processed, duplicate, error).",
			},
			[]string{"type", "outcome"},
		),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_tokens_issued_total",
			Help: "Entitlement tokens issued.",
		}),
		TokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_tokens_revoked_total",
			Help: "Entitlement token revocation requests.",
		}),
		CheckoutSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_checkout_sessions_total",
			Help: "Checkout sessions created.",
		}),
		Restores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_restores_total",
				Help: "Subscription restore attempts by outcome.",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(
		m.WebhookEvents,
		m.TokensIssued,
		m.TokensRevoked,
		m.CheckoutSessions,
		m.Restores,
	)
	return m
}
