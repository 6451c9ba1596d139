package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerEntriesTotal counts appended ledger entries by action kind.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lunawave",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Ledger entries appended, by action kind.",
	}, []string{"action"})

	// InsufficientCreditTotal counts debits rejected for lack of balance.
	InsufficientCreditTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lunawave",
		Subsystem: "ledger",
		Name:      "insufficient_credit_total",
		Help:      "Debits rejected because the total balance was too low.",
	})

	// SweepItemsTotal counts per-account sweep outcomes.
	SweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lunawave",
		Subsystem: "scheduler",
		Name:      "sweep_items_total",
		Help:      "Accounts processed by scheduled sweeps, by sweep and outcome.",
	}, []string{"sweep", "outcome"})

	// SweepDuration tracks how long a full sweep takes.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lunawave",
		Subsystem: "scheduler",
		Name:      "sweep_duration_seconds",
		Help:      "Scheduled sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sweep"})

	// PaymentProviderRequests counts calls to the payment provider.
	PaymentProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lunawave",
		Subsystem: "payment",
		Name:      "provider_requests_total",
		Help:      "Payment provider calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	// WebhookRequestsTotal counts payment webhook deliveries by provider status and result.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lunawave",
		Subsystem: "payment",
		Name:      "webhook_requests_total",
		Help:      "Payment webhook deliveries by provider status and result.",
	}, []string{"status", "result"})

	// SubscriptionEventsTotal counts lifecycle transitions.
	SubscriptionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lunawave",
		Subsystem: "subscription",
		Name:      "events_total",
		Help:      "Subscription lifecycle transitions by event and plan.",
	}, []string{"event", "plan"})

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lunawave",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lunawave",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
