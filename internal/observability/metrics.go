package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_created_total", Help: "Service requests created, by outcome"},
		[]string{"outcome"}, // dispatched | no_providers
	)
	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch", Name: "candidates_found", Help: "Candidates returned per geo query",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})
	NotifySent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "notifications_sent_total", Help: "Notifications delivered to providers"})
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "notifications_failed_total", Help: "Notification deliveries that failed"})

	AcceptWins   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_wins_total", Help: "Accept races won"})
	AcceptLosses = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_race_losses_total", Help: "Accept attempts that lost the race"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "transitions_total", Help: "Lifecycle transitions applied"},
		[]string{"to"},
	)

	ProvidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "providers_online", Help: "Providers currently online"})
	PositionUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "position_updates_total", Help: "Live position reports accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
