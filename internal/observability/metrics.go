package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "requests_created_total", Help: "Pickup requests created"})
	RequestsAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "requests_accepted_total", Help: "Requests accepted by a recycler"})
	RequestsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "requests_completed_total", Help: "Requests completed"})
	RequestsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "requests_cancelled_total", Help: "Requests cancelled"})
	AcceptConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})

	SamplesRelayed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "location_samples_relayed_total", Help: "Location samples forwarded to citizens"})
	SamplesRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "location_samples_rejected_total", Help: "Location samples rejected by the relay gate"})

	EstimatesDelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "route_estimates_delivered_total", Help: "Route estimates delivered to citizens"})
	EstimateFailures   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "route_estimate_failures_total", Help: "Routing provider failures by kind"},
		[]string{"kind"},
	)

	ConnectionsLive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "reciapp_dispatch", Name: "ws_connections", Help: "Live websocket connections"})
	SendsDropped    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "event_sends_dropped_total", Help: "Events dropped after the buffering window"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reciapp_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reciapp_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
