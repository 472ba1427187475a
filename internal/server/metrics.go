package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_settlements_total",
		Help: "Settlement requests by chain and terminal status.",
	}, []string{"chain", "status"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "x402_settlement_duration_seconds",
		Help:    "End-to-end settle handler latency.",
		Buckets: prometheus.DefBuckets,
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_http_requests_total",
		Help: "HTTP requests by method, path and response code.",
	}, []string{"method", "path", "code"})
)
