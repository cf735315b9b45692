package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	frameRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameserver_requests",
			Help: "Frame requests by outcome",
		},
		[]string{"source", "outcome"},
	)

	workerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameserver_worker_restarts",
			Help: "Number of sequential worker (re)starts",
		},
		[]string{"source"},
	)

	sequentialFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameserver_sequential_fallbacks",
			Help: "Sequential requests that fell back to a single frame decode",
		},
		[]string{"source"},
	)

	lookAheadGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "frameserver_look_ahead_seconds",
			Help: "Look-ahead currently instructed to the worker",
		},
		[]string{"source"},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "frameserver_request_latency",
			Help: "Frame request latency (milliseconds)",
			Buckets: []float64{
				1, 5, 15, 45, 120, 250, 500, 1000,
			},
		},
		[]string{"source"},
	)
)

// request outcomes
const (
	outcomeHit      = "hit"
	outcomeWorker   = "worker"
	outcomeCatchup  = "catchup"
	outcomeDecode   = "decode"
	outcomeFallback = "fallback"
	outcomeError    = "error"
)
