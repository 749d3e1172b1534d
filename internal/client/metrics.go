package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_flight_breaker_state",
		Help: "Flight client circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	flightCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_flight_calls_total",
		Help: "Total number of outgoing Flight calls by method and outcome",
	}, []string{"method", "status"})
)
