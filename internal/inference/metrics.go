package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_engine_requests_total",
		Help: "Total number of engine predictions by outcome",
	}, []string{"status"})

	replicasBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_replicas_busy",
		Help: "Number of graph replicas currently running a prediction",
	})

	replicaWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_replica_wait_seconds",
		Help:    "Time spent waiting for a free replica",
		Buckets: prometheus.DefBuckets,
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_engine_batch_size",
		Help:    "Number of examples per PredictBatch call",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_cache_hits_total",
		Help: "Total number of prediction cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_cache_misses_total",
		Help: "Total number of prediction cache misses",
	})
)
