package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in each layer call
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nock_layer_duration_seconds",
		Help:    "Time spent in layer calls",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"layer_type", "device"})

	predictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_graph_predict_total",
		Help: "Total number of graph predictions by outcome",
	}, []string{"status"})

	predictDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_graph_predict_duration_seconds",
		Help:    "Time spent in Graph.Predict",
		Buckets: prometheus.DefBuckets,
	})
)
