package layers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resourceInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_layer_resource_invalidations_total",
		Help: "Times a layer dropped its shape-keyed GPU resources because the input shape changed",
	}, []string{"layer_type"})

	resourceUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_layer_weight_uploads_total",
		Help: "Weight textures uploaded by layers",
	}, []string{"layer_type"})
)
