package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_device_dispatch_total",
		Help: "Total number of program dispatches by program name",
	}, []string{"program"})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_device_pool_hits_total",
		Help: "Total number of texture allocations served from recycled buffers",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_device_pool_misses_total",
		Help: "Total number of texture allocations that needed a fresh buffer",
	})

	textureBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_device_texture_bytes",
		Help: "Current bytes held by live textures",
	})

	liveTextures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_device_textures",
		Help: "Current number of live textures",
	})
)
