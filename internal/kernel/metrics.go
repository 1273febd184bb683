package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_kernel_packed_bytes_total",
		Help: "Bytes produced by packing kernels",
	}, []string{"kernel", "tile"})

	packDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nock_kernel_pack_duration_seconds",
		Help:    "Time spent in packing kernels",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kernel"})
)
