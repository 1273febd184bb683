package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exportedTensors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_export_tensors_total",
		Help: "Tensors exported, by sink",
	}, []string{"sink"})

	exportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_export_failures_total",
		Help: "Failed export batches, by sink",
	}, []string{"sink"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nock_export_breaker_state",
		Help: "Export circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)
