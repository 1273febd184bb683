package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_pipeline_units_total",
		Help: "Units processed by the driver, by outcome",
	}, []string{"outcome"})

	passRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nock_pass_runs_total",
		Help: "Pass invocations, by pass and result",
	}, []string{"pass", "result"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nock_pass_duration_seconds",
		Help:    "Time spent in pass Run",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"pass"})

	tensorsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_pipeline_tensors_written_total",
		Help: "Output tensors written back into the collection",
	})
)
