package normalize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nock_normalize_outcomes_total",
	Help: "Normalized tensor entries by backend and outcome",
}, []string{"backend", "outcome"})
