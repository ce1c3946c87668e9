package submitter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "imgqueue",
	Name:      "jobs_submitted_total",
	Help:      "The number of job submissions by outcome (accepted, rejected, failed).",
}, []string{"outcome"})
