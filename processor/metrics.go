package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgqueue",
		Name:      "jobs_processed_total",
		Help:      "The number of jobs that reached a terminal state, by outcome (succeeded, failed).",
	}, []string{"outcome"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "imgqueue",
		Name:      "job_duration_seconds",
		Help:      "Time from claiming a job until its terminal state was recorded.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	duplicateDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgqueue",
		Name:      "duplicate_deliveries_total",
		Help:      "The number of descriptors dropped because their job was already claimed.",
	})
)
