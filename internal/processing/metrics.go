package processing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamvault",
		Subsystem: "processing",
		Name:      "jobs_total",
		Help:      "Transcoding jobs by outcome (done, failed, skipped, retry).",
	}, []string{"result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamvault",
		Subsystem: "processing",
		Name:      "job_duration_seconds",
		Help:      "Wall time of transcoding jobs from receipt to final status write.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"result"})

	encodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamvault",
		Subsystem: "processing",
		Name:      "encode_duration_seconds",
		Help:      "Encoder wall time per rendition tier.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"tier"})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamvault",
		Subsystem: "processing",
		Name:      "active_jobs",
		Help:      "Transcoding jobs currently running.",
	})
)
