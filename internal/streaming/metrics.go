package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamvault",
		Subsystem: "streaming",
		Name:      "cache_lookups_total",
		Help:      "Local cache lookups by artifact kind and result (hit, miss).",
	}, []string{"kind", "result"})

	rehydrationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamvault",
		Subsystem: "streaming",
		Name:      "rehydration_errors_total",
		Help:      "Object store reads that failed while serving a playback request.",
	}, []string{"kind"})

	cacheWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamvault",
		Subsystem: "streaming",
		Name:      "cache_write_errors_total",
		Help:      "Best-effort local cache writes that failed.",
	})
)
