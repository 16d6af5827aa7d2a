package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackstream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10},
	}, []string{"method", "path"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "cache_hits_total",
		Help:      "Total number of track cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "cache_misses_total",
		Help:      "Total number of track cache misses that started a load.",
	})

	CacheCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "cache_coalesced_total",
		Help:      "Total number of requests that waited on an in-flight load instead of starting one.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "cache_evictions_total",
		Help:      "Total number of track cache entries evicted to respect capacity.",
	})

	CacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackstream",
		Name:      "cache_bytes",
		Help:      "Bytes currently held by the track cache.",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackstream",
		Name:      "cache_entries",
		Help:      "Tracks currently held by the track cache.",
	})

	TrackLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "track_loads_total",
		Help:      "Total track content loads by source and result status.",
	}, []string{"source", "status"})

	TrackLoadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackstream",
		Name:      "track_load_duration_seconds",
		Help:      "Track content load duration in seconds by source.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"source"})

	PrefetchItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "prefetch_items_total",
		Help:      "Total prefetch items by outcome.",
	}, []string{"status"})

	PrefetchBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "prefetch_batches_total",
		Help:      "Total accepted prefetch batches.",
	})

	AuthRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "auth_rejections_total",
		Help:      "Total rejected bearer tokens by reason.",
	}, []string{"reason"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheCoalescedTotal,
		CacheEvictionsTotal,
		CacheBytes,
		CacheEntries,
		TrackLoadsTotal,
		TrackLoadDuration,
		PrefetchItemsTotal,
		PrefetchBatchesTotal,
		AuthRejectionsTotal,
	)
}
