package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier (memory, durable).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheEvictions tracks FIFO evictions by resource type.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_evictions_total",
			Help: "Total number of size-bound evictions by resource type",
		},
		[]string{"resource_type"},
	)

	// CacheSweepRemoved tracks expired entries removed by the periodic sweep.
	CacheSweepRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_sweep_removed_total",
			Help: "Total number of expired entries removed by the sweep",
		},
		[]string{"tier"},
	)

	// CacheErrors tracks durable-tier operation errors.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_errors_total",
			Help: "Total number of durable-tier operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "list"
	)
)
