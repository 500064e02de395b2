// Package metrics documents the Prometheus metrics exposed by the proxy.
// All metrics are defined in their respective packages (api, cache,
// connlimit) via promauto to maintain modularity and avoid circular
// dependencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request metrics (pkg/api):
//   - proxy_upstream_requests_total{endpoint, status} (Counter)
//   - proxy_upstream_request_duration_seconds{endpoint} (Histogram)
//   - proxy_upstream_errors_total{kind} (Counter)
//
// Retry metrics (pkg/api):
//   - proxy_retries_total{kind} (Counter)
//   - proxy_retry_backoff_seconds{kind} (Histogram)
//   - proxy_retry_exhausted_total{kind} (Counter)
//
// Admission metrics (pkg/connlimit):
//   - proxy_conn_active_slots{host} (Gauge)
//   - proxy_conn_queued_waiters{host} (Gauge)
//   - proxy_conn_protocol_downgrades_total (Counter)
//
// Cache metrics (pkg/cache):
//   - proxy_cache_hits_total{tier} (Counter): tier is "memory" or "durable"
//   - proxy_cache_misses_total (Counter)
//   - proxy_cache_evictions_total{resource_type} (Counter)
//   - proxy_cache_sweep_removed_total{tier} (Counter)
//   - proxy_cache_errors_total{operation} (Counter)
//
// Example Prometheus queries:
//
//   # Cache hit rate
//   sum(rate(proxy_cache_hits_total[5m])) /
//   (sum(rate(proxy_cache_hits_total[5m])) + sum(rate(proxy_cache_misses_total[5m])))
//
//   # Hosts saturating their connection budget
//   proxy_conn_queued_waiters > 0
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(proxy_upstream_request_duration_seconds_bucket[5m]))
