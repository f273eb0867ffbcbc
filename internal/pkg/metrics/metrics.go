// Package metrics provides Prometheus metrics for the graph core (storage, cache, IQL, policy, sync).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kgraph"

var (
	// HTTPRequestTotal counts API requests by method, route and status.
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds by method and route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StorageQueryDurationSeconds is storage operation latency by backend and operation.
	StorageQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_query_duration_seconds",
			Help:      "Graph storage operation duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2.5, 10),
		},
		[]string{"backend", "operation"},
	)

	// StorageErrorsTotal counts failed storage operations.
	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Total number of failed graph storage operations.",
		},
		[]string{"backend", "operation"},
	)

	QueryCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_hits_total",
			Help:      "Total number of query cache hits by category.",
		},
		[]string{"category"},
	)

	QueryCacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_misses_total",
			Help:      "Total number of query cache misses by category.",
		},
		[]string{"category"},
	)

	QueryCacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_evictions_total",
			Help:      "Total number of LRU evictions from the query cache.",
		},
	)

	// IQLQueriesTotal counts executed IQL queries by kind (find, path, diff, summarize) and outcome.
	IQLQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iql_queries_total",
			Help:      "Total number of IQL queries executed.",
		},
		[]string{"kind", "outcome"},
	)

	IQLQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iql_query_duration_seconds",
			Help:      "IQL query execution duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"kind"},
	)

	// PolicyEvaluationsTotal counts evaluations by evaluator type and result (allowed, flagged, denied, error).
	PolicyEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_evaluations_total",
			Help:      "Total number of policy evaluations.",
		},
		[]string{"evaluator", "result"},
	)

	// SyncNodesTotal counts incremental sync outcomes (created, updated, skipped).
	SyncNodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_nodes_total",
			Help:      "Total number of nodes processed by incremental sync by outcome.",
		},
		[]string{"outcome"},
	)

	SnapshotsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_created_total",
			Help:      "Total number of temporal snapshots captured.",
		},
	)
)
