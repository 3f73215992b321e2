// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheusメトリクス
var (
	// RequestsForwarded はバックエンドサービスへ転送したリクエスト数。
	RequestsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fibergw_requests_forwarded_total",
			Help: "Total number of requests forwarded to backend services",
		},
		[]string{"service"},
	)
	// UpstreamErrors はバックエンド到達不能による転送失敗数。
	UpstreamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fibergw_upstream_errors_total",
			Help: "Total number of forwarding failures caused by unreachable backends",
		},
	)
	// CacheHits はIDキャッシュのヒット数。
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fibergw_identity_cache_hits_total",
			Help: "Total number of identity cache hits",
		},
	)
	// CacheMisses はIDキャッシュのミス数。
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fibergw_identity_cache_misses_total",
			Help: "Total number of identity cache misses",
		},
	)
	// InvalidationFailures は無効化ブロードキャストの配信失敗数。
	InvalidationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fibergw_invalidation_failures_total",
			Help: "Total number of failed cache invalidation deliveries to sibling replicas",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsForwarded,
		UpstreamErrors,
		CacheHits,
		CacheMisses,
		InvalidationFailures,
	)
}
