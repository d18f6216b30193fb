// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 分词器指标
	modelLoadsTotal    *prometheus.CounterVec
	modelLoadDuration  *prometheus.HistogramVec
	droppedByteGroups  prometheus.Counter
	tokensCountedTotal *prometheus.CounterVec

	// 实时计数指标
	recomputesTotal    *prometheus.CounterVec
	recomputeDuration  *prometheus.HistogramVec
	staleDiscardsTotal prometheus.Counter
	activeSessions     prometheus.Gauge

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 分词器指标
	c.modelLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokenizer_model_loads_total",
			Help:      "Total number of tokenizer model fetch attempts",
		},
		[]string{"status"},
	)

	c.modelLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tokenizer_model_load_duration_seconds",
			Help:      "Tokenizer model fetch and parse duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	c.droppedByteGroups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokenizer_dropped_byte_groups_total",
			Help:      "Byte groups dropped because the merge table has no rank for them",
		},
	)

	c.tokensCountedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_counted_total",
			Help:      "Total number of tokens counted",
		},
		[]string{"kind"}, // kind: prompt, file
	)

	// 实时计数指标
	c.recomputesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounting_recomputes_total",
			Help:      "Total number of token recomputations",
		},
		[]string{"outcome"},
	)

	c.recomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "accounting_recompute_duration_seconds",
			Help:      "Token recomputation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"outcome"},
	)

	c.staleDiscardsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounting_stale_results_total",
			Help:      "Recomputation results discarded because a newer one was dispatched",
		},
	)

	c.activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounting_active_sessions",
			Help:      "Number of live streaming accounting sessions",
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔤 分词器指标记录
// =============================================================================

// RecordModelLoad 记录一次模型加载, 签名与 tokenizer.LoadHook 一致
func (c *Collector) RecordModelLoad(_ string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.modelLoadsTotal.WithLabelValues(status).Inc()
	c.modelLoadDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDroppedGroups 记录被丢弃的字节组, 签名与 tokenizer.DropHook 一致
func (c *Collector) RecordDroppedGroups(n int) {
	c.droppedByteGroups.Add(float64(n))
}

// RecordTokensCounted 记录计数结果
func (c *Collector) RecordTokensCounted(promptTokens, fileTokens int) {
	c.tokensCountedTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	c.tokensCountedTotal.WithLabelValues("file").Add(float64(fileTokens))
}

// =============================================================================
// 🧮 实时计数指标记录 (accounting.MetricsRecorder)
// =============================================================================

// RecordRecompute 记录一次重算
func (c *Collector) RecordRecompute(outcome string, duration time.Duration) {
	c.recomputesTotal.WithLabelValues(outcome).Inc()
	c.recomputeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStaleDiscard 记录被丢弃的过期结果
func (c *Collector) RecordStaleDiscard() {
	c.staleDiscardsTotal.Inc()
}

// SessionOpened / SessionClosed 维护活跃会话数
func (c *Collector) SessionOpened() { c.activeSessions.Inc() }

func (c *Collector) SessionClosed() { c.activeSessions.Dec() }

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
