package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 分页拉取延迟（秒）
	PageFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasksync_page_fetch_duration_seconds",
			Help:    "Task page fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"scope_kind", "status"},
	)

	// 乐观更新结果计数
	MutationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_mutation_total",
			Help: "Total number of task mutations by operation and result",
		},
		[]string{"operation", "result"}, // result: success, rejected, failed
	)

	// 回滚计数
	RollbackCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_rollback_total",
			Help: "Total number of optimistic mutations rolled back",
		},
		[]string{"operation"},
	)

	// 实时事件计数
	RealtimeEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_realtime_event_total",
			Help: "Total number of realtime events received",
		},
		[]string{"type", "result"}, // result: applied, ignored, invalid
	)

	// 实时频道重连计数
	RealtimeReconnectCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_realtime_reconnect_total",
			Help: "Total number of realtime channel reconnect attempts",
		},
		[]string{"driver"},
	)

	// 缓存索引命中/未命中
	CacheLookupCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasksync_cache_lookup_total",
			Help: "Cache index lookups by driver and result",
		},
		[]string{"driver", "result"}, // result: hit, miss, error
	)

	// 熔断器状态 0=closed 1=open 2=half_open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasksync_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
	)

	// 实时广播计数（服务端）
	BroadcastCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskservice_broadcast_total",
			Help: "Total number of task events broadcast",
		},
		[]string{"type", "channel"}, // channel: websocket, amqp
	)
)

// RecordPageFetch 记录分页拉取延迟
func RecordPageFetch(scopeKind, status string, duration time.Duration) {
	PageFetchDuration.WithLabelValues(scopeKind, status).Observe(duration.Seconds())
}

// IncrementMutation 增加乐观更新计数
func IncrementMutation(operation, result string) {
	MutationCount.WithLabelValues(operation, result).Inc()
}

// IncrementRollback 增加回滚计数
func IncrementRollback(operation string) {
	RollbackCount.WithLabelValues(operation).Inc()
}

// IncrementRealtimeEvent 增加实时事件计数
func IncrementRealtimeEvent(eventType, result string) {
	RealtimeEventCount.WithLabelValues(eventType, result).Inc()
}

// IncrementRealtimeReconnect 增加重连计数
func IncrementRealtimeReconnect(driver string) {
	RealtimeReconnectCount.WithLabelValues(driver).Inc()
}

// IncrementCacheLookup 增加缓存查询计数
func IncrementCacheLookup(driver, result string) {
	CacheLookupCount.WithLabelValues(driver, result).Inc()
}

// SetCircuitBreakerState 更新熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementBroadcast 增加广播计数
func IncrementBroadcast(eventType, channel string) {
	BroadcastCount.WithLabelValues(eventType, channel).Inc()
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}
