package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 流水线阶段延迟（毫秒）
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_latency_ms",
			Help:    "Pipeline stage latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"stage", "outcome"},
	)

	// 外部服务调用延迟（毫秒）
	ExternalCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_call_latency_ms",
			Help:    "External service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"service", "status"},
	)

	// 运行终态计数
	RunOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_run_outcome_count",
			Help: "Total number of pipeline runs by terminal outcome",
		},
		[]string{"outcome"}, // automated, escalated, discarded
	)

	// 外部调用重试计数
	RetryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_call_retry_count",
			Help: "Total number of external call retries",
		},
		[]string{"service"},
	)

	// telemetry sink 丢弃计数（sink 失败时静默吞掉，只在这里留痕）
	TelemetryDroppedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_dropped_count",
			Help: "Total number of telemetry records dropped due to sink failures",
		},
	)

	// 缓存命中/未命中
	CacheRequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_cache_request_count",
			Help: "Total number of score cache lookups",
		},
		[]string{"kind", "result"}, // kind: embedding, tokens; result: hit, miss
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

// RecordStageLatency 记录流水线阶段延迟
func RecordStageLatency(stage, outcome string, duration time.Duration) {
	StageLatency.WithLabelValues(stage, outcome).Observe(float64(duration.Milliseconds()))
}

// RecordExternalCallLatency 记录外部服务调用延迟
func RecordExternalCallLatency(service, status string, duration time.Duration) {
	ExternalCallLatency.WithLabelValues(service, status).Observe(float64(duration.Milliseconds()))
}

// IncrementRunOutcome 增加运行终态计数
func IncrementRunOutcome(outcome string) {
	RunOutcomeCount.WithLabelValues(outcome).Inc()
}

// IncrementRetry 增加重试计数
func IncrementRetry(service string) {
	RetryCount.WithLabelValues(service).Inc()
}

// IncrementTelemetryDropped 增加 telemetry 丢弃计数
func IncrementTelemetryDropped() {
	TelemetryDroppedCount.Inc()
}

// IncrementCacheRequest 增加缓存查询计数
func IncrementCacheRequest(kind, result string) {
	CacheRequestCount.WithLabelValues(kind, result).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
