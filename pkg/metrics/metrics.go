package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 创建计数，path: immediate / scheduled / deferred
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total number of notifications created",
		},
		[]string{"priority", "path"},
	)

	// 状态迁移计数
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_status_transitions_total",
			Help: "Total number of notification status transitions",
		},
		[]string{"from", "to"},
	)

	// 渠道发送耗时（毫秒）
	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_latency_ms",
			Help:    "Channel handler send latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5ms to ~10s
		},
		[]string{"channel", "result"},
	)

	// 各优先级待处理数
	PendingByPriority = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_pending",
			Help: "Admitted notifications not yet completed, per priority",
		},
		[]string{"priority"},
	)

	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_admission_total",
			Help: "Admission decisions per priority",
		},
		[]string{"priority", "decision"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_publish_failures_total",
			Help: "Dispatch queue publish failures per lane",
		},
		[]string{"lane"},
	)

	SweepRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_sweep_recovered_total",
			Help: "Notifications recovered by the periodic sweep",
		},
		[]string{"kind"}, // kind: scheduled, stalled
	)

	ActiveTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_scheduled_timers",
			Help: "In-memory timers armed for scheduled notifications",
		},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of slow database queries",
		},
		[]string{"sql"},
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

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func IncrementCreated(priority, path string) {
	NotificationsCreated.WithLabelValues(priority, path).Inc()
}

func RecordTransition(from, to string) {
	if from == "" {
		from = "NONE"
	}
	StatusTransitions.WithLabelValues(from, to).Inc()
}

func RecordDeliveryLatency(channel, result string, duration time.Duration) {
	DeliveryLatency.WithLabelValues(channel, result).Observe(float64(duration.Milliseconds()))
}

func SetPending(priority string, n int64) {
	PendingByPriority.WithLabelValues(priority).Set(float64(n))
}

func IncrementAdmission(priority, decision string) {
	AdmissionDecisions.WithLabelValues(priority, decision).Inc()
}

func IncrementPublishFailure(lane string) {
	PublishFailures.WithLabelValues(lane).Inc()
}

func AddSweepRecovered(kind string, n int) {
	SweepRecovered.WithLabelValues(kind).Add(float64(n))
}

func SetActiveTimers(n int) {
	ActiveTimers.Set(float64(n))
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	DBQueryDuration.WithLabelValues("slow", "unknown").Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
