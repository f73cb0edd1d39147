package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record*/Update* 方法对 nil 接收者是安全的，组件可以不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 投递管道指标
	EmailsIngested        prometheus.Counter
	IngestFailures        *prometheus.CounterVec
	PublishFailures       prometheus.Counter
	AnnouncementsReceived prometheus.Counter
	EmailProcessingTime   *prometheus.HistogramVec

	// 网关指标
	GatewaySessions   prometheus.Gauge
	Deliveries        *prometheus.CounterVec
	DeliveriesDropped prometheus.Counter

	// 存储维护指标
	CleanupRemoved prometheus.Counter
	SweepRuns      prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标并注册到 reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minusmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minusmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minusmail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		EmailsIngested: f.NewCounter(
			prometheus.CounterOpts{
				Name: "minusmail_emails_ingested_total",
				Help: "Total number of emails stored by the ingestion processor",
			},
		),

		IngestFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minusmail_ingest_failures_total",
				Help: "Total number of rejected or failed inbound emails",
			},
			[]string{"reason"},
		),

		PublishFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "minusmail_notifier_publish_failures_total",
				Help: "Total number of announcements that could not be published after a successful store",
			},
		),

		AnnouncementsReceived: f.NewCounter(
			prometheus.CounterOpts{
				Name: "minusmail_notifier_announcements_received_total",
				Help: "Total number of announcements received by the gateway",
			},
		),

		EmailProcessingTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minusmail_email_processing_duration_seconds",
				Help:    "Email processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		GatewaySessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "minusmail_gateway_sessions",
				Help: "Number of connected gateway sessions",
			},
		),

		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minusmail_gateway_deliveries_total",
				Help: "Total number of records pushed to sessions",
			},
			[]string{"kind"},
		),

		DeliveriesDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "minusmail_gateway_deliveries_dropped_total",
				Help: "Total number of pushes skipped because the session buffer was full",
			},
		),

		CleanupRemoved: f.NewCounter(
			prometheus.CounterOpts{
				Name: "minusmail_cleanup_removed_total",
				Help: "Total number of dangling index entries removed",
			},
		),

		SweepRuns: f.NewCounter(
			prometheus.CounterOpts{
				Name: "minusmail_sweep_runs_total",
				Help: "Total number of background sweeps",
			},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minusmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "minusmail_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minusmail_rate_limit_blocks_total",
				Help: "Total number of rate limit blocks",
			},
			[]string{"type"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, responseSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordEmailIngested 记录一封邮件写入成功
func (m *Metrics) RecordEmailIngested(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EmailsIngested.Inc()
	m.EmailProcessingTime.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordIngestFailure 记录入站失败，reason 如 no_recipient、validation、unavailable
func (m *Metrics) RecordIngestFailure(reason string) {
	if m == nil {
		return
	}
	m.IngestFailures.WithLabelValues(reason).Inc()
}

// RecordPublishFailure 记录通知发布失败
func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// RecordAnnouncementReceived 记录网关收到通知
func (m *Metrics) RecordAnnouncementReceived() {
	if m == nil {
		return
	}
	m.AnnouncementsReceived.Inc()
}

// RecordDelivery 记录推送，kind 为 announcement、backfill 或 welcome
func (m *Metrics) RecordDelivery(kind string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(kind).Inc()
}

// RecordDeliveryDropped 记录因缓冲区满而跳过的推送
func (m *Metrics) RecordDeliveryDropped() {
	if m == nil {
		return
	}
	m.DeliveriesDropped.Inc()
}

// RecordCleanup 记录清理掉的悬挂项数量
func (m *Metrics) RecordCleanup(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.CleanupRemoved.Add(float64(removed))
}

// RecordSweep 记录一次后台清理
func (m *Metrics) RecordSweep() {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateGatewaySessions 更新网关连接数
func (m *Metrics) UpdateGatewaySessions(count int) {
	if m == nil {
		return
	}
	m.GatewaySessions.Set(float64(count))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
