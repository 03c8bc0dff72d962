package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record 方法对 nil 接收者安全，未启用监控的组件可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	MailboxesCreated  prometheus.Counter
	MailboxesDeleted  prometheus.Counter
	MailboxesExtended prometheus.Counter
	MailboxesExpired  prometheus.Counter

	// 邮件指标
	MessagesStored   *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	MessagesRead     prometheus.Counter
	MessagesDeleted  prometheus.Counter
	MessagesEvicted  prometheus.Counter
	MessagesPurged   prometheus.Counter

	// 发件指标
	OutboundSends *prometheus.CounterVec

	// 清理任务指标
	SweepRuns     prometheus.Counter
	SweepErrors   prometheus.Counter
	SweepDuration prometheus.Histogram

	// 实时订阅指标
	ViewsOpen prometheus.Gauge

	// 错误指标
	ErrorsTotal     *prometheus.CounterVec
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标，每个实例使用独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MailboxesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_created_total",
			Help: "Total number of mailboxes created",
		}),
		MailboxesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_deleted_total",
			Help: "Total number of mailboxes deleted by their owner",
		}),
		MailboxesExtended: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_extended_total",
			Help: "Total number of mailbox extensions",
		}),
		MailboxesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_expired_total",
			Help: "Total number of mailboxes deactivated by the sweeper",
		}),

		MessagesStored: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_messages_stored_total",
				Help: "Total number of messages stored",
			},
			[]string{"direction"},
		),
		MessagesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_messages_rejected_total",
				Help: "Total number of inbound messages rejected",
			},
			[]string{"reason"},
		),
		MessagesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_read_total",
			Help: "Total number of messages marked read",
		}),
		MessagesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_deleted_total",
			Help: "Total number of messages deleted",
		}),
		MessagesEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_evicted_total",
			Help: "Total number of messages evicted by the capacity policy",
		}),
		MessagesPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_purged_total",
			Help: "Total number of messages purged after expiry",
		}),

		OutboundSends: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_outbound_sends_total",
				Help: "Total number of outbound send attempts",
			},
			[]string{"result"},
		),

		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_sweep_runs_total",
			Help: "Total number of sweeper runs",
		}),
		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_sweep_errors_total",
			Help: "Total number of failed sweeper runs",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_sweep_duration_seconds",
			Help:    "Sweeper run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		ViewsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_inbox_views_open",
			Help: "Number of open inbox views",
		}),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_panics_total",
			Help: "Total number of panics",
		}),
		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_rate_limit_blocks_total",
				Help: "Total number of rate limit blocks",
			},
			[]string{"type"},
		),
	}
}

// RegisterGaugeFunc 注册按需取值的仪表，例如订阅管理器的打开通道数
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMailboxCreated 记录邮箱创建
func (m *Metrics) RecordMailboxCreated() {
	if m == nil {
		return
	}
	m.MailboxesCreated.Inc()
}

// RecordMailboxDeleted 记录邮箱删除
func (m *Metrics) RecordMailboxDeleted() {
	if m == nil {
		return
	}
	m.MailboxesDeleted.Inc()
}

// RecordMailboxExtended 记录邮箱续期
func (m *Metrics) RecordMailboxExtended() {
	if m == nil {
		return
	}
	m.MailboxesExtended.Inc()
}

// RecordMailboxesExpired 记录清理任务停用的邮箱
func (m *Metrics) RecordMailboxesExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MailboxesExpired.Add(float64(n))
}

// RecordMessageStored 记录邮件入库
func (m *Metrics) RecordMessageStored(direction string) {
	if m == nil {
		return
	}
	m.MessagesStored.WithLabelValues(direction).Inc()
}

// RecordMessageRejected 记录被拒收的邮件
func (m *Metrics) RecordMessageRejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordMessageRead 记录邮件已读
func (m *Metrics) RecordMessageRead() {
	if m == nil {
		return
	}
	m.MessagesRead.Inc()
}

// RecordMessageDeleted 记录邮件删除
func (m *Metrics) RecordMessageDeleted() {
	if m == nil {
		return
	}
	m.MessagesDeleted.Inc()
}

// RecordMessagesEvicted 记录容量淘汰
func (m *Metrics) RecordMessagesEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesEvicted.Add(float64(n))
}

// RecordMessagesPurged 记录过期清除的邮件
func (m *Metrics) RecordMessagesPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesPurged.Add(float64(n))
}

// RecordOutboundSend 记录发件结果
func (m *Metrics) RecordOutboundSend(result string) {
	if m == nil {
		return
	}
	m.OutboundSends.WithLabelValues(result).Inc()
}

// RecordSweep 记录一次清理任务
func (m *Metrics) RecordSweep(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepDuration.Observe(duration.Seconds())
	if err != nil {
		m.SweepErrors.Inc()
	}
}

// ViewOpened 记录收件箱视图打开
func (m *Metrics) ViewOpened() {
	if m == nil {
		return
	}
	m.ViewsOpen.Inc()
}

// ViewClosed 记录收件箱视图关闭
func (m *Metrics) ViewClosed() {
	if m == nil {
		return
	}
	m.ViewsOpen.Dec()
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

// RecordRateLimitBlock 记录限流拦截
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
