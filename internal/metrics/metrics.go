// ============================================================================
// DRM License Service Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露授權服務的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. Job 計數器 (Counter)：
//      - drmlicense_jobs_executed_total{type, outcome}: 執行過的 job
//        outcome = ok | failed | after_failure
//      - drmlicense_group_failures_total: 失敗的 group 數
//
//   2. HTTP 計數器 (Counter)：
//      - drmlicense_http_attempts_total{method}: 實際送出的請求數
//      - drmlicense_http_retries_total{cause}: 重試次數（transport / 503 / 408）
//      - drmlicense_http_redirects_total: 遇到的重導向數
//
//   3. 工作階段：
//      - drmlicense_sessions_started_total{kind}
//      - drmlicense_sessions_cancelled_total
//      - drmlicense_sessions_active (Gauge)
//      - drmlicense_reports_buffered_total / drmlicense_reports_dropped_total
//
//   4. 性能指標：
//      - drmlicense_job_latency_seconds{type} (Histogram)
//      - drmlicense_recovery_time_seconds (Gauge): 最近一次啟動復原花費的時間
//      - drmlicense_recovered_sessions (Gauge): 最近一次啟動復原的工作階段數
//
// Prometheus 查詢示例:
//
//   # 各類 job 的失敗率
//   sum by (type) (rate(drmlicense_jobs_executed_total{outcome="failed"}[5m]))
//     / sum by (type) (rate(drmlicense_jobs_executed_total[5m]))
//
//   # 授權伺服器不穩定
//   rate(drmlicense_http_retries_total{cause="503"}[5m])
//
// nil *Collector 的所有方法都不做事，元件不需要判斷是否啟用監控。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 執行結果標籤
const (
	OutcomeOK           = "ok"
	OutcomeFailed       = "failed"
	OutcomeAfterFailure = "after_failure"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// job 相關指標
	jobsExecuted  *prometheus.CounterVec
	groupFailures prometheus.Counter
	jobLatency    *prometheus.HistogramVec

	// HTTP 相關指標
	httpAttempts  *prometheus.CounterVec
	httpRetries   *prometheus.CounterVec
	httpRedirects prometheus.Counter

	// 工作階段相關指標
	sessionsStarted   *prometheus.CounterVec
	sessionsCancelled prometheus.Counter
	sessionsActive    prometheus.Gauge
	reportsBuffered   prometheus.Counter
	reportsDropped    prometheus.Counter

	// 復原
	recoveryTime      prometheus.Gauge
	recoveredSessions prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 reg
//
// 參數說明：
//   - reg: 註冊目標；nil 時建立一個新的 prometheus.Registry
//
// 返回值：
//   - *Collector: 初始化完成的收集器
//
// 使用範例：
//
//	c := metrics.NewCollector(nil)
//	c.JobExecuted("AcquireLicense", metrics.OutcomeOK, 120*time.Millisecond)
//	http.Handle("/metrics", c.Handler())
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmlicense_jobs_executed_total",
			Help: "Total number of jobs executed, by job type and outcome",
		}, []string{"type", "outcome"}),
		groupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drmlicense_group_failures_total",
			Help: "Total number of job groups that failed",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drmlicense_job_latency_seconds",
			Help:    "Job execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		httpAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmlicense_http_attempts_total",
			Help: "Total number of HTTP requests sent",
		}, []string{"method"}),
		httpRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmlicense_http_retries_total",
			Help: "Total number of HTTP retries, by cause",
		}, []string{"cause"}),
		httpRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drmlicense_http_redirects_total",
			Help: "Total number of HTTP redirects encountered",
		}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmlicense_sessions_started_total",
			Help: "Total number of sessions started, by kind",
		}, []string{"kind"}),
		sessionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drmlicense_sessions_cancelled_total",
			Help: "Total number of sessions cancelled",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drmlicense_sessions_active",
			Help: "Current number of running sessions",
		}),
		reportsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drmlicense_reports_buffered_total",
			Help: "Total number of progress reports buffered for an absent callback",
		}),
		reportsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drmlicense_reports_dropped_total",
			Help: "Total number of buffered progress reports dropped on overflow",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drmlicense_recovery_time_seconds",
			Help: "Time taken to recover persisted sessions at startup in seconds",
		}),
		recoveredSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drmlicense_recovered_sessions",
			Help: "Number of sessions recovered at startup",
		}),
		gatherer: reg,
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsExecuted,
		c.groupFailures,
		c.jobLatency,
		c.httpAttempts,
		c.httpRetries,
		c.httpRedirects,
		c.sessionsStarted,
		c.sessionsCancelled,
		c.sessionsActive,
		c.reportsBuffered,
		c.reportsDropped,
		c.recoveryTime,
		c.recoveredSessions,
	)

	return c
}

// JobExecuted 記錄一次 job 執行
func (c *Collector) JobExecuted(jobType, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsExecuted.WithLabelValues(jobType, outcome).Inc()
	c.jobLatency.WithLabelValues(jobType).Observe(d.Seconds())
}

// GroupFailed 記錄一個 group 失敗
func (c *Collector) GroupFailed() {
	if c == nil {
		return
	}
	c.groupFailures.Inc()
}

// HTTPAttempt 記錄一次送出的請求
func (c *Collector) HTTPAttempt(method string) {
	if c == nil {
		return
	}
	c.httpAttempts.WithLabelValues(method).Inc()
}

// HTTPRetry 記錄一次重試
func (c *Collector) HTTPRetry(cause string) {
	if c == nil {
		return
	}
	c.httpRetries.WithLabelValues(cause).Inc()
}

// HTTPRedirect 記錄一次重導向
func (c *Collector) HTTPRedirect() {
	if c == nil {
		return
	}
	c.httpRedirects.Inc()
}

// SessionStarted 工作階段開始執行
func (c *Collector) SessionStarted(kind string) {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues(kind).Inc()
	c.sessionsActive.Inc()
}

// SessionFinished 工作階段結束
func (c *Collector) SessionFinished() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

// SessionCancelled 工作階段被取消
func (c *Collector) SessionCancelled() {
	if c == nil {
		return
	}
	c.sessionsCancelled.Inc()
}

// ReportBuffered 回報被暫存
func (c *Collector) ReportBuffered() {
	if c == nil {
		return
	}
	c.reportsBuffered.Inc()
}

// ReportDropped 暫存已滿、回報被丟棄
func (c *Collector) ReportDropped() {
	if c == nil {
		return
	}
	c.reportsDropped.Inc()
}

// SetRecovery 設置最近一次復原的耗時與工作階段數
func (c *Collector) SetRecovery(d time.Duration, sessions int) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
	c.recoveredSessions.Set(float64(sessions))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗的錯誤；ctx 結束造成的關閉回傳 nil
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
