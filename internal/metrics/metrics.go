// ============================================================================
// jobfarm Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露系統運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - jobfarm_clients_registered_total / jobfarm_clients_evicted_total
//      - jobfarm_jobs_submitted_total / _completed_total / _failed_total
//      - jobfarm_uploads_enqueued_total / _completed_total / _rejected_total / _aborted_total
//      - jobfarm_upload_bytes_total
//      - jobfarm_downloads_served_total / _refused_total
//      - jobfarm_datagrams_malformed_total / _rate_limited_total
//
//   2. 性能指標 (Histogram)：
//      - jobfarm_job_exec_seconds: 命令執行時間
//      - jobfarm_upload_seconds: 單一檔案傳輸時間
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - jobfarm_clients_live
//      - jobfarm_jobs_pending
//      - jobfarm_uploads_in_flight / jobfarm_upload_queue_depth / jobfarm_upload_limit
//      - jobfarm_download_queue_depth
//
// Prometheus 查詢示例:
//
//   # 上傳積壓
//   jobfarm_upload_queue_depth + jobfarm_uploads_in_flight
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, rate(jobfarm_job_exec_seconds_bucket[5m]))
//
// nil 安全:
//   所有 Record/Set 方法對 nil *Collector 都是 no-op，
//   元件測試可以直接傳 nil
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobfarm"

// Collector Prometheus 指標收集器
type Collector struct {
	// 客戶端
	clientsRegistered prometheus.Counter
	clientsEvicted    prometheus.Counter
	clientsLive       prometheus.Gauge

	// 任務
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsPending   prometheus.Gauge
	jobExec       prometheus.Histogram

	// 上傳
	uploadsEnqueued  prometheus.Counter
	uploadsCompleted prometheus.Counter
	uploadsRejected  prometheus.Counter
	uploadsAborted   prometheus.Counter
	uploadBytes      prometheus.Counter
	uploadDuration   prometheus.Histogram
	uploadsInFlight  prometheus.Gauge
	uploadQueueDepth prometheus.Gauge
	uploadLimit      prometheus.Gauge

	// 下載
	downloadsServed    prometheus.Counter
	downloadsRefused   prometheus.Counter
	downloadQueueDepth prometheus.Gauge

	// 控制面
	malformed   prometheus.Counter
	rateLimited prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		clientsRegistered: counter("clients_registered_total", "Total number of client identities issued"),
		clientsEvicted:    counter("clients_evicted_total", "Total number of clients evicted by heartbeat timeout or kick"),
		clientsLive:       gauge("clients_live", "Current number of live clients"),

		jobsSubmitted: counter("jobs_submitted_total", "Total number of jobs created"),
		jobsCompleted: counter("jobs_completed_total", "Total number of jobs whose command succeeded"),
		jobsFailed:    counter("jobs_failed_total", "Total number of jobs whose command failed"),
		jobsPending:   gauge("jobs_pending", "Current number of jobs in the job table"),
		jobExec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_exec_seconds",
			Help:      "Command execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),

		uploadsEnqueued:  counter("uploads_enqueued_total", "Total number of upload tickets admitted to the queue"),
		uploadsCompleted: counter("uploads_completed_total", "Total number of uploads fully received"),
		uploadsRejected:  counter("uploads_rejected_total", "Total number of upload requests rejected at admission"),
		uploadsAborted:   counter("uploads_aborted_total", "Total number of uploads abandoned mid-transfer"),
		uploadBytes:      counter("upload_bytes_total", "Total number of bytes received over upload connections"),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_seconds",
			Help:      "Single-file transfer duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}),
		uploadsInFlight:  gauge("uploads_in_flight", "Current number of active upload transfers"),
		uploadQueueDepth: gauge("upload_queue_depth", "Current number of queued upload tickets"),
		uploadLimit:      gauge("upload_limit", "Configured maximum concurrent uploads"),

		downloadsServed:    counter("downloads_served_total", "Total number of files streamed to clients"),
		downloadsRefused:   counter("downloads_refused_total", "Total number of download connections refused for address mismatch"),
		downloadQueueDepth: gauge("download_queue_depth", "Current number of queued download tickets"),

		malformed:   counter("datagrams_malformed_total", "Total number of control datagrams that failed to decode"),
		rateLimited: counter("datagrams_rate_limited_total", "Total number of control datagrams dropped by the per-source limiter"),
	}

	reg.MustRegister(
		c.clientsRegistered, c.clientsEvicted, c.clientsLive,
		c.jobsSubmitted, c.jobsCompleted, c.jobsFailed, c.jobsPending, c.jobExec,
		c.uploadsEnqueued, c.uploadsCompleted, c.uploadsRejected, c.uploadsAborted,
		c.uploadBytes, c.uploadDuration, c.uploadsInFlight, c.uploadQueueDepth, c.uploadLimit,
		c.downloadsServed, c.downloadsRefused, c.downloadQueueDepth,
		c.malformed, c.rateLimited,
	)
	return c
}

// RecordClientRegistered 新客戶端
func (c *Collector) RecordClientRegistered() {
	if c == nil {
		return
	}
	c.clientsRegistered.Inc()
}

// RecordClientsEvicted 清除 n 個客戶端
func (c *Collector) RecordClientsEvicted(n int) {
	if c == nil {
		return
	}
	c.clientsEvicted.Add(float64(n))
}

// RecordJobSubmitted 新任務
func (c *Collector) RecordJobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordJobResult 任務執行結果與耗時
func (c *Collector) RecordJobResult(ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	if ok {
		c.jobsCompleted.Inc()
	} else {
		c.jobsFailed.Inc()
	}
	c.jobExec.Observe(elapsed.Seconds())
}

// RecordUploadEnqueued 上傳票據入隊
func (c *Collector) RecordUploadEnqueued() {
	if c == nil {
		return
	}
	c.uploadsEnqueued.Inc()
}

// RecordUploadRejected 上傳在入隊前被拒絕
func (c *Collector) RecordUploadRejected() {
	if c == nil {
		return
	}
	c.uploadsRejected.Inc()
}

// RecordUploadCompleted 單一檔案傳輸完成
func (c *Collector) RecordUploadCompleted(bytes int64, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.uploadsCompleted.Inc()
	c.uploadBytes.Add(float64(bytes))
	c.uploadDuration.Observe(elapsed.Seconds())
}

// RecordUploadAborted 傳輸中止
func (c *Collector) RecordUploadAborted(bytes int64) {
	if c == nil {
		return
	}
	c.uploadsAborted.Inc()
	c.uploadBytes.Add(float64(bytes))
}

// SetUploadStats 上傳佇列狀態
func (c *Collector) SetUploadStats(inFlight, queued, limit int) {
	if c == nil {
		return
	}
	c.uploadsInFlight.Set(float64(inFlight))
	c.uploadQueueDepth.Set(float64(queued))
	c.uploadLimit.Set(float64(limit))
}

// RecordDownloadServed 下載完成
func (c *Collector) RecordDownloadServed() {
	if c == nil {
		return
	}
	c.downloadsServed.Inc()
}

// RecordDownloadRefused 下載連線位址不符
func (c *Collector) RecordDownloadRefused() {
	if c == nil {
		return
	}
	c.downloadsRefused.Inc()
}

// SetDownloadQueueDepth 下載佇列長度
func (c *Collector) SetDownloadQueueDepth(n int) {
	if c == nil {
		return
	}
	c.downloadQueueDepth.Set(float64(n))
}

// SetTableStats 客戶端與任務數量
func (c *Collector) SetTableStats(clients, jobs int) {
	if c == nil {
		return
	}
	c.clientsLive.Set(float64(clients))
	c.jobsPending.Set(float64(jobs))
}

// RecordMalformed 無法解碼的 datagram
func (c *Collector) RecordMalformed() {
	if c == nil {
		return
	}
	c.malformed.Inc()
}

// RecordRateLimited 被限流丟棄的 datagram
func (c *Collector) RecordRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// Handler 給定 Gatherer 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
