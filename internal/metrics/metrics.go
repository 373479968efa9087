// ============================================================================
// Strategy Queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器與執行引擎的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - strategyq_jobs_created_total / started / completed / failed / cancelled
//      - strategyq_batches_created_total
//
//   2. 引擎指標:
//      - strategyq_steps_total{operation}: 已套用的步驟數
//      - strategyq_operations_skipped_total: 不在白名單而略過的操作
//      - strategyq_budget_spent_total: 累計消耗的預算
//      - strategyq_run_duration_seconds: 單次執行耗時分佈
//
//   3. 狀態指標 (Gauge):
//      - strategyq_jobs_pending / strategyq_jobs_running
//      - strategyq_recovery_time_seconds: 最近一次啟動恢復時間
//
//   4. 持久化:
//      - strategyq_persist_failures_total{target}: wal / snapshot / history 寫入失敗
//
// 所有方法對 nil *Collector 安全，未啟用指標時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsCreated    prometheus.Counter
	jobsStarted    prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter
	batchesCreated prometheus.Counter

	// 引擎指標
	steps        *prometheus.CounterVec
	opsSkipped   prometheus.Counter
	budgetSpent  prometheus.Counter
	runDuration  prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobsPending prometheus.Gauge
	jobsRunning prometheus.Gauge

	persistFailures *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := newCollector()
	c.register(prometheus.DefaultRegisterer)
	c.gatherer = prometheus.DefaultGatherer
	return c
}

// NewCollectorFor registers the collector on reg, which tests use to stay isolated.
func NewCollectorFor(reg *prometheus.Registry) *Collector {
	c := newCollector()
	c.register(reg)
	c.gatherer = reg
	return c
}

func newCollector() *Collector {
	return &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_jobs_started_total",
			Help: "Total number of jobs started",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		batchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_batches_created_total",
			Help: "Total number of batches created",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategyq_steps_total",
			Help: "Total number of execution steps applied",
		}, []string{"operation"}),
		opsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_operations_skipped_total",
			Help: "Operations skipped because they were not permitted",
		}),
		budgetSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategyq_budget_spent_total",
			Help: "Total budget consumed by applied operations",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "strategyq_run_duration_seconds",
			Help:    "Duration of single strategy runs in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strategyq_recovery_time_seconds",
			Help: "Time taken to restore the job table at startup",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strategyq_jobs_pending",
			Help: "Current number of pending jobs",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strategyq_jobs_running",
			Help: "Current number of running or paused jobs",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategyq_persist_failures_total",
			Help: "Persistence writes that failed, by target",
		}, []string{"target"}),
	}
}

func (c *Collector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.jobsCreated, c.jobsStarted, c.jobsCompleted, c.jobsFailed, c.jobsCancelled,
		c.batchesCreated, c.steps, c.opsSkipped, c.budgetSpent, c.runDuration,
		c.recoveryTime, c.jobsPending, c.jobsRunning, c.persistFailures,
	)
}

// RecordJobCreated 記錄任務建立
func (c *Collector) RecordJobCreated() {
	if c == nil {
		return
	}
	c.jobsCreated.Inc()
}

// RecordJobStarted 記錄任務啟動
func (c *Collector) RecordJobStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
}

// RecordJobCompleted 記錄任務完成
func (c *Collector) RecordJobCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

// RecordJobFailed 記錄任務失敗
func (c *Collector) RecordJobFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordJobCancelled 記錄任務取消
func (c *Collector) RecordJobCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// RecordBatchCreated 記錄批次建立
func (c *Collector) RecordBatchCreated() {
	if c == nil {
		return
	}
	c.batchesCreated.Inc()
}

// RecordStep 記錄一個已套用的步驟與其成本
func (c *Collector) RecordStep(operation string, cost float64) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(operation).Inc()
	if cost > 0 {
		c.budgetSpent.Add(cost)
	}
}

// RecordSkipped 記錄被政策略過的操作
func (c *Collector) RecordSkipped() {
	if c == nil {
		return
	}
	c.opsSkipped.Inc()
}

// ObserveRun 記錄單次執行耗時
func (c *Collector) ObserveRun(seconds float64) {
	if c == nil {
		return
	}
	c.runDuration.Observe(seconds)
}

// RecordPersistFailure 記錄持久化失敗，target 為 wal / snapshot / history
func (c *Collector) RecordPersistFailure(target string) {
	if c == nil {
		return
	}
	c.persistFailures.WithLabelValues(target).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, running int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(running))
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器（阻塞）
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
