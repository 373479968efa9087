// ============================================================================
// Batch Coordinator - 批次協調器
// ============================================================================
//
// Package: internal/batch
// 文件: batch.go
// 功能: 將「多個資料檔 × 同一組 preset」展開成任務，並以循序或有上限的
//       並行方式推進它們
//
// 執行模式:
//   - 循序: 1 個 worker，依建立順序，前一個任務進入終態後才啟動下一個
//   - 並行: maxParallel 個 worker，有空位時啟動下一個任務
//
// 兩種模式都交給 worker.Pool 驅動：每個 worker 呼叫 StartJob 後
// WaitTerminal，因此 worker 數就是同時執行的任務上限。
//
// ============================================================================

package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/engine"
	"github.com/ChuLiYu/strategy-queue/internal/metrics"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/worker"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/google/uuid"
)

// DefaultMaxParallel 並行批次未指定上限時使用
const DefaultMaxParallel = 2

var (
	// ErrBatchNotFound 批次不存在
	ErrBatchNotFound = errors.New("batch: not found")
	// ErrBatchRunning 批次已有執行中的 runner
	ErrBatchRunning = errors.New("batch: already running")
)

// JobScheduler 批次協調器需要的排程器操作
type JobScheduler interface {
	CreateJob(name, dataFileID string, presets []types.Preset, opts scheduler.CreateOptions) (types.Job, error)
	StartJob(id types.JobID) error
	CancelJob(id types.JobID) error
	DeleteJob(id types.JobID) error
	GetJob(id types.JobID) (types.Job, bool)
	GetAllJobs() []types.Job
	WaitTerminal(ctx context.Context, id types.JobID) (types.Job, error)
}

// Config 協調器設定
type Config struct {
	Scheduler JobScheduler
	// DataFiles 可選；設定時在建立任何任務前先檢查所有檔案
	DataFiles scheduler.DataSource
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Summary 批次的即時狀態
type Summary struct {
	Batch    types.Batch             `json:"batch"`
	Counts   map[types.JobStatus]int `json:"counts"`
	Progress float64                 `json:"progress"`
	Running  bool                    `json:"running"`
	Workers  int                     `json:"workers,omitempty"`
}

type runner struct {
	pool      *worker.Pool
	done      chan struct{}
	cancelled bool
}

// Coordinator 批次協調器
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	batches map[types.BatchID]*types.Batch
	runners map[types.BatchID]*runner
}

// New 建立協調器
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		log:     logger.With("component", "batch"),
		batches: make(map[types.BatchID]*types.Batch),
		runners: make(map[types.BatchID]*runner),
	}
}

// CreateBatch 每個資料檔建立一個任務，全部使用同一組 preset 與優先級
//
// 所有檢查都在建立任務之前完成；之後若排程器仍拒絕某個任務，
// 已建立的任務會被刪除，批次不會留下一半。
func (c *Coordinator) CreateBatch(cfg types.BatchConfig) (types.Batch, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	var problems []string
	if len(cfg.DataFileIDs) == 0 {
		problems = append(problems, "at least one data file is required")
	}
	if len(cfg.Presets) == 0 {
		problems = append(problems, "at least one preset is required")
	}
	// 同一個檔案可以列多次，每次都是一個獨立任務；缺檔只回報一次
	missing := make(map[string]bool)
	for _, id := range cfg.DataFileIDs {
		if c.cfg.DataFiles == nil || missing[id] {
			continue
		}
		if f, ok := c.cfg.DataFiles.Get(id); !ok || f.Bits == "" {
			missing[id] = true
			problems = append(problems, fmt.Sprintf("data file %q has no loaded bits", id))
		}
	}
	if cfg.Priority == "" {
		cfg.Priority = types.PriorityNormal
	}
	if cfg.RunParallel && cfg.MaxParallel < 1 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if len(problems) > 0 {
		return types.Batch{}, &engine.ValidationError{Problems: problems}
	}

	id := uuid.NewString()
	if cfg.Name == "" {
		cfg.Name = "batch-" + id[:8]
	}
	b := &types.Batch{
		ID:        types.BatchID(id),
		Name:      cfg.Name,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	for _, fileID := range cfg.DataFileIDs {
		job, err := c.cfg.Scheduler.CreateJob(fmt.Sprintf("%s [%s]", cfg.Name, fileID), fileID, cfg.Presets,
			scheduler.CreateOptions{Priority: cfg.Priority, BatchID: b.ID})
		if err != nil {
			c.rollback(b.JobIDs)
			return types.Batch{}, err
		}
		b.JobIDs = append(b.JobIDs, job.ID)
	}

	c.mu.Lock()
	c.batches[b.ID] = b
	out := cloneBatch(b)
	c.mu.Unlock()

	c.cfg.Metrics.RecordBatchCreated()
	c.log.Info("Batch created", "batch_id", b.ID, "name", b.Name, "jobs", len(b.JobIDs), "parallel", cfg.RunParallel)
	return out, nil
}

func (c *Coordinator) rollback(ids []types.JobID) {
	for _, id := range ids {
		if err := c.cfg.Scheduler.DeleteJob(id); err != nil {
			c.log.Warn("Failed to roll back batch job", "job_id", id, "error", err)
		}
	}
}

// StartBatch 啟動批次中所有 pending 任務
func (c *Coordinator) StartBatch(id types.BatchID) error {
	c.mu.Lock()
	b, ok := c.batches[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if _, running := c.runners[id]; running {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchRunning, id)
	}

	var pending []types.JobID
	for _, jobID := range b.JobIDs {
		if job, ok := c.cfg.Scheduler.GetJob(jobID); ok && job.Status == types.StatusPending {
			pending = append(pending, jobID)
		}
	}
	if len(pending) == 0 {
		c.mu.Unlock()
		c.log.Info("Batch has no pending jobs", "batch_id", id)
		return nil
	}

	workers := 1
	if b.Config.RunParallel {
		workers = b.Config.MaxParallel
		if workers < 1 {
			workers = DefaultMaxParallel
		}
	}
	if workers > len(pending) {
		workers = len(pending)
	}

	pool := worker.NewPool(len(pending), c.runJob).WithLogger(c.log.With("batch_id", id))
	if err := pool.Start(workers); err != nil {
		c.mu.Unlock()
		return err
	}
	r := &runner{pool: pool, done: make(chan struct{})}
	c.runners[id] = r
	c.mu.Unlock()

	for _, jobID := range pending {
		if err := pool.Submit(worker.Task{ID: jobID}); err != nil {
			// CancelBatch 已關閉 pool
			break
		}
	}
	c.log.Info("Batch started", "batch_id", id, "jobs", len(pending), "workers", workers)
	go c.collect(id, r, len(pending))
	return nil
}

// runJob 是 worker 的 handler：啟動一個任務並等它進入終態
func (c *Coordinator) runJob(ctx context.Context, task worker.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.cfg.Scheduler.StartJob(task.ID); err != nil {
		c.log.Error("Failed to start batch job", "job_id", task.ID, "error", err)
		return err
	}
	job, err := c.cfg.Scheduler.WaitTerminal(ctx, task.ID)
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			return nil
		}
		return err
	}
	if job.Status != types.StatusCompleted {
		return fmt.Errorf("job %s ended %s", task.ID, job.Status)
	}
	return nil
}

// collect 收齊結果後關閉 pool 並移除 runner
func (c *Coordinator) collect(id types.BatchID, r *runner, n int) {
	defer close(r.done)
	failed := 0
	for i := 0; i < n; i++ {
		res, err := r.pool.ReceiveResult()
		if err != nil {
			break
		}
		if !res.Success {
			failed++
		}
	}
	r.pool.Stop()

	c.mu.Lock()
	delete(c.runners, id)
	cancelled := r.cancelled
	c.mu.Unlock()
	c.log.Info("Batch finished", "batch_id", id, "jobs", n, "unsuccessful", failed, "cancelled", cancelled)
}

// CancelBatch 停止 runner 並取消批次中所有非終態任務
func (c *Coordinator) CancelBatch(id types.BatchID) error {
	c.mu.Lock()
	b, ok := c.batches[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	jobIDs := append([]types.JobID(nil), b.JobIDs...)
	r := c.runners[id]
	if r != nil {
		r.cancelled = true
	}
	c.mu.Unlock()

	// 先關掉 pool，確保不會再有新任務被啟動
	if r != nil {
		r.pool.Abort()
		<-r.done
	}

	var errs []error
	for _, jobID := range jobIDs {
		job, ok := c.cfg.Scheduler.GetJob(jobID)
		if !ok || job.Status.IsTerminal() {
			continue
		}
		if err := c.cfg.Scheduler.CancelJob(jobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			errs = append(errs, err)
		}
	}
	c.log.Info("Batch cancelled", "batch_id", id)
	return errors.Join(errs...)
}

// Wait 等待批次所有任務進入終態（或被刪除）以及 runner 結束
func (c *Coordinator) Wait(ctx context.Context, id types.BatchID) error {
	c.mu.Lock()
	b, ok := c.batches[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	jobIDs := append([]types.JobID(nil), b.JobIDs...)
	c.mu.Unlock()

	for _, jobID := range jobIDs {
		if _, err := c.cfg.Scheduler.WaitTerminal(ctx, jobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			return err
		}
	}

	c.mu.Lock()
	r := c.runners[id]
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetBatch 回傳批次複本
func (c *Coordinator) GetBatch(id types.BatchID) (types.Batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[id]
	if !ok {
		return types.Batch{}, false
	}
	return cloneBatch(b), true
}

// ListBatches 依建立時間回傳所有批次
func (c *Coordinator) ListBatches() []types.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Batch, 0, len(c.batches))
	for _, b := range c.batches {
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Status 彙總批次任務的狀態與平均進度
func (c *Coordinator) Status(id types.BatchID) (Summary, error) {
	c.mu.Lock()
	b, ok := c.batches[id]
	if !ok {
		c.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	s := Summary{Batch: cloneBatch(b), Counts: map[types.JobStatus]int{}}
	if r, running := c.runners[id]; running {
		s.Running = true
		s.Workers = r.pool.GetWorkerCount()
	}
	c.mu.Unlock()

	var total float64
	n := 0
	for _, jobID := range s.Batch.JobIDs {
		job, ok := c.cfg.Scheduler.GetJob(jobID)
		if !ok {
			continue
		}
		s.Counts[job.Status]++
		total += job.Progress
		n++
	}
	if n > 0 {
		s.Progress = total / float64(n)
	}
	return s, nil
}

// Recover 從排程器中帶有 BatchID 的任務重建批次紀錄
//
// 批次本身不持久化；重啟後以任務上的 BatchID 分組，
// 讓這些（不會被自動派發的）任務仍可透過 StartBatch 推進。
func (c *Coordinator) Recover() int {
	groups := map[types.BatchID][]types.Job{}
	for _, job := range c.cfg.Scheduler.GetAllJobs() {
		if job.BatchID != "" {
			groups[job.BatchID] = append(groups[job.BatchID], job)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, jobs := range groups {
		if _, exists := c.batches[id]; exists {
			continue
		}
		first := jobs[0]
		b := &types.Batch{
			ID:        id,
			Name:      string(id),
			CreatedAt: first.CreatedAt,
			Config: types.BatchConfig{
				Name:     string(id),
				Presets:  append([]types.Preset(nil), first.Presets...),
				Priority: first.Priority,
			},
		}
		for _, job := range jobs {
			b.JobIDs = append(b.JobIDs, job.ID)
			b.Config.DataFileIDs = append(b.Config.DataFileIDs, job.DataFileID)
			if job.CreatedAt.Before(b.CreatedAt) {
				b.CreatedAt = job.CreatedAt
			}
		}
		c.batches[id] = b
		n++
	}
	if n > 0 {
		c.log.Info("Batches recovered from job table", "batches", n)
	}
	return n
}

func cloneBatch(b *types.Batch) types.Batch {
	out := *b
	out.JobIDs = append([]types.JobID(nil), b.JobIDs...)
	out.Config.DataFileIDs = append([]string(nil), b.Config.DataFileIDs...)
	out.Config.Presets = append([]types.Preset(nil), b.Config.Presets...)
	return out
}
