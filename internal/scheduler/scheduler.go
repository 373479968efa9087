// ============================================================================
// Job Scheduler - 任務排程核心
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 擁有任務表，負責生命週期轉換、佇列位置、ETA，並為每個任務
//       的每次執行包裝一個 ExecutionEngine
//
// 架構設計:
//   - jobTable: 任務狀態（唯一可變來源，只在 mu 內修改）
//   - WAL: 每個轉換先寫 WAL 再通知觀察者
//   - Snapshot: 定期快照並旋轉 WAL
//   - Engine: 每個執行中的任務一個，run goroutine 獨佔其 bits 與預算
//
// 背景循環:
//   1. Dispatch Loop - MaxConcurrent > 0 時自動啟動最高優先的非批次任務
//   2. Snapshot Loop - 定期快照
//
// 鎖順序:
//   Scheduler.mu → Engine 內部鎖。Engine 回呼在不持有引擎鎖時觸發，
//   因此回呼內可以取得 Scheduler.mu。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/dispatch"
	"github.com/ChuLiYu/strategy-queue/internal/engine"
	"github.com/ChuLiYu/strategy-queue/internal/history"
	"github.com/ChuLiYu/strategy-queue/internal/metrics"
	"github.com/ChuLiYu/strategy-queue/internal/scoring"
	"github.com/ChuLiYu/strategy-queue/internal/snapshot"
	"github.com/ChuLiYu/strategy-queue/internal/storage/wal"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped 表示排程器已停止
	ErrStopped = errors.New("scheduler: stopped")
	// ErrAlreadyStarted 表示 Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

// ============================================================================
// 協作者介面
// ============================================================================

// StrategySource 依 id 解析策略
type StrategySource interface {
	Get(id string) (types.Strategy, error)
}

// DataSource 提供資料檔的 bits
type DataSource interface {
	Get(id string) (datafile.File, bool)
}

// ============================================================================
// 設定
// ============================================================================

// Config 排程器設定
type Config struct {
	Catalog    *catalog.Catalog
	Loader     *scoring.Loader
	Dispatcher *dispatch.Dispatcher
	Strategies StrategySource
	DataFiles  DataSource
	History    *history.Store
	Metrics    *metrics.Collector
	Logger     *slog.Logger

	// WALPath 為空時不做持久化
	WALPath          string
	WALOptions       wal.Options
	SnapshotPath     string
	SnapshotInterval time.Duration
	SnapshotBackups  int

	// MaxConcurrent > 0 時啟用自動派發，限制同時執行的非批次任務數
	MaxConcurrent    int
	DispatchInterval time.Duration

	// StepInterval 傳給每個引擎，步驟之間的休息時間
	StepInterval time.Duration
}

// CreateOptions CreateJob 的選項
type CreateOptions struct {
	Priority types.Priority
	BatchID  types.BatchID
}

// ============================================================================
// 觀察者
// ============================================================================

// EventType 任務事件類型
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventProgress EventType = "progress"
	EventDeleted  EventType = "deleted"
)

// Event 傳給觀察者的任務變更
type Event struct {
	Type EventType `json:"type"`
	Job  types.Job `json:"job"`
}

// Listener 在排程器鎖之外同步呼叫
type Listener func(Event)

// ============================================================================
// 資料結構定義
// ============================================================================

// jobRun 一個執行中任務的執行期狀態
type jobRun struct {
	engine    *engine.Engine
	gate      engine.Gate // 任務層級暫停，涵蓋兩次執行之間的空檔
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool // 使用者要求取消
	stepNext  bool // 暫停中要求單步，但引擎尚未開始下一次執行
	runsDone  int
	runsTotal int
}

// Scheduler 任務排程器
type Scheduler struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	table    *jobTable
	runs     map[types.JobID]*jobRun
	nextSeq  uint64
	changed  chan struct{} // 每次任務變更時關閉並替換
	stopping bool

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int

	wal       *wal.WAL
	snapshots *snapshot.Manager

	ctx       context.Context
	cancelAll context.CancelFunc
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
}

// New 建立排程器。持久化與背景循環在 Start 時才啟用。
func New(cfg Config) *Scheduler {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.NewCatalog()
	}
	if cfg.Loader == nil {
		cfg.Loader = scoring.NewLoader(cfg.Logger)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.NewDispatcher()
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		log:       logger.With("component", "scheduler"),
		table:     newJobTable(),
		runs:      make(map[types.JobID]*jobRun),
		nextSeq:   1,
		changed:   make(chan struct{}),
		listeners: make(map[int]Listener),
		ctx:       ctx,
		cancelAll: cancel,
		stopCh:    make(chan struct{}),
	}
}

// ============================================================================
// 建立與生命週期
// ============================================================================

// CreateJob 驗證並建立一個 pending 任務
//
// 驗證失敗時回傳 *engine.ValidationError，列出所有問題，且不修改任何狀態。
func (s *Scheduler) CreateJob(name, dataFileID string, presets []types.Preset, opts CreateOptions) (types.Job, error) {
	var problems []string
	name = strings.TrimSpace(name)
	if name == "" {
		problems = append(problems, "job name is required")
	}
	if len(presets) == 0 {
		problems = append(problems, "at least one preset is required")
	}

	plan := make([]types.Preset, 0, len(presets))
	for i, p := range presets {
		if p.Iterations < 1 {
			p.Iterations = 1
		}
		if s.cfg.Strategies == nil {
			problems = append(problems, "no strategy registry configured")
			break
		}
		strat, err := s.cfg.Strategies.Get(p.StrategyID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("preset %d: unknown strategy %q", i+1, p.StrategyID))
			continue
		}
		if p.StrategyName == "" {
			p.StrategyName = strat.Name
		}
		plan = append(plan, p)
	}

	var file datafile.File
	if s.cfg.DataFiles != nil {
		file, _ = s.cfg.DataFiles.Get(dataFileID)
	}
	if file.Bits == "" {
		problems = append(problems, fmt.Sprintf("data file %q has no loaded bits", dataFileID))
	}

	priority := opts.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		problems = append(problems, fmt.Sprintf("unknown priority %q", opts.Priority))
	}
	if len(problems) > 0 {
		return types.Job{}, &engine.ValidationError{Problems: problems}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return types.Job{}, ErrStopped
	}
	job := &types.Job{
		ID:           types.JobID(uuid.NewString()),
		Name:         name,
		DataFileID:   dataFileID,
		DataFileName: file.Name,
		Presets:      plan,
		Priority:     priority,
		BatchID:      opts.BatchID,
		Status:       types.StatusPending,
		Results:      []types.ExecutionResult{},
		CreatedAt:    time.Now().UTC(),
		Seq:          s.nextSeq,
	}
	s.nextSeq++
	if err := s.table.add(job); err != nil {
		s.mu.Unlock()
		return types.Job{}, err
	}
	s.appendLocked(wal.EventCreate, job, false)
	s.table.reorder()
	s.updateGaugesLocked()
	out := job.Clone()
	s.changedLocked()
	s.mu.Unlock()

	s.cfg.Metrics.RecordJobCreated()
	s.log.Info("Job created", "job_id", out.ID, "name", out.Name, "priority", out.Priority, "queue_position", out.QueuePosition)
	s.emit(Event{Type: EventCreated, Job: out})
	return out, nil
}

// StartJob 啟動一個 pending 任務
//
// 非 pending 時不做任何事。啟動前對每個 preset 同步做前置檢查，
// 失敗時回傳 *engine.ValidationError 且任務維持 pending。
func (s *Scheduler) StartJob(id types.JobID) error {
	s.mu.Lock()
	ev, err := s.startLocked(id)
	s.mu.Unlock()
	if ev != nil {
		s.emit(*ev)
	}
	return err
}

// startLocked 回傳的事件須在釋放 mu 之後送出
func (s *Scheduler) startLocked(id types.JobID) (*Event, error) {
	if s.stopped || s.stopping {
		return nil, ErrStopped
	}
	job, err := s.table.get(id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusPending {
		return nil, nil
	}

	bits := ""
	if s.cfg.DataFiles != nil {
		if f, ok := s.cfg.DataFiles.Get(job.DataFileID); ok {
			bits = f.Bits
		}
	}

	r := &jobRun{done: make(chan struct{}), runsTotal: job.TotalRuns()}
	r.engine = engine.New(engine.Config{
		Catalog:      s.cfg.Catalog,
		Loader:       s.cfg.Loader,
		Dispatcher:   s.cfg.Dispatcher,
		History:      historySink(s.cfg.History),
		Metrics:      s.cfg.Metrics,
		Logger:       s.log.With("job_id", id),
		StepInterval: s.cfg.StepInterval,
	}, s.callbacks(id, r))

	// 前置檢查
	strategies := make([]types.Strategy, len(job.Presets))
	var problems []string
	for i, p := range job.Presets {
		strat, err := s.cfg.Strategies.Get(p.StrategyID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("preset %d: unknown strategy %q", i+1, p.StrategyID))
			continue
		}
		strategies[i] = strat
		reqs := r.engine.CheckRequirements(engine.Request{Strategy: strat, Bits: bits})
		for _, e := range reqs.Errors {
			problems = appendUnique(problems, e)
		}
	}
	if len(problems) > 0 {
		return nil, &engine.ValidationError{Problems: problems}
	}

	if err := s.table.setStatus(job, types.StatusRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job.StartTime = &now
	job.EndTime = nil
	job.ETA = nil
	job.Error = ""
	job.Progress = 0
	job.CurrentPresetIndex = 0
	job.CurrentIteration = 0
	job.Results = []types.ExecutionResult{}

	runCtx, cancel := context.WithCancel(s.ctx)
	r.cancel = cancel
	s.runs[id] = r

	s.appendLocked(wal.EventStart, job, false)
	s.table.reorder()
	s.updateGaugesLocked()
	s.cfg.Metrics.RecordJobStarted()
	s.changedLocked()

	s.log.Info("Job started", "job_id", id, "runs", r.runsTotal)
	go s.runJob(runCtx, id, r, job.Presets, strategies, bits)
	return &Event{Type: EventUpdated, Job: job.Clone()}, nil
}

// PauseJob 暫停執行中的任務，在下一個步驟邊界生效
func (s *Scheduler) PauseJob(id types.JobID) error {
	s.mu.Lock()
	job, err := s.table.get(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	r := s.runs[id]
	if job.Status != types.StatusRunning || r == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s job", ErrInvalidTransition, job.Status)
	}
	if err := s.table.setStatus(job, types.StatusPaused); err != nil {
		s.mu.Unlock()
		return err
	}
	r.gate.Pause()
	r.engine.Pause()
	s.appendLocked(wal.EventPause, job, false)
	s.updateGaugesLocked()
	s.changedLocked()
	out := job.Clone()
	s.mu.Unlock()

	s.emit(Event{Type: EventUpdated, Job: out})
	return nil
}

// ResumeJob 恢復暫停中的任務
func (s *Scheduler) ResumeJob(id types.JobID) error {
	s.mu.Lock()
	job, err := s.table.get(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	r := s.runs[id]
	if job.Status != types.StatusPaused || r == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s job", ErrInvalidTransition, job.Status)
	}
	if err := s.table.setStatus(job, types.StatusRunning); err != nil {
		s.mu.Unlock()
		return err
	}
	r.stepNext = false
	r.gate.Resume()
	r.engine.Resume()
	s.appendLocked(wal.EventResume, job, false)
	s.updateGaugesLocked()
	s.changedLocked()
	out := job.Clone()
	s.mu.Unlock()

	s.emit(Event{Type: EventUpdated, Job: out})
	return nil
}

// StepJob 讓暫停中的任務前進一個步驟，之後再次暫停
func (s *Scheduler) StepJob(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.table.get(id)
	if err != nil {
		return err
	}
	r := s.runs[id]
	if job.Status != types.StatusPaused || r == nil {
		return fmt.Errorf("%w: cannot step %s job", ErrInvalidTransition, job.Status)
	}
	if r.engine.StepOnce() {
		return nil
	}
	// 引擎在兩次執行之間：放行下一次執行，開始時立即改成單步
	r.stepNext = true
	r.gate.Resume()
	return nil
}

// CancelJob 取消 pending/running/paused 任務
//
// 執行中的任務會等待其 goroutine 結束後才回傳，最終狀態一定是 cancelled。
func (s *Scheduler) CancelJob(id types.JobID) error {
	s.mu.Lock()
	job, err := s.table.get(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	switch job.Status {
	case types.StatusPending:
		_ = s.table.setStatus(job, types.StatusCancelled)
		now := time.Now().UTC()
		job.EndTime = &now
		s.appendLocked(wal.EventCancel, job, true)
		s.table.reorder()
		s.updateGaugesLocked()
		s.changedLocked()
		out := job.Clone()
		s.mu.Unlock()
		s.cfg.Metrics.RecordJobCancelled()
		s.log.Info("Job cancelled", "job_id", id)
		s.emit(Event{Type: EventUpdated, Job: out})
		return nil

	case types.StatusRunning, types.StatusPaused:
		r := s.runs[id]
		if r == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s has no active run", ErrInvalidTransition, id)
		}
		r.cancelled = true
		r.cancel()
		s.mu.Unlock()
		<-r.done
		return nil

	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s job", ErrInvalidTransition, job.Status)
	}
}

// DeleteJob 刪除終態任務；非終態任務先強制取消
func (s *Scheduler) DeleteJob(id types.JobID) error {
	s.mu.Lock()
	job, err := s.table.get(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	terminal := job.Status.IsTerminal()
	s.mu.Unlock()

	if !terminal {
		if err := s.CancelJob(id); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	}

	s.mu.Lock()
	job, err = s.table.get(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !job.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is still %s", ErrInvalidTransition, id, job.Status)
	}
	s.appendLocked(wal.EventDelete, job, true)
	s.table.remove(id)
	s.table.reorder()
	s.updateGaugesLocked()
	s.changedLocked()
	out := job.Clone()
	s.mu.Unlock()

	s.log.Info("Job deleted", "job_id", id)
	s.emit(Event{Type: EventDeleted, Job: out})
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// GetJob 回傳任務的複本
func (s *Scheduler) GetJob(id types.JobID) (types.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.table.get(id)
	if err != nil {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// GetAllJobs 依建立順序回傳所有任務
func (s *Scheduler) GetAllJobs() []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJobs(s.table.sorted(), nil)
}

// GetCompletedJobs 依建立順序回傳已完成的任務
func (s *Scheduler) GetCompletedJobs() []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJobs(s.table.sorted(), func(j *types.Job) bool { return j.Status == types.StatusCompleted })
}

// GetBatchJobs 回傳屬於某批次的任務，依建立順序
func (s *Scheduler) GetBatchJobs(batchID types.BatchID) []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJobs(s.table.sorted(), func(j *types.Job) bool { return j.BatchID == batchID })
}

// Queue 依佇列順序回傳 pending 任務
func (s *Scheduler) Queue() []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJobs(s.table.pending(), nil)
}

// Counts 回傳各狀態的任務數
func (s *Scheduler) Counts() map[types.JobStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.counts()
}

// Subscribe 註冊觀察者，回傳取消註冊函式
func (s *Scheduler) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// WaitTerminal 等待任務進入終態或被刪除
func (s *Scheduler) WaitTerminal(ctx context.Context, id types.JobID) (types.Job, error) {
	for {
		s.mu.Lock()
		job, err := s.table.get(id)
		if err != nil {
			s.mu.Unlock()
			return types.Job{}, err
		}
		if job.Status.IsTerminal() {
			out := job.Clone()
			s.mu.Unlock()
			return out, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		}
	}
}

// WaitStatus 等待任務狀態符合 match，回傳當時的任務
func (s *Scheduler) WaitStatus(ctx context.Context, id types.JobID, match func(types.JobStatus) bool) (types.Job, error) {
	for {
		s.mu.Lock()
		job, err := s.table.get(id)
		if err != nil {
			s.mu.Unlock()
			return types.Job{}, err
		}
		if match(job.Status) {
			out := job.Clone()
			s.mu.Unlock()
			return out, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		}
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// changedLocked 喚醒所有 Wait* 呼叫者
func (s *Scheduler) changedLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// appendLocked 寫入 WAL；失敗只記錄並計數
func (s *Scheduler) appendLocked(t wal.EventType, job *types.Job, force bool) {
	if s.wal == nil {
		return
	}
	if _, err := s.wal.Append(t, *job, force); err != nil {
		s.cfg.Metrics.RecordPersistFailure("wal")
		s.log.Error("Failed to append WAL event", "type", t, "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	c := s.table.counts()
	s.cfg.Metrics.UpdateQueueStats(c[types.StatusPending], c[types.StatusRunning]+c[types.StatusPaused])
}

func (s *Scheduler) emit(events ...Event) {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.Unlock()
	for _, ev := range events {
		for _, l := range ls {
			l(ev)
		}
	}
}

func cloneJobs(jobs []*types.Job, keep func(*types.Job) bool) []types.Job {
	out := make([]types.Job, 0, len(jobs))
	for _, j := range jobs {
		if keep != nil && !keep(j) {
			continue
		}
		out = append(out, j.Clone())
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// historySink 避免把 nil *history.Store 包成非 nil 介面
func historySink(h *history.Store) engine.HistorySink {
	if h == nil {
		return nil
	}
	return h
}
