package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/engine"
	"github.com/ChuLiYu/strategy-queue/internal/storage/wal"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// runOutcome 一個任務 goroutine 的結束方式
type runOutcome int

const (
	outcomeCompleted runOutcome = iota
	outcomeFailed
	outcomeAborted
)

// runJob 依序執行每個 preset 的每次迭代。每次執行都從資料檔的原始 bits 開始。
func (s *Scheduler) runJob(ctx context.Context, id types.JobID, r *jobRun, presets []types.Preset, strategies []types.Strategy, bits string) {
	defer close(r.done)

	outcome, errMsg := outcomeCompleted, ""
loop:
	for pi, p := range presets {
		for it := 0; it < p.Iterations; it++ {
			// 任務層級暫停：兩次執行之間也要停住
			if err := r.gate.Wait(ctx); err != nil {
				outcome = outcomeAborted
				break loop
			}

			s.mu.Lock()
			if job, err := s.table.get(id); err == nil {
				job.CurrentPresetIndex = pi
				job.CurrentIteration = it + 1
			}
			s.mu.Unlock()

			res, err := r.engine.Start(ctx, engine.Request{Strategy: strategies[pi], Bits: bits})
			if err != nil {
				outcome, errMsg = outcomeFailed, err.Error()
				break loop
			}

			s.mu.Lock()
			if job, err := s.table.get(id); err == nil {
				job.Results = append(job.Results, res.Clone())
			}
			s.mu.Unlock()

			switch {
			case res.Aborted:
				outcome = outcomeAborted
				break loop
			case res.Error != "":
				outcome, errMsg = outcomeFailed, res.Error
				break loop
			}
			s.runFinished(id, r)
		}
	}

	s.finishJob(id, r, outcome, errMsg)
}

// runFinished 一次執行成功後推進進度
func (s *Scheduler) runFinished(id types.JobID, r *jobRun) {
	s.mu.Lock()
	r.runsDone++
	job, err := s.table.get(id)
	if err != nil {
		s.mu.Unlock()
		return
	}
	setProgress(job, r, 0)
	s.appendLocked(wal.EventProgress, job, false)
	s.changedLocked()
	out := job.Clone()
	s.mu.Unlock()
	s.emit(Event{Type: EventProgress, Job: out})
}

// finishJob 寫入終態（或在關閉時放回 pending）並清理執行期狀態
func (s *Scheduler) finishJob(id types.JobID, r *jobRun, outcome runOutcome, errMsg string) {
	s.mu.Lock()
	delete(s.runs, id)
	job, err := s.table.get(id)
	if err != nil {
		s.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	var evType wal.EventType
	switch {
	case r.cancelled:
		_ = s.table.setStatus(job, types.StatusCancelled)
		evType = wal.EventCancel
	case outcome == outcomeAborted && s.stopping:
		// 關閉中斷：放回佇列，下次啟動重新執行
		_ = s.table.setStatus(job, types.StatusPending)
		job.StartTime = nil
		job.Progress = 0
		job.ETA = nil
		job.Results = []types.ExecutionResult{}
		evType = wal.EventRequeue
	case outcome == outcomeAborted:
		_ = s.table.setStatus(job, types.StatusCancelled)
		evType = wal.EventCancel
	case outcome == outcomeFailed:
		_ = s.table.setStatus(job, types.StatusFailed)
		job.Error = errMsg
		evType = wal.EventFail
	default:
		_ = s.table.setStatus(job, types.StatusCompleted)
		job.Progress = 100
		evType = wal.EventComplete
	}
	if job.Status.IsTerminal() {
		job.EndTime = &now
		job.ETA = nil
	}

	s.appendLocked(evType, job, true)
	s.table.reorder()
	s.updateGaugesLocked()
	s.changedLocked()
	out := job.Clone()
	s.mu.Unlock()

	switch out.Status {
	case types.StatusCompleted:
		s.cfg.Metrics.RecordJobCompleted()
		s.log.Info("Job completed", "job_id", id, "runs", len(out.Results))
	case types.StatusFailed:
		s.cfg.Metrics.RecordJobFailed()
		s.log.Warn("Job failed", "job_id", id, "error", out.Error)
	case types.StatusCancelled:
		s.cfg.Metrics.RecordJobCancelled()
		s.log.Info("Job cancelled", "job_id", id, "runs", len(out.Results))
	case types.StatusPending:
		s.log.Info("Job requeued", "job_id", id)
	}
	if out.Status.IsTerminal() {
		s.flushHistory()
	}
	s.emit(Event{Type: EventUpdated, Job: out})
}

// callbacks 把引擎事件接到任務狀態
func (s *Scheduler) callbacks(id types.JobID, r *jobRun) engine.Callbacks {
	return engine.Callbacks{
		OnStep: func(step types.ExecutionStep, fraction float64) {
			s.mu.Lock()
			job, err := s.table.get(id)
			if err != nil {
				s.mu.Unlock()
				return
			}
			setProgress(job, r, fraction)
			out := job.Clone()
			s.mu.Unlock()
			s.emit(Event{Type: EventProgress, Job: out})
		},
		OnStateChange: func(from, to engine.State) {
			if to != engine.StateRunning || from != engine.StateLoading {
				return
			}
			// 新的一次執行剛開始：套用任務層級的暫停或單步
			s.mu.Lock()
			defer s.mu.Unlock()
			switch {
			case r.stepNext:
				r.stepNext = false
				r.gate.Pause()
				r.engine.Pause()
				r.engine.StepOnce()
			case r.gate.Paused():
				r.engine.Pause()
			}
		},
		OnLog: func(level slog.Level, line string) {
			if level >= slog.LevelWarn {
				s.log.Debug("Engine log", "job_id", id, "line", line)
			}
		},
	}
}

// setProgress 以完成的執行數加上目前執行的比例計算進度與 ETA
func setProgress(job *types.Job, r *jobRun, fraction float64) {
	if r.runsTotal == 0 {
		return
	}
	p := (float64(r.runsDone) + fraction) / float64(r.runsTotal) * 100
	if p > 100 {
		p = 100
	}
	if p < job.Progress {
		p = job.Progress
	}
	job.Progress = p
	job.ETA = estimateETA(job, time.Now())
}

// estimateETA 線性外推：elapsed/progress × (100 − progress)，progress 為 0 時未定義
func estimateETA(job *types.Job, now time.Time) *time.Duration {
	if job.StartTime == nil || job.Progress <= 0 || job.Progress >= 100 {
		return nil
	}
	elapsed := now.Sub(*job.StartTime)
	eta := time.Duration(float64(elapsed) / job.Progress * (100 - job.Progress))
	return &eta
}
