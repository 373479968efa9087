package scheduler

// ============================================================================
// 持久化、崩潰恢復與背景循環
// ============================================================================
//
// 崩潰恢復流程（Start）:
//   1. loadSnapshot() - 從最新快照恢復任務表
//   2. replayWAL() - 重放快照 LastSeq 之後的事件（payload 直接覆蓋任務）
//   3. requeueInterrupted() - 崩潰前 running/paused 的任務放回 pending
//
// 關閉順序（Stop）:
//   1. close(stopCh) → 背景循環退出
//   2. 取消所有執行中的任務 → 放回 pending（REQUEUE）
//   3. 最後一次快照 → 關閉 WAL → flush 歷史
//
// ============================================================================

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/engine"
	"github.com/ChuLiYu/strategy-queue/internal/snapshot"
	"github.com/ChuLiYu/strategy-queue/internal/storage/wal"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// Start 恢復持久化狀態並啟動背景循環
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.started = true
	s.mu.Unlock()

	start := time.Now()
	if s.cfg.History != nil {
		if err := s.cfg.History.Load(); err != nil {
			s.log.Warn("Failed to load history, starting empty", "error", err)
		}
	}

	if s.cfg.WALPath != "" {
		if err := s.recover(); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	s.cfg.Metrics.SetRecoveryTime(elapsed.Seconds())

	if s.cfg.MaxConcurrent > 0 {
		s.loopWg.Add(1)
		go s.dispatchLoop()
	}
	if s.snapshots != nil && s.cfg.SnapshotInterval > 0 {
		s.loopWg.Add(1)
		go s.snapshotLoop()
	}

	c := s.Counts()
	s.log.Info("Scheduler started",
		"recovery", elapsed,
		"pending", c[types.StatusPending],
		"max_concurrent", s.cfg.MaxConcurrent)
	return nil
}

func (s *Scheduler) recover() error {
	if s.cfg.SnapshotPath != "" {
		s.snapshots = snapshot.NewManager(s.cfg.SnapshotPath)
	}
	opts := s.cfg.WALOptions
	if opts == (wal.Options{}) {
		opts = wal.DefaultOptions()
	}
	w, err := wal.NewWAL(s.cfg.WALPath, opts)
	if err != nil {
		return fmt.Errorf("scheduler: open WAL: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wal = w

	var lastSeq uint64
	if s.snapshots != nil {
		data, err := s.snapshots.Load()
		if err != nil {
			return fmt.Errorf("scheduler: load snapshot: %w", err)
		}
		s.table.restore(data.Jobs)
		lastSeq = data.LastSeq
		if data.NextSeq > s.nextSeq {
			s.nextSeq = data.NextSeq
		}
		s.log.Info("Snapshot loaded", "jobs", len(data.Jobs), "last_seq", lastSeq)
	}
	w.EnsureSeq(lastSeq)

	applied, err := w.Replay(lastSeq, s.applyEventLocked)
	if err != nil {
		// 已套用的事件保留；損壞之後的內容無法信任
		if !errors.Is(err, wal.ErrCorruptedWAL) && !errors.Is(err, wal.ErrChecksumMismatch) {
			return fmt.Errorf("scheduler: replay WAL: %w", err)
		}
		s.cfg.Metrics.RecordPersistFailure("wal")
		s.log.Error("WAL replay stopped at corrupted record", "applied", applied, "error", err)
	}
	if m := s.table.maxSeq() + 1; m > s.nextSeq {
		s.nextSeq = m
	}

	requeued := s.requeueInterruptedLocked()
	s.table.reorder()
	s.updateGaugesLocked()
	s.changedLocked()
	s.log.Info("Recovery completed", "replayed", applied, "requeued_jobs", requeued, "jobs", len(s.table.jobs))
	return nil
}

// applyEventLocked 重放單一事件；事件攜帶轉換後的完整任務，因此重放是冪等的
func (s *Scheduler) applyEventLocked(ev wal.Event) error {
	if ev.Type == wal.EventDelete {
		s.table.remove(ev.JobID)
		return nil
	}
	job, err := ev.Job()
	if err != nil {
		return err
	}
	s.table.upsert(job)
	return nil
}

// requeueInterruptedLocked 將 running/paused 任務放回 pending
func (s *Scheduler) requeueInterruptedLocked() int {
	n := 0
	for _, job := range s.table.sorted() {
		if job.Status != types.StatusRunning && job.Status != types.StatusPaused {
			continue
		}
		_ = s.table.setStatus(job, types.StatusPending)
		job.StartTime = nil
		job.Progress = 0
		job.ETA = nil
		job.Results = []types.ExecutionResult{}
		s.appendLocked(wal.EventRequeue, job, false)
		n++
	}
	return n
}

// Stop 優雅關閉排程器，重複呼叫無副作用
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopping = true
	runs := make([]*jobRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	s.log.Info("Stopping scheduler...", "active_runs", len(runs))
	close(s.stopCh)
	s.loopWg.Wait()

	// 中斷所有執行中的任務，finishJob 會把它們放回 pending
	s.cancelAll()
	for _, r := range runs {
		<-r.done
	}

	if s.snapshots != nil {
		if err := s.TakeSnapshot(); err != nil {
			s.log.Error("Failed to take final snapshot", "error", err)
		}
	}
	s.mu.Lock()
	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			s.cfg.Metrics.RecordPersistFailure("wal")
			s.log.Error("Failed to close WAL", "error", err)
		}
	}
	s.mu.Unlock()
	s.flushHistory()
	s.log.Info("Scheduler stopped")
}

// Flush 明確的持久化邊界：寫出 WAL 緩衝與結果歷史
func (s *Scheduler) Flush() error {
	var errs []error
	s.mu.Lock()
	if s.wal != nil {
		if err := s.wal.Flush(); err != nil && !errors.Is(err, wal.ErrWALClosed) {
			s.cfg.Metrics.RecordPersistFailure("wal")
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()
	if s.cfg.History != nil {
		if err := s.cfg.History.Flush(); err != nil {
			s.cfg.Metrics.RecordPersistFailure("history")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TakeSnapshot 寫入快照並旋轉 WAL
//
// 整個過程持有 mu，快照與 WAL 邊界之間不會有新事件插入。
func (s *Scheduler) TakeSnapshot() error {
	if s.snapshots == nil || s.wal == nil {
		return nil
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.wal.Flush(); err != nil {
		return fmt.Errorf("scheduler: flush WAL: %w", err)
	}
	data := types.SnapshotData{
		Jobs:      s.table.snapshot(),
		NextSeq:   s.nextSeq,
		SchemaVer: snapshot.SchemaVersion,
		LastSeq:   s.wal.GetLastSeq(),
	}

	var err error
	if s.cfg.SnapshotBackups > 0 {
		err = s.snapshots.WriteWithBackup(data, s.cfg.SnapshotBackups)
	} else {
		err = s.snapshots.Write(data)
	}
	if err != nil {
		s.cfg.Metrics.RecordPersistFailure("snapshot")
		return fmt.Errorf("scheduler: write snapshot: %w", err)
	}
	if _, err := s.wal.Rotate(); err != nil {
		s.cfg.Metrics.RecordPersistFailure("wal")
		return fmt.Errorf("scheduler: rotate WAL: %w", err)
	}

	s.log.Info("Snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs), "last_seq", data.LastSeq)
	return nil
}

func (s *Scheduler) flushHistory() {
	if s.cfg.History == nil {
		return
	}
	if err := s.cfg.History.Flush(); err != nil {
		s.cfg.Metrics.RecordPersistFailure("history")
		s.log.Error("Failed to flush history", "error", err)
	}
}

// ============================================================================
// 背景循環
// ============================================================================

// dispatchLoop 在名額內自動啟動最高優先的非批次 pending 任務
func (s *Scheduler) dispatchLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
			s.dispatchOnce()
		}
	}
}

// dispatchOnce 啟動所有能放入名額的任務
func (s *Scheduler) dispatchOnce() {
	var events []Event
	s.mu.Lock()
	active := len(s.runs)
	for _, job := range s.table.pending() {
		if active >= s.cfg.MaxConcurrent {
			break
		}
		if job.BatchID != "" {
			continue
		}
		ev, err := s.startLocked(job.ID)
		if err != nil {
			var verr *engine.ValidationError
			if errors.As(err, &verr) {
				// 前置檢查失敗的任務不會自己變好，直接標記失敗避免卡住佇列
				events = append(events, s.failPendingLocked(job, verr.Error()))
				continue
			}
			s.log.Error("Auto-dispatch failed", "job_id", job.ID, "error", err)
			break
		}
		if ev != nil {
			events = append(events, *ev)
			active++
		}
	}
	s.mu.Unlock()
	s.emit(events...)
}

func (s *Scheduler) failPendingLocked(job *types.Job, msg string) Event {
	_ = s.table.setStatus(job, types.StatusFailed)
	now := time.Now().UTC()
	job.EndTime = &now
	job.Error = msg
	s.appendLocked(wal.EventFail, job, true)
	s.table.reorder()
	s.updateGaugesLocked()
	s.changedLocked()
	s.cfg.Metrics.RecordJobFailed()
	s.log.Warn("Job failed pre-flight", "job_id", job.ID, "error", msg)
	return Event{Type: EventUpdated, Job: job.Clone()}
}

// snapshotLoop 定期生成快照
func (s *Scheduler) snapshotLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := s.TakeSnapshot(); err != nil {
				s.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}
