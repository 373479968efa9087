// ============================================================================
// 任務表 - 任務狀態機實現
// ============================================================================
//
// Package: internal/scheduler
// 文件: table.go
// 功能: 保存所有任務並強制合法的狀態轉換
//
// 任務狀態轉換 (State Machine):
//
//   pending ──start──▶ running ◀──pause/resume──▶ paused
//      │                  │                          │
//      │                  ├──▶ completed             │
//      │                  ├──▶ failed                │
//      ▼                  ▼                          ▼
//   cancelled ◀────────cancel────────────────────cancel
//
//   running/paused ──requeue──▶ pending（關閉或崩潰恢復時）
//
// 數據結構設計:
//   jobs map[JobID]*Job - 單一真實來源
//   Job.Status 標識當前狀態，QueuePosition 由 reorder() 重算
//
// 並發安全:
//   table 本身不加鎖，所有呼叫都在 Scheduler.mu 之內
//
// ============================================================================

package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("scheduler: job already exists")
	// ErrInvalidTransition 目前狀態不允許此操作
	ErrInvalidTransition = errors.New("scheduler: invalid state transition")
)

// transitions 列出每個狀態允許的下一個狀態
var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusPending: {types.StatusRunning, types.StatusCancelled, types.StatusFailed},
	types.StatusRunning: {types.StatusPaused, types.StatusCompleted, types.StatusFailed, types.StatusCancelled, types.StatusPending},
	types.StatusPaused:  {types.StatusRunning, types.StatusCompleted, types.StatusFailed, types.StatusCancelled, types.StatusPending},
}

func canTransition(from, to types.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type jobTable struct {
	jobs map[types.JobID]*types.Job
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[types.JobID]*types.Job)}
}

func (t *jobTable) add(job *types.Job) error {
	if _, exists := t.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	t.jobs[job.ID] = job
	return nil
}

func (t *jobTable) get(id types.JobID) (*types.Job, error) {
	job, ok := t.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// setStatus 檢查轉換是否合法後更新狀態
func (t *jobTable) setStatus(job *types.Job, to types.JobStatus) error {
	if !canTransition(job.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, job.ID, job.Status, to)
	}
	job.Status = to
	return nil
}

func (t *jobTable) remove(id types.JobID) {
	delete(t.jobs, id)
}

// upsert 用於 WAL 重放：以事件中的任務覆蓋現有資料
func (t *jobTable) upsert(job *types.Job) {
	t.jobs[job.ID] = job
}

// sorted 依建立序號排序回傳所有任務
func (t *jobTable) sorted() []*types.Job {
	out := make([]*types.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

// pending 依佇列順序回傳 pending 任務
func (t *jobTable) pending() []*types.Job {
	var out []*types.Job
	for _, j := range t.jobs {
		if j.Status == types.StatusPending {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return queueLess(out[a], out[b]) })
	return out
}

// reorder 重算所有 pending 任務的 QueuePosition（從 1 起算），其他狀態歸零
func (t *jobTable) reorder() {
	for _, j := range t.jobs {
		if j.Status != types.StatusPending {
			j.QueuePosition = 0
		}
	}
	for i, j := range t.pending() {
		j.QueuePosition = i + 1
	}
}

// counts 回傳每個狀態的任務數
func (t *jobTable) counts() map[types.JobStatus]int {
	c := map[types.JobStatus]int{
		types.StatusPending:   0,
		types.StatusRunning:   0,
		types.StatusPaused:    0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
		types.StatusCancelled: 0,
	}
	for _, j := range t.jobs {
		c[j.Status]++
	}
	return c
}

// snapshot 深拷貝所有任務
func (t *jobTable) snapshot() map[types.JobID]*types.Job {
	out := make(map[types.JobID]*types.Job, len(t.jobs))
	for id, j := range t.jobs {
		c := j.Clone()
		out[id] = &c
	}
	return out
}

// restore 以快照內容取代整張表
func (t *jobTable) restore(jobs map[types.JobID]*types.Job) {
	t.jobs = make(map[types.JobID]*types.Job, len(jobs))
	for id, j := range jobs {
		if j == nil {
			continue
		}
		j.ID = id
		t.jobs[id] = j
	}
}

// maxSeq 回傳目前最大的建立序號
func (t *jobTable) maxSeq() uint64 {
	var m uint64
	for _, j := range t.jobs {
		if j.Seq > m {
			m = j.Seq
		}
	}
	return m
}

// queueLess 佇列比較器：優先級高者先，其次建立時間早者先，最後以建立序號決勝
func queueLess(a, b *types.Job) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
