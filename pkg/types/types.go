// Package types 定義了 strategy-queue 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// BatchID 批次唯一識別碼
type BatchID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待處理：已建立，等待啟動
	StatusRunning   JobStatus = "running"   // 執行中：引擎正在推進步驟
	StatusPaused    JobStatus = "paused"    // 暫停：引擎停在步驟邊界
	StatusCompleted JobStatus = "completed" // 完成：所有 preset 都執行成功
	StatusFailed    JobStatus = "failed"    // 失敗：某次執行以錯誤結束
	StatusCancelled JobStatus = "cancelled" // 取消：使用者中止
)

// IsTerminal reports whether no further transition can leave this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority 任務優先權
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; larger runs first. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Language 策略原始碼的語言
type Language string

const (
	LanguageLua    Language = "lua"
	LanguagePython Language = "python"
	LanguageCpp    Language = "cpp"
	LanguageGo     Language = "go"
)

// Strategy 是一組可執行的策略原始碼與其評分、政策來源
type Strategy struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Language Language `json:"language" yaml:"language"`
	Source   string   `json:"source,omitempty" yaml:"source,omitempty"`

	// 評分與政策來源 ID，空字串代表使用第一個可用來源
	ScoringID string `json:"scoring_id,omitempty" yaml:"scoring_id,omitempty"`
	PolicyID  string `json:"policy_id,omitempty" yaml:"policy_id,omitempty"`

	// 啟用的操作與指標，至少各需一個才能啟動
	EnabledOperations []string `json:"enabled_operations,omitempty" yaml:"enabled_operations,omitempty"`
	EnabledMetrics    []string `json:"enabled_metrics,omitempty" yaml:"enabled_metrics,omitempty"`

	// 初始預算，<= 0 代表使用評分來源的 initial_budget
	InitialBudget float64 `json:"initial_budget,omitempty" yaml:"initial_budget,omitempty"`

	// OperationParams are passed to the operation on every call, keyed by operation id.
	// "start" and "end" pin the touched bit range.
	OperationParams map[string]map[string]any `json:"operation_params,omitempty" yaml:"operation_params,omitempty"`
}

// Preset 是任務執行計畫中的一個 (strategy, iterations) 組合
type Preset struct {
	StrategyID   string `json:"strategy_id"`
	StrategyName string `json:"strategy_name,omitempty"`
	Iterations   int    `json:"iterations"`
}

// Job 任務結構，代表對一個資料檔執行一串 preset 的工作單元
type Job struct {
	// 識別與資料
	ID           JobID    `json:"id"`
	Name         string   `json:"name"`
	DataFileID   string   `json:"data_file_id"`
	DataFileName string   `json:"data_file_name,omitempty"`
	Presets      []Preset `json:"presets"`
	Priority     Priority `json:"priority"`
	BatchID      BatchID  `json:"batch_id,omitempty"`

	// 狀態追蹤
	Status             JobStatus `json:"status"`
	CurrentPresetIndex int       `json:"current_preset_index"`
	CurrentIteration   int       `json:"current_iteration"`
	Progress           float64   `json:"progress"`
	QueuePosition      int       `json:"queue_position,omitempty"` // 只在 pending 時有值，從 1 起算

	// 執行資訊
	Results []ExecutionResult `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`

	// 時間管理
	CreatedAt time.Time      `json:"created_at"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	ETA       *time.Duration `json:"eta,omitempty"`

	// Seq is the creation sequence number; it breaks createdAt ties in queue order.
	Seq uint64 `json:"seq"`
}

// Clone returns a deep copy safe to hand to callers outside the scheduler lock.
func (j *Job) Clone() Job {
	c := *j
	c.Presets = append([]Preset(nil), j.Presets...)
	if j.Results != nil {
		c.Results = make([]ExecutionResult, len(j.Results))
		for i := range j.Results {
			c.Results[i] = j.Results[i].Clone()
		}
	}
	if j.StartTime != nil {
		t := *j.StartTime
		c.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	if j.ETA != nil {
		d := *j.ETA
		c.ETA = &d
	}
	return c
}

// TotalRuns is the number of engine runs the job's plan requires.
func (j *Job) TotalRuns() int {
	total := 0
	for _, p := range j.Presets {
		total += p.Iterations
	}
	return total
}

// BatchConfig 批次建立設定
type BatchConfig struct {
	Name        string   `json:"name"`
	DataFileIDs []string `json:"data_file_ids"`
	Presets     []Preset `json:"presets"`
	Priority    Priority `json:"priority"`
	RunParallel bool     `json:"run_parallel"`
	MaxParallel int      `json:"max_parallel"`
}

// Batch 批次：由多個資料檔與同一組 preset 展開的任務群組
type Batch struct {
	ID        BatchID     `json:"id"`
	Name      string      `json:"name"`
	JobIDs    []JobID     `json:"job_ids"`
	Config    BatchConfig `json:"config"`
	CreatedAt time.Time   `json:"created_at"`
}

// BitRange is a half-open [Start, End) window over the bit string.
type BitRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ExecutionStep 單一步驟的帳本紀錄，建立後不可修改
type ExecutionStep struct {
	StepNumber      int                `json:"step_number"`
	Operation       string             `json:"operation"`
	Parameters      map[string]any     `json:"parameters,omitempty"`
	BitsBefore      string             `json:"bits_before"`
	BitsAfter       string             `json:"bits_after"`
	MetricsBefore   map[string]float64 `json:"metrics_before"`
	MetricsAfter    map[string]float64 `json:"metrics_after"`
	Cost            float64            `json:"cost"`
	BudgetRemaining float64            `json:"budget_remaining"`
	SizeBefore      int                `json:"size_before"`
	SizeAfter       int                `json:"size_after"`
	RangeStart      int                `json:"range_start"`
	RangeEnd        int                `json:"range_end"`
	Timestamp       time.Time          `json:"timestamp"`
}

// ExecutionResult 一次策略執行的完整結果
type ExecutionResult struct {
	ID                string          `json:"id"`
	StrategyID        string          `json:"strategy_id"`
	StrategyName      string          `json:"strategy_name"`
	Language          Language        `json:"language"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	Duration          time.Duration   `json:"duration"`
	Steps             []ExecutionStep `json:"steps"`
	InitialBits       string          `json:"initial_bits"`
	FinalBits         string          `json:"final_bits"`
	InitialSize       int             `json:"initial_size"`
	FinalSize         int             `json:"final_size"`
	CompressionRatio  float64         `json:"compression_ratio"`
	TotalCost         float64         `json:"total_cost"`
	InitialBudget     float64         `json:"initial_budget"`
	FinalBudget       float64         `json:"final_budget"`
	BitRangesAccessed []BitRange      `json:"bit_ranges_accessed"`
	Success           bool            `json:"success"`
	Aborted           bool            `json:"aborted,omitempty"`
	Error             string          `json:"error,omitempty"`
	Logs              []string        `json:"logs"`
}

// Clone deep-copies the slices of a result.
func (r ExecutionResult) Clone() ExecutionResult {
	c := r
	c.Steps = append([]ExecutionStep(nil), r.Steps...)
	c.BitRangesAccessed = append([]BitRange(nil), r.BitRangesAccessed...)
	c.Logs = append([]string(nil), r.Logs...)
	return c
}

// SnapshotData 快照資料，用於任務表的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	NextSeq   uint64         `json:"next_seq"`   // 下一個建立序號
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	LastSeq   uint64         `json:"last_seq"`   // 最後處理的 WAL 序列號
}
