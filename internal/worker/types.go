package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	ID      types.JobID   // 任務唯一識別碼
	Timeout time.Duration // 執行超時時間，0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Handler 執行單一任務，ctx 在超時或 Pool 中止時取消
type Handler func(ctx context.Context, task Task) error
