// ============================================================================
// Strategy Queue Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   Worker Pool：固定數量的 Worker 共享一個任務 channel，
//   結果經由結果 channel 回收。批次的平行模式以 Worker 數作為
//   同時執行的上限。
//
// 生命週期:
//   1. NewPool() - 創建 Pool，綁定 Handler
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//      Abort() - 取消所有執行中任務的 Context 後再 Stop
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	handler  Handler
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex   // 保護 started 和 stopped 狀態
	sendMu   sync.RWMutex // Submit 發送時持讀鎖，關閉 taskCh 時持寫鎖
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//   - bufferSize: 任務和結果通道的緩衝大小
//   - handler: 每個任務的執行邏輯
func NewPool(bufferSize int, handler Handler) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		handler:  handler,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default().With("component", "worker-pool"),
	}
}

// WithLogger 替換 Pool 的 logger，需在 Start 之前呼叫
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	if logger != nil {
		p.logger = logger.With("component", "worker-pool")
	}
	return p
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.logger.Debug("pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務到 Worker Pool
//
// taskCh 滿時會阻塞，直到有 Worker 取走任務或 Pool 被關閉。
// 發送期間持有 sendMu 讀鎖；Stop 先關閉 stopCh 喚醒等待中的 Submit，
// 再取得寫鎖後才關閉 taskCh，因此不會發送到已關閉的 channel。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
// Stop 之後仍可讀出已緩衝的結果，全部讀完才回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
//  1. 設定 stopped 標誌並關閉 stopCh
//  2. 關閉 taskCh，Worker 處理完已排入的任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
//
// 結果數超過緩衝時呼叫端須先讀取，否則請改用 Abort。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	p.cancel()
	close(p.resultCh)
	p.logger.Debug("pool stopped")
}

// Abort 取消所有任務的 Context 後關閉 Pool
func (p *Pool) Abort() {
	p.cancel()
	p.Stop()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
