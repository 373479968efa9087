// ============================================================================
// Strategy Queue Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs a Handler for each task, one goroutine per Worker
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the handler under a per-task Context (timeout when set)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// A handler panic is recovered and reported as a failed Result, so one bad
// task never takes the Worker down.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	handler  Handler
	base     context.Context
	logger   *slog.Logger
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		handler:  p.handler,
		base:     p.ctx,
		logger:   p.logger.With("worker", id),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)

		result := Result{
			JobID:    task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
		if err != nil {
			w.logger.Debug("task failed", "job_id", task.ID, "error", err)
		}

		select {
		case w.resultCh <- result:
		case <-w.base.Done():
			// Pool aborted; nobody is collecting results any more
		}
	}
}

// execute runs the handler with timeout control and panic recovery
func (w *Worker) execute(task Task) (err error) {
	ctx, cancel := w.base, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.base, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked", "job_id", task.ID, "panic", r)
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()

	if err := w.handler(ctx, task); err != nil {
		return err
	}
	// A handler that ignores ctx still reports the deadline it overran.
	return ctx.Err()
}
