package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// maxSampleBits bounds BitsBefore/BitsAfter in a step.
const maxSampleBits = 64

func (e *Engine) run(ctx context.Context, req Request, ec *ExecutionContext, res *types.ExecutionResult) error {
	lang := req.Strategy.Language
	backend, err := e.cfg.Dispatcher.Backend(lang)
	if err != nil {
		return err
	}
	if err := backend.Prepare(ctx); err != nil {
		if ctx.Err() != nil {
			return ErrAborted
		}
		return err
	}

	validation := backend.Validate(req.Strategy.Source)
	for _, w := range validation.Warnings {
		e.logf(res, slog.LevelWarn, "Strategy validation warning", "warning", w)
	}
	if !validation.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidSource, strings.Join(validation.Errors, "; "))
	}

	ops := backend.ExtractOperations(req.Strategy.Source)
	if len(ops) == 0 {
		ops = ec.EnabledOperations
		e.logf(res, slog.LevelInfo, "No operation calls in source, using enabled operations", "count", len(ops))
	}
	metricsByID := e.resolveMetrics(ec.EnabledMetrics, res)

	e.logf(res, slog.LevelInfo, "Execution started",
		"language", lang, "operations", len(ops), "budget", ec.Budget, "max_operations", ec.Policy.MaxOperations)
	e.transition(StateRunning)

	for idx, op := range ops {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}

		if len(res.Steps) >= ec.Policy.MaxOperations {
			e.logf(res, slog.LevelInfo, "Step limit reached", "max_operations", ec.Policy.MaxOperations)
			return nil
		}

		if !ec.Permitted(op) {
			e.cfg.Metrics.RecordSkipped()
			e.logf(res, slog.LevelWarn, "Operation not permitted, skipping", "operation", op)
			continue
		}

		cost := ec.Scoring.Cost(op)
		if cost > ec.Budget {
			e.logf(res, slog.LevelInfo, "Budget exhausted", "operation", op, "cost", cost, "remaining", ec.Budget)
			return nil
		}

		impl, err := e.cfg.Catalog.Operation(op)
		if err != nil {
			return err
		}

		step, err := e.applyStep(impl, req.Strategy.OperationParams[op], ec, len(res.Steps)+1, cost, metricsByID)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", len(res.Steps)+1, op, err)
		}
		res.Steps = append(res.Steps, step)
		res.BitRangesAccessed = append(res.BitRangesAccessed, types.BitRange{Start: step.RangeStart, End: step.RangeEnd})
		e.cfg.Metrics.RecordStep(op, cost)

		if e.cb.OnStep != nil {
			e.cb.OnStep(step, float64(idx+1)/float64(len(ops)))
		}
		e.afterStep()
		e.yield(ctx)
	}
	return nil
}

// applyStep transforms the selected window of ec.Bits and charges cost.
func (e *Engine) applyStep(op catalog.Operation, params map[string]any, ec *ExecutionContext, stepNumber int, cost float64, metricsByID []catalog.Metric) (types.ExecutionStep, error) {
	before := ec.Bits
	n := len(before)
	start, end := SelectWindow(op, params, stepNumber, n)
	segment := before[start:end]

	out, err := op.Apply(catalog.Call{Bits: segment, Offset: start, Params: params})
	if err != nil {
		return types.ExecutionStep{}, err
	}
	if !catalog.ValidBits(out) {
		return types.ExecutionStep{}, fmt.Errorf("operation %s produced non-binary output", op.ID())
	}
	after := before[:start] + out + before[end:]

	ec.Bits = after
	ec.Budget -= cost

	return types.ExecutionStep{
		StepNumber:      stepNumber,
		Operation:       op.ID(),
		Parameters:      copyParams(params),
		BitsBefore:      sample(segment),
		BitsAfter:       sample(out),
		MetricsBefore:   computeMetrics(metricsByID, before),
		MetricsAfter:    computeMetrics(metricsByID, after),
		Cost:            cost,
		BudgetRemaining: ec.Budget,
		SizeBefore:      n,
		SizeAfter:       len(after),
		RangeStart:      start,
		RangeEnd:        end,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// checkpoint blocks while paused and maps cancellation to ErrAborted.
func (e *Engine) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrAborted
	}
	if err := e.gate.Wait(ctx); err != nil {
		return ErrAborted
	}
	return nil
}

func (e *Engine) yield(ctx context.Context) {
	if e.cfg.StepInterval <= 0 {
		runtime.Gosched()
		return
	}
	t := time.NewTimer(e.cfg.StepInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (e *Engine) resolveMetrics(ids []string, res *types.ExecutionResult) []catalog.Metric {
	out := make([]catalog.Metric, 0, len(ids))
	for _, id := range ids {
		m, err := e.cfg.Catalog.Metric(id)
		if err != nil {
			e.logf(res, slog.LevelWarn, "Unknown metric ignored", "metric", id)
			continue
		}
		out = append(out, m)
	}
	return out
}

func computeMetrics(ms []catalog.Metric, bits string) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.ID()] = m.Compute(bits)
	}
	return out
}

func copyParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func sample(bits string) string {
	if len(bits) > maxSampleBits {
		return bits[:maxSampleBits]
	}
	return bits
}
