// ============================================================================
// Budget-Constrained Execution Engine
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: Run one strategy against one bit string under a cost budget,
//          recording an append-only step ledger.
//
// State machine:
//
//   idle ──Start──▶ loading ──▶ running ◀──▶ paused
//                                  │
//                   ┌──────────────┴──────────────┐
//                   ▼                             ▼
//               completed                       error
//
//   Abort from loading/running/paused returns to idle and marks the result
//   aborted. It is never reported as an error.
//
// Stop conditions (all successful):
//   - requested operations exhausted
//   - step count reached policy max_operations
//   - next operation costs more than the remaining budget
//
// Cancellation is cooperative. A transform in flight always completes; abort
// and pause are observed at step boundaries through the run context and Gate.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/ChuLiYu/strategy-queue/internal/dispatch"
	"github.com/ChuLiYu/strategy-queue/internal/metrics"
	"github.com/ChuLiYu/strategy-queue/internal/scoring"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/google/uuid"
)

// State 代表引擎狀態
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// active reports whether a run is in progress.
func (s State) active() bool {
	return s == StateLoading || s == StateRunning || s == StatePaused
}

var (
	// ErrAborted 表示執行被使用者中止
	ErrAborted = errors.New("engine: aborted by user")
	// ErrBusy 表示引擎已有執行中的 run
	ErrBusy = errors.New("engine: run already in progress")
	// ErrInvalidSource 表示策略原始碼未通過語言 backend 驗證
	ErrInvalidSource = errors.New("engine: strategy source failed validation")
)

// ValidationError lists every unmet pre-flight requirement.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: requirements not met: %s", strings.Join(e.Problems, "; "))
}

// Requirements is the outcome of CheckRequirements.
type Requirements struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Request describes one run.
type Request struct {
	Strategy types.Strategy
	Bits     string
	// InitialBudget overrides the strategy and scoring budgets when > 0.
	InitialBudget float64
	// ScoringID and PolicyID override the strategy's ids when non-empty.
	ScoringID string
	PolicyID  string
}

func (r Request) scoringID() string {
	if r.ScoringID != "" {
		return r.ScoringID
	}
	return r.Strategy.ScoringID
}

func (r Request) policyID() string {
	if r.PolicyID != "" {
		return r.PolicyID
	}
	return r.Strategy.PolicyID
}

// ExecutionContext is built once per run. Bits and Budget evolve inside the loop only.
type ExecutionContext struct {
	Bits              string
	Budget            float64
	InitialBudget     float64
	EnabledMetrics    []string
	EnabledOperations []string
	Scoring           scoring.ScoringConfig
	Policy            scoring.PolicyConfig
}

// Permitted reports whether op is enabled and allowed by policy.
func (c ExecutionContext) Permitted(op string) bool {
	for _, enabled := range c.EnabledOperations {
		if enabled == op {
			return c.Policy.Permits(op)
		}
	}
	return false
}

// HistorySink receives successful results.
type HistorySink interface {
	Add(result types.ExecutionResult)
}

// Callbacks are invoked synchronously from the run goroutine.
type Callbacks struct {
	// OnStep receives each recorded step and the fraction of requested operations processed.
	OnStep        func(step types.ExecutionStep, fraction float64)
	OnComplete    func(result *types.ExecutionResult)
	OnError       func(err error)
	OnStateChange func(from, to State)
	OnLog         func(level slog.Level, line string)
}

// Config wires the engine's collaborators.
type Config struct {
	Catalog    *catalog.Catalog
	Loader     *scoring.Loader
	Dispatcher *dispatch.Dispatcher
	History    HistorySink
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	// StepInterval is slept between steps. Zero only yields the processor.
	StepInterval time.Duration
}

// Engine runs one strategy at a time.
type Engine struct {
	cfg  Config
	cb   Callbacks
	log  *slog.Logger
	gate Gate

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	singleStep bool
}

// New creates an idle engine. Nil collaborators are replaced by empty ones.
func New(cfg Config, cb Callbacks) *Engine {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.NewCatalog()
	}
	if cfg.Loader == nil {
		cfg.Loader = scoring.NewLoader(cfg.Logger)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, cb: cb, log: logger.With("component", "engine"), state: StateIdle}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CheckRequirements collects every unmet pre-flight condition.
func (e *Engine) CheckRequirements(req Request) Requirements {
	var problems []string
	if req.Bits == "" {
		problems = append(problems, "no binary data loaded")
	} else if !catalog.ValidBits(req.Bits) {
		problems = append(problems, "binary data contains characters other than 0 and 1")
	}
	if !e.cfg.Loader.HasScoring() {
		problems = append(problems, "no scoring file loaded")
	}
	if !e.cfg.Loader.HasPolicy() {
		problems = append(problems, "no policy file loaded")
	}
	if len(req.Strategy.EnabledOperations) == 0 {
		problems = append(problems, "no operations enabled")
	}
	if len(req.Strategy.EnabledMetrics) == 0 {
		problems = append(problems, "no metrics enabled")
	}
	return Requirements{Valid: len(problems) == 0, Errors: problems}
}

// BuildContext resolves scoring and policy for req.
func (e *Engine) BuildContext(req Request) ExecutionContext {
	sc, pc := e.cfg.Loader.Resolve(req.scoringID(), req.policyID())
	budget := sc.InitialBudget
	if req.Strategy.InitialBudget > 0 {
		budget = req.Strategy.InitialBudget
	}
	if req.InitialBudget > 0 {
		budget = req.InitialBudget
	}
	return ExecutionContext{
		Bits:              req.Bits,
		Budget:            budget,
		InitialBudget:     budget,
		EnabledMetrics:    append([]string(nil), req.Strategy.EnabledMetrics...),
		EnabledOperations: append([]string(nil), req.Strategy.EnabledOperations...),
		Scoring:           sc,
		Policy:            pc,
	}
}

// Start runs req to a terminal state and returns its result.
// Only pre-flight failures (*ValidationError) and ErrBusy are returned as errors;
// run failures and aborts are reported in the result.
func (e *Engine) Start(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	if reqs := e.CheckRequirements(req); !reqs.Valid {
		return nil, &ValidationError{Problems: reqs.Errors}
	}

	e.mu.Lock()
	if e.state.active() {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.singleStep = false
	from := e.state
	e.state = StateLoading
	e.mu.Unlock()
	defer cancel()

	e.gate.Resume()
	e.notifyState(from, StateLoading)

	name := req.Strategy.Name
	if name == "" {
		name = req.Strategy.ID
	}
	res := &types.ExecutionResult{
		ID:                uuid.NewString(),
		StrategyID:        req.Strategy.ID,
		StrategyName:      name,
		Language:          req.Strategy.Language,
		StartTime:         time.Now().UTC(),
		InitialBits:       req.Bits,
		InitialSize:       len(req.Bits),
		Steps:             []types.ExecutionStep{},
		BitRangesAccessed: []types.BitRange{},
		Logs:              []string{},
	}

	ec := e.BuildContext(req)
	res.InitialBudget = ec.InitialBudget

	err := e.safeRun(runCtx, req, &ec, res)
	e.finish(res, &ec, err)
	return res, nil
}

// safeRun converts panics from transforms or callbacks into run errors.
func (e *Engine) safeRun(ctx context.Context, req Request, ec *ExecutionContext, res *types.ExecutionResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: unhandled runtime error: %v", r)
		}
	}()
	return e.run(ctx, req, ec, res)
}

func (e *Engine) finish(res *types.ExecutionResult, ec *ExecutionContext, err error) {
	res.EndTime = time.Now().UTC()
	res.Duration = res.EndTime.Sub(res.StartTime)
	res.FinalBits = ec.Bits
	res.FinalSize = len(ec.Bits)
	res.FinalBudget = ec.Budget
	res.TotalCost = ec.InitialBudget - ec.Budget
	if res.FinalSize > 0 {
		res.CompressionRatio = float64(res.InitialSize) / float64(res.FinalSize)
	}
	e.cfg.Metrics.ObserveRun(res.Duration.Seconds())

	switch {
	case errors.Is(err, ErrAborted):
		res.Aborted = true
		e.logf(res, slog.LevelInfo, "Execution aborted", "steps", len(res.Steps))
		e.transition(StateIdle)
	case err != nil:
		res.Error = err.Error()
		e.logf(res, slog.LevelError, "Execution failed", "error", err, "steps", len(res.Steps))
		e.transition(StateError)
		if e.cb.OnError != nil {
			e.cb.OnError(err)
		}
	default:
		res.Success = true
		e.logf(res, slog.LevelInfo, "Execution completed",
			"steps", len(res.Steps), "final_budget", res.FinalBudget, "duration", res.Duration)
		e.transition(StateCompleted)
		if e.cfg.History != nil {
			e.cfg.History.Add(res.Clone())
		}
		if e.cb.OnComplete != nil {
			e.cb.OnComplete(res)
		}
	}
}

// Pause is valid only while running.
func (e *Engine) Pause() bool {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return false
	}
	e.state = StatePaused
	e.gate.Pause()
	e.mu.Unlock()
	e.notifyState(StateRunning, StatePaused)
	return true
}

// Resume is valid only while paused.
func (e *Engine) Resume() bool {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return false
	}
	e.state = StateRunning
	e.gate.Resume()
	e.mu.Unlock()
	e.notifyState(StatePaused, StateRunning)
	return true
}

// StepOnce resumes a paused run for exactly one recorded step, then pauses again.
func (e *Engine) StepOnce() bool {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return false
	}
	e.singleStep = true
	e.state = StateRunning
	e.gate.Resume()
	e.mu.Unlock()
	e.notifyState(StatePaused, StateRunning)
	return true
}

// Abort cancels an active run. The run ends in idle with an aborted result.
func (e *Engine) Abort() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.active() || e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// afterStep re-pauses when single-stepping.
func (e *Engine) afterStep() {
	e.mu.Lock()
	if !e.singleStep {
		e.mu.Unlock()
		return
	}
	e.singleStep = false
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.gate.Pause()
	e.mu.Unlock()
	e.notifyState(StateRunning, StatePaused)
}

func (e *Engine) transition(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()
	if to != StatePaused {
		e.gate.Resume()
	}
	e.notifyState(from, to)
}

func (e *Engine) notifyState(from, to State) {
	if from == to {
		return
	}
	e.log.Debug("Engine state changed", "from", from, "to", to)
	if e.cb.OnStateChange != nil {
		e.cb.OnStateChange(from, to)
	}
}

// logf writes to slog and to the result's log lines.
func (e *Engine) logf(res *types.ExecutionResult, level slog.Level, msg string, args ...any) {
	e.log.Log(context.Background(), level, msg, append([]any{"strategy", res.StrategyID}, args...)...)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", time.Now().UTC().Format(time.RFC3339), level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	line := b.String()
	res.Logs = append(res.Logs, line)
	if e.cb.OnLog != nil {
		e.cb.OnLog(level, line)
	}
}
