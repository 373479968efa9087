package main

// ============================================================================
// Crash-recovery demo
// ============================================================================
//
//	go run ./cmd/demo start     # 建立任務並執行，中途 Ctrl+C
//	go run ./cmd/demo recover   # 重啟後從 WAL + 快照恢復，被中斷的任務回到 pending
//
// 策略使用 Go backend（行程內直譯），不需要外部執行環境。
// ============================================================================

import (
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/dispatch"
	"github.com/ChuLiYu/strategy-queue/internal/history"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/scoring"
	"github.com/ChuLiYu/strategy-queue/internal/strategy"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

const (
	stateDir  = "demo-data"
	jobCount  = 40
	fileCount = 4
)

const demoStrategy = `
func Operations() []string {
	return []string{"NOT", "GRAY", "ROL", "XOR", "GRAY", "NOT"}
}
`

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	loader := scoring.NewLoader(logger)
	loader.AddScoring(scoring.Source{ID: "demo", Format: scoring.FormatYAML,
		Content: "initial_budget: 500\ndefault_cost: 2\ncosts: {NOT: 1, GRAY: 3}\n"})
	loader.AddPolicy(scoring.Source{ID: "demo", Format: scoring.FormatYAML, Content: "max_operations: 200\n"})

	reg := strategy.NewRegistry()
	if err := reg.Register(types.Strategy{
		ID:                "mix",
		Name:              "Mix",
		Language:          types.LanguageGo,
		Source:            demoStrategy,
		EnabledOperations: []string{"NOT", "GRAY", "ROL", "XOR"},
		EnabledMetrics:    []string{"entropy", "balance"},
	}); err != nil {
		log.Fatalf("Failed to register strategy: %v", err)
	}

	files := datafile.NewStore()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < fileCount; i++ {
		data := make([]byte, 64)
		rng.Read(data)
		if _, err := files.Load(fmt.Sprintf("file-%d", i), "", data); err != nil {
			log.Fatalf("Failed to load data file: %v", err)
		}
	}

	sched := scheduler.New(scheduler.Config{
		Loader:           loader,
		Dispatcher:       dispatch.NewDispatcher(dispatch.NewGoBackend()),
		Strategies:       reg,
		DataFiles:        files,
		History:          history.NewStore(filepath.Join(stateDir, "history.json"), 0),
		Logger:           logger,
		WALPath:          filepath.Join(stateDir, "jobs.wal"),
		SnapshotPath:     filepath.Join(stateDir, "snapshot.json"),
		SnapshotInterval: 2 * time.Second,
		MaxConcurrent:    4,
		DispatchInterval: 50 * time.Millisecond,
		StepInterval:     20 * time.Millisecond,
	})
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	fmt.Printf("✓ Scheduler started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if mode == "start" {
		if total := len(sched.GetAllJobs()); total > 0 {
			fmt.Printf("\n⚠️  Found %d jobs from a previous run, use 'recover' or remove %s\n", total, stateDir)
		} else {
			priorities := []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityCritical}
			for i := 0; i < jobCount; i++ {
				_, err := sched.CreateJob(
					fmt.Sprintf("demo-%03d", i),
					fmt.Sprintf("file-%d", i%fileCount),
					[]types.Preset{{StrategyID: "mix", Iterations: 3}},
					scheduler.CreateOptions{Priority: priorities[i%len(priorities)]},
				)
				if err != nil {
					log.Fatalf("Failed to create job: %v", err)
				}
			}
			fmt.Printf("✓ Created %d jobs, 4 run at a time\n", jobCount)
			fmt.Printf("💡 Press Ctrl+C while jobs are running, then run 'recover'\n\n")
		}
	} else {
		printCounts("Immediate status after recovery", sched.Counts())
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			sched.Stop()
			printCounts("Persisted status", sched.Counts())
			fmt.Println("✓ Scheduler stopped")
			return
		case <-ticker.C:
			c := sched.Counts()
			fmt.Printf("📊 Pending=%d Running=%d Completed=%d Failed=%d\n",
				c[types.StatusPending], c[types.StatusRunning], c[types.StatusCompleted], c[types.StatusFailed])
			if c[types.StatusPending]+c[types.StatusRunning]+c[types.StatusPaused] == 0 {
				fmt.Println("\n✓ All jobs finished")
				sched.Stop()
				return
			}
		}
	}
}

func printCounts(title string, c map[types.JobStatus]int) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:   %d\n", c[types.StatusPending])
	fmt.Printf("  Running:   %d\n", c[types.StatusRunning])
	fmt.Printf("  Paused:    %d\n", c[types.StatusPaused])
	fmt.Printf("  Completed: %d\n", c[types.StatusCompleted])
	fmt.Printf("  Failed:    %d\n", c[types.StatusFailed])
	fmt.Printf("  Cancelled: %d\n", c[types.StatusCancelled])
}
