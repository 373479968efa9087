package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/metrics"
	"github.com/ChuLiYu/strategy-queue/internal/server"
	"github.com/ChuLiYu/strategy-queue/internal/storage/wal"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "strategyq", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "job", "batch", "strategies", "files", "export", "check", "wal"} {
		assert.True(t, names[want], "should have %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"))
}

func TestJobSubcommands(t *testing.T) {
	job := buildJobCommand()
	names := make(map[string]bool)
	for _, c := range job.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"create", "start", "pause", "resume", "step", "cancel", "delete", "get", "list", "stats", "watch"} {
		assert.True(t, names[want], "job should have %q", want)
	}

	create := buildJobCreateCommand()
	for _, flag := range []string{"name", "file", "preset", "priority", "start"} {
		assert.NotNil(t, create.Flags().Lookup(flag), "create should have --%s", flag)
	}
	assert.Equal(t, "p", create.Flags().Lookup("preset").Shorthand)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing default file yields defaults", func(t *testing.T) {
		dir := t.TempDir()
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.Chdir(dir))
		t.Cleanup(func() { os.Chdir(wd) })

		cfg, err := loadConfig(DefaultConfigPath)
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), cfg)
	})

	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
log:
  level: debug
  format: json
scheduler:
  max_concurrent: 3
  step_interval: 25ms
storage:
  dir: /var/lib/strategyq
  wal_sync: false
  snapshot_interval: 1m
batch:
  max_parallel: 4
runtime:
  strategies_file: strategies.yaml
  cpp_addr: localhost:7000
  cpp_timeout: 500ms
grpc:
  addr: 0.0.0.0:6000
metrics:
  enabled: true
  port: 9100
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := loadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)
		assert.Equal(t, 25*time.Millisecond, cfg.Scheduler.StepInterval)
		assert.Equal(t, 200*time.Millisecond, cfg.Scheduler.DispatchInterval, "unset fields keep defaults")
		assert.Equal(t, "/var/lib/strategyq", cfg.Storage.Dir)
		assert.False(t, cfg.Storage.WALSync)
		assert.Equal(t, time.Minute, cfg.Storage.SnapshotInterval)
		assert.Equal(t, 256, cfg.Storage.WALBufferSize)
		assert.Equal(t, 4, cfg.Batch.MaxParallel)
		assert.Equal(t, "strategies.yaml", cfg.Runtime.StrategiesFile)
		assert.Equal(t, "localhost:7000", cfg.Runtime.CppAddr)
		assert.Equal(t, 500*time.Millisecond, cfg.Runtime.CppTimeout)
		assert.Equal(t, "python3", cfg.Runtime.PythonCommand)
		assert.Equal(t, "0.0.0.0:6000", cfg.GRPC.Addr)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9100, cfg.Metrics.Port)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("scheduler: [unterminated"), 0o644))
		_, err := loadConfig(path)
		assert.Error(t, err)
	})
}

func TestParsePresets(t *testing.T) {
	tests := []struct {
		name    string
		specs   []string
		want    []types.Preset
		wantErr bool
	}{
		{"id only", []string{"flip"}, []types.Preset{{StrategyID: "flip", Iterations: 1}}, false},
		{"with count", []string{"flip:3", "gray:2"}, []types.Preset{{StrategyID: "flip", Iterations: 3}, {StrategyID: "gray", Iterations: 2}}, false},
		{"zero count is passed through", []string{"flip:0"}, []types.Preset{{StrategyID: "flip", Iterations: 0}}, false},
		{"bad count", []string{"flip:x"}, nil, true},
		{"missing id", []string{":2"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePresets(tt.specs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyServeFlags(t *testing.T) {
	cmd := buildServeCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":7001", "--metrics-port", "9200"}))

	cfg := defaultConfig()
	applyServeFlags(cmd, cfg, serveOptions{addr: ":7001", metricsPort: 9200})
	assert.Equal(t, ":7001", cfg.GRPC.Addr)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 0, cfg.Scheduler.MaxConcurrent, "unchanged flags keep config values")
}

func TestSchedulerConfigStoragePaths(t *testing.T) {
	cfg := defaultConfig()
	cfg.Storage.Dir = "/tmp/sq"
	cats := &catalogs{}

	sc := schedulerConfig(cfg, cats, nil, nil)
	assert.Equal(t, filepath.Join("/tmp/sq", walFileName), sc.WALPath)
	assert.Equal(t, filepath.Join("/tmp/sq", snapshotFileName), sc.SnapshotPath)
	assert.Equal(t, cfg.Storage.WALBufferSize, sc.WALOptions.BufferSize)
	assert.True(t, sc.WALOptions.SyncOnAppend)
	assert.NotNil(t, sc.History)

	cfg.Storage.Dir = ""
	sc = schedulerConfig(cfg, cats, nil, nil)
	assert.Empty(t, sc.WALPath)
	assert.Empty(t, sc.SnapshotPath)
	assert.NotNil(t, sc.History, "history is kept in memory")
}

// ============================================================================
// Workspace fixtures
// ============================================================================

// writeWorkspace lays out strategies, scoring and data under a temp dir and
// returns a config pointing at them.
func writeWorkspace(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write("strategies/flip.lua", strings.Repeat(`apply_operation("NOT")`+"\n", 4))
	write("strategies/strategies.yaml", `strategies:
  - id: flip
    name: Flip
    language: lua
    source_file: flip.lua
    enabled_operations: [NOT]
    enabled_metrics: [entropy]
  - id: bare
    name: Bare
    language: lua
    source: 'apply_operation("NOT")'
`)
	write("scoring/default.scoring.yaml", "initial_budget: 100\ndefault_cost: 1\n")
	write("scoring/default.policy.yaml", "max_operations: 100\n")
	write("data/sample.bin", "\xf0\x0f")
	write("data/other.bin", "\xaa")

	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Log.Level = "error"
	cfg.Scheduler.StepInterval = time.Millisecond
	cfg.Storage.Dir = filepath.Join(dir, "state")
	cfg.Storage.SnapshotInterval = 0
	cfg.Runtime.StrategiesFile = filepath.Join(dir, "strategies", "strategies.yaml")
	cfg.Runtime.ScoringDir = filepath.Join(dir, "scoring")
	cfg.Runtime.DataDir = filepath.Join(dir, "data")
	cfg.Runtime.LuaCommand = exe
	return cfg
}

func TestLoadCatalogs(t *testing.T) {
	cfg := writeWorkspace(t)

	cats, err := loadCatalogs(cfg, newLogger(cfg))
	require.NoError(t, err)

	assert.Len(t, cats.strategies.List(), 2)
	assert.True(t, cats.loader.HasScoring())
	assert.True(t, cats.loader.HasPolicy())
	assert.Len(t, cats.dataFiles.List(), 2)

	bits, err := cats.dataFiles.Bits("sample.bin")
	require.NoError(t, err)
	assert.Equal(t, "1111000000001111", bits)

	cfg.Runtime.DataDir = filepath.Join(t.TempDir(), "missing")
	_, err = loadCatalogs(cfg, newLogger(cfg))
	assert.Error(t, err)
}

func TestCheckStrategy(t *testing.T) {
	cfg := writeWorkspace(t)
	cats, err := loadCatalogs(cfg, newLogger(cfg))
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ready", func(t *testing.T) {
		rep, err := checkStrategy(ctx, cats, "flip", "", "", true)
		require.NoError(t, err)
		assert.True(t, rep.ok())
		assert.Equal(t, []string{"NOT", "NOT", "NOT", "NOT"}, rep.operations)
		assert.NoError(t, rep.prepareErr)

		var out bytes.Buffer
		rep.print(&out)
		assert.Contains(t, out.String(), "ready")
	})

	t.Run("missing enabled operations and metrics", func(t *testing.T) {
		rep, err := checkStrategy(ctx, cats, "bare", "other.bin", "", false)
		require.NoError(t, err)
		assert.False(t, rep.ok())
		assert.Contains(t, rep.requirements.Errors, "no operations enabled")
		assert.Contains(t, rep.requirements.Errors, "no metrics enabled")
	})

	t.Run("invalid bits", func(t *testing.T) {
		rep, err := checkStrategy(ctx, cats, "flip", "", "01x", false)
		require.NoError(t, err)
		assert.False(t, rep.requirements.Valid)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := checkStrategy(ctx, cats, "nope", "", "", false)
		assert.Error(t, err)
	})
}

func TestExportJob(t *testing.T) {
	job := types.Job{ID: "j1", Results: []types.ExecutionResult{
		{ID: "r1", StrategyID: "flip", Steps: []types.ExecutionStep{{StepNumber: 1, Operation: "NOT"}}},
		{ID: "r2", StrategyID: "flip"},
	}}

	var out bytes.Buffer
	require.NoError(t, exportJob(&out, job))
	assert.Equal(t, 2, strings.Count(out.String(), "step,operation"), "one header per result")

	rows, err := csv.NewReader(strings.NewReader(strings.SplitN(out.String(), "\n", 3)[1] + "\n")).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "NOT", rows[0][1])

	assert.Error(t, exportJob(&out, types.Job{ID: "empty"}))
}

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestWALCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w, err := wal.NewWAL(path, wal.DefaultOptions())
	require.NoError(t, err)
	_, err = w.Append(wal.EventCreate, types.Job{ID: "job-1", Status: types.StatusPending}, true)
	require.NoError(t, err)
	_, err = w.Append(wal.EventStart, types.Job{ID: "job-1", Status: types.StatusRunning}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := runCLI(t, "wal", "dump", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[Seq:1]")
	assert.Contains(t, out, "[Seq:2]")
	assert.NotContains(t, out, "CORRUPTED")

	out, err = runCLI(t, "wal", "stats", path)
	require.NoError(t, err)
	assert.Contains(t, out, "seq 1..2")
	assert.Contains(t, out, "START job-1")
}

// ============================================================================
// End to end over a real listener
// ============================================================================

func startTestService(t *testing.T) (*service, string) {
	t.Helper()
	cfg := writeWorkspace(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc, err := startService(cfg, lis, metrics.NewCollectorFor(prometheus.NewRegistry()), newLogger(cfg))
	require.NoError(t, err)
	t.Cleanup(svc.stop)
	return svc, lis.Addr().String()
}

func TestRemoteJobLifecycle(t *testing.T) {
	svc, addr := startTestService(t)

	out, err := runCLI(t, "--addr", addr, "strategies")
	require.NoError(t, err)
	assert.Contains(t, out, "flip")

	out, err = runCLI(t, "--addr", addr, "files")
	require.NoError(t, err)
	assert.Contains(t, out, "sample.bin")

	out, err = runCLI(t, "--addr", addr, "job", "create", "-n", "cli-job", "-f", "sample.bin", "-p", "flip:2", "--priority", "high")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-job")
	assert.Contains(t, out, "pending")

	jobs := svc.sched.GetAllJobs()
	require.Len(t, jobs, 1)
	id := string(jobs[0].ID)
	assert.Equal(t, types.PriorityHigh, jobs[0].Priority)

	_, err = runCLI(t, "--addr", addr, "job", "start", id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := svc.sched.WaitTerminal(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)

	out, err = runCLI(t, "--addr", addr, "job", "list", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	csvPath := filepath.Join(t.TempDir(), "out.csv")
	_, err = runCLI(t, "--addr", addr, "export", "--job", id, "-o", csvPath)
	require.NoError(t, err)
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "step,operation"))

	out, err = runCLI(t, "--addr", addr, "job", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	_, err = runCLI(t, "--addr", addr, "job", "pause", id)
	assert.Error(t, err, "terminal jobs cannot be paused")

	_, err = runCLI(t, "--addr", addr, "job", "delete", id)
	require.NoError(t, err)
	assert.Empty(t, svc.sched.GetAllJobs())
}

func TestRemoteBatch(t *testing.T) {
	svc, addr := startTestService(t)

	out, err := runCLI(t, "--addr", addr, "batch", "create", "-n", "sweep",
		"-f", "sample.bin", "-f", "other.bin", "-p", "flip", "--parallel", "--start")
	require.NoError(t, err)
	assert.Contains(t, out, "sweep")

	batches := svc.batches.ListBatches()
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Config.MaxParallel, "max parallel comes from the config file")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.batches.Wait(ctx, batches[0].ID))

	out, err = runCLI(t, "--addr", addr, "batch", "get", string(batches[0].ID))
	require.NoError(t, err)
	assert.Contains(t, out, "100.0%")

	out, err = runCLI(t, "--addr", addr, "batch", "list")
	require.NoError(t, err)
	assert.Contains(t, out, string(batches[0].ID))

	_, err = runCLI(t, "--addr", addr, "batch", "create", "-n", "bad", "-f", "missing.bin", "-p", "flip")
	assert.Error(t, err)
	assert.Len(t, svc.batches.ListBatches(), 1, "rejected batches leave nothing behind")
}

func TestRemoteWatchUntilDone(t *testing.T) {
	svc, addr := startTestService(t)

	c, err := server.Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := c.CreateJob(ctx, server.CreateJobRequest{
		Name: "watched", DataFileID: "sample.bin",
		Presets: []types.Preset{{StrategyID: "flip", Iterations: 1}},
	})
	require.NoError(t, err)
	_, err = c.StartJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = svc.sched.WaitTerminal(ctx, job.ID)
	require.NoError(t, err)

	out, err := runCLI(t, "--addr", addr, "job", "watch", string(job.ID), "--until-done")
	require.NoError(t, err)
	assert.Contains(t, out, "snapshot")
	assert.Contains(t, out, "completed")
}

func TestCommandsHaveRunE(t *testing.T) {
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		if !c.HasSubCommands() {
			assert.NotNil(t, c.RunE, "%s should have RunE", c.CommandPath())
		}
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(BuildCLI())
}
