// ============================================================================
// Strategy Queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 指令列介面，啟動服務並透過 gRPC 操作任務與批次
//
// Command Structure:
//   strategyq                      # Root command
//   ├── serve                      # 啟動排程器 + gRPC 服務
//   ├── job                        # 任務操作（遠端）
//   │   ├── create / get / list / stats
//   │   ├── start / pause / resume / step / cancel / delete
//   │   └── watch
//   ├── batch                      # 批次操作（遠端）
//   │   └── create / start / cancel / get / list
//   ├── strategies / files         # 目錄查詢（遠端）
//   ├── export                     # 執行結果匯出為 CSV
//   ├── check                      # 離線檢查策略能否啟動
//   ├── wal                        # WAL 檢視工具
//   │   └── dump / stats
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --addr                     # 遠端指令的服務位址
//
// Configuration Management:
//   YAML 設定檔，缺檔時使用 defaultConfig()。區段:
//   - log:       level / format
//   - scheduler: 自動派發與步驟間隔
//   - storage:   WAL、快照、歷史檔
//   - batch:     並行批次預設上限
//   - runtime:   策略、評分、plugin、資料檔目錄與語言執行環境
//   - grpc:      服務位址
//   - metrics:   Prometheus HTTP 伺服器
//
// Signal Handling:
//   serve 收到 SIGINT / SIGTERM 後:
//   1. health 設為 NOT_SERVING，結束 watch 串流
//   2. GracefulStop gRPC
//   3. Scheduler.Stop（執行中任務回到 pending，寫最後快照）
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete system configuration structure
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug / info / warn / error
		Format string `yaml:"format"` // text / json
	} `yaml:"log"`

	Scheduler struct {
		MaxConcurrent    int           `yaml:"max_concurrent"` // 0 關閉自動派發
		DispatchInterval time.Duration `yaml:"dispatch_interval"`
		StepInterval     time.Duration `yaml:"step_interval"`
	} `yaml:"scheduler"`

	Storage struct {
		Dir              string        `yaml:"dir"` // 空字串不做持久化
		WALBufferSize    int           `yaml:"wal_buffer_size"`
		WALFlushInterval time.Duration `yaml:"wal_flush_interval"`
		WALSync          bool          `yaml:"wal_sync"`
		CompressRotated  bool          `yaml:"compress_rotated"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotBackups  int           `yaml:"snapshot_backups"`
		HistoryCapacity  int           `yaml:"history_capacity"`
	} `yaml:"storage"`

	Batch struct {
		MaxParallel int `yaml:"max_parallel"`
	} `yaml:"batch"`

	Runtime struct {
		StrategiesFile string        `yaml:"strategies_file"`
		ScoringDir     string        `yaml:"scoring_dir"`
		PluginDir      string        `yaml:"plugin_dir"`
		DataDir        string        `yaml:"data_dir"`
		LuaCommand     string        `yaml:"lua_command"`
		PythonCommand  string        `yaml:"python_command"`
		CppAddr        string        `yaml:"cpp_addr"`
		CppTimeout     time.Duration `yaml:"cpp_timeout"`
	} `yaml:"runtime"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Scheduler.DispatchInterval = 200 * time.Millisecond
	cfg.Scheduler.StepInterval = 10 * time.Millisecond
	cfg.Storage.Dir = "data"
	cfg.Storage.WALBufferSize = 256
	cfg.Storage.WALFlushInterval = time.Second
	cfg.Storage.WALSync = true
	cfg.Storage.SnapshotInterval = 30 * time.Second
	cfg.Storage.SnapshotBackups = 3
	cfg.Storage.HistoryCapacity = 50
	cfg.Batch.MaxParallel = 2
	cfg.Runtime.LuaCommand = "lua"
	cfg.Runtime.PythonCommand = "python3"
	cfg.Runtime.CppTimeout = 2 * time.Second
	cfg.GRPC.Addr = "localhost:50051"
	cfg.Metrics.Port = 9090
	return &cfg
}

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strategyq",
		Short: "strategyq: a budget-constrained strategy job scheduler",
		Long: `strategyq runs bit-manipulation strategies against data files with:
- Prioritised job queue with pause / resume / single-step
- Batches over many data files, sequential or bounded-parallel
- WAL + snapshot crash recovery
- gRPC control service and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "control service address (defaults to grpc.addr from config)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildJobCommand())
	rootCmd.AddCommand(buildBatchCommand())
	rootCmd.AddCommand(buildStrategiesCommand())
	rootCmd.AddCommand(buildFilesCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildCheckCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// loadConfig reads path over defaultConfig(). A missing file at the default path
// yields the defaults; any other missing file is an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// resolveAddr prefers --addr over the config file.
func resolveAddr() (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return "", err
	}
	return cfg.GRPC.Addr, nil
}
