package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ChuLiYu/strategy-queue/internal/batch"
	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/dispatch"
	"github.com/ChuLiYu/strategy-queue/internal/history"
	"github.com/ChuLiYu/strategy-queue/internal/metrics"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/scoring"
	"github.com/ChuLiYu/strategy-queue/internal/storage/wal"
	"github.com/ChuLiYu/strategy-queue/internal/strategy"
)

// Storage file names under storage.dir.
const (
	walFileName      = "jobs.wal"
	snapshotFileName = "snapshot.json"
	historyFileName  = "history.json"
)

// catalogs holds everything loaded from the runtime section.
type catalogs struct {
	catalog    *catalog.Catalog
	loader     *scoring.Loader
	dispatcher *dispatch.Dispatcher
	strategies *strategy.Registry
	dataFiles  *datafile.Store
}

// loadCatalogs builds the operation catalog, scoring loader, language backends,
// strategy registry and data file store. Empty paths are skipped.
func loadCatalogs(cfg *Config, logger *slog.Logger) (*catalogs, error) {
	rt := cfg.Runtime
	c := &catalogs{
		catalog:    catalog.NewCatalog(),
		loader:     scoring.NewLoader(logger),
		strategies: strategy.NewRegistry(),
		dataFiles:  datafile.NewStore(),
	}

	cpp := dispatch.NewCppBackend(rt.CppAddr)
	if rt.CppTimeout > 0 {
		cpp.Timeout = rt.CppTimeout
	}
	c.dispatcher = dispatch.NewDispatcher(
		dispatch.NewLuaBackend(dispatch.CommandVM(rt.LuaCommand)),
		dispatch.NewPythonBackend(dispatch.CommandVM(rt.PythonCommand)),
		cpp,
		dispatch.NewGoBackend(),
	)

	if rt.PluginDir != "" {
		ids, err := c.catalog.LoadPluginDir(rt.PluginDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load plugins: %w", err)
		}
		logger.Info("Plugins loaded", "dir", rt.PluginDir, "operations", ids)
	}
	if rt.ScoringDir != "" {
		n, err := c.loader.LoadDir(rt.ScoringDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load scoring: %w", err)
		}
		logger.Info("Scoring loaded", "dir", rt.ScoringDir, "sources", n)
	}
	if rt.StrategiesFile != "" {
		n, err := c.strategies.LoadFile(rt.StrategiesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load strategies: %w", err)
		}
		logger.Info("Strategies loaded", "file", rt.StrategiesFile, "strategies", n)
	}
	if rt.DataDir != "" {
		files, err := c.dataFiles.LoadDir(rt.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load data files: %w", err)
		}
		logger.Info("Data files loaded", "dir", rt.DataDir, "files", len(files))
	}
	return c, nil
}

// schedulerConfig maps the scheduler and storage sections onto scheduler.Config.
func schedulerConfig(cfg *Config, c *catalogs, m *metrics.Collector, logger *slog.Logger) scheduler.Config {
	sc := scheduler.Config{
		Catalog:          c.catalog,
		Loader:           c.loader,
		Dispatcher:       c.dispatcher,
		Strategies:       c.strategies,
		DataFiles:        c.dataFiles,
		Metrics:          m,
		Logger:           logger,
		MaxConcurrent:    cfg.Scheduler.MaxConcurrent,
		DispatchInterval: cfg.Scheduler.DispatchInterval,
		StepInterval:     cfg.Scheduler.StepInterval,
	}
	st := cfg.Storage
	if st.Dir == "" {
		sc.History = history.NewStore("", st.HistoryCapacity)
		return sc
	}
	sc.History = history.NewStore(filepath.Join(st.Dir, historyFileName), st.HistoryCapacity)
	sc.WALPath = filepath.Join(st.Dir, walFileName)
	sc.WALOptions = wal.Options{
		SyncOnAppend:    st.WALSync,
		BufferSize:      st.WALBufferSize,
		FlushInterval:   st.WALFlushInterval,
		CompressRotated: st.CompressRotated,
	}
	sc.SnapshotPath = filepath.Join(st.Dir, snapshotFileName)
	sc.SnapshotInterval = st.SnapshotInterval
	sc.SnapshotBackups = st.SnapshotBackups
	return sc
}

// newCoordinator wires the batch coordinator to a started scheduler.
func newCoordinator(sched *scheduler.Scheduler, c *catalogs, m *metrics.Collector, logger *slog.Logger) *batch.Coordinator {
	return batch.New(batch.Config{
		Scheduler: sched,
		DataFiles: c.dataFiles,
		Metrics:   m,
		Logger:    logger,
	})
}
