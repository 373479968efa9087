package cli

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/strategy-queue/internal/batch"
	"github.com/ChuLiYu/strategy-queue/internal/metrics"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/server"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

type serveOptions struct {
	addr          string
	maxConcurrent int
	metricsPort   int
	noMetrics     bool
}

func buildServeCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the gRPC control service",
		Long: `Load strategies, scoring, plugins and data files, recover the job table
from the WAL and snapshot, and serve the control API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyServeFlags(cmd, cfg, opts)
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "listen", "", "listen address (overrides grpc.addr)")
	cmd.Flags().IntVar(&opts.maxConcurrent, "max-concurrent", 0, "auto-dispatch limit, 0 disables (overrides scheduler.max_concurrent)")
	cmd.Flags().IntVar(&opts.metricsPort, "metrics-port", 0, "Prometheus port (overrides metrics.port)")
	cmd.Flags().BoolVar(&opts.noMetrics, "no-metrics", false, "disable the metrics HTTP server")

	return cmd
}

// applyServeFlags lets explicitly set flags win over the config file.
func applyServeFlags(cmd *cobra.Command, cfg *Config, opts serveOptions) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.GRPC.Addr = opts.addr
	}
	if flags.Changed("max-concurrent") {
		cfg.Scheduler.MaxConcurrent = opts.maxConcurrent
	}
	if flags.Changed("metrics-port") {
		cfg.Metrics.Port = opts.metricsPort
		cfg.Metrics.Enabled = true
	}
	if opts.noMetrics {
		cfg.Metrics.Enabled = false
	}
}

func runServe(cfg *Config) error {
	logger := newLogger(cfg)
	logger.Info("Starting strategyq", "config", configFile, "addr", cfg.GRPC.Addr)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}

	svc, err := startService(cfg, lis, metrics.NewCollector(), logger)
	if err != nil {
		lis.Close()
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := svc.metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal, stopping gracefully", "signal", sig.String())
	case err := <-svc.serveErr:
		logger.Error("gRPC server stopped", "error", err)
	}

	svc.stop()
	logger.Info("System stopped")
	return nil
}

// service is a running scheduler behind a gRPC control service.
type service struct {
	sched    *scheduler.Scheduler
	batches  *batch.Coordinator
	srv      *server.Server
	grpc     *grpc.Server
	metrics  *metrics.Collector
	serveErr chan error
}

// startService loads the runtime, recovers the scheduler and batches, and
// serves the control API on lis. The caller owns the metrics HTTP server.
func startService(cfg *Config, lis net.Listener, collector *metrics.Collector, logger *slog.Logger) (*service, error) {
	cats, err := loadCatalogs(cfg, logger)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(schedulerConfig(cfg, cats, collector, logger))
	if err := sched.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	batches := newCoordinator(sched, cats, collector, logger)
	if n := batches.Recover(); n > 0 {
		logger.Info("Batches recovered", "batches", n)
	}

	g := grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(logger)))
	srv := server.NewServer(server.Config{
		Scheduler:  sched,
		Batches:    batches,
		Strategies: cats.strategies,
		DataFiles:  cats.dataFiles,
		Logger:     logger,
	})
	srv.Register(g)

	svc := &service{
		sched:    sched,
		batches:  batches,
		srv:      srv,
		grpc:     g,
		metrics:  collector,
		serveErr: make(chan error, 1),
	}
	go func() {
		svc.serveErr <- g.Serve(lis)
	}()
	logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return svc, nil
}

// stop ends watch streams, drains gRPC, then stops the scheduler.
func (s *service) stop() {
	s.srv.Shutdown()
	s.grpc.GracefulStop()
	s.sched.Stop()
}
