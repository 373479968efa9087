package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/batch"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/server"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/spf13/cobra"
)

// requestTimeout bounds every unary call made by the CLI.
const requestTimeout = 10 * time.Second

// withClient dials the control service and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, c *server.Client) error) error {
	addr, err := resolveAddr()
	if err != nil {
		return err
	}
	c, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, c)
}

// parsePresets turns "strategy[:iterations]" flags into presets.
func parsePresets(specs []string) ([]types.Preset, error) {
	presets := make([]types.Preset, 0, len(specs))
	for _, spec := range specs {
		id, count, hasCount := strings.Cut(strings.TrimSpace(spec), ":")
		if id == "" {
			return nil, fmt.Errorf("invalid preset %q: missing strategy id", spec)
		}
		iterations := 1
		if hasCount {
			n, err := strconv.Atoi(count)
			if err != nil {
				return nil, fmt.Errorf("invalid preset %q: %w", spec, err)
			}
			iterations = n
		}
		presets = append(presets, types.Preset{StrategyID: id, Iterations: iterations})
	}
	return presets, nil
}

// ============================================================================
// job
// ============================================================================

func buildJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create, control and inspect jobs",
	}
	cmd.AddCommand(buildJobCreateCommand())
	cmd.AddCommand(buildJobActionCommand("start", "Start a pending job", (*server.Client).StartJob))
	cmd.AddCommand(buildJobActionCommand("pause", "Pause a running job", (*server.Client).PauseJob))
	cmd.AddCommand(buildJobActionCommand("resume", "Resume a paused job", (*server.Client).ResumeJob))
	cmd.AddCommand(buildJobActionCommand("step", "Advance a paused job by one step", (*server.Client).StepJob))
	cmd.AddCommand(buildJobActionCommand("cancel", "Cancel a job", (*server.Client).CancelJob))
	cmd.AddCommand(buildJobActionCommand("get", "Show one job", (*server.Client).GetJob))
	cmd.AddCommand(buildJobDeleteCommand())
	cmd.AddCommand(buildJobListCommand())
	cmd.AddCommand(buildJobStatsCommand())
	cmd.AddCommand(buildJobWatchCommand())
	return cmd
}

func buildJobCreateCommand() *cobra.Command {
	var (
		name     string
		file     string
		presets  []string
		priority string
		start    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job that runs presets against one data file",
		Example: `  strategyq job create --name run1 --file sample --preset flip:3 --preset gray
  strategyq job create -n urgent -f sample -p flip --priority critical --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := parsePresets(presets)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *server.Client) error {
				job, err := c.CreateJob(ctx, server.CreateJobRequest{
					Name:       name,
					DataFileID: file,
					Presets:    list,
					Priority:   types.Priority(priority),
				})
				if err != nil {
					return err
				}
				if start {
					if job, err = c.StartJob(ctx, job.ID); err != nil {
						return err
					}
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "job name")
	cmd.Flags().StringVarP(&file, "file", "f", "", "data file id")
	cmd.Flags().StringArrayVarP(&presets, "preset", "p", nil, "strategy[:iterations], repeatable")
	cmd.Flags().StringVar(&priority, "priority", string(types.PriorityNormal), "low, normal, high or critical")
	cmd.Flags().BoolVar(&start, "start", false, "start the job right after creating it")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("preset")

	return cmd
}

type jobAction func(c *server.Client, ctx context.Context, id types.JobID) (types.Job, error)

func buildJobActionCommand(use, short string, action jobAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				job, err := action(c, ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func buildJobDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job, cancelling it first if it is active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				if err := c.DeleteJob(ctx, types.JobID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func buildJobListCommand() *cobra.Command {
	var status, batchID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListJobs(ctx, server.ListJobsRequest{
					Status:  types.JobStatus(status),
					BatchID: types.BatchID(batchID),
				})
				if err != nil {
					return err
				}
				printJobTable(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only jobs with this status")
	cmd.Flags().StringVar(&batchID, "batch", "", "only jobs of this batch")
	return cmd
}

func buildJobStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status and the pending queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				stats, err := c.QueueStats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func buildJobWatchCommand() *cobra.Command {
	var untilDone bool

	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Stream job events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id types.JobID
			if len(args) == 1 {
				id = types.JobID(args[0])
			}
			addr, err := resolveAddr()
			if err != nil {
				return err
			}
			c, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return c.WatchJobs(ctx, id, func(ev scheduler.Event) error {
				fmt.Fprintln(out, formatEvent(ev))
				if untilDone && id != "" && (ev.Job.Status.IsTerminal() || ev.Type == scheduler.EventDeleted) {
					stop()
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&untilDone, "until-done", false, "exit once the watched job reaches a terminal status")
	return cmd
}

// ============================================================================
// batch
// ============================================================================

func buildBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run the same presets against many data files",
	}
	cmd.AddCommand(buildBatchCreateCommand())
	cmd.AddCommand(buildBatchActionCommand("start", "Start every pending job of a batch", (*server.Client).StartBatch))
	cmd.AddCommand(buildBatchActionCommand("cancel", "Cancel every active job of a batch", (*server.Client).CancelBatch))
	cmd.AddCommand(buildBatchActionCommand("get", "Show batch progress", (*server.Client).GetBatch))
	cmd.AddCommand(buildBatchListCommand())
	return cmd
}

func buildBatchCreateCommand() *cobra.Command {
	var (
		name        string
		files       []string
		presets     []string
		priority    string
		parallel    bool
		maxParallel int
		start       bool
	)

	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create one job per data file",
		Example: `  strategyq batch create --name sweep -f a -f b -f c -p flip:2 --parallel --max-parallel 2 --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := parsePresets(presets)
			if err != nil {
				return err
			}
			if parallel && !cmd.Flags().Changed("max-parallel") {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return err
				}
				maxParallel = cfg.Batch.MaxParallel
			}
			return withClient(func(ctx context.Context, c *server.Client) error {
				b, err := c.CreateBatch(ctx, types.BatchConfig{
					Name:        name,
					DataFileIDs: files,
					Presets:     list,
					Priority:    types.Priority(priority),
					RunParallel: parallel,
					MaxParallel: maxParallel,
				})
				if err != nil {
					return err
				}
				if !start {
					fmt.Fprintf(cmd.OutOrStdout(), "created batch %s with %d jobs\n", b.ID, len(b.JobIDs))
					return nil
				}
				summary, err := c.StartBatch(ctx, b.ID)
				if err != nil {
					return err
				}
				printBatch(cmd.OutOrStdout(), summary)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "batch name (defaults to batch-<id prefix>)")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "data file id, repeatable")
	cmd.Flags().StringArrayVarP(&presets, "preset", "p", nil, "strategy[:iterations], repeatable")
	cmd.Flags().StringVar(&priority, "priority", string(types.PriorityNormal), "low, normal, high or critical")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "run jobs concurrently")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "concurrent job limit (defaults to batch.max_parallel)")
	cmd.Flags().BoolVar(&start, "start", false, "start the batch right after creating it")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("preset")

	return cmd
}

type batchAction func(c *server.Client, ctx context.Context, id types.BatchID) (batch.Summary, error)

func buildBatchActionCommand(use, short string, action batchAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				summary, err := action(c, ctx, types.BatchID(args[0]))
				if err != nil {
					return err
				}
				printBatch(cmd.OutOrStdout(), summary)
				return nil
			})
		},
	}
}

func buildBatchListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				batches, err := c.ListBatches(ctx)
				if err != nil {
					return err
				}
				printBatchTable(cmd.OutOrStdout(), batches)
				return nil
			})
		},
	}
}

// ============================================================================
// catalog queries
// ============================================================================

func buildStrategiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List registered strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				list, err := c.ListStrategies(ctx)
				if err != nil {
					return err
				}
				printStrategies(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
}

func buildFilesCommand() *cobra.Command {
	var (
		loadID   string
		loadName string
		bits     string
	)

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List data files, or load one with --load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) error {
				if loadID != "" {
					f, err := c.LoadDataFile(ctx, server.LoadDataFileRequest{ID: loadID, Name: loadName, Bits: bits})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "loaded %s (%d bits)\n", f.ID, f.Size)
					return nil
				}
				files, err := c.ListDataFiles(ctx)
				if err != nil {
					return err
				}
				printFiles(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&loadID, "load", "", "id of a data file to load from --bits")
	cmd.Flags().StringVar(&loadName, "name", "", "display name for --load")
	cmd.Flags().StringVar(&bits, "bits", "", "0/1 string for --load")
	return cmd
}
