package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/engine"
	"github.com/ChuLiYu/strategy-queue/internal/history"
	"github.com/ChuLiYu/strategy-queue/internal/server"
	"github.com/ChuLiYu/strategy-queue/internal/storage/wal"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/spf13/cobra"
)

// ============================================================================
// export
// ============================================================================

func buildExportCommand() *cobra.Command {
	var (
		jobID       string
		historyPath string
		outPath     string
	)

	cmd := &cobra.Command{
		Use:   "export [result-id]",
		Short: "Export execution results as CSV",
		Long: `Without --job, read the local history file: list stored results, or
export the one named by result-id. With --job, fetch the job from the control
service and export every result it holds.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, closeOut, err := openOutput(cmd.OutOrStdout(), outPath)
			if err != nil {
				return err
			}
			defer closeOut()

			if jobID != "" {
				return withClient(func(ctx context.Context, c *server.Client) error {
					job, err := c.GetJob(ctx, types.JobID(jobID))
					if err != nil {
						return err
					}
					return exportJob(out, job)
				})
			}

			if historyPath == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return err
				}
				if cfg.Storage.Dir == "" {
					return errors.New("no history file: set storage.dir or --history")
				}
				historyPath = filepath.Join(cfg.Storage.Dir, historyFileName)
			}
			store := history.NewStore(historyPath, 0)
			if err := store.Load(); err != nil {
				return err
			}
			if len(args) == 0 {
				printResults(cmd.OutOrStdout(), store.List())
				return nil
			}
			r, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("result %s not found in %s", args[0], historyPath)
			}
			return history.WriteCSV(out, r, "single")
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "export every result of this job from the control service")
	cmd.Flags().StringVar(&historyPath, "history", "", "history file (defaults to <storage.dir>/history.json)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (defaults to stdout)")
	return cmd
}

// exportJob writes each result of job, separated by a blank line.
func exportJob(w io.Writer, job types.Job) error {
	if len(job.Results) == 0 {
		return fmt.Errorf("job %s has no results", job.ID)
	}
	mode := "job"
	if job.BatchID != "" {
		mode = "batch"
	}
	for i, r := range job.Results {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := history.WriteCSV(w, r, mode); err != nil {
			return err
		}
	}
	return nil
}

func openOutput(stdout io.Writer, path string) (io.Writer, func(), error) {
	if path == "" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

func printResults(w io.Writer, results []types.ExecutionResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no results")
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s  %-16s steps=%-4d cost=%-8.2f ratio=%.3f  %s\n",
			r.ID, r.StrategyID, len(r.Steps), r.TotalCost, r.CompressionRatio, r.StartTime.Format(time.RFC3339))
	}
}

// ============================================================================
// check
// ============================================================================

func buildCheckCommand() *cobra.Command {
	var (
		fileID  string
		bits    string
		prepare bool
	)

	cmd := &cobra.Command{
		Use:   "check <strategy-id>",
		Short: "Validate a strategy and its pre-flight requirements offline",
		Long: `Load the runtime section of the config, statically validate the strategy
source with its language backend, and report every unmet pre-flight
requirement against a data file. With --prepare the language runtime
is loaded too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			cats, err := loadCatalogs(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			rep, err := checkStrategy(cmd.Context(), cats, args[0], fileID, bits, prepare)
			if err != nil {
				return err
			}
			rep.print(cmd.OutOrStdout())
			if !rep.ok() {
				return fmt.Errorf("strategy %s is not ready", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&fileID, "file", "f", "", "data file id (defaults to the first loaded file)")
	cmd.Flags().StringVar(&bits, "bits", "", "0/1 string to check against instead of a data file")
	cmd.Flags().BoolVar(&prepare, "prepare", false, "also load the language runtime")
	return cmd
}

type checkReport struct {
	strategy     types.Strategy
	validation   []string
	warnings     []string
	operations   []string
	requirements engine.Requirements
	prepareErr   error
	prepared     bool
}

func (r checkReport) ok() bool {
	return len(r.validation) == 0 && r.requirements.Valid && r.prepareErr == nil
}

func (r checkReport) print(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render(r.strategy.Name))
	fmt.Fprintln(w, kv("ID", r.strategy.ID))
	fmt.Fprintln(w, kv("Language", string(r.strategy.Language)))
	fmt.Fprintln(w, kv("Operations", strings.Join(r.operations, ", ")))
	for _, e := range r.validation {
		fmt.Fprintln(w, kv("Error", e))
	}
	for _, e := range r.warnings {
		fmt.Fprintln(w, kv("Warning", e))
	}
	for _, e := range r.requirements.Errors {
		fmt.Fprintln(w, kv("Missing", e))
	}
	if r.prepared {
		if r.prepareErr != nil {
			fmt.Fprintln(w, kv("Runtime", r.prepareErr.Error()))
		} else {
			fmt.Fprintln(w, kv("Runtime", "ready"))
		}
	}
	if r.ok() {
		fmt.Fprintln(w, kv("Result", "ready"))
	}
}

func checkStrategy(ctx context.Context, cats *catalogs, strategyID, fileID, bits string, prepare bool) (checkReport, error) {
	s, err := cats.strategies.Get(strategyID)
	if err != nil {
		return checkReport{}, err
	}
	backend, err := cats.dispatcher.Backend(s.Language)
	if err != nil {
		return checkReport{}, err
	}

	if bits == "" {
		if fileID == "" {
			files := cats.dataFiles.List()
			if len(files) > 0 {
				fileID = files[0].ID
			}
		}
		if fileID != "" {
			if bits, err = cats.dataFiles.Bits(fileID); err != nil {
				return checkReport{}, err
			}
		}
	}

	v := backend.Validate(s.Source)
	ops := backend.ExtractOperations(s.Source)
	sort.Strings(ops)
	rep := checkReport{
		strategy:   s,
		validation: v.Errors,
		warnings:   v.Warnings,
		operations: ops,
	}
	eng := engine.New(engine.Config{
		Catalog:    cats.catalog,
		Loader:     cats.loader,
		Dispatcher: cats.dispatcher,
	}, engine.Callbacks{})
	rep.requirements = eng.CheckRequirements(engine.Request{Strategy: s, Bits: bits})

	if prepare {
		if ctx == nil {
			ctx = context.Background()
		}
		rep.prepared = true
		rep.prepareErr = backend.Prepare(ctx)
	}
	return rep, nil
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the job write-ahead log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump [path]",
		Short: "Print every WAL event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats [path]",
		Short: "Summarise the WAL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			stats, err := wal.GetWALStats(path)
			if err != nil {
				return err
			}
			printWALStats(cmd.OutOrStdout(), path, stats)
			if last, err := wal.GetLastEvent(path); err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), kv("Last event", fmt.Sprintf("%s %s", last.Type, last.JobID)))
			}
			return nil
		},
	})
	return cmd
}

func walPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return "", err
	}
	if cfg.Storage.Dir == "" {
		return "", errors.New("no WAL: set storage.dir or pass a path")
	}
	return filepath.Join(cfg.Storage.Dir, walFileName), nil
}

func printWALStats(w io.Writer, path string, stats *wal.WALStats) {
	fmt.Fprintln(w, titleStyle.Render("WAL "+path))
	fmt.Fprintln(w, kv("Events", fmt.Sprintf("%d (seq %d..%d)", stats.TotalEvents, stats.FirstSeq, stats.LastSeq)))
	fmt.Fprintln(w, kv("Jobs", fmt.Sprintf("%d", stats.Jobs)))
	fmt.Fprintln(w, kv("Corrupted", fmt.Sprintf("%d", stats.CorruptedCount)))
	names := make([]string, 0, len(stats.EventTypes))
	for t := range stats.EventTypes {
		names = append(names, string(t))
	}
	sort.Strings(names)
	for _, t := range names {
		fmt.Fprintln(w, kv(t, fmt.Sprintf("%d", stats.EventTypes[wal.EventType(t)])))
	}
	if stats.TotalEvents > 0 {
		from := time.UnixMilli(stats.TimeRange[0]).UTC().Format(time.RFC3339)
		to := time.UnixMilli(stats.TimeRange[1]).UTC().Format(time.RFC3339)
		fmt.Fprintln(w, kv("Time range", from+" .. "+to))
	}
}
