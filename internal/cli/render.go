package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/batch"
	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/server"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	statusColors = map[types.JobStatus]lipgloss.Color{
		types.StatusPending:   lipgloss.Color("#E5C07B"),
		types.StatusRunning:   lipgloss.Color("#61AFEF"),
		types.StatusPaused:    lipgloss.Color("#C678DD"),
		types.StatusCompleted: lipgloss.Color("#98C379"),
		types.StatusFailed:    lipgloss.Color("#E06C75"),
		types.StatusCancelled: lipgloss.Color("#7F848E"),
	}
)

// statusOrder is the display order of counts.
var statusOrder = []types.JobStatus{
	types.StatusPending, types.StatusRunning, types.StatusPaused,
	types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
}

func renderStatus(s types.JobStatus) string {
	c, ok := statusColors[s]
	if !ok {
		return string(s)
	}
	return lipgloss.NewStyle().Foreground(c).Render(string(s))
}

func kv(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-12s", label)) + " " + value
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatPresets(presets []types.Preset) string {
	parts := make([]string, 0, len(presets))
	for _, p := range presets {
		parts = append(parts, fmt.Sprintf("%s x%d", p.StrategyID, p.Iterations))
	}
	return strings.Join(parts, ", ")
}

func printJob(w io.Writer, job types.Job) {
	lines := []string{
		titleStyle.Render(job.Name),
		kv("ID", string(job.ID)),
		kv("Status", renderStatus(job.Status)),
		kv("Priority", string(job.Priority)),
		kv("Data file", job.DataFileID),
		kv("Presets", formatPresets(job.Presets)),
		kv("Progress", fmt.Sprintf("%.1f%% (preset %d, iteration %d)", job.Progress, job.CurrentPresetIndex+1, job.CurrentIteration)),
	}
	if job.QueuePosition > 0 {
		lines = append(lines, kv("Queue", "#"+strconv.Itoa(job.QueuePosition)))
	}
	if job.BatchID != "" {
		lines = append(lines, kv("Batch", string(job.BatchID)))
	}
	if job.ETA != nil {
		lines = append(lines, kv("ETA", job.ETA.Round(time.Second).String()))
	}
	lines = append(lines,
		kv("Created", job.CreatedAt.Format(time.RFC3339)),
		kv("Started", formatTime(job.StartTime)),
		kv("Ended", formatTime(job.EndTime)),
		kv("Results", strconv.Itoa(len(job.Results))),
	)
	if job.Error != "" {
		lines = append(lines, kv("Error", job.Error))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
}

func printJobTable(w io.Writer, jobs []types.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		queue := "-"
		if j.QueuePosition > 0 {
			queue = strconv.Itoa(j.QueuePosition)
		}
		rows = append(rows, []string{
			string(j.ID), j.Name, renderStatus(j.Status), string(j.Priority),
			fmt.Sprintf("%.0f%%", j.Progress), queue, j.DataFileID,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "STATUS", "PRIORITY", "PROGRESS", "QUEUE", "FILE").
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}

func printCounts(w io.Writer, counts map[types.JobStatus]int) {
	total := 0
	for _, s := range statusOrder {
		total += counts[s]
	}
	fmt.Fprintln(w, kv("Total", strconv.Itoa(total)))
	for _, s := range statusOrder {
		fmt.Fprintln(w, kv(string(s), strconv.Itoa(counts[s])))
	}
}

func printStats(w io.Writer, stats server.QueueStatsResponse) {
	fmt.Fprintln(w, titleStyle.Render("Job Queue"))
	printCounts(w, stats.Counts)
	if len(stats.Queue) > 0 {
		fmt.Fprintln(w)
		printJobTable(w, stats.Queue)
	}
}

func printBatch(w io.Writer, s batch.Summary) {
	state := "idle"
	if s.Running {
		state = fmt.Sprintf("running (%d workers)", s.Workers)
	}
	mode := "sequential"
	if s.Batch.Config.RunParallel {
		mode = fmt.Sprintf("parallel (max %d)", s.Batch.Config.MaxParallel)
	}
	fmt.Fprintln(w, titleStyle.Render(s.Batch.Name))
	fmt.Fprintln(w, kv("ID", string(s.Batch.ID)))
	fmt.Fprintln(w, kv("Mode", mode))
	fmt.Fprintln(w, kv("State", state))
	fmt.Fprintln(w, kv("Jobs", strconv.Itoa(len(s.Batch.JobIDs))))
	fmt.Fprintln(w, kv("Progress", fmt.Sprintf("%.1f%%", s.Progress)))
	printCounts(w, s.Counts)
}

func printBatchTable(w io.Writer, batches []types.Batch) {
	if len(batches) == 0 {
		fmt.Fprintln(w, "no batches")
		return
	}
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			string(b.ID), b.Name, strconv.Itoa(len(b.JobIDs)),
			strconv.FormatBool(b.Config.RunParallel), b.CreatedAt.Format(time.RFC3339),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "JOBS", "PARALLEL", "CREATED").
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}

func printStrategies(w io.Writer, list []types.Strategy) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no strategies")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		rows = append(rows, []string{
			s.ID, s.Name, string(s.Language),
			strings.Join(s.EnabledOperations, ","), strings.Join(s.EnabledMetrics, ","),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "LANGUAGE", "OPERATIONS", "METRICS").
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}

func printFiles(w io.Writer, files []datafile.File) {
	if len(files) == 0 {
		fmt.Fprintln(w, "no data files")
		return
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{f.ID, f.Name, strconv.Itoa(f.Size), f.LoadedAt.Format(time.RFC3339)})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "BITS", "LOADED").
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}

// formatEvent is one line per watch event.
func formatEvent(ev scheduler.Event) string {
	j := ev.Job
	return fmt.Sprintf("%-8s %s %-9s %5.1f%% %s", ev.Type, j.ID, j.Status, j.Progress, j.Name)
}
