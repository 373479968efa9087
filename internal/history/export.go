package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

var csvHeader = []string{
	"step", "operation", "range_start", "range_end", "size_before", "size_after",
	"cost", "budget_remaining", "entropy_before", "entropy_after", "timestamp",
}

// WriteCSV writes one row per step followed by a blank row and a key,value summary block.
// mode is free text describing how the run was launched (single, job, batch).
func WriteCSV(w io.Writer, r types.ExecutionResult, mode string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range r.Steps {
		row := []string{
			strconv.Itoa(s.StepNumber),
			s.Operation,
			strconv.Itoa(s.RangeStart),
			strconv.Itoa(s.RangeEnd),
			strconv.Itoa(s.SizeBefore),
			strconv.Itoa(s.SizeAfter),
			formatFloat(s.Cost),
			formatFloat(s.BudgetRemaining),
			metricCell(s.MetricsBefore),
			metricCell(s.MetricsAfter),
			s.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	summary := [][]string{
		{},
		{"summary", ""},
		{"strategy", r.StrategyName},
		{"language", string(r.Language)},
		{"mode", mode},
		{"duration_ms", strconv.FormatInt(r.Duration.Milliseconds(), 10)},
		{"steps", strconv.Itoa(len(r.Steps))},
		{"total_cost", formatFloat(r.TotalCost)},
		{"initial_budget", formatFloat(r.InitialBudget)},
		{"final_budget", formatFloat(r.FinalBudget)},
		{"initial_size", strconv.Itoa(r.InitialSize)},
		{"final_size", strconv.Itoa(r.FinalSize)},
		{"compression_ratio", formatFloat(r.CompressionRatio)},
		{"success", strconv.FormatBool(r.Success)},
	}
	if err := cw.WriteAll(summary); err != nil {
		return fmt.Errorf("history: write csv: %w", err)
	}
	return nil
}

func metricCell(m map[string]float64) string {
	v, ok := m[catalog.MetricEntropy]
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
