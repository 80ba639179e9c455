// Package summary renders the outcome of a run as a table.
package summary

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/bebsworthy/scriptwatch/internal/supervisor"
)

// Render writes one row per result, ordered by slot, followed by a totals row
func Render(w io.Writer, results []supervisor.Result) error {
	rows := make([]supervisor.Result, len(results))
	copy(rows, results)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Slot < rows[j].Slot })

	table := tablewriter.NewWriter(w)
	table.Header("Slot", "Script", "PID", "Disposition", "Exit Code", "Runtime", "Stderr")

	failed := 0
	for _, r := range rows {
		if r.ExitCode != 0 {
			failed++
		}
		if err := table.Append([]string{
			strconv.Itoa(int(r.Slot)),
			r.Script,
			strconv.Itoa(r.PID),
			r.Disposition.String(),
			strconv.Itoa(r.ExitCode),
			formatRuntime(r.Runtime),
			formatBytes(len(r.Stderr)),
		}); err != nil {
			return fmt.Errorf("failed to add row for slot %d: %w", r.Slot, err)
		}
	}

	table.Footer("", fmt.Sprintf("%d scripts", len(rows)), "", fmt.Sprintf("%d failed", failed), "", "", "")

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render summary: %w", err)
	}
	return nil
}

func formatRuntime(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func formatBytes(n int) string {
	if n == 1 {
		return "1 byte"
	}
	return fmt.Sprintf("%d bytes", n)
}
