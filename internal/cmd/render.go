package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/qsched/qsched/internal/taskqueue"
	"github.com/qsched/qsched/internal/workflow"
)

// Output formats accepted by --format.
const (
	formatAuto  = "auto"
	formatTable = "table"
	formatJSON  = "json"
)

// useTable resolves --format for w. auto means a table on a terminal and
// JSON everywhere else.
func useTable(w io.Writer, format string) (bool, error) {
	switch format {
	case formatTable:
		return true, nil
	case formatJSON:
		return false, nil
	case formatAuto, "":
		return isTerminal(w), nil
	default:
		return false, fmt.Errorf("unknown output format %q (want auto, table or json)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		Headers(headers...)
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// renderResult prints an optimization result.
func renderResult(w io.Writer, name string, result *workflow.Result, format string) error {
	asTable, err := useTable(w, format)
	if err != nil {
		return err
	}
	if !asTable {
		return writeJSON(w, result)
	}

	t := newTable("#", "TASK", "DEPENDS ON", "DURATION (ms)", "PRIORITY", "QUANTUM").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 5 {
				return quantumStyle
			}
			return cellStyle
		})
	for i, task := range result.OptimizedTasks {
		quantum := ""
		if task.Quantum {
			quantum = "yes"
		}
		deps := strings.Join(task.DependsOn, ", ")
		if deps == "" {
			deps = "-"
		}
		t.Row(
			strconv.Itoa(i+1),
			task.ID,
			deps,
			formatMs(task.DurationMs()),
			strconv.Itoa(task.PriorityValue()),
			quantum,
		)
	}

	fmt.Fprintln(w, titleStyle.Render("Workflow: "+name))
	fmt.Fprintln(w, t.Render())
	summary := []struct{ label, value string }{
		{"Sequential time (ms)", formatMs(result.OriginalExecutionTime)},
		{"Optimized time (ms)", formatMs(result.OptimizedExecutionTime)},
		{"Time saved (ms)", fmt.Sprintf("%s (%.1f%%)", formatMs(result.TimeReduction), result.TimeReductionPercentage)},
		{"Parallelization factor", fmt.Sprintf("%.2fx", result.ParallelizationFactor)},
		{"Quantum speedup", fmt.Sprintf("%.2fx", result.QuantumSpeedup)},
	}
	for _, line := range summary {
		fmt.Fprintln(w, labelStyle.Render(line.label)+valueStyle.Render(line.value))
	}
	if len(result.SpeedupSkipped) > 0 {
		fmt.Fprintln(w, warningStyle.Render("No speedup applied to: "+strings.Join(result.SpeedupSkipped, ", ")))
	}
	return nil
}

// renderTasks prints queue tasks.
func renderTasks(w io.Writer, tasks []*taskqueue.Task, format string) error {
	asTable, err := useTable(w, format)
	if err != nil {
		return err
	}
	if !asTable {
		if tasks == nil {
			tasks = []*taskqueue.Task{}
		}
		return writeJSON(w, tasks)
	}

	if len(tasks) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No tasks."))
		return nil
	}

	t := newTable("ID", "TYPE", "STATUS", "PRIORITY", "CREATED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, task := range tasks {
		t.Row(
			task.ID,
			string(task.Type),
			statusStyle(task.Status).Render(task.Status.String()),
			strconv.FormatFloat(task.Priority, 'g', -1, 64),
			task.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

// renderTask prints a single task.
func renderTask(w io.Writer, task *taskqueue.Task, format string) error {
	asTable, err := useTable(w, format)
	if err != nil {
		return err
	}
	if !asTable {
		return writeJSON(w, task)
	}

	lines := []struct{ label, value string }{
		{"ID", task.ID},
		{"Type", string(task.Type)},
		{"Status", statusStyle(task.Status).Render(task.Status.String())},
		{"Priority", strconv.FormatFloat(task.Priority, 'g', -1, 64)},
		{"Created", task.CreatedAt.Format("2006-01-02 15:04:05")},
	}
	if !task.Data.IsEmpty() {
		lines = append(lines, struct{ label, value string }{"Data", string(task.Data)})
	}
	if !task.Result.IsEmpty() {
		lines = append(lines, struct{ label, value string }{"Result", string(task.Result)})
	}
	if task.Error != "" {
		lines = append(lines, struct{ label, value string }{"Error", errorStyle.Render(task.Error)})
	}
	if rt := task.RunTime(); rt > 0 {
		lines = append(lines, struct{ label, value string }{"Run time", rt.String()})
	}
	for _, line := range lines {
		fmt.Fprintln(w, labelStyle.Render(line.label)+line.value)
	}
	return nil
}

// renderStatus prints queue counts.
func renderStatus(w io.Writer, s taskqueue.QueueStatus, format string) error {
	asTable, err := useTable(w, format)
	if err != nil {
		return err
	}
	if !asTable {
		return writeJSON(w, s)
	}

	active := s.ActiveTask
	if active == "" {
		active = "-"
	}
	t := newTable("TOTAL", "QUEUED", "PROCESSING", "COMPLETED", "FAILED", "ACTIVE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Row(strconv.Itoa(s.Total), strconv.Itoa(s.Queued), strconv.Itoa(s.Processing),
			strconv.Itoa(s.Completed), strconv.Itoa(s.Failed), active)
	fmt.Fprintln(w, t.Render())
	return nil
}
