package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"modgraph/internal/core/ports"
	"modgraph/internal/data/history"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	asyncStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B")).
			Italic(true)

	moduleStyle = lipgloss.NewStyle().PaddingLeft(2)
)

// RenderReport formats a run for the terminal.
func RenderReport(report ports.GraphRunReport) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("modgraph " + report.Entry))
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(fmt.Sprintf("run %s, %d modules, %s", report.RunID, len(report.Modules), report.Duration.Round(time.Millisecond))))
	b.WriteString("\n\n")

	for _, m := range report.Modules {
		line := fmt.Sprintf("%-16s %s", m.Status, m.URL)
		switch {
		case m.Error != "":
			line = errorStyle.Render(line)
		case m.Async:
			line = asyncStyle.Render(line + " (async)")
		}
		if m.CycleRoot != "" {
			line += statusStyle.Render(" cycle root " + m.CycleRoot)
		}
		b.WriteString(moduleStyle.Render(line))
		b.WriteString("\n")
	}

	if len(report.Executions) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("execution order"))
		b.WriteString("\n")
		for i, u := range report.Executions {
			b.WriteString(moduleStyle.Render(fmt.Sprintf("%d. %s", i+1, u)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if report.Error != "" {
		b.WriteString(errorStyle.Render("failed: " + report.Error))
	} else {
		b.WriteString(successStyle.Render("evaluated"))
	}
	b.WriteString("\n")
	return b.String()
}

// RenderRuns formats journal rows, newest first.
func RenderRuns(runs []history.Run) string {
	if len(runs) == 0 {
		return statusStyle.Render("no recorded runs") + "\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("recent runs"))
	b.WriteString("\n")
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-18s %s (%d modules, %s)",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Outcome, r.Root, len(r.Modules), r.Duration.Round(time.Millisecond))
		if r.Outcome != history.OutcomeEvaluated {
			line = errorStyle.Render(line)
		}
		b.WriteString(moduleStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}
