package main

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"sirsim/internal/domain"
)

const barWidth = 30

func renderRunsTable(table *tview.Table, runs []domain.Run, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "N", "Steps", "Workers", "Created"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Status)).SetTextColor(statusColor(r.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", r.Population)).SetAlign(tview.AlignRight))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", r.Steps)).SetAlign(tview.AlignRight))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", r.Workers)).SetAlign(tview.AlignRight))
		table.SetCell(row, 5, tview.NewTableCell(r.CreatedAt.Local().Format("01-02 15:04:05")))
		if r.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.RunStatus) tcell.Color {
	switch s {
	case domain.RunStatusCompleted:
		return tcell.ColorGreen
	case domain.RunStatusFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorYellow
	}
}

// pickRun prefers a run still in progress, then the newest one.
func pickRun(runs []domain.Run) string {
	for _, r := range runs {
		if r.Status == domain.RunStatusRunning {
			return r.ID
		}
	}
	return runs[0].ID
}

func renderRun(run domain.Run, steps []domain.StepReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id=%s status=%s\n", run.ID, run.Status)
	fmt.Fprintf(&b, "population=%d steps=%d workers=%d threads=%d seed=%d\n",
		run.Population, run.Steps, run.Workers, run.Threads, run.Seed)
	fmt.Fprintf(&b, "radius=%g beta=%g gamma=%g initial_infected=%g\n",
		run.Params.ContactRadius, run.Params.InfectionProbability, run.Params.RecoveryProbability, run.InitialInfected)
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		peak, peakStep := 0, 0
		for _, s := range steps {
			if s.Infected > peak {
				peak, peakStep = s.Infected, s.Step
			}
		}
		fmt.Fprintf(&b, "progress=%d/%d peak_infected=%d at step %d\n", last.Step, run.Steps, peak, peakStep)
	} else {
		b.WriteString("progress=no steps recorded\n")
	}
	if run.LastError != "" {
		b.WriteString("[red]error: " + trimLine(run.LastError, 120) + "[-]\n")
	}
	return b.String()
}

func renderSteps(steps []domain.StepReport, population int) string {
	if len(steps) == 0 {
		return "No steps"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%6s %9s %9s %9s  infected\n", "step", "S", "I", "R")
	for _, s := range steps {
		fmt.Fprintf(&b, "%6d %9d %9d %9d  [red]%s[-]\n", s.Step, s.Susceptible, s.Infected, s.Recovered, bar(s.Infected, population))
	}
	return b.String()
}

func bar(v, total int) string {
	if total <= 0 || v <= 0 {
		return ""
	}
	n := v * barWidth / total
	if n == 0 {
		n = 1
	}
	return strings.Repeat("|", n)
}

func trimLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
