package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"sirsim/internal/domain"
	sqlitestore "sirsim/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/sirsim.db", "sqlite database written by sirsim run --db")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	limit := flag.Int("limit", 50, "maximum number of runs listed")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "database %s not found: %v\n", *dbPath, err)
		os.Exit(2)
	}
	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(2)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(2)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	runView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	runView.SetTitle("Run").SetBorder(true)

	stepsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stepsView.SetTitle("Census").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Reading %s | refresh every %s", *dbPath, *interval))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(runView, 9, 0, false).
		AddItem(stepsView, 0, 1, false)
	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, true).
		AddItem(right, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 1, true).
		AddItem(statusView, 3, 0, false)

	var selected atomic.Value
	selected.Store("")
	var lastRuns atomic.Value
	lastRuns.Store([]domain.Run(nil))
	var detailsVersion uint64

	refreshRuns := func() {
		runs, err := store.ListRuns(context.Background(), *limit)
		if err != nil {
			app.QueueUpdateDraw(func() {
				statusView.SetText(fmt.Sprintf("load error: %v", err))
			})
			return
		}
		lastRuns.Store(runs)
		current := selected.Load().(string)
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, current)
		})
	}

	refreshDetails := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(id string, v uint64) {
			run, runErr := store.GetRun(context.Background(), id)
			steps, stepsErr := store.ListSteps(context.Background(), id)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if runErr != nil {
					runView.SetText(fmt.Sprintf("error: %v", runErr))
				} else {
					runView.SetText(renderRun(run, steps))
				}
				if stepsErr != nil {
					stepsView.SetText(fmt.Sprintf("error: %v", stepsErr))
				} else {
					stepsView.SetText(renderSteps(steps, run.Population))
					stepsView.ScrollToEnd()
				}
			})
		}(runID, version)
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		runs := lastRuns.Load().([]domain.Run)
		if row <= 0 || row > len(runs) {
			return
		}
		selected.Store(runs[row-1].ID)
		refreshDetails(runs[row-1].ID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshRuns()
				refreshDetails(selected.Load().(string))
			}()
			statusView.SetText("Manual refresh")
			return nil
		}
		if event.Key() == tcell.KeyRune && event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		if runs := lastRuns.Load().([]domain.Run); len(runs) > 0 {
			selected.Store(pickRun(runs))
		}
		refreshDetails(selected.Load().(string))

		for range ticker.C {
			refreshRuns()
			if selected.Load().(string) == "" {
				if runs := lastRuns.Load().([]domain.Run); len(runs) > 0 {
					selected.Store(pickRun(runs))
				}
			}
			refreshDetails(selected.Load().(string))
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}
