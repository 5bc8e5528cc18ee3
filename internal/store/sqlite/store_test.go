package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"sirsim/internal/domain"
)

func testRun(id string) domain.Run {
	return domain.Run{
		ID:              id,
		Seed:            1<<63 + 7,
		Population:      100,
		Steps:           3,
		Workers:         2,
		Threads:         4,
		InitialInfected: 0.1,
		Params: domain.KernelParams{
			ContactRadius:        0.02,
			InfectionProbability: 0.3,
			RecoveryProbability:  0.1,
		},
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	if err := store.CreateRun(ctx, testRun(runID)); err != nil {
		t.Fatalf("create run: %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusRunning {
		t.Fatalf("expected running status, got %s", run.Status)
	}
	if run.Seed != 1<<63+7 {
		t.Fatalf("seed did not round-trip: %d", run.Seed)
	}
	if run.Params != testRun(runID).Params {
		t.Fatalf("params did not round-trip: %+v", run.Params)
	}

	for step, c := range []domain.Counts{
		{Susceptible: 90, Infected: 10},
		{Susceptible: 85, Infected: 14, Recovered: 1},
		{Susceptible: 80, Infected: 17, Recovered: 3},
	} {
		if err := store.AppendStep(ctx, domain.StepReport{RunID: runID, Step: step, Counts: c}); err != nil {
			t.Fatalf("append step %d: %v", step, err)
		}
	}
	if err := store.AppendStep(ctx, domain.StepReport{RunID: runID, Step: 1}); err == nil {
		t.Fatalf("expected duplicate step to be rejected")
	}

	steps, err := store.ListSteps(ctx, runID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.Step != i || s.RunID != runID || s.Total() != 100 {
			t.Fatalf("unexpected step row %+v", s)
		}
	}

	if err := store.FinishRun(ctx, runID, domain.RunStatusCompleted, ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	run, err = store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get finished run: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed status, got %s", run.Status)
	}
}

func TestFailedRunKeepsError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	if err := store.CreateRun(ctx, testRun(runID)); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.FinishRun(ctx, runID, domain.RunStatusFailed, "worker-1 timed out"); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusFailed || run.LastError != "worker-1 timed out" {
		t.Fatalf("unexpected failed run %+v", run)
	}
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.FinishRun(ctx, "missing", domain.RunStatusCompleted, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on finish, got %v", err)
	}
	if err := store.AppendStep(ctx, domain.StepReport{RunID: "missing", Step: 0}); err == nil {
		t.Fatalf("expected foreign key failure for unknown run")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().UTC().Add(-time.Hour)
	ids := []string{"run-a", "run-b", "run-c"}
	for i, id := range ids {
		run := testRun(id)
		run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("create run %s: %v", id, err)
		}
	}

	all, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-c" || all[2].ID != "run-a" {
		t.Fatalf("unexpected order: %+v", all)
	}

	limited, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list limited runs: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "run-c" {
		t.Fatalf("unexpected limited list: %+v", limited)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
