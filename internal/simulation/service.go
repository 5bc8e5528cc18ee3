// Package simulation coordinates one SIR run: it builds the population,
// scatters it over a worker group, drives the step loop and reports the
// census of every step.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"sirsim/internal/domain"
	"sirsim/internal/population"
	"sirsim/internal/report"
	"sirsim/internal/stats"
)

var (
	ErrSetup     = errors.New("invalid simulation setup")
	ErrInvariant = errors.New("simulation invariant violated")
)

type Group interface {
	Size() int
	Distribute(ctx context.Context, spec domain.RunSpec, shards []domain.Shard) error
	Synchronize(ctx context.Context, step int) ([]domain.StepResult, error)
	Collect(ctx context.Context) ([]domain.Agent, error)
	Abort(ctx context.Context, reason string)
}

type Config struct {
	RunID           string
	Population      int
	Steps           int
	InitialInfected float64
	Params          domain.KernelParams
	// Seed 0 means derive one from the clock.
	Seed          uint64
	Threads       int
	StatsThreads  int
	Remainder     population.RemainderPolicy
	ReportInitial bool
	Clock         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.StatsThreads <= 0 {
		c.StatsThreads = c.Threads
	}
	if c.Remainder == "" {
		c.Remainder = population.RemainderFirst
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

func (c Config) validate() error {
	if c.Population <= 0 {
		return fmt.Errorf("%w: population must be > 0, got %d", ErrSetup, c.Population)
	}
	if c.Steps < 0 {
		return fmt.Errorf("%w: steps must be >= 0, got %d", ErrSetup, c.Steps)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return nil
}

type Service struct {
	group  Group
	sink   report.Sink
	cfg    Config
	logger *log.Logger
}

func New(group Group, sink report.Sink, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		group:  group,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run executes the whole run. On any failure after setup every worker is
// aborted and the sinks are finished as failed before the error is returned.
func (s *Service) Run(ctx context.Context) (domain.RunSummary, error) {
	cfg := s.cfg
	if err := cfg.validate(); err != nil {
		return domain.RunSummary{}, err
	}
	started := cfg.Clock()

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(started.UnixNano())
		s.logger.Printf("seed derived run=%s seed=%d", runID, seed)
	}

	pop, err := population.Initialize(cfg.Population, cfg.InitialInfected, seed)
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	ranges, err := population.Partition(cfg.Population, s.group.Size(), cfg.Remainder)
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if s.group.Size() > 1 {
		s.logger.Printf("contact is limited to each worker's shard run=%s workers=%d", runID, s.group.Size())
	}

	run := domain.Run{
		ID:              runID,
		Seed:            seed,
		Population:      cfg.Population,
		Steps:           cfg.Steps,
		Workers:         s.group.Size(),
		Threads:         cfg.Threads,
		InitialInfected: cfg.InitialInfected,
		Params:          cfg.Params,
		Status:          domain.RunStatusRunning,
		CreatedAt:       started.UTC(),
		UpdatedAt:       started.UTC(),
	}
	summary := domain.RunSummary{Run: run}
	if err := s.sink.Begin(ctx, run); err != nil {
		s.finishSinks(ctx, runID, domain.RunStatusFailed, err)
		return summary, fmt.Errorf("%w: open report sinks: %w", ErrSetup, err)
	}
	s.logger.Printf("run started id=%s seed=%d population=%d steps=%d workers=%d threads=%d remainder=%s",
		runID, seed, cfg.Population, cfg.Steps, s.group.Size(), cfg.Threads, cfg.Remainder)

	// Shards alias pop for in-process workers, so keep a private copy for
	// invariant checks and stop touching pop once it is distributed.
	prev := slices.Clone(pop)
	initial := stats.Count(pop)
	spec := domain.RunSpec{RunID: runID, Seed: seed, Threads: cfg.Threads, Params: cfg.Params}
	if err := s.group.Distribute(ctx, spec, population.Split(pop, ranges)); err != nil {
		return s.fail(ctx, summary, err)
	}

	summary.Final = initial
	if cfg.ReportInitial {
		if err := s.sink.Write(ctx, domain.StepReport{RunID: runID, Step: 0, Counts: initial}); err != nil {
			return s.fail(ctx, summary, fmt.Errorf("report step 0: %w", err))
		}
	}

	for step := 1; step <= cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, summary, err)
		}
		results, err := s.group.Synchronize(ctx, step)
		if err != nil {
			return s.fail(ctx, summary, err)
		}
		view, err := s.group.Collect(ctx)
		if err != nil {
			return s.fail(ctx, summary, err)
		}

		counts, tr, err := s.census(view, prev, results)
		if err != nil {
			return s.fail(ctx, summary, fmt.Errorf("step %d: %w", step, err))
		}
		prev = view
		summary.Final = counts
		summary.Transitions = summary.Transitions.Add(tr)

		if err := s.sink.Write(ctx, domain.StepReport{RunID: runID, Step: step, Counts: counts}); err != nil {
			return s.fail(ctx, summary, fmt.Errorf("report step %d: %w", step, err))
		}
	}

	summary.Elapsed = cfg.Clock().Sub(started)
	summary.Run.Status = domain.RunStatusCompleted
	if err := s.sink.Finish(ctx, domain.RunStatusCompleted, nil); err != nil {
		return summary, fmt.Errorf("finish report sinks: %w", err)
	}
	s.logger.Printf("run completed id=%s steps=%d s=%d i=%d r=%d infections=%d recoveries=%d elapsed=%s",
		runID, cfg.Steps, summary.Final.Susceptible, summary.Final.Infected, summary.Final.Recovered,
		summary.Transitions.Infections, summary.Transitions.Recoveries, summary.Elapsed)
	return summary, nil
}

// census counts the gathered view and checks it against the previous view
// and the workers' own counts.
func (s *Service) census(view, prev []domain.Agent, results []domain.StepResult) (domain.Counts, domain.Transitions, error) {
	if len(view) != len(prev) {
		return domain.Counts{}, domain.Transitions{}, fmt.Errorf("%w: gathered %d agents, want %d", ErrInvariant, len(view), len(prev))
	}
	for i := range view {
		if view[i].X != prev[i].X || view[i].Y != prev[i].Y {
			return domain.Counts{}, domain.Transitions{}, fmt.Errorf("%w: agent %d moved", ErrInvariant, i)
		}
		if !prev[i].State.CanBecome(view[i].State) {
			return domain.Counts{}, domain.Transitions{}, fmt.Errorf("%w: agent %d went %s -> %s", ErrInvariant, i, prev[i].State, view[i].State)
		}
	}

	counts := stats.CountParallel(view, s.cfg.StatsThreads)
	var reported domain.Counts
	var tr domain.Transitions
	for _, r := range results {
		reported = reported.Add(r.Counts)
		tr = tr.Add(r.Transitions)
	}
	if counts != reported {
		return domain.Counts{}, domain.Transitions{}, fmt.Errorf("%w: census %+v differs from worker counts %+v", ErrInvariant, counts, reported)
	}
	if counts.Total() != len(view) {
		return domain.Counts{}, domain.Transitions{}, fmt.Errorf("%w: census total %d, population %d", ErrInvariant, counts.Total(), len(view))
	}
	return counts, tr, nil
}

func (s *Service) fail(ctx context.Context, summary domain.RunSummary, cause error) (domain.RunSummary, error) {
	s.logger.Printf("run failed id=%s: %v", summary.Run.ID, cause)
	s.group.Abort(ctx, cause.Error())
	s.finishSinks(ctx, summary.Run.ID, domain.RunStatusFailed, cause)
	summary.Run.Status = domain.RunStatusFailed
	summary.Run.LastError = cause.Error()
	return summary, cause
}

func (s *Service) finishSinks(ctx context.Context, runID string, status domain.RunStatus, cause error) {
	if err := s.sink.Finish(context.WithoutCancel(ctx), status, cause); err != nil {
		s.logger.Printf("finish report sinks failed run=%s: %v", runID, err)
	}
}
