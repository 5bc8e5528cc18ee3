// Package cluster implements the three collective operations of a run:
// Distribute (scatter one shard to every worker), Synchronize (advance every
// shard one step and wait for all of them) and Collect (gather every shard
// back into a global view in index order). The transport behind each worker
// is hidden behind Peer.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"sirsim/internal/domain"
)

var ErrCoordination = errors.New("coordination failure")

type Peer interface {
	ID() string
	Assign(ctx context.Context, req domain.AssignRequest) error
	Step(ctx context.Context, req domain.StepRequest) (domain.StepResult, error)
	Gather(ctx context.Context, req domain.GatherRequest) (domain.Shard, error)
	Abort(ctx context.Context, req domain.AbortRequest) error
	Close() error
}

type Config struct {
	// CallTimeout bounds every collective operation. A worker that has not
	// answered by then is treated as lost.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	return c
}

type Group struct {
	peers  []Peer
	cfg    Config
	logger *log.Logger

	runID string
	sizes []int
	total int
}

func NewGroup(peers []Peer, cfg Config, logger *log.Logger) *Group {
	if logger == nil {
		logger = log.Default()
	}
	return &Group{
		peers:  peers,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func (g *Group) Size() int {
	return len(g.peers)
}

// Distribute sends shards[i] to peer i. It succeeds only if every peer
// accepted its shard.
func (g *Group) Distribute(ctx context.Context, spec domain.RunSpec, shards []domain.Shard) error {
	if len(shards) != len(g.peers) {
		return fmt.Errorf("%w: %d shards for %d workers", ErrCoordination, len(shards), len(g.peers))
	}
	g.runID = spec.RunID
	g.sizes = make([]int, len(shards))
	g.total = 0
	for i, s := range shards {
		g.sizes[i] = s.Len()
		g.total += s.Len()
	}

	err := g.each(ctx, "distribute", func(ctx context.Context, i int, p Peer) error {
		return p.Assign(ctx, domain.AssignRequest{Spec: spec, Shard: shards[i]})
	})
	if err != nil {
		return err
	}
	g.logger.Printf("population distributed run=%s workers=%d agents=%d", spec.RunID, len(g.peers), g.total)
	return nil
}

// Synchronize asks every worker to advance to step and returns once all of
// them have finished. Results are ordered by worker index.
func (g *Group) Synchronize(ctx context.Context, step int) ([]domain.StepResult, error) {
	results := make([]domain.StepResult, len(g.peers))
	err := g.each(ctx, "synchronize", func(ctx context.Context, i int, p Peer) error {
		res, err := p.Step(ctx, domain.StepRequest{RunID: g.runID, Step: step})
		if err != nil {
			return err
		}
		if res.Step != step {
			return fmt.Errorf("worker answered step %d, want %d", res.Step, step)
		}
		if res.Size != g.sizes[i] || res.Counts.Total() != g.sizes[i] {
			return fmt.Errorf("shard not conserved: size=%d reported=%d counted=%d", g.sizes[i], res.Size, res.Counts.Total())
		}
		results[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Collect gathers every shard into a freshly allocated global view.
func (g *Group) Collect(ctx context.Context) ([]domain.Agent, error) {
	view := make([]domain.Agent, g.total)
	err := g.each(ctx, "collect", func(ctx context.Context, i int, p Peer) error {
		shard, err := p.Gather(ctx, domain.GatherRequest{RunID: g.runID})
		if err != nil {
			return err
		}
		if shard.Len() != g.sizes[i] {
			return fmt.Errorf("gathered %d agents, want %d", shard.Len(), g.sizes[i])
		}
		if shard.Offset < 0 || shard.Offset+shard.Len() > len(view) {
			return fmt.Errorf("gathered shard offset %d out of range", shard.Offset)
		}
		copy(view[shard.Offset:], shard.Agents)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Abort tells every worker to drop its shard. Failures are logged, not
// returned: the run is already lost.
func (g *Group) Abort(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CallTimeout)
	defer cancel()

	done := make(chan struct{}, len(g.peers))
	for _, p := range g.peers {
		go func(p Peer) {
			defer func() { done <- struct{}{} }()
			if err := p.Abort(ctx, domain.AbortRequest{RunID: g.runID, Reason: reason}); err != nil {
				g.logger.Printf("abort failed worker=%s: %v", p.ID(), err)
			}
		}(p)
	}
	for range g.peers {
		select {
		case <-done:
		case <-ctx.Done():
			g.logger.Printf("abort broadcast timed out run=%s", g.runID)
			return
		}
	}
}

func (g *Group) Close() error {
	var errs []error
	for _, p := range g.peers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (g *Group) each(ctx context.Context, op string, fn func(ctx context.Context, i int, p Peer) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	for i, p := range g.peers {
		eg.Go(func() error {
			if err := fn(egCtx, i, p); err != nil {
				return fmt.Errorf("%w: %s worker=%s: %w", ErrCoordination, op, p.ID(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}
