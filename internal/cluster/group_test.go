package cluster_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirsim/internal/cluster"
	"sirsim/internal/cluster/local"
	"sirsim/internal/domain"
	"sirsim/internal/messaging/inproc"
	"sirsim/internal/population"
	"sirsim/internal/stats"
)

var quiet = log.New(io.Discard, "", 0)

func localGroup(t *testing.T, n int, cfg cluster.Config) *cluster.Group {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	peers := local.StartN(ctx, inproc.New(4), n, false, quiet)
	ps := make([]cluster.Peer, len(peers))
	for i, p := range peers {
		ps[i] = p
	}
	g := cluster.NewGroup(ps, cfg, quiet)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func runSpec(runID string) domain.RunSpec {
	return domain.RunSpec{
		RunID:   runID,
		Seed:    5,
		Threads: 2,
		Params:  domain.KernelParams{ContactRadius: 0.1, InfectionProbability: 0.3, RecoveryProbability: 0.1},
	}
}

func TestDistributeSynchronizeCollect(t *testing.T) {
	ctx := context.Background()
	g := localGroup(t, 3, cluster.Config{})

	pop, err := population.Initialize(101, 0.1, 5)
	require.NoError(t, err)
	original := make([]domain.Agent, len(pop))
	copy(original, pop)

	ranges, err := population.Partition(len(pop), g.Size(), population.RemainderFirst)
	require.NoError(t, err)
	require.NoError(t, g.Distribute(ctx, runSpec("run-1"), population.Split(pop, ranges)))

	view, err := g.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, original, view, "collect before any step returns the initial population in order")

	for step := 1; step <= 5; step++ {
		results, err := g.Synchronize(ctx, step)
		require.NoError(t, err)
		require.Len(t, results, 3)

		view, err := g.Collect(ctx)
		require.NoError(t, err)
		require.Len(t, view, 101)

		var sum domain.Counts
		for i, r := range results {
			assert.Equal(t, i, r.Worker)
			assert.Equal(t, step, r.Step)
			assert.Equal(t, ranges[i].Len(), r.Counts.Total())
			assert.Equal(t, stats.Count(view[ranges[i].Start:ranges[i].End]), r.Counts)
			sum = sum.Add(r.Counts)
		}
		assert.Equal(t, stats.Count(view), sum)
		for i := range view {
			assert.Equal(t, original[i].X, view[i].X)
			assert.Equal(t, original[i].Y, view[i].Y)
		}
	}
}

func TestSynchronizeRejectsSkippedStep(t *testing.T) {
	ctx := context.Background()
	g := localGroup(t, 2, cluster.Config{})
	pop, err := population.Initialize(10, 0.5, 1)
	require.NoError(t, err)
	ranges, err := population.Partition(10, 2, population.RemainderFirst)
	require.NoError(t, err)
	require.NoError(t, g.Distribute(ctx, runSpec("run-2"), population.Split(pop, ranges)))

	_, err = g.Synchronize(ctx, 2)
	require.ErrorIs(t, err, cluster.ErrCoordination)
}

func TestDistributeShardCountMismatch(t *testing.T) {
	g := localGroup(t, 2, cluster.Config{})
	err := g.Distribute(context.Background(), runSpec("run-3"), []domain.Shard{{}})
	require.ErrorIs(t, err, cluster.ErrCoordination)
}

type fakePeer struct {
	id       string
	failStep int
	block    bool
	size     int
	aborted  atomic.Bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Assign(_ context.Context, req domain.AssignRequest) error {
	p.size = req.Shard.Len()
	return nil
}

func (p *fakePeer) Step(ctx context.Context, req domain.StepRequest) (domain.StepResult, error) {
	if p.block {
		<-ctx.Done()
		return domain.StepResult{}, ctx.Err()
	}
	if req.Step == p.failStep {
		return domain.StepResult{}, errors.New("worker crashed")
	}
	return domain.StepResult{Step: req.Step, Size: p.size, Counts: domain.Counts{Susceptible: p.size}}, nil
}

func (p *fakePeer) Gather(context.Context, domain.GatherRequest) (domain.Shard, error) {
	return domain.Shard{Agents: make([]domain.Agent, p.size)}, nil
}

func (p *fakePeer) Abort(context.Context, domain.AbortRequest) error {
	p.aborted.Store(true)
	return nil
}

func (p *fakePeer) Close() error { return nil }

func TestSynchronizePeerFailure(t *testing.T) {
	ctx := context.Background()
	healthy := &fakePeer{id: "a"}
	broken := &fakePeer{id: "b", failStep: 2}
	g := cluster.NewGroup([]cluster.Peer{healthy, broken}, cluster.Config{}, quiet)

	shards := []domain.Shard{{Agents: make([]domain.Agent, 3)}, {Offset: 3, Agents: make([]domain.Agent, 3)}}
	require.NoError(t, g.Distribute(ctx, runSpec("run-4"), shards))

	_, err := g.Synchronize(ctx, 1)
	require.NoError(t, err)

	_, err = g.Synchronize(ctx, 2)
	require.ErrorIs(t, err, cluster.ErrCoordination)
	assert.Contains(t, err.Error(), "worker=b")

	g.Abort(ctx, "test")
	assert.True(t, healthy.aborted.Load())
	assert.True(t, broken.aborted.Load())
}

func TestSynchronizeTimeout(t *testing.T) {
	ctx := context.Background()
	silent := &fakePeer{id: "silent", block: true}
	g := cluster.NewGroup([]cluster.Peer{&fakePeer{id: "ok"}, silent}, cluster.Config{CallTimeout: 50 * time.Millisecond}, quiet)

	shards := []domain.Shard{{Agents: make([]domain.Agent, 1)}, {Offset: 1, Agents: make([]domain.Agent, 1)}}
	require.NoError(t, g.Distribute(ctx, runSpec("run-5"), shards))

	start := time.Now()
	_, err := g.Synchronize(ctx, 1)
	require.ErrorIs(t, err, cluster.ErrCoordination)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSynchronizeConservationViolation(t *testing.T) {
	ctx := context.Background()
	liar := &liarPeer{fakePeer{id: "liar"}}
	g := cluster.NewGroup([]cluster.Peer{liar}, cluster.Config{}, quiet)
	require.NoError(t, g.Distribute(ctx, runSpec("run-6"), []domain.Shard{{Agents: make([]domain.Agent, 4)}}))

	_, err := g.Synchronize(ctx, 1)
	require.ErrorIs(t, err, cluster.ErrCoordination)
	assert.Contains(t, err.Error(), "not conserved")
}

type liarPeer struct {
	fakePeer
}

func (p *liarPeer) Step(_ context.Context, req domain.StepRequest) (domain.StepResult, error) {
	return domain.StepResult{Step: req.Step, Size: p.size, Counts: domain.Counts{Infected: p.size - 1}}, nil
}
