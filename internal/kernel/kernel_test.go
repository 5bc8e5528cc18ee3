package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirsim/internal/domain"
	"sirsim/internal/population"
	"sirsim/internal/stats"
)

func newKernel(t *testing.T, params domain.KernelParams, threads int, seed uint64) *Kernel {
	t.Helper()
	k, err := New(params, threads, seed, Stream(0))
	require.NoError(t, err)
	return k
}

func TestStepSamePositionAllInfected(t *testing.T) {
	agents := []domain.Agent{
		{X: 0.5, Y: 0.5, State: domain.StateInfected},
		{X: 0.5, Y: 0.5, State: domain.StateSusceptible},
		{X: 0.5, Y: 0.5, State: domain.StateSusceptible},
		{X: 0.5, Y: 0.5, State: domain.StateSusceptible},
	}
	k := newKernel(t, domain.KernelParams{
		ContactRadius:        0.01,
		InfectionProbability: 1,
		RecoveryProbability:  0,
	}, 1, 1)

	tr := k.Step(agents)

	assert.Equal(t, domain.Transitions{Infections: 3}, tr)
	assert.Equal(t, domain.Counts{Infected: 4}, stats.Count(agents))
}

func TestStepAlwaysRecoverWithoutContagion(t *testing.T) {
	agents, err := population.Initialize(100, 0.2, 9)
	require.NoError(t, err)
	before := stats.Count(agents)
	require.Positive(t, before.Infected)

	k := newKernel(t, domain.KernelParams{
		ContactRadius:        0.5,
		InfectionProbability: 0,
		RecoveryProbability:  1,
	}, 4, 9)
	tr := k.Step(agents)
	after := stats.Count(agents)

	assert.Equal(t, before.Infected, tr.Recoveries)
	assert.Equal(t, 0, tr.Infections)
	assert.Equal(t, domain.Counts{
		Susceptible: before.Susceptible,
		Infected:    0,
		Recovered:   before.Infected,
	}, after)
}

func TestStepNewlyInfectedDoNotSpreadSameStep(t *testing.T) {
	// a chain 0 -> 1 -> 2 where only neighbours are in range; with a
	// snapshot, agent 2 cannot be reached in the first step
	agents := []domain.Agent{
		{X: 0.10, Y: 0.5, State: domain.StateInfected},
		{X: 0.15, Y: 0.5, State: domain.StateSusceptible},
		{X: 0.20, Y: 0.5, State: domain.StateSusceptible},
	}
	k := newKernel(t, domain.KernelParams{
		ContactRadius:        0.06,
		InfectionProbability: 1,
		RecoveryProbability:  0,
	}, 3, 1)

	k.Step(agents)
	assert.Equal(t, domain.StateInfected, agents[1].State)
	assert.Equal(t, domain.StateSusceptible, agents[2].State)

	k.Step(agents)
	assert.Equal(t, domain.StateInfected, agents[2].State)
}

func TestStepZeroRadiusNeverInfects(t *testing.T) {
	agents := []domain.Agent{
		{X: 0.3, Y: 0.3, State: domain.StateInfected},
		{X: 0.3, Y: 0.3, State: domain.StateSusceptible},
	}
	k := newKernel(t, domain.KernelParams{InfectionProbability: 1}, 1, 1)
	tr := k.Step(agents)
	assert.Zero(t, tr.Infections)
	assert.Equal(t, domain.StateSusceptible, agents[1].State)
}

func TestStepEmptyShard(t *testing.T) {
	k := newKernel(t, domain.KernelParams{ContactRadius: 0.1, InfectionProbability: 1, RecoveryProbability: 1}, 4, 1)
	assert.Equal(t, domain.Transitions{}, k.Step(nil))
}

func TestStepMonotonicAndConserving(t *testing.T) {
	params := domain.KernelParams{ContactRadius: 0.08, InfectionProbability: 0.3, RecoveryProbability: 0.1}
	agents, err := population.Initialize(600, 0.05, 11)
	require.NoError(t, err)
	k := newKernel(t, params, 8, 11)

	prev := make([]domain.State, len(agents))
	for step := 0; step < 40; step++ {
		for i := range agents {
			prev[i] = agents[i].State
		}
		xs := make([]float64, len(agents))
		for i := range agents {
			xs[i] = agents[i].X
		}

		k.Step(agents)

		require.Equal(t, len(agents), stats.Count(agents).Total())
		for i := range agents {
			require.Truef(t, prev[i].CanBecome(agents[i].State),
				"agent %d moved %s -> %s at step %d", i, prev[i], agents[i].State, step)
			require.Equal(t, xs[i], agents[i].X, "positions are immutable")
		}
	}
}

func TestStepNoInfectionWhenBetaZero(t *testing.T) {
	agents, err := population.Initialize(400, 0.3, 5)
	require.NoError(t, err)
	k := newKernel(t, domain.KernelParams{ContactRadius: 1, InfectionProbability: 0, RecoveryProbability: 0.2}, 3, 5)

	last := stats.Count(agents).Infected
	for step := 0; step < 20; step++ {
		k.Step(agents)
		c := stats.Count(agents)
		assert.LessOrEqual(t, c.Infected, last)
		last = c.Infected
	}
}

func TestStepNoRecoveryWhenGammaZero(t *testing.T) {
	agents, err := population.Initialize(400, 0.1, 5)
	require.NoError(t, err)
	k := newKernel(t, domain.KernelParams{ContactRadius: 0.1, InfectionProbability: 0.5, RecoveryProbability: 0}, 3, 5)

	for step := 0; step < 20; step++ {
		tr := k.Step(agents)
		assert.Zero(t, tr.Recoveries)
		assert.Zero(t, stats.Count(agents).Recovered)
	}
}

func TestStepDeterministicForSeed(t *testing.T) {
	params := domain.KernelParams{ContactRadius: 0.05, InfectionProbability: 0.4, RecoveryProbability: 0.1}
	run := func() []domain.Counts {
		agents, err := population.Initialize(800, 0.05, 21)
		require.NoError(t, err)
		k := newKernel(t, params, 6, 21)
		var history []domain.Counts
		for step := 0; step < 25; step++ {
			k.Step(agents)
			history = append(history, stats.Count(agents))
		}
		return history
	}
	assert.Equal(t, run(), run())
}

func TestNewRejectsInvalidParams(t *testing.T) {
	_, err := New(domain.KernelParams{InfectionProbability: 2}, 1, 1, 0)
	assert.Error(t, err)
	_, err = New(domain.KernelParams{ContactRadius: -1}, 1, 1, 0)
	assert.Error(t, err)
	_, err = New(domain.KernelParams{}, 0, 1, 0)
	assert.Error(t, err)
}

func BenchmarkStep(b *testing.B) {
	agents, err := population.Initialize(4000, 0.1, 1)
	require.NoError(b, err)
	k, err := New(domain.KernelParams{ContactRadius: 0.02, InfectionProbability: 0.3, RecoveryProbability: 0.1}, 8, 1, Stream(0))
	require.NoError(b, err)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k.Step(agents)
	}
}
