// Package population seeds the agent set and cuts it into worker shards.
package population

import (
	"fmt"
	"math/rand/v2"

	"sirsim/internal/domain"
)

// InitStream is the PCG stream used by Initialize. Worker kernels use
// streams derived from their worker index, so the two never overlap.
const InitStream uint64 = 0x5349520000000000

// Initialize allocates n agents with uniform positions in [0,1)² and marks
// each one Infected with probability infectedFraction. Nobody starts
// Recovered. The same seed always yields the same population.
func Initialize(n int, infectedFraction float64, seed uint64) ([]domain.Agent, error) {
	if n <= 0 {
		return nil, fmt.Errorf("population size must be > 0, got %d", n)
	}
	if infectedFraction < 0 || infectedFraction > 1 {
		return nil, fmt.Errorf("initial infected fraction must be in [0,1], got %v", infectedFraction)
	}

	rng := rand.New(rand.NewPCG(seed, InitStream))
	agents := make([]domain.Agent, n)
	for i := range agents {
		agents[i].X = rng.Float64()
		agents[i].Y = rng.Float64()
		if rng.Float64() < infectedFraction {
			agents[i].State = domain.StateInfected
		} else {
			agents[i].State = domain.StateSusceptible
		}
	}
	return agents, nil
}
