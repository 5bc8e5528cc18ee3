// Package kernel advances one shard of agents by a single time step.
//
// Every step works on a snapshot of the states taken when the step starts.
// The outer loop over infected agents is split into fixed contiguous chunks,
// one goroutine and one generator per chunk. Goroutines only append to their
// own mark lists; the marks are applied after all of them have finished.
// For a given seed, stream, thread count and shard the result is therefore
// the same on every run, whatever the goroutine scheduling.
package kernel

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"sirsim/internal/domain"
)

type Kernel struct {
	params   domain.KernelParams
	radiusSq float64
	rngs     []*rand.Rand

	prev       []domain.State
	infections [][]int
	recoveries [][]int
}

// New builds a kernel with threads generators seeded from (seed, stream+t).
func New(params domain.KernelParams, threads int, seed uint64, stream uint64) (*Kernel, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if threads <= 0 {
		return nil, fmt.Errorf("thread count must be > 0, got %d", threads)
	}
	k := &Kernel{
		params:     params,
		radiusSq:   params.ContactRadius * params.ContactRadius,
		rngs:       make([]*rand.Rand, threads),
		infections: make([][]int, threads),
		recoveries: make([][]int, threads),
	}
	for t := range k.rngs {
		k.rngs[t] = rand.New(rand.NewPCG(seed, stream+uint64(t)))
	}
	return k, nil
}

// Stream returns the first generator stream of a worker's kernel. Each
// worker gets its own block of streams so no two threads anywhere in a run
// share one.
func Stream(worker int) uint64 {
	return uint64(worker+1) << 32
}

func (k *Kernel) Threads() int {
	return len(k.rngs)
}

// Step applies one round of infections and recoveries to agents in place.
func (k *Kernel) Step(agents []domain.Agent) domain.Transitions {
	n := len(agents)
	if n == 0 {
		return domain.Transitions{}
	}

	if cap(k.prev) < n {
		k.prev = make([]domain.State, n)
	}
	k.prev = k.prev[:n]
	for i := range agents {
		k.prev[i] = agents[i].State
	}

	threads := len(k.rngs)
	if threads > n {
		threads = n
	}
	chunk := (n + threads - 1) / threads

	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		start := t * chunk
		end := min(start+chunk, n)
		k.infections[t] = k.infections[t][:0]
		k.recoveries[t] = k.recoveries[t][:0]
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(t, start, end int) {
			defer wg.Done()
			k.scan(agents, t, start, end)
		}(t, start, end)
	}
	wg.Wait()

	var out domain.Transitions
	for t := 0; t < threads; t++ {
		for _, j := range k.infections[t] {
			if agents[j].State == domain.StateSusceptible {
				agents[j].State = domain.StateInfected
				out.Infections++
			}
		}
		for _, i := range k.recoveries[t] {
			agents[i].State = domain.StateRecovered
			out.Recoveries++
		}
	}
	return out
}

func (k *Kernel) scan(agents []domain.Agent, t, start, end int) {
	rng := k.rngs[t]
	prev := k.prev
	for i := start; i < end; i++ {
		if prev[i] != domain.StateInfected {
			continue
		}
		xi, yi := agents[i].X, agents[i].Y
		for j := range agents {
			if prev[j] != domain.StateSusceptible {
				continue
			}
			dx := xi - agents[j].X
			dy := yi - agents[j].Y
			if dx*dx+dy*dy < k.radiusSq && rng.Float64() < k.params.InfectionProbability {
				k.infections[t] = append(k.infections[t], j)
			}
		}
		if rng.Float64() < k.params.RecoveryProbability {
			k.recoveries[t] = append(k.recoveries[t], i)
		}
	}
}
