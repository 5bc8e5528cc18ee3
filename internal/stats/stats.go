package stats

import (
	"sync"

	"sirsim/internal/domain"
)

func Count(agents []domain.Agent) domain.Counts {
	var c domain.Counts
	for i := range agents {
		c.Observe(agents[i].State)
	}
	return c
}

// CountParallel counts agents in threads contiguous chunks and reduces the
// partial counts with Counts.Add. The result equals Count for any thread
// count.
func CountParallel(agents []domain.Agent, threads int) domain.Counts {
	n := len(agents)
	if threads <= 1 || n < 2*threads {
		return Count(agents)
	}

	chunk := (n + threads - 1) / threads
	partial := make([]domain.Counts, threads)
	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		start := t * chunk
		end := min(start+chunk, n)
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(t, start, end int) {
			defer wg.Done()
			partial[t] = Count(agents[start:end])
		}(t, start, end)
	}
	wg.Wait()
	return Reduce(partial)
}

func Reduce(parts []domain.Counts) domain.Counts {
	var total domain.Counts
	for _, p := range parts {
		total = total.Add(p)
	}
	return total
}
