package population

import (
	"errors"
	"fmt"
	"strings"

	"sirsim/internal/domain"
)

var ErrUnevenPartition = errors.New("population size is not divisible by worker count")

type RemainderPolicy string

const (
	// RemainderFirst gives every leftover agent to worker 0.
	RemainderFirst RemainderPolicy = "first"
	// RemainderSpread gives one leftover agent to each of the first N mod W workers.
	RemainderSpread RemainderPolicy = "spread"
	// RemainderReject refuses populations that do not divide evenly.
	RemainderReject RemainderPolicy = "reject"
)

func ParseRemainderPolicy(raw string) (RemainderPolicy, error) {
	switch p := RemainderPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return RemainderFirst, nil
	case RemainderFirst, RemainderSpread, RemainderReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown remainder policy %q (want first, spread or reject)", raw)
	}
}

// Range is the half-open index interval [Start, End) owned by one worker.
type Range struct {
	Worker int
	Start  int
	End    int
}

func (r Range) Len() int {
	return r.End - r.Start
}

// Partition splits n agents into workers contiguous ranges that cover every
// index exactly once, in order.
func Partition(n, workers int, policy RemainderPolicy) ([]Range, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("worker count must be > 0, got %d", workers)
	}
	if n < workers {
		return nil, fmt.Errorf("population size %d is smaller than worker count %d", n, workers)
	}

	base := n / workers
	rem := n % workers
	if rem != 0 && policy == RemainderReject {
		return nil, fmt.Errorf("%w: %d agents over %d workers leaves %d", ErrUnevenPartition, n, workers, rem)
	}

	ranges := make([]Range, workers)
	start := 0
	for w := 0; w < workers; w++ {
		size := base
		switch policy {
		case RemainderSpread:
			if w < rem {
				size++
			}
		case RemainderReject:
		default:
			if w == 0 {
				size += rem
			}
		}
		ranges[w] = Range{Worker: w, Start: start, End: start + size}
		start += size
	}
	return ranges, nil
}

// Split cuts pop along ranges. The shards alias pop's backing array, so the
// caller hands ownership of each slice to its worker and must stop using
// pop afterwards.
func Split(pop []domain.Agent, ranges []Range) []domain.Shard {
	shards := make([]domain.Shard, len(ranges))
	for i, r := range ranges {
		shards[i] = domain.Shard{
			Worker: r.Worker,
			Offset: r.Start,
			Agents: pop[r.Start:r.End:r.End],
		}
	}
	return shards
}
