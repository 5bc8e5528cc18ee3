package domain

import (
	"fmt"
	"time"
)

type State uint8

const (
	StateSusceptible State = iota
	StateInfected
	StateRecovered
)

func (s State) String() string {
	switch s {
	case StateSusceptible:
		return "susceptible"
	case StateInfected:
		return "infected"
	case StateRecovered:
		return "recovered"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// CanBecome reports whether next is a legal successor of s within one step.
// Staying in the same state is always legal.
func (s State) CanBecome(next State) bool {
	switch {
	case s == next:
		return true
	case s == StateSusceptible && next == StateInfected:
		return true
	case s == StateInfected && next == StateRecovered:
		return true
	default:
		return false
	}
}

// Agent is one individual. X and Y lie in [0,1) and never change once the
// population is initialized.
type Agent struct {
	X     float64
	Y     float64
	State State
}

type Shard struct {
	Worker int
	Offset int
	Agents []Agent
}

func (s Shard) Len() int {
	return len(s.Agents)
}

type Counts struct {
	Susceptible int `json:"susceptible"`
	Infected    int `json:"infected"`
	Recovered   int `json:"recovered"`
}

func (c Counts) Add(o Counts) Counts {
	return Counts{
		Susceptible: c.Susceptible + o.Susceptible,
		Infected:    c.Infected + o.Infected,
		Recovered:   c.Recovered + o.Recovered,
	}
}

func (c Counts) Total() int {
	return c.Susceptible + c.Infected + c.Recovered
}

func (c *Counts) Observe(s State) {
	switch s {
	case StateSusceptible:
		c.Susceptible++
	case StateInfected:
		c.Infected++
	case StateRecovered:
		c.Recovered++
	}
}

type KernelParams struct {
	ContactRadius        float64 `json:"contact_radius"`
	InfectionProbability float64 `json:"infection_probability"`
	RecoveryProbability  float64 `json:"recovery_probability"`
}

func (p KernelParams) Validate() error {
	if p.ContactRadius < 0 {
		return fmt.Errorf("contact radius must be >= 0, got %v", p.ContactRadius)
	}
	if p.InfectionProbability < 0 || p.InfectionProbability > 1 {
		return fmt.Errorf("infection probability must be in [0,1], got %v", p.InfectionProbability)
	}
	if p.RecoveryProbability < 0 || p.RecoveryProbability > 1 {
		return fmt.Errorf("recovery probability must be in [0,1], got %v", p.RecoveryProbability)
	}
	return nil
}

type Transitions struct {
	Infections int `json:"infections"`
	Recoveries int `json:"recoveries"`
}

func (t Transitions) Add(o Transitions) Transitions {
	return Transitions{
		Infections: t.Infections + o.Infections,
		Recoveries: t.Recoveries + o.Recoveries,
	}
}

type StepReport struct {
	RunID string `json:"run_id"`
	Step  int    `json:"step"`
	Counts
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type Run struct {
	ID              string       `json:"id"`
	Seed            uint64       `json:"seed"`
	Population      int          `json:"population"`
	Steps           int          `json:"steps"`
	Workers         int          `json:"workers"`
	Threads         int          `json:"threads"`
	InitialInfected float64      `json:"initial_infected"`
	Params          KernelParams `json:"params"`
	Status          RunStatus    `json:"status"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type RunSummary struct {
	Run         Run         `json:"run"`
	Final       Counts      `json:"final"`
	Transitions Transitions `json:"transitions"`
	Elapsed     time.Duration
}
