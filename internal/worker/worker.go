package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"sirsim/internal/domain"
	"sirsim/internal/kernel"
	"sirsim/internal/stats"
)

var (
	ErrNoShard    = errors.New("worker holds no shard")
	ErrWrongRun   = errors.New("request is for a different run")
	ErrStepOrder  = errors.New("step out of order")
	ErrShardTaken = errors.New("worker already holds a shard")
)

type MessageQueue interface {
	Register(workerID string) <-chan domain.Message
	Unregister(workerID string)
}

// Worker owns at most one shard at a time and advances it on request. The
// same Worker serves in-process peers through Serve and remote peers through
// the netrpc service.
type Worker struct {
	id      string
	verbose bool
	logger  *log.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	spec   domain.RunSpec
	shard  domain.Shard
	kernel *kernel.Kernel
	step   int
}

func New(id string, verbose bool, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		id:      id,
		verbose: verbose,
		logger:  logger,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Assign(req domain.AssignRequest) (domain.Ack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session != nil {
		return domain.Ack{}, fmt.Errorf("%w: run=%s", ErrShardTaken, w.session.spec.RunID)
	}
	k, err := kernel.New(req.Spec.Params, req.Spec.Threads, req.Spec.Seed, kernel.Stream(req.Shard.Worker))
	if err != nil {
		return domain.Ack{}, fmt.Errorf("build kernel: %w", err)
	}
	w.session = &session{
		spec:   req.Spec,
		shard:  req.Shard,
		kernel: k,
	}
	w.logger.Printf("shard assigned worker=%s index=%d run=%s offset=%d size=%d threads=%d",
		w.id, req.Shard.Worker, req.Spec.RunID, req.Shard.Offset, req.Shard.Len(), k.Threads())
	return domain.Ack{Worker: req.Shard.Worker, OK: true}, nil
}

func (w *Worker) Step(req domain.StepRequest) (domain.StepResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.current(req.RunID)
	if err != nil {
		return domain.StepResult{}, err
	}
	if req.Step != s.step+1 {
		return domain.StepResult{}, fmt.Errorf("%w: got %d, want %d", ErrStepOrder, req.Step, s.step+1)
	}

	tr := s.kernel.Step(s.shard.Agents)
	s.step = req.Step
	counts := stats.Count(s.shard.Agents)
	if w.verbose {
		w.logger.Printf("step done worker=%s index=%d step=%d infections=%d recoveries=%d s=%d i=%d r=%d",
			w.id, s.shard.Worker, req.Step, tr.Infections, tr.Recoveries,
			counts.Susceptible, counts.Infected, counts.Recovered)
	}
	return domain.StepResult{
		Worker:      s.shard.Worker,
		Step:        req.Step,
		Size:        s.shard.Len(),
		Counts:      counts,
		Transitions: tr,
	}, nil
}

// Gather returns a copy of the shard so the caller's view never aliases
// memory the next step will mutate.
func (w *Worker) Gather(req domain.GatherRequest) (domain.Shard, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.current(req.RunID)
	if err != nil {
		return domain.Shard{}, err
	}
	agents := make([]domain.Agent, len(s.shard.Agents))
	copy(agents, s.shard.Agents)
	return domain.Shard{
		Worker: s.shard.Worker,
		Offset: s.shard.Offset,
		Agents: agents,
	}, nil
}

// Abort drops the shard of the named run. An empty run id drops whatever
// the worker holds.
func (w *Worker) Abort(req domain.AbortRequest) domain.Ack {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session == nil {
		return domain.Ack{OK: true}
	}
	if req.RunID != "" && req.RunID != w.session.spec.RunID {
		return domain.Ack{Worker: w.session.shard.Worker, OK: false}
	}
	index := w.session.shard.Worker
	w.logger.Printf("shard released worker=%s index=%d run=%s reason=%q", w.id, index, w.session.spec.RunID, req.Reason)
	w.session = nil
	return domain.Ack{Worker: index, OK: true}
}

func (w *Worker) current(runID string) (*session, error) {
	if w.session == nil {
		return nil, ErrNoShard
	}
	if w.session.spec.RunID != runID {
		return nil, fmt.Errorf("%w: holding %s, asked for %s", ErrWrongRun, w.session.spec.RunID, runID)
	}
	return w.session, nil
}

// Serve handles bus messages addressed to this worker until ctx is done or
// the inbox is closed.
func (w *Worker) Serve(ctx context.Context, queue MessageQueue) {
	ch := queue.Register(w.id)
	go func() {
		defer queue.Unregister(w.id)
		for {
			select {
			case <-ctx.Done():
				w.Abort(domain.AbortRequest{Reason: "context done"})
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				w.handleMessage(msg)
			}
		}
	}()
}

func (w *Worker) handleMessage(msg domain.Message) {
	reply := domain.Reply{MessageID: msg.ID}
	switch msg.Kind {
	case domain.MessageKindAssign:
		if msg.Assign == nil {
			reply.Err = errors.New("assign message without payload")
			break
		}
		_, reply.Err = w.Assign(*msg.Assign)
	case domain.MessageKindStep:
		if msg.Step == nil {
			reply.Err = errors.New("step message without payload")
			break
		}
		reply.Result, reply.Err = w.Step(*msg.Step)
	case domain.MessageKindGather:
		if msg.Gather == nil {
			reply.Err = errors.New("gather message without payload")
			break
		}
		reply.Shard, reply.Err = w.Gather(*msg.Gather)
	case domain.MessageKindAbort:
		req := domain.AbortRequest{}
		if msg.Abort != nil {
			req = *msg.Abort
		}
		w.Abort(req)
	default:
		reply.Err = fmt.Errorf("unsupported message kind %q", msg.Kind)
	}

	if msg.Reply == nil {
		return
	}
	select {
	case msg.Reply <- reply:
	default:
		w.logger.Printf("reply dropped worker=%s message=%s kind=%s", w.id, msg.ID, msg.Kind)
	}
}
