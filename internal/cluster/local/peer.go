// Package local runs workers as goroutines in the coordinator's process and
// talks to them through the in-process message bus.
package local

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"sirsim/internal/domain"
	"sirsim/internal/worker"
)

type Bus interface {
	worker.MessageQueue
	Publish(msg domain.Message) error
}

type Peer struct {
	id     string
	bus    Bus
	cancel context.CancelFunc
}

// Start launches one worker goroutine registered on bus under id.
func Start(ctx context.Context, bus Bus, id string, verbose bool, logger *log.Logger) *Peer {
	ctx, cancel := context.WithCancel(ctx)
	w := worker.New(id, verbose, logger)
	w.Serve(ctx, bus)
	return &Peer{id: id, bus: bus, cancel: cancel}
}

// StartN launches n workers named worker-0 .. worker-(n-1).
func StartN(ctx context.Context, bus Bus, n int, verbose bool, logger *log.Logger) []*Peer {
	peers := make([]*Peer, n)
	for i := range peers {
		peers[i] = Start(ctx, bus, fmt.Sprintf("worker-%d", i), verbose, logger)
	}
	return peers
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Assign(ctx context.Context, req domain.AssignRequest) error {
	_, err := p.request(ctx, domain.Message{Kind: domain.MessageKindAssign, Assign: &req})
	return err
}

func (p *Peer) Step(ctx context.Context, req domain.StepRequest) (domain.StepResult, error) {
	reply, err := p.request(ctx, domain.Message{Kind: domain.MessageKindStep, Step: &req})
	if err != nil {
		return domain.StepResult{}, err
	}
	return reply.Result, nil
}

func (p *Peer) Gather(ctx context.Context, req domain.GatherRequest) (domain.Shard, error) {
	reply, err := p.request(ctx, domain.Message{Kind: domain.MessageKindGather, Gather: &req})
	if err != nil {
		return domain.Shard{}, err
	}
	return reply.Shard, nil
}

func (p *Peer) Abort(ctx context.Context, req domain.AbortRequest) error {
	_, err := p.request(ctx, domain.Message{Kind: domain.MessageKindAbort, Abort: &req})
	return err
}

// Close stops the worker goroutine, which releases its shard.
func (p *Peer) Close() error {
	p.cancel()
	return nil
}

func (p *Peer) request(ctx context.Context, msg domain.Message) (domain.Reply, error) {
	replies := make(chan domain.Reply, 1)
	msg.ID = uuid.NewString()
	msg.ToWorker = p.id
	msg.Reply = replies
	if err := p.bus.Publish(msg); err != nil {
		return domain.Reply{}, fmt.Errorf("publish %s: %w", msg.Kind, err)
	}

	select {
	case <-ctx.Done():
		return domain.Reply{}, fmt.Errorf("wait %s reply: %w", msg.Kind, ctx.Err())
	case reply := <-replies:
		if reply.Err != nil {
			return reply, reply.Err
		}
		return reply, nil
	}
}
