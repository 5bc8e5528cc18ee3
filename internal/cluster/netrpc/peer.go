package netrpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"

	"sirsim/internal/domain"
)

type Peer struct {
	addr   string
	client *rpc.Client
}

func Dial(ctx context.Context, addr string, timeout time.Duration) (*Peer, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", addr, err)
	}
	return &Peer{addr: addr, client: rpc.NewClient(conn)}, nil
}

// DialAll connects to every address or to none: on the first failure the
// connections already made are closed.
func DialAll(ctx context.Context, addrs []string, timeout time.Duration) ([]*Peer, error) {
	peers := make([]*Peer, 0, len(addrs))
	for _, addr := range addrs {
		p, err := Dial(ctx, addr, timeout)
		if err != nil {
			for _, done := range peers {
				_ = done.Close()
			}
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (p *Peer) ID() string {
	return p.addr
}

func (p *Peer) Assign(ctx context.Context, req domain.AssignRequest) error {
	var ack domain.Ack
	return p.call(ctx, "Assign", req, &ack)
}

func (p *Peer) Step(ctx context.Context, req domain.StepRequest) (domain.StepResult, error) {
	var res domain.StepResult
	if err := p.call(ctx, "Step", req, &res); err != nil {
		return domain.StepResult{}, err
	}
	return res, nil
}

func (p *Peer) Gather(ctx context.Context, req domain.GatherRequest) (domain.Shard, error) {
	var shard domain.Shard
	if err := p.call(ctx, "Gather", req, &shard); err != nil {
		return domain.Shard{}, err
	}
	return shard, nil
}

func (p *Peer) Abort(ctx context.Context, req domain.AbortRequest) error {
	var ack domain.Ack
	return p.call(ctx, "Abort", req, &ack)
}

func (p *Peer) Close() error {
	return p.client.Close()
}

// call issues an asynchronous rpc so a dead or silent worker is abandoned
// as soon as ctx expires instead of blocking the coordinator forever.
func (p *Peer) call(ctx context.Context, method string, args any, reply any) error {
	call := p.client.Go(serviceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", method, p.addr, ctx.Err())
	case done := <-call.Done:
		if done.Error != nil {
			return fmt.Errorf("%s %s: %w", method, p.addr, done.Error)
		}
		return nil
	}
}
