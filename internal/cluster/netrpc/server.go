// Package netrpc serves a worker over net/rpc and lets a coordinator drive
// remote workers as cluster peers.
package netrpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"sync"

	"sirsim/internal/domain"
	"sirsim/internal/worker"
)

const serviceName = "SIRWorker"

// Service is the RPC receiver for one connection. It remembers the run
// assigned through that connection. Method shapes follow net/rpc rules.
type Service struct {
	worker *worker.Worker

	mu    sync.Mutex
	runID string
}

func (s *Service) Assign(req domain.AssignRequest, reply *domain.Ack) error {
	ack, err := s.worker.Assign(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.runID = req.Spec.RunID
	s.mu.Unlock()
	*reply = ack
	return nil
}

func (s *Service) Step(req domain.StepRequest, reply *domain.StepResult) error {
	res, err := s.worker.Step(req)
	if err != nil {
		return err
	}
	*reply = res
	return nil
}

func (s *Service) Gather(req domain.GatherRequest, reply *domain.Shard) error {
	shard, err := s.worker.Gather(req)
	if err != nil {
		return err
	}
	*reply = shard
	return nil
}

func (s *Service) Abort(req domain.AbortRequest, reply *domain.Ack) error {
	*reply = s.worker.Abort(req)
	s.mu.Lock()
	if reply.OK && (req.RunID == "" || req.RunID == s.runID) {
		s.runID = ""
	}
	s.mu.Unlock()
	return nil
}

// release drops the run this connection assigned, if the worker still holds it.
func (s *Service) release(reason string) {
	s.mu.Lock()
	runID := s.runID
	s.runID = ""
	s.mu.Unlock()
	if runID == "" {
		return
	}
	s.worker.Abort(domain.AbortRequest{RunID: runID, Reason: reason})
}

type Server struct {
	worker *worker.Worker
	logger *log.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(w *worker.Worker, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	if _, _, err := newConnServer(w); err != nil {
		return nil, err
	}
	return &Server{
		worker: w,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func newConnServer(w *worker.Worker) (*rpc.Server, *Service, error) {
	svc := &Service{worker: w}
	srv := rpc.NewServer()
	if err := srv.RegisterName(serviceName, svc); err != nil {
		return nil, nil, fmt.Errorf("register rpc service: %w", err)
	}
	return srv, svc, nil
}

// Serve accepts connections on lis until ctx is done. When a connection
// drops, the worker releases the shard assigned through it.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = lis.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Printf("worker listening id=%s addr=%s", s.worker.ID(), lis.Addr())
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		srv, svc, err := newConnServer(s.worker)
		if err != nil {
			_ = conn.Close()
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.logger.Printf("connection opened worker=%s remote=%s", s.worker.ID(), conn.RemoteAddr())
			srv.ServeConn(conn)
			svc.release("coordinator disconnected")
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}
