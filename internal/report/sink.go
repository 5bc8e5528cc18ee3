package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"sirsim/internal/domain"
	"sirsim/internal/fs"
)

// Sink receives one run: Begin once, Write for every step in order, then
// Finish exactly once whatever happened.
type Sink interface {
	Begin(ctx context.Context, run domain.Run) error
	Write(ctx context.Context, r domain.StepReport) error
	Finish(ctx context.Context, status domain.RunStatus, runErr error) error
}

type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
}

func NewWriterSink(w io.Writer, format Format) *WriterSink {
	return &WriterSink{w: w, format: format}
}

func (s *WriterSink) Begin(context.Context, domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Header(s.w)
}

func (s *WriterSink) Write(_ context.Context, r domain.StepReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Encode(s.w, r)
}

func (s *WriterSink) Finish(context.Context, domain.RunStatus, error) error {
	return nil
}

// FileSink writes through the gateway so the target file only changes when
// the run completes. A failed run leaves its output as <file>.partial.
type FileSink struct {
	gw     *fs.Gateway
	path   string
	format Format
	append bool

	out *fs.Output
}

func NewFileSink(gw *fs.Gateway, path string, format Format, appendMode bool) *FileSink {
	return &FileSink{gw: gw, path: path, format: format, append: appendMode}
}

func (s *FileSink) Begin(context.Context, domain.Run) error {
	withHeader := !s.append || !s.gw.Exists(s.path)
	out, err := s.gw.Create(s.path)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	s.out = out
	if withHeader {
		return s.format.Header(out)
	}
	return nil
}

func (s *FileSink) Write(_ context.Context, r domain.StepReport) error {
	if s.out == nil {
		return fmt.Errorf("report file %s not open", s.path)
	}
	return s.format.Encode(s.out, r)
}

func (s *FileSink) Finish(_ context.Context, status domain.RunStatus, _ error) error {
	if s.out == nil {
		return nil
	}
	out := s.out
	s.out = nil
	if status != domain.RunStatusCompleted {
		return out.Discard()
	}
	if err := out.Commit(s.append); err != nil {
		return fmt.Errorf("commit report file: %w", err)
	}
	return nil
}

type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	AppendStep(ctx context.Context, report domain.StepReport) error
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, lastError string) error
}

type StoreSink struct {
	store RunStore
	runID string
}

func NewStoreSink(store RunStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Begin(ctx context.Context, run domain.Run) error {
	if err := s.store.CreateRun(ctx, run); err != nil {
		return err
	}
	s.runID = run.ID
	return nil
}

func (s *StoreSink) Write(ctx context.Context, r domain.StepReport) error {
	return s.store.AppendStep(ctx, r)
}

func (s *StoreSink) Finish(ctx context.Context, status domain.RunStatus, runErr error) error {
	if s.runID == "" {
		return nil
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.store.FinishRun(ctx, s.runID, status, msg)
}

type multi struct {
	sinks []Sink
}

// Multi fans every call out to sinks in order. Write stops at the first
// failing sink; Finish always reaches all of them.
func Multi(sinks ...Sink) Sink {
	return &multi{sinks: sinks}
}

func (m *multi) Begin(ctx context.Context, run domain.Run) error {
	for _, s := range m.sinks {
		if err := s.Begin(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (m *multi) Write(ctx context.Context, r domain.StepReport) error {
	for _, s := range m.sinks {
		if err := s.Write(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *multi) Finish(ctx context.Context, status domain.RunStatus, runErr error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Finish(ctx, status, runErr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
