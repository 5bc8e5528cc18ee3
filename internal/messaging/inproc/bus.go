package inproc

import (
	"errors"
	"sync"

	"sirsim/internal/domain"
)

var (
	ErrWorkerNotRegistered = errors.New("worker is not registered in bus")
	ErrWorkerQueueFull     = errors.New("worker queue is full")
)

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Message
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 8
	}
	return &Bus{
		subs:   make(map[string]chan domain.Message),
		buffer: buffer,
	}
}

func (b *Bus) Register(workerID string) <-chan domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[workerID]; ok {
		return ch
	}
	ch := make(chan domain.Message, b.buffer)
	b.subs[workerID] = ch
	return ch
}

func (b *Bus) Unregister(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[workerID]
	if !ok {
		return
	}
	delete(b.subs, workerID)
	close(ch)
}

// Publish holds the read lock while sending so Unregister cannot close the
// channel underneath it.
func (b *Bus) Publish(msg domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[msg.ToWorker]
	if !ok {
		return ErrWorkerNotRegistered
	}

	select {
	case ch <- msg:
		return nil
	default:
		return ErrWorkerQueueFull
	}
}
