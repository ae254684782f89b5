// Package queue provides a small FIFO work queue with a Redis list
// implementation for production and a channel-backed one for tests and
// single-process development.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Pop when nothing arrived before the timeout.
	ErrEmpty = errors.New("queue: empty")
	// ErrFull is returned by the in-memory queue when its buffer is exhausted.
	ErrFull = errors.New("queue: full")
)

// Queue is a FIFO of opaque payloads.
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is a bounded in-process Queue.
type MemoryQueue struct {
	ch chan []byte
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan []byte, size)}
}

func (q *MemoryQueue) Push(_ context.Context, payload []byte) error {
	select {
	case q.ch <- payload:
		return nil
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-q.ch:
		return p, nil
	case <-timer.C:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}
