// Package workerpool bounds the blocking I/O issued while handling requests.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("workerpool: closed")
	// ErrPanic wraps a panic raised by a task.
	ErrPanic = errors.New("workerpool: task panicked")
)

// Pool runs tasks on at most size concurrent goroutines.
type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool with size slots.
func New(size int64) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(size),
		size: size,
	}
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn on a pool slot and waits for its result. When ctx ends first the
// caller returns ctx.Err() while the task runs to completion and frees its
// slot. fn receives a context that keeps ctx's values but not its cancellation.
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.sem.Release(1)
		return zero, ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	p.inFlight.Add(1)
	done := make(chan result[T], 1)
	taskCtx := context.WithoutCancel(ctx)

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := fn(taskCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// InFlight returns the number of running tasks.
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

// Size returns the number of slots.
func (p *Pool) Size() int64 {
	return p.size
}

// Close rejects new tasks and waits for running ones, or until ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
