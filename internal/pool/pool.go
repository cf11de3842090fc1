// Package pool runs blocking units of work (disk writes, removals, journal
// inserts) on a bounded set of goroutines so that request handlers only ever
// submit work and wait for its result.
package pool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrCanceled is returned when the caller's context ends before the job
	// was given a worker slot. The job never ran.
	ErrCanceled = errors.New("blocking job canceled before it started")

	// ErrClosed is returned for jobs submitted after Close.
	ErrClosed = errors.New("worker pool closed")
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 16

// Pool bounds the number of concurrently running blocking jobs.
type Pool struct {
	sem  *semaphore.Weighted
	size int64

	mu      sync.RWMutex
	closed  bool
	running sync.WaitGroup

	// OnStart and OnDone, when set, are invoked around every job. They are
	// used to export the in-flight gauge.
	OnStart func()
	OnDone  func()
}

// New returns a pool that runs at most size jobs at once.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Size returns the maximum number of concurrently running jobs.
func (p *Pool) Size() int {
	return int(p.size)
}

// Run submits fn to the pool and waits for its result.
//
// Cancellation of ctx only matters while the job is waiting for a slot. Once
// fn has started it always runs to completion and its result is returned,
// so a caller never observes a half-finished write it does not know about.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return zero, ErrClosed
	}
	p.running.Add(1)
	p.mu.RUnlock()
	defer p.running.Done()

	if err := ctx.Err(); err != nil {
		return zero, errors.Join(ErrCanceled, err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, errors.Join(ErrCanceled, err)
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer p.sem.Release(1)
		val, err := invoke(p, fn)
		done <- result{val: val, err: err}
	}()

	res := <-done
	return res.val, res.err
}

func invoke[T any](p *Pool, fn func() (T, error)) (T, error) {
	if p.OnStart != nil {
		p.OnStart()
	}
	if p.OnDone != nil {
		defer p.OnDone()
	}
	return fn()
}

// Do is Run for jobs that only return an error.
func Do(ctx context.Context, p *Pool, fn func() error) error {
	_, err := Run(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Close stops accepting new jobs and waits for submitted ones to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.running.Wait()
	return nil
}
