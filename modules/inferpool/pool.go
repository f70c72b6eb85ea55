// Package inferpool bounds how many inferences run at once.
//
// The frame loop of every service hands its DetectOne call to a Pool so that
// slow models never run more than Size inferences in parallel, regardless of
// how many streams are active. Submit blocks until a slot is free, which is
// the back-pressure point: a stream whose inference cannot start simply reads
// fewer frames.
//
// Lifecycle:
//
//	pool := inferpool.New(4)
//	err := pool.Submit(ctx, func() { ... })  // blocks for a slot
//	pool.Wait()                              // drains in-flight tasks
package inferpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("inferpool: pool is closed")

// idleThreshold is how long without a completed task before Stats reports
// the pool as idle.
const idleThreshold = 30 * time.Second

// Stats is a snapshot of pool activity.
type Stats struct {
	Size      int
	Submitted uint64
	Completed uint64
	InFlight  int64
	// Rejected counts Submit calls that gave up waiting for a slot.
	Rejected        uint64
	LastCompletedAt time.Time
	IsIdle          bool
}

// Pool is safe for concurrent use.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	closed atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	inFlight  atomic.Int64
	lastDone  atomic.Int64 // unix nanos
}

// New returns a pool running at most size tasks at once (minimum 1).
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
	p.lastDone.Store(time.Now().UnixNano())
	return p
}

// Size returns the maximum number of concurrent tasks.
func (p *Pool) Size() int {
	return p.size
}

// Submit waits for a free slot, then runs task on its own goroutine and
// returns. It returns ctx.Err() when ctx ends before a slot frees up, and
// ErrClosed after Close.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.rejected.Add(1)
		return err
	}

	p.submitted.Add(1)
	p.inFlight.Add(1)
	p.wg.Add(1)

	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.completed.Add(1)
			p.lastDone.Store(time.Now().UnixNano())
			p.sem.Release(1)
			p.wg.Done()
		}()
		task()
	}()
	return nil
}

// Close rejects further submissions. Running tasks are not interrupted.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns a snapshot (not a live view).
func (p *Pool) Stats() Stats {
	last := time.Unix(0, p.lastDone.Load())
	inFlight := p.inFlight.Load()
	return Stats{
		Size:            p.size,
		Submitted:       p.submitted.Load(),
		Completed:       p.completed.Load(),
		InFlight:        inFlight,
		Rejected:        p.rejected.Load(),
		LastCompletedAt: last,
		IsIdle:          inFlight == 0 && time.Since(last) > idleThreshold,
	}
}
