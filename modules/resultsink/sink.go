// Package resultsink is a bounded, lossy buffer of detection results.
//
// The sink never blocks its producer: when full, Push evicts the oldest
// buffered result. Consumers either pull one result with a timeout, block with
// Pop, or range over All until the sink is closed and drained. Results are
// consumed: each one is delivered to exactly one consumer.
package resultsink

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// ErrClosed is returned by Pop once the sink is closed and empty.
var ErrClosed = errors.New("resultsink: closed")

// Sink is safe for one producer and many consumers.
type Sink struct {
	mu       sync.Mutex
	buf      []detection.DetectionResult // ring
	head     int
	size     int
	closed   bool
	arrivals chan struct{} // closed and replaced on every Push or Close

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New returns a sink holding at most capacity results. Capacities below 1
// are raised to 1.
func New(capacity int) *Sink {
	if capacity < 1 {
		capacity = 1
	}
	return &Sink{
		buf:      make([]detection.DetectionResult, capacity),
		arrivals: make(chan struct{}),
	}
}

// Push appends r, evicting the oldest result when full. It reports whether a
// result was evicted. Pushing to a closed sink is a no-op.
func (s *Sink) Push(r detection.DetectionResult) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if s.size == len(s.buf) {
		s.buf[s.head] = detection.DetectionResult{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.dropped.Add(1)
		evicted = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = r
	s.size++
	s.pushed.Add(1)
	s.wakeLocked()
	return evicted
}

func (s *Sink) wakeLocked() {
	close(s.arrivals)
	s.arrivals = make(chan struct{})
}

// popLocked removes the oldest result. The second return is false when empty.
func (s *Sink) popLocked() (detection.DetectionResult, bool) {
	if s.size == 0 {
		return detection.DetectionResult{}, false
	}
	r := s.buf[s.head]
	s.buf[s.head] = detection.DetectionResult{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	return r, true
}

// TryPop returns the oldest result without waiting.
func (s *Sink) TryPop() (detection.DetectionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

// PullLatest waits up to timeout for a result and returns the oldest buffered
// one. It returns false when the timeout elapses, ctx ends or the sink is
// closed and empty. A zero timeout does not wait.
func (s *Sink) PullLatest(ctx context.Context, timeout time.Duration) (detection.DetectionResult, bool) {
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()

	for {
		s.mu.Lock()
		if r, ok := s.popLocked(); ok {
			s.mu.Unlock()
			return r, true
		}
		closed, wait := s.closed, s.arrivals
		s.mu.Unlock()

		if closed || timeout <= 0 {
			return detection.DetectionResult{}, false
		}

		select {
		case <-wait:
		case <-timer.C:
			return s.TryPop()
		case <-ctx.Done():
			return detection.DetectionResult{}, false
		}
	}
}

// Pop blocks until a result is available. It returns ErrClosed once the sink
// is closed and drained, or ctx.Err() when ctx ends first.
func (s *Sink) Pop(ctx context.Context) (detection.DetectionResult, error) {
	for {
		s.mu.Lock()
		if r, ok := s.popLocked(); ok {
			s.mu.Unlock()
			return r, nil
		}
		closed, wait := s.closed, s.arrivals
		s.mu.Unlock()

		if closed {
			return detection.DetectionResult{}, ErrClosed
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return detection.DetectionResult{}, ctx.Err()
		}
	}
}

// All yields results in arrival order until the sink is closed and drained
// or ctx ends.
//
// Example:
//
//	for r := range sink.All(ctx) {
//	    fmt.Println(r.FrameID, r.TotalObjects())
//	}
func (s *Sink) All(ctx context.Context) iter.Seq[detection.DetectionResult] {
	return func(yield func(detection.DetectionResult) bool) {
		for {
			r, err := s.Pop(ctx)
			if err != nil {
				return
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Close stops accepting results and wakes all waiting consumers. Buffered
// results remain available. Close is idempotent.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.wakeLocked()
}

// Reset discards buffered results and reopens the sink.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buf)
	s.head, s.size = 0, 0
	s.closed = false
	s.wakeLocked()
}

// Len returns the number of buffered results.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Cap returns the capacity.
func (s *Sink) Cap() int {
	return len(s.buf)
}

// Closed reports whether Close was called since the last Reset.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Dropped returns how many results were evicted since creation.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Pushed returns how many results were accepted since creation.
func (s *Sink) Pushed() uint64 {
	return s.pushed.Load()
}
