package resultbus

import (
	"context"
	"sync"
)

// Receiver is the consuming end of a DropOld subscription.
type Receiver struct {
	mu      sync.Mutex
	env     Envelope
	seq     uint64 // of env; 0 = nothing published yet
	seen    uint64 // last seq handed out by Receive
	closed  bool
	updated chan struct{} // closed and replaced on every set or Close
}

func newReceiver() *Receiver {
	return &Receiver{updated: make(chan struct{})}
}

// set replaces the held envelope and reports whether an unseen one was
// overwritten.
func (r *Receiver) set(env Envelope) (overwrote bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	overwrote = r.seq > r.seen
	r.env = env
	r.seq++
	close(r.updated)
	r.updated = make(chan struct{})
	return overwrote
}

// Receive blocks until an envelope newer than the last one received is
// available. It returns ErrReceiverClosed after Close and ctx.Err() when ctx
// ends first.
func (r *Receiver) Receive(ctx context.Context) (Envelope, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return Envelope{}, ErrReceiverClosed
		}
		if r.seq > r.seen {
			r.seen = r.seq
			env := r.env
			r.mu.Unlock()
			return env, nil
		}
		wait := r.updated
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// TryReceive returns the newest envelope, seen or not, without blocking.
func (r *Receiver) TryReceive() (Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seq == 0 {
		return Envelope{}, false
	}
	return r.env, true
}

// Close wakes blocked Receive calls. Idempotent.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.updated)
	r.updated = make(chan struct{})
}
