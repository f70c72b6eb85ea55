package resultbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-vision/modules/detection"
)

var (
	ErrBusClosed          = errors.New("resultbus: bus is closed")
	ErrSubscriberExists   = errors.New("resultbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("resultbus: subscriber not found")
	ErrNilChannel         = errors.New("resultbus: nil channel provided")
	ErrReceiverClosed     = errors.New("resultbus: receiver is closed")
)

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// Envelope tags a result with the service that produced it.
type Envelope struct {
	ServiceID string
	Result    detection.DetectionResult
}

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Policy  string `json:"policy"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// BusStats is a snapshot of bus activity.
type BusStats struct {
	TotalPublished uint64                     `json:"total_published"`
	TotalSent      uint64                     `json:"total_sent"`
	TotalDropped   uint64                     `json:"total_dropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- Envelope // DropNew
	holder *Receiver       // DropOld
}

// Bus is safe for concurrent use.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished atomic.Uint64
	closed         bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch with the DropNew policy.
func (b *Bus) Subscribe(id string, ch chan<- Envelope) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeDropOld registers a subscriber that only keeps the newest result.
func (b *Bus) SubscribeDropOld(id string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	rx := newReceiver()
	b.subscribers[id] = &subscriber{policy: DropOld, holder: rx}
	return rx, nil
}

// Publish delivers env to every subscriber without blocking.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- env:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.holder.set(env) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Unsubscribe removes a subscriber and closes its receiver, if any.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.holder != nil {
		sub.holder.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of per-subscriber counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{
			Policy:  sub.policy.String(),
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
		stats.TotalSent += s.Sent
		stats.TotalDropped += s.Dropped
		stats.Subscribers[id] = s
	}
	return stats
}

// Close shuts the bus down and wakes every DropOld receiver.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.holder != nil {
			sub.holder.Close()
		}
	}
	b.subscribers = nil
}
