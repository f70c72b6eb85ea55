// Package scheduler assigns inference work to accelerator devices.
//
// Two policies are available. RoundRobin maps a stream id to a fixed device
// (streamID mod n). LeastLoaded picks the device with the lowest cumulative
// inference count, ties going to the lowest id. Every device has an exclusive
// lock: at most one inference runs on a device at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// ErrUnknownDevice is returned by WithDevice for an id not in the set.
var ErrUnknownDevice = errors.New("scheduler: unknown device")

// Policy selects how devices are chosen.
type Policy int

const (
	RoundRobin Policy = iota
	LeastLoaded
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round_robin"
	case LeastLoaded:
		return "least_loaded"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Device is one accelerator in the set.
type Device struct {
	ID          int
	MemoryBytes uint64
}

type deviceSlot struct {
	Device
	lock  chan struct{} // buffered(1): holding the token means owning the device
	count atomic.Uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	policy  Policy
	devices []*deviceSlot // ascending id
	byID    map[int]*deviceSlot

	// selectMu makes least-loaded selection plus reservation atomic.
	selectMu sync.Mutex
	pending  map[int]int
}

// New builds a scheduler over devices. Duplicate ids are collapsed.
func New(devices []Device, policy Policy) (*Scheduler, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("scheduler: empty device set: %w", detection.ErrResourceExhausted)
	}

	s := &Scheduler{
		policy:  policy,
		byID:    make(map[int]*deviceSlot, len(devices)),
		pending: make(map[int]int, len(devices)),
	}
	for _, d := range devices {
		if _, dup := s.byID[d.ID]; dup {
			continue
		}
		slot := &deviceSlot{Device: d, lock: make(chan struct{}, 1)}
		s.byID[d.ID] = slot
		s.devices = append(s.devices, slot)
	}
	slices.SortFunc(s.devices, func(a, b *deviceSlot) int { return a.ID - b.ID })
	return s, nil
}

// Policy returns the selection policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Devices returns the device ids in ascending order.
func (s *Scheduler) Devices() []int {
	ids := make([]int, len(s.devices))
	for i, d := range s.devices {
		ids[i] = d.ID
	}
	return ids
}

// Select returns the device for streamID under the scheduler's policy.
// It does not reserve the device.
func (s *Scheduler) Select(streamID int) int {
	if len(s.devices) == 1 {
		return s.devices[0].ID
	}
	if s.policy == LeastLoaded {
		s.selectMu.Lock()
		defer s.selectMu.Unlock()
		return s.leastLoadedLocked().ID
	}
	return s.roundRobin(streamID).ID
}

func (s *Scheduler) roundRobin(streamID int) *deviceSlot {
	n := len(s.devices)
	idx := streamID % n
	if idx < 0 {
		idx += n
	}
	return s.devices[idx]
}

// leastLoadedLocked counts in-flight reservations as load so concurrent
// dispatches spread out before their counters are bumped.
func (s *Scheduler) leastLoadedLocked() *deviceSlot {
	best := s.devices[0]
	bestLoad := best.count.Load() + uint64(s.pending[best.ID])
	for _, d := range s.devices[1:] {
		load := d.count.Load() + uint64(s.pending[d.ID])
		if load < bestLoad {
			best, bestLoad = d, load
		}
	}
	return best
}

// WithDevice runs fn while holding the exclusive lock of device id. The
// device counter is incremented after fn returns nil. If the lock cannot be
// acquired before ctx ends, fn is not run and ctx.Err() is returned.
func (s *Scheduler) WithDevice(ctx context.Context, id int, fn func() error) error {
	slot, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}

	select {
	case slot.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := fn()
	<-slot.lock

	if err == nil {
		slot.count.Add(1)
	}
	return err
}

// Dispatch selects a device for streamID and runs fn on it under the
// device lock.
func (s *Scheduler) Dispatch(ctx context.Context, streamID int, fn func(deviceID int) error) error {
	if len(s.devices) == 1 || s.policy != LeastLoaded {
		id := s.Select(streamID)
		return s.WithDevice(ctx, id, func() error { return fn(id) })
	}

	s.selectMu.Lock()
	id := s.leastLoadedLocked().ID
	s.pending[id]++
	s.selectMu.Unlock()

	defer func() {
		s.selectMu.Lock()
		s.pending[id]--
		s.selectMu.Unlock()
	}()

	return s.WithDevice(ctx, id, func() error { return fn(id) })
}

// Counts returns the cumulative successful inference count per device.
func (s *Scheduler) Counts() map[int]uint64 {
	out := make(map[int]uint64, len(s.devices))
	for _, d := range s.devices {
		out[d.ID] = d.count.Load()
	}
	return out
}

// Stats returns per-device statistics in ascending id order.
func (s *Scheduler) Stats() []detection.DeviceStats {
	var total uint64
	counts := make([]uint64, len(s.devices))
	for i, d := range s.devices {
		counts[i] = d.count.Load()
		total += counts[i]
	}

	stats := make([]detection.DeviceStats, len(s.devices))
	for i, d := range s.devices {
		var pct float64
		if total > 0 {
			pct = float64(counts[i]) / float64(total) * 100
		}
		stats[i] = detection.DeviceStats{
			ID:          d.ID,
			MemoryBytes: d.MemoryBytes,
			Inferences:  counts[i],
			LoadPercent: pct,
		}
	}
	return stats
}
