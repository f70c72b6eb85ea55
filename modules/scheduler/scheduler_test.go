package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/scheduler"
)

func devices(ids ...int) []scheduler.Device {
	out := make([]scheduler.Device, len(ids))
	for i, id := range ids {
		out[i] = scheduler.Device{ID: id}
	}
	return out
}

func TestNewEmptyDeviceSet(t *testing.T) {
	_, err := scheduler.New(nil, scheduler.RoundRobin)
	assert.ErrorIs(t, err, detection.ErrResourceExhausted)
}

func TestDevicesSortedAscending(t *testing.T) {
	s, err := scheduler.New(devices(3, 1, 2, 1), scheduler.RoundRobin)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, s.Devices())
}

func TestRoundRobinMapsStreamToDevice(t *testing.T) {
	s, err := scheduler.New(devices(0, 1, 2), scheduler.RoundRobin)
	require.NoError(t, err)

	for stream, want := range map[int]int{0: 0, 1: 1, 2: 2, 3: 0, 7: 1, -1: 2} {
		assert.Equal(t, want, s.Select(stream), "stream %d", stream)
	}
}

func TestSingleDeviceAlwaysChosen(t *testing.T) {
	for _, policy := range []scheduler.Policy{scheduler.RoundRobin, scheduler.LeastLoaded} {
		s, err := scheduler.New(devices(5), policy)
		require.NoError(t, err)
		for stream := 0; stream < 10; stream++ {
			assert.Equal(t, 5, s.Select(stream))
		}
	}
}

func TestLeastLoadedTiesGoToLowestID(t *testing.T) {
	s, err := scheduler.New(devices(2, 0, 1), scheduler.LeastLoaded)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Select(99))

	require.NoError(t, s.WithDevice(context.Background(), 0, func() error { return nil }))
	assert.Equal(t, 1, s.Select(99))
}

func TestFailedWorkDoesNotCount(t *testing.T) {
	s, err := scheduler.New(devices(0), scheduler.LeastLoaded)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Dispatch(context.Background(), 0, func(int) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), s.Counts()[0])

	require.NoError(t, s.Dispatch(context.Background(), 0, func(int) error { return nil }))
	assert.Equal(t, uint64(1), s.Counts()[0])
}

func TestUnknownDevice(t *testing.T) {
	s, err := scheduler.New(devices(0), scheduler.RoundRobin)
	require.NoError(t, err)

	err = s.WithDevice(context.Background(), 4, func() error { return nil })
	assert.ErrorIs(t, err, scheduler.ErrUnknownDevice)
}

func TestDeviceLockIsExclusive(t *testing.T) {
	s, err := scheduler.New(devices(0), scheduler.RoundRobin)
	require.NoError(t, err)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithDevice(context.Background(), 0, func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, uint64(8), s.Counts()[0])
}

func TestAcquireHonoursContext(t *testing.T) {
	s, err := scheduler.New(devices(0), scheduler.RoundRobin)
	require.NoError(t, err)

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.WithDevice(context.Background(), 0, func() error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err = s.WithDevice(ctx, 0, func() error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)

	close(hold)
}

func TestStatsLoadPercentage(t *testing.T) {
	s, err := scheduler.New(devices(0, 1), scheduler.RoundRobin)
	require.NoError(t, err)

	ctx := context.Background()
	for stream := 0; stream < 4; stream++ {
		require.NoError(t, s.Dispatch(ctx, 0, func(int) error { return nil }))
	}

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 100.0, stats[0].LoadPercent)
	assert.Equal(t, 0.0, stats[1].LoadPercent)
	assert.Equal(t, uint64(4), stats[0].Inferences)
}

func TestLeastLoadedBalanceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 8).Draw(t, "devices")
		m := rapid.IntRange(0, 200).Draw(t, "dispatches")

		ids := make([]int, k)
		for i := range ids {
			ids[i] = i * 2
		}
		s, err := scheduler.New(devices(ids...), scheduler.LeastLoaded)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		ctx := context.Background()
		for i := 0; i < m; i++ {
			stream := rapid.IntRange(0, 100).Draw(t, "stream")
			if err := s.Dispatch(ctx, stream, func(int) error { return nil }); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
		}

		var lo, hi uint64
		first := true
		for _, c := range s.Counts() {
			if first || c < lo {
				lo = c
			}
			if first || c > hi {
				hi = c
			}
			first = false
		}
		if hi-lo > 1 {
			t.Fatalf("unbalanced: max=%d min=%d counts=%v", hi, lo, s.Counts())
		}
	})
}
