package resultsink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/resultsink"
)

func result(id uint64) detection.DetectionResult {
	return detection.DetectionResult{FrameID: id}
}

func TestPushEvictsOldest(t *testing.T) {
	s := resultsink.New(3)

	for id := uint64(0); id < 3; id++ {
		assert.False(t, s.Push(result(id)))
	}
	assert.True(t, s.Push(result(3)))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, uint64(1), s.Dropped())

	var got []uint64
	for {
		r, ok := s.TryPop()
		if !ok {
			break
		}
		got = append(got, r.FrameID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestPullLatestEmptyTimesOut(t *testing.T) {
	s := resultsink.New(10)

	start := time.Now()
	_, ok := s.PullLatest(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestPullLatestWakesOnPush(t *testing.T) {
	s := resultsink.New(10)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Push(result(42))
	}()

	r, ok := s.PullLatest(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(42), r.FrameID)
}

func TestPullLatestReturnsHeadAndConsumes(t *testing.T) {
	s := resultsink.New(10)
	s.Push(result(1))
	s.Push(result(2))

	r, ok := s.PullLatest(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), r.FrameID)
	assert.Equal(t, 1, s.Len())
}

func TestAllDrainsAfterClose(t *testing.T) {
	s := resultsink.New(10)
	for id := uint64(0); id < 5; id++ {
		s.Push(result(id))
	}
	s.Close()
	assert.False(t, s.Push(result(99)))

	var got []uint64
	for r := range s.All(context.Background()) {
		got = append(got, r.FrameID)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, got)
}

func TestPopUnblocksOnClose(t *testing.T) {
	s := resultsink.New(1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Pop(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, resultsink.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}
}

func TestPopHonoursContext(t *testing.T) {
	s := resultsink.New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResetReopens(t *testing.T) {
	s := resultsink.New(2)
	s.Push(result(1))
	s.Close()
	s.Reset()

	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Closed())
	s.Push(result(2))
	assert.Equal(t, 1, s.Len())
}

func TestConcurrentConsumersReceiveEachResultOnce(t *testing.T) {
	s := resultsink.New(1000)
	const n = 500

	var mu sync.Mutex
	seen := make(map[uint64]int)

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range s.All(context.Background()) {
				mu.Lock()
				seen[r.FrameID]++
				mu.Unlock()
			}
		}()
	}

	for id := uint64(0); id < n; id++ {
		s.Push(result(id))
	}
	s.Close()
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "frame %d", id)
	}
}

func TestCapacityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		pushes := rapid.IntRange(0, 64).Draw(t, "pushes")

		s := resultsink.New(capacity)
		for id := 0; id < pushes; id++ {
			s.Push(result(uint64(id)))
			if s.Len() > capacity {
				t.Fatalf("len %d exceeds capacity %d", s.Len(), capacity)
			}
		}

		kept := min(pushes, capacity)
		if s.Len() != kept {
			t.Fatalf("len = %d, want %d", s.Len(), kept)
		}
		if got := s.Dropped(); got != uint64(pushes-kept) {
			t.Fatalf("dropped = %d, want %d", got, pushes-kept)
		}

		// the survivors are exactly the newest `kept` results, in order
		for want := pushes - kept; want < pushes; want++ {
			r, ok := s.TryPop()
			if !ok || r.FrameID != uint64(want) {
				t.Fatalf("got (%d, %v), want %d", r.FrameID, ok, want)
			}
		}
	})
}
