package streamcapture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func evenlySpaced(n int, interval time.Duration) []time.Time {
	start := time.Unix(1_700_000_000, 0)
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

func TestCalculateFPSStats_Empty(t *testing.T) {
	stats := CalculateFPSStats(nil, time.Second)

	assert.Equal(t, 0, stats.FramesReceived)
	assert.False(t, stats.IsStable)
}

func TestCalculateFPSStats_SteadyStream(t *testing.T) {
	times := evenlySpaced(30, 100*time.Millisecond)

	stats := CalculateFPSStats(times, 3*time.Second)

	assert.InDelta(t, 10.0, stats.FPSMean, 0.001)
	assert.InDelta(t, 10.0, stats.FPSMin, 0.001)
	assert.InDelta(t, 10.0, stats.FPSMax, 0.001)
	assert.InDelta(t, 0.0, stats.JitterMean, 0.0001)
	assert.True(t, stats.IsStable)
}

func TestCalculateFPSStats_BurstyStreamIsUnstable(t *testing.T) {
	times := evenlySpaced(10, 100*time.Millisecond)
	// one frame arrives right after its predecessor
	times[5] = times[4].Add(5 * time.Millisecond)

	stats := CalculateFPSStats(times, time.Second)

	assert.Greater(t, stats.FPSMax, 100.0)
	assert.False(t, stats.IsStable)
}

func TestFPSWindow_Bounded(t *testing.T) {
	var w fpsWindow
	for _, ts := range evenlySpaced(fpsWindowSize*3, 50*time.Millisecond) {
		w.add(ts)
	}

	stats := w.stats()
	assert.Equal(t, fpsWindowSize, stats.FramesReceived)
	assert.InDelta(t, 20.0, stats.FPSMean, 0.01)

	w.reset()
	assert.Equal(t, 0, w.stats().FramesReceived)
}

func TestCalculateFPSStats_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 200).Draw(t, "frames")
		intervals := rapid.SliceOfN(rapid.IntRange(1, 500), n-1, n-1).Draw(t, "intervals_ms")

		times := make([]time.Time, n)
		times[0] = time.Unix(0, 0)
		var total time.Duration
		for i, ms := range intervals {
			d := time.Duration(ms) * time.Millisecond
			total += d
			times[i+1] = times[i].Add(d)
		}

		stats := CalculateFPSStats(times, total)

		if stats.FPSMin > stats.FPSMax {
			t.Fatalf("min %f > max %f", stats.FPSMin, stats.FPSMax)
		}
		if stats.JitterMean > stats.JitterMax+1e-9 {
			t.Fatalf("jitter mean %f > max %f", stats.JitterMean, stats.JitterMax)
		}
		if stats.FPSStdDev < 0 || stats.JitterStdDev < 0 {
			t.Fatalf("negative deviation: %+v", stats)
		}
	})
}
