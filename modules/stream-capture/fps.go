package streamcapture

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold: a stream is stable if the FPS stddev is below
	// 15% of the mean.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold: and the mean jitter is below 20% of the
	// expected inter-frame interval.
	jitterStabilityThreshold = 0.20

	// fpsWindowSize is how many recent frame timestamps feed StreamInfo.
	fpsWindowSize = 60
)

// FPSStats summarizes frame arrival times.
type FPSStats struct {
	FramesReceived int           `json:"frames_received"`
	Duration       time.Duration `json:"duration"`
	FPSMean        float64       `json:"fps_mean"`
	FPSStdDev      float64       `json:"fps_stddev"`
	FPSMin         float64       `json:"fps_min"`
	FPSMax         float64       `json:"fps_max"`
	JitterMean     float64       `json:"jitter_mean_seconds"`
	JitterStdDev   float64       `json:"jitter_stddev_seconds"`
	JitterMax      float64       `json:"jitter_max_seconds"`
	IsStable       bool          `json:"is_stable"`
}

// CalculateFPSStats computes rate, spread and jitter of frame arrivals over
// totalDuration. Stability requires FPS stddev < 15% of the mean and mean
// jitter < 20% of the expected interval.
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) FPSStats {
	n := len(frameTimes)
	stats := FPSStats{FramesReceived: n, Duration: totalDuration}
	if n == 0 || totalDuration <= 0 {
		return stats
	}

	stats.FPSMean = float64(n) / totalDuration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instantaneous = append(instantaneous, 1/interval)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1 / stats.FPSMean
	jitters := make([]float64, 0, n-1)
	var jitterSum float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}

// fpsWindow keeps the arrival times of the most recent frames.
type fpsWindow struct {
	mu    sync.Mutex
	times []time.Time
	next  int
}

func (w *fpsWindow) add(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.times) < fpsWindowSize {
		w.times = append(w.times, t)
		return
	}
	w.times[w.next] = t
	w.next = (w.next + 1) % fpsWindowSize
}

func (w *fpsWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = w.times[:0]
	w.next = 0
}

// stats orders the ring chronologically and measures it. The duration spans
// first to last arrival plus one mean interval.
func (w *fpsWindow) stats() FPSStats {
	w.mu.Lock()
	ordered := make([]time.Time, 0, len(w.times))
	ordered = append(ordered, w.times[w.next:]...)
	ordered = append(ordered, w.times[:w.next]...)
	w.mu.Unlock()

	if len(ordered) < 2 {
		return FPSStats{FramesReceived: len(ordered)}
	}
	span := ordered[len(ordered)-1].Sub(ordered[0])
	span += span / time.Duration(len(ordered)-1)
	return CalculateFPSStats(ordered, span)
}
