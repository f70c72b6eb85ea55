package service

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// processingWindow is how many recent inference durations feed the FPS and
// latency figures.
const processingWindow = 100

// PerformanceStats is a snapshot of frame loop counters.
type PerformanceStats struct {
	RuntimeSeconds  float64 `json:"runtime_seconds"`
	TotalFrames     uint64  `json:"total_frames_received"`
	ProcessedFrames uint64  `json:"frames_processed"`
	SkippedFrames   uint64  `json:"frames_skipped"`
	ErrorCount      uint64  `json:"error_count"`
	SuccessRate     float64 `json:"success_rate_percent"`
	ProcessingFPS   float64 `json:"processing_fps"`
	TargetFPS       float64 `json:"target_fps"`
	AvgProcessingMS float64 `json:"avg_processing_time_ms"`
	MinProcessingMS float64 `json:"min_processing_time_ms"`
	MaxProcessingMS float64 `json:"max_processing_time_ms"`
	QueueSize       int     `json:"results_queue_size"`
	QueueMaxSize    int     `json:"results_queue_max_size"`
	DroppedResults  uint64  `json:"results_dropped"`
}

type counters struct {
	total     atomic.Uint64
	processed atomic.Uint64
	skipped   atomic.Uint64
	errors    atomic.Uint64
	startedAt atomic.Int64 // unix nanos, 0 = never started

	mu     sync.Mutex
	window []time.Duration // ring of the last processingWindow durations
	next   int
}

func (c *counters) reset(now time.Time) {
	c.total.Store(0)
	c.processed.Store(0)
	c.skipped.Store(0)
	c.errors.Store(0)
	c.startedAt.Store(now.UnixNano())

	c.mu.Lock()
	c.window = c.window[:0]
	c.next = 0
	c.mu.Unlock()
}

func (c *counters) record(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.window) < processingWindow {
		c.window = append(c.window, d)
		return
	}
	c.window[c.next] = d
	c.next = (c.next + 1) % processingWindow
}

func (c *counters) runtime(now time.Time) time.Duration {
	started := c.startedAt.Load()
	if started == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, started))
}

// durations returns fps (1/mean, needs at least two samples) and
// avg/min/max in milliseconds.
func (c *counters) durations() (fps, avg, lo, hi float64) {
	c.mu.Lock()
	window := slices.Clone(c.window)
	c.mu.Unlock()

	if len(window) == 0 {
		return 0, 0, 0, 0
	}

	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	mean := sum / time.Duration(len(window))

	if len(window) > 1 && mean > 0 {
		fps = 1 / mean.Seconds()
	}
	return fps, ms(mean), ms(slices.Min(window)), ms(slices.Max(window))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
