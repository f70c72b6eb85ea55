package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detection/detectiontest"
	"github.com/e7canasta/orion-vision/modules/service"
	streamcapture "github.com/e7canasta/orion-vision/modules/stream-capture"
)

func testConfig() service.Config {
	return service.Config{
		ID:          "test",
		DetectorTag: "fake",
		Stream:      detection.StreamDescriptor{URL: "fake://", Protocol: "fake"},
		Processing:  service.Processing{BatchSize: 1, ResultBufferSize: 100},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func waitLoopDone(t *testing.T, svc *service.Service) {
	t.Helper()
	select {
	case <-svc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("frame loop did not finish")
	}
}

func TestFiniteStreamProcessesEveryFrame(t *testing.T) {
	src := detectiontest.NewSource(5)
	svc := service.NewWithComponents(testConfig(), src, &detectiontest.Backend{})

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, service.Running, svc.State())
	waitLoopDone(t, svc)

	stats := svc.PerformanceStats()
	assert.Equal(t, uint64(5), stats.TotalFrames)
	assert.Equal(t, uint64(5), stats.ProcessedFrames)
	assert.Equal(t, uint64(0), stats.ErrorCount)
	assert.Equal(t, 100.0, stats.SuccessRate)

	// end of stream leaves the service running until Stop
	assert.Equal(t, service.Running, svc.State())

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, service.Idle, svc.State())
	assert.False(t, src.Connected())
}

func TestResultsArriveInFrameOrder(t *testing.T) {
	const n = 20
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(n), &detectiontest.Backend{})
	require.NoError(t, svc.Start(context.Background()))
	waitLoopDone(t, svc)
	require.NoError(t, svc.Stop(context.Background()))

	var ids []uint64
	for r := range svc.Results(context.Background()) {
		ids = append(ids, r.FrameID)
	}

	require.Len(t, ids, n)
	for i, id := range ids {
		assert.Equal(t, uint64(i), id)
	}
}

func TestEveryThirdFrameFails(t *testing.T) {
	backend := &detectiontest.Backend{
		Fail: func(f detection.Frame) error {
			if (f.ID+1)%3 == 0 {
				return errors.New("model hiccup")
			}
			return nil
		},
	}

	var hookErrors atomic.Int32
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(9), backend,
		service.WithHooks(service.Hooks{
			OnError: func(string, error) { hookErrors.Add(1) },
		}),
	)
	require.NoError(t, svc.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []uint64
	for r := range svc.Results(ctx) {
		got = append(got, r.FrameID)
		if len(got) == 6 {
			break
		}
	}
	waitLoopDone(t, svc)

	assert.Equal(t, []uint64{0, 1, 3, 4, 6, 7}, got)
	stats := svc.PerformanceStats()
	assert.Equal(t, uint64(3), stats.ErrorCount)
	assert.Equal(t, uint64(6), stats.ProcessedFrames)
	assert.Equal(t, int32(3), hookErrors.Load())
	assert.Equal(t, service.Running, svc.State())

	require.NoError(t, svc.Stop(context.Background()))
}

func TestErrorThresholdMovesToError(t *testing.T) {
	src := detectiontest.NewSource(-1)
	backend := &detectiontest.Backend{Fail: func(detection.Frame) error { return errors.New("broken") }}

	var mu sync.Mutex
	var transitions []service.State
	svc := service.NewWithComponents(testConfig(), src, backend,
		service.WithHooks(service.Hooks{
			OnStatusChange: func(_ string, _, to service.State) {
				mu.Lock()
				transitions = append(transitions, to)
				mu.Unlock()
			},
		}),
	)
	require.NoError(t, svc.Start(context.Background()))

	waitFor(t, func() bool { return svc.State() == service.Error }, "error state")
	waitLoopDone(t, svc)

	reads := src.Reads()
	assert.Equal(t, uint64(10), reads)
	assert.Equal(t, uint64(10), svc.PerformanceStats().ErrorCount)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, reads, src.Reads(), "no frames read after entering error")

	// iterators end once the sink is closed and drained
	for range svc.Results(context.Background()) {
		t.Fatal("no results expected")
	}

	mu.Lock()
	assert.Equal(t, []service.State{service.Starting, service.Running, service.Error}, transitions)
	mu.Unlock()

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, service.Error, svc.State())
	assert.False(t, src.Connected())
}

func TestErrorThresholdCountsNonConsecutiveFailures(t *testing.T) {
	backend := &detectiontest.Backend{Fail: func(f detection.Frame) error {
		if f.ID%2 == 1 {
			return errors.New("flaky")
		}
		return nil
	}}
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(-1), backend,
		service.WithErrorThreshold(3))

	require.NoError(t, svc.Start(context.Background()))
	waitFor(t, func() bool { return svc.State() == service.Error }, "error state")
	waitLoopDone(t, svc)

	stats := svc.PerformanceStats()
	assert.Equal(t, uint64(3), stats.ErrorCount)
	assert.Equal(t, uint64(3), stats.ProcessedFrames)
	require.NoError(t, svc.Stop(context.Background()))
}

func TestRestartFromError(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	backend := &detectiontest.Backend{Fail: func(detection.Frame) error {
		if fail.Load() {
			return errors.New("broken")
		}
		return nil
	}}
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(50), backend,
		service.WithErrorThreshold(2))

	require.NoError(t, svc.Start(context.Background()))
	waitFor(t, func() bool { return svc.State() == service.Error }, "error state")

	fail.Store(false)
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, service.Running, svc.State())
	waitLoopDone(t, svc)
	assert.Equal(t, uint64(0), svc.PerformanceStats().ErrorCount)

	require.NoError(t, svc.Stop(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(-1), &detectiontest.Backend{})

	require.NoError(t, svc.Stop(context.Background()), "stop before start")
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, service.Idle, svc.State())
}

func TestStartWhenRunningIsNoop(t *testing.T) {
	var changes atomic.Int32
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(-1), &detectiontest.Backend{},
		service.WithHooks(service.Hooks{OnStatusChange: func(string, service.State, service.State) { changes.Add(1) }}))

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, int32(2), changes.Load())
	require.NoError(t, svc.Stop(context.Background()))
}

func TestStartFailures(t *testing.T) {
	t.Run("model load", func(t *testing.T) {
		backend := &detectiontest.Backend{LoadErr: errors.New("no weights")}
		svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(1), backend)

		err := svc.Start(context.Background())
		assert.ErrorIs(t, err, detection.ErrModelLoad)
		assert.Equal(t, service.Error, svc.State())
	})

	t.Run("connect", func(t *testing.T) {
		src := detectiontest.NewSource(1)
		src.ConnectErr = &detection.StreamError{URL: "fake://", Timeout: time.Second}
		svc := service.NewWithComponents(testConfig(), src, &detectiontest.Backend{})

		err := svc.Start(context.Background())
		assert.ErrorIs(t, err, detection.ErrConnectionTimeout)
		assert.Equal(t, service.Error, svc.State())
	})
}

func TestSkipFramesCadence(t *testing.T) {
	cfg := testConfig()
	cfg.Processing.SkipFrames = 2
	svc := service.NewWithComponents(cfg, detectiontest.NewSource(9), &detectiontest.Backend{})

	require.NoError(t, svc.Start(context.Background()))
	waitLoopDone(t, svc)
	require.NoError(t, svc.Stop(context.Background()))

	var ids []uint64
	for r := range svc.Results(context.Background()) {
		ids = append(ids, r.FrameID)
	}
	assert.Equal(t, []uint64{2, 5, 8}, ids)

	stats := svc.PerformanceStats()
	assert.Equal(t, uint64(9), stats.TotalFrames)
	assert.Equal(t, uint64(6), stats.SkippedFrames)
}

// failingDriver delivers good frames, then fails every read.
type failingDriver struct {
	mu    sync.Mutex
	good  int
	reads int
}

func (d *failingDriver) Open(context.Context) error { return nil }

func (d *failingDriver) Read(context.Context) (streamcapture.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.reads > d.good {
		return streamcapture.Image{}, errors.New("connection reset by peer")
	}
	return streamcapture.Image{Width: 2, Height: 2, Data: make([]byte, 12)}, nil
}

func (d *failingDriver) Close() error { return nil }
func (d *failingDriver) Info() map[string]any { return nil }

func TestRetriesExhaustedEndsLoopLikeEndOfStream(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.RetryAttempts = 3
	src := streamcapture.NewSource(cfg.Stream, &failingDriver{good: 2},
		streamcapture.WithRetryDelays(time.Millisecond, time.Millisecond))
	svc := service.NewWithComponents(cfg, src, &detectiontest.Backend{})

	require.NoError(t, svc.Start(context.Background()))
	waitLoopDone(t, svc)

	assert.Equal(t, service.Running, svc.State())
	stats := svc.PerformanceStats()
	assert.Equal(t, uint64(2), stats.TotalFrames)
	assert.Equal(t, uint64(2), stats.ProcessedFrames)
	assert.Equal(t, uint64(0), stats.ErrorCount)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, service.Idle, svc.State())
}

func TestMaxFPSThrottles(t *testing.T) {
	cfg := testConfig()
	cfg.Processing.MaxFPS = 50
	svc := service.NewWithComponents(cfg, detectiontest.NewSource(6), &detectiontest.Backend{})

	start := time.Now()
	require.NoError(t, svc.Start(context.Background()))
	waitLoopDone(t, svc)
	elapsed := time.Since(start)
	require.NoError(t, svc.Stop(context.Background()))

	// burst 1 at 50 fps: 5 waits of 20ms after the first frame
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestBatchProcessing(t *testing.T) {
	cfg := testConfig()
	cfg.Processing.BatchSize = 4
	backend := &detectiontest.Backend{Fail: func(f detection.Frame) error {
		if f.ID == 5 {
			return errors.New("bad frame")
		}
		return nil
	}}
	svc := service.NewWithComponents(cfg, detectiontest.NewSource(10), backend)

	require.NoError(t, svc.Start(context.Background()))
	waitLoopDone(t, svc)
	require.NoError(t, svc.Stop(context.Background()))

	stats := svc.PerformanceStats()
	assert.Equal(t, uint64(9), stats.ProcessedFrames)
	assert.Equal(t, uint64(1), stats.ErrorCount)
}

func TestLatestResultTimesOutWhenEmpty(t *testing.T) {
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(0), &detectiontest.Backend{})

	start := time.Now()
	_, ok := svc.LatestResult(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestHookPanicIsRecovered(t *testing.T) {
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(3), &detectiontest.Backend{},
		service.WithHooks(service.Hooks{
			OnDetectionComplete: func(string, detection.DetectionResult) { panic("hook bug") },
		}))

	require.NoError(t, svc.Start(context.Background()))
	waitLoopDone(t, svc)
	assert.Equal(t, uint64(3), svc.PerformanceStats().ProcessedFrames)
	require.NoError(t, svc.Stop(context.Background()))
}

func TestStopDiscardsInFlightInference(t *testing.T) {
	backend := &detectiontest.Backend{Delay: 200 * time.Millisecond}
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(-1), backend)

	require.NoError(t, svc.Start(context.Background()))
	waitFor(t, func() bool { return backend.Calls() > 0 }, "inference to begin")
	require.NoError(t, svc.Stop(context.Background()))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, uint64(0), svc.PerformanceStats().ProcessedFrames)
	assert.Equal(t, 0, svc.PerformanceStats().QueueSize)
}

func TestCleanupUnloadsBackend(t *testing.T) {
	backend := &detectiontest.Backend{}
	svc := service.NewWithComponents(testConfig(), detectiontest.NewSource(-1), backend)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Cleanup(context.Background()))
	assert.False(t, backend.Loaded())
	assert.Equal(t, service.Idle, svc.State())
}

func TestSystemInfo(t *testing.T) {
	cfg := testConfig()
	cfg.Processing.MaxFPS = 15
	svc := service.NewWithComponents(cfg, detectiontest.NewSource(2), &detectiontest.Backend{})
	require.NoError(t, svc.Start(context.Background()))
	waitLoopDone(t, svc)

	info := svc.SystemInfo()
	assert.Equal(t, "test", info.ServiceID)
	assert.True(t, info.Running)
	assert.Equal(t, "fake", info.Detector.ModelType)
	assert.True(t, info.Stream.Connected)
	assert.Equal(t, 15.0, info.Config.MaxFPS)
	assert.Equal(t, uint64(2), info.Statistics.ProcessedFrames)

	require.NoError(t, svc.Stop(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.DetectorTag = ""
	assert.ErrorIs(t, cfg.Validate(), detection.ErrConfiguration)

	cfg = testConfig()
	cfg.Processing.MaxFPS = -1
	assert.ErrorIs(t, cfg.Validate(), detection.ErrConfiguration)
}
