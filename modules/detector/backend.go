package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/scheduler"
)

// timingWindowSize is how many inference durations feed the average.
const timingWindowSize = 100

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithWarmup sets how many blank inferences run on every device after load.
// Zero disables warmup.
func WithWarmup(n int) Option {
	return func(b *Backend) {
		if n >= 0 {
			b.warmup = n
		}
	}
}

// WithProcessors appends post-processing stages.
func WithProcessors(p ...Processor) Option {
	return func(b *Backend) {
		b.processors = append(b.processors, p...)
	}
}

func withModelType(name string) Option {
	return func(b *Backend) {
		b.modelType = name
	}
}

func withInfo(extra map[string]any) Option {
	return func(b *Backend) {
		maps.Copy(b.extra, extra)
	}
}

// Backend is a DetectorBackend that runs one Engine per device and spreads
// inference across them with a scheduler.
//
// Load tolerates partial device failure: devices whose engine fails to load
// are skipped, and Load fails only when none loaded. DetectOne and
// DetectBatch are safe for concurrent use; Unload waits for in-flight
// inferences.
type Backend struct {
	modelType  string
	cfg        detection.ModelConfig
	loader     EngineLoader
	processors []Processor
	warmup     int
	logger     *slog.Logger
	extra      map[string]any

	mu      sync.RWMutex
	engines map[int]Engine
	names   map[int]string
	sched   *scheduler.Scheduler
	loaded  bool

	detections atomic.Uint64
	timings    timingWindow
}

var _ detection.DetectorBackend = (*Backend)(nil)

// NewBackend returns an unloaded backend. cfg is defaulted.
func NewBackend(cfg detection.ModelConfig, loader EngineLoader, opts ...Option) *Backend {
	b := &Backend{
		modelType: "YOLOv11",
		cfg:       cfg.WithDefaults(),
		loader:    loader,
		warmup:    detection.DefaultWarmupInference,
		logger:    slog.Default(),
		extra:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Backend) Config() detection.ModelConfig {
	return b.cfg
}

// Load creates an engine on every configured device and warms it up.
// Calling Load on a loaded backend is a no-op.
func (b *Backend) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		return nil
	}

	devices := devicesFor(b.cfg)
	engines := make(map[int]Engine, len(devices))
	names := make(map[int]string, len(devices))
	slots := make([]scheduler.Device, 0, len(devices))

	var lastErr error
	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			closeEngines(engines)
			return &detection.ModelLoadError{Model: b.describe(), Err: err}
		}

		eng, err := b.loader(ctx, b.cfg, dev)
		if err != nil {
			lastErr = err
			b.logger.Warn("detector: device failed to load, skipping",
				"model", b.describe(),
				"device", dev.Name,
				"error", err,
			)
			continue
		}
		engines[dev.ID] = eng
		names[dev.ID] = dev.Name
		slots = append(slots, scheduler.Device{ID: dev.ID})
	}

	if len(engines) == 0 {
		err := lastErr
		if len(devices) > 1 {
			err = fmt.Errorf("%w: all %d devices failed: %w", detection.ErrResourceExhausted, len(devices), lastErr)
		}
		return &detection.ModelLoadError{Model: b.describe(), Err: err}
	}

	policy := scheduler.RoundRobin
	if b.cfg.Balanced() {
		policy = scheduler.LeastLoaded
	}
	sched, err := scheduler.New(slots, policy)
	if err != nil {
		closeEngines(engines)
		return &detection.ModelLoadError{Model: b.describe(), Err: err}
	}

	b.warmupEngines(ctx, engines)

	b.engines = engines
	b.names = names
	b.sched = sched
	b.loaded = true

	b.logger.Info("detector: model loaded",
		"model", b.describe(),
		"devices", sched.Devices(),
		"requested_devices", len(devices),
		"policy", policy.String(),
	)
	return nil
}

// warmupEngines runs blank inferences; their errors are ignored.
func (b *Backend) warmupEngines(ctx context.Context, engines map[int]Engine) {
	if b.warmup == 0 {
		return
	}
	size := b.cfg.InputSize
	blank := detection.Frame{
		Width:     size,
		Height:    size,
		Data:      make([]byte, size*size*3),
		Timestamp: time.Now(),
	}
	for id, eng := range engines {
		for range b.warmup {
			if _, err := eng.Infer(ctx, blank); err != nil {
				b.logger.Debug("detector: warmup inference failed", "device", id, "error", err)
			}
		}
	}
}

// Unload closes every engine. Safe when not loaded.
func (b *Backend) Unload() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded {
		return nil
	}
	err := closeEngines(b.engines)
	b.engines = nil
	b.names = nil
	b.loaded = false

	b.logger.Info("detector: model unloaded", "model", b.describe())
	return err
}

func closeEngines(engines map[int]Engine) error {
	var errs []error
	for _, eng := range engines {
		if err := eng.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

// DetectOne runs inference for frame on the device the scheduler picks for
// frame.StreamID.
func (b *Backend) DetectOne(ctx context.Context, frame detection.Frame) (detection.DetectionResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.detectLocked(ctx, frame, frame.StreamID)
}

func (b *Backend) detectLocked(ctx context.Context, frame detection.Frame, key int) (detection.DetectionResult, error) {
	if !b.loaded {
		return detection.DetectionResult{}, &detection.InferenceError{FrameID: frame.ID, Err: detection.ErrNotLoaded}
	}

	start := time.Now()
	var (
		raw    []detection.Detection
		device int
	)
	err := b.sched.Dispatch(ctx, key, func(id int) error {
		device = id
		var err error
		raw, err = b.engines[id].Infer(ctx, frame)
		return err
	})
	if err != nil {
		return detection.DetectionResult{}, &detection.InferenceError{FrameID: frame.ID, Err: err}
	}

	dets := postProcess(b.cfg, raw, b.processors)
	elapsed := time.Since(start)
	b.timings.add(elapsed)
	b.detections.Add(uint64(len(dets)))

	result := detection.DetectionResult{
		FrameID:          frame.ID,
		Timestamp:        frame.Timestamp,
		Detections:       dets,
		FrameWidth:       frame.Width,
		FrameHeight:      frame.Height,
		ProcessingTimeMS: float64(elapsed.Microseconds()) / 1000,
		ModelInfo: map[string]any{
			"model_type": b.modelType,
			"variant":    b.cfg.Variant,
			"device":     b.names[device],
			"device_id":  device,
		},
	}
	for _, p := range b.processors {
		if a, ok := p.(Annotator); ok {
			a.Annotate(&result)
		}
	}
	return result, nil
}

// DetectBatch runs every frame concurrently, at most MaxWorkers at a time.
// Items are spread across devices by position. A failed item yields an empty
// result carrying ModelInfo["error"].
func (b *Backend) DetectBatch(ctx context.Context, frames []detection.Frame) ([]detection.DetectionResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.loaded {
		return nil, detection.ErrNotLoaded
	}

	results := make([]detection.DetectionResult, len(frames))
	var g errgroup.Group
	g.SetLimit(b.cfg.MaxWorkers)

	for i, frame := range frames {
		g.Go(func() error {
			r, err := b.detectLocked(ctx, frame, i)
			if err != nil {
				b.logger.Warn("detector: batch item failed",
					"frame_id", frame.ID,
					"index", i,
					"error", err,
				)
				r = failedResult(frame, err)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func failedResult(frame detection.Frame, err error) detection.DetectionResult {
	return detection.DetectionResult{
		FrameID:     frame.ID,
		Timestamp:   frame.Timestamp,
		Detections:  []detection.Detection{},
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		ModelInfo:   map[string]any{"error": err.Error()},
	}
}

func (b *Backend) ModelInfo() detection.ModelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := detection.ModelInfo{
		ModelType:      b.modelType,
		Variant:        b.cfg.Variant,
		Loaded:         b.loaded,
		DetectionCount: b.detections.Load(),
		Device:         b.cfg.Device,
		MultiDevice:    len(b.cfg.Devices) > 0,
		LoadBalancing:  b.cfg.Balanced(),
		AvgInferenceMS: b.timings.averageMS(),
		Config:         b.cfg,
		Extra:          maps.Clone(b.extra),
	}
	if b.sched != nil && b.loaded {
		info.Devices = b.sched.Stats()
	}
	for _, p := range b.processors {
		if r, ok := p.(Reporter); ok {
			maps.Copy(info.Extra, r.Report())
		}
	}
	return info
}

func (b *Backend) describe() string {
	if b.cfg.Variant == "" {
		return b.modelType
	}
	return b.modelType + "/" + b.cfg.Variant
}

// timingWindow keeps the most recent inference durations.
type timingWindow struct {
	mu      sync.Mutex
	samples [timingWindowSize]time.Duration
	n       int
	next    int
}

func (w *timingWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % timingWindowSize
	if w.n < timingWindowSize {
		w.n++
	}
}

func (w *timingWindow) averageMS() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range w.samples[:w.n] {
		sum += d
	}
	return float64(sum.Microseconds()) / 1000 / float64(w.n)
}
