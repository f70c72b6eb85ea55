package service

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/inferpool"
	"github.com/e7canasta/orion-vision/modules/registry"
	"github.com/e7canasta/orion-vision/modules/resultsink"
)

// Service binds one StreamSource to one DetectorBackend and runs the frame
// loop between them.
type Service struct {
	cfg     Config
	source  detection.StreamSource
	backend detection.DetectorBackend
	sink    *resultsink.Sink

	pool           *inferpool.Pool
	metrics        Metrics
	hooks          Hooks
	logger         *slog.Logger
	errorThreshold int

	// lifecycle serializes Start, Stop and Cleanup.
	lifecycle sync.Mutex

	stateMu sync.Mutex
	state   State

	cancel context.CancelFunc
	done   chan struct{}

	stats counters
}

// New builds the backend and source for cfg through reg. Unknown tags and
// undetectable protocols fail here, before anything is loaded or connected.
func New(cfg Config, reg *registry.Registry, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	backend, err := reg.CreateDetector(cfg.DetectorTag, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("service: create detector: %w", err)
	}

	var source detection.StreamSource
	if cfg.Stream.Protocol != "" {
		source, err = reg.CreateSource(cfg.Stream)
	} else {
		source, err = reg.CreateSourceFromURL(cfg.Stream.URL, cfg.Stream)
	}
	if err != nil {
		return nil, fmt.Errorf("service: create source: %w", err)
	}
	if cfg.Stream.Protocol == "" {
		cfg.Stream.Protocol, _ = registry.DetectProtocol(cfg.Stream.URL)
	}

	return NewWithComponents(cfg, source, backend, opts...), nil
}

// NewWithComponents wires an already built source and backend.
func NewWithComponents(cfg Config, source detection.StreamSource, backend detection.DetectorBackend, opts ...Option) *Service {
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:            cfg,
		source:         source,
		backend:        backend,
		sink:           resultsink.New(cfg.Processing.ResultBufferSize),
		metrics:        nopMetrics{},
		logger:         slog.Default(),
		errorThreshold: DefaultErrorThreshold,
		state:          Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = inferpool.New(1)
	}
	s.logger = s.logger.With("service_id", cfg.ID)
	return s
}

// ID returns the service identifier.
func (s *Service) ID() string {
	return s.cfg.ID
}

// Config returns a copy of the service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// transition moves from -> to when the service is currently in from.
func (s *Service) transition(from, to State) bool {
	s.stateMu.Lock()
	if s.state != from || !canTransition(from, to) {
		s.stateMu.Unlock()
		return false
	}
	s.state = to
	s.stateMu.Unlock()

	s.logger.Info("service: status changed", "from", from.String(), "to", to.String())
	s.metrics.StateChanged(s.cfg.ID, to.String())
	if s.hooks.OnStatusChange != nil {
		s.callHook("on_status_change", func() { s.hooks.OnStatusChange(s.cfg.ID, from, to) })
	}
	return true
}

func (s *Service) callHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("service: hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

// Start loads the detector and connects the stream when needed, then launches
// the frame loop. Starting a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	from := s.State()
	switch from {
	case Running:
		return nil
	case Idle, Error:
	default:
		return fmt.Errorf("service %s: cannot start from %s", s.cfg.ID, from)
	}

	if from == Error {
		s.releaseLoop(ctx)
	}
	s.transition(from, Starting)

	if !s.backend.Loaded() {
		if err := s.backend.Load(ctx); err != nil {
			s.transition(Starting, Error)
			return fmt.Errorf("service %s: load detector: %w", s.cfg.ID, err)
		}
	}

	if !s.source.Connected() {
		if err := s.source.Connect(ctx); err != nil {
			s.transition(Starting, Error)
			return fmt.Errorf("service %s: connect stream: %w", s.cfg.ID, err)
		}
	}

	s.stats.reset(time.Now())
	s.sink.Reset()

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	s.transition(Starting, Running)
	go s.run(loopCtx, done)

	s.logger.Info("service: started",
		"detector", s.cfg.DetectorTag,
		"stream", s.cfg.Stream.URL,
		"max_fps", s.cfg.Processing.MaxFPS,
	)
	return nil
}

// releaseLoop cancels the frame loop and waits for it, bounded by ctx.
func (s *Service) releaseLoop(ctx context.Context) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("service: stop timeout exceeded, frame loop still running")
	}
	s.cancel, s.done = nil, nil
}

// Stop ends the frame loop and disconnects the stream. It is idempotent. A
// service in Error releases its stream connection but stays in Error.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.transition(Running, Stopping) {
		s.releaseLoop(ctx)
		s.disconnect()
		s.sink.Close()
		s.transition(Stopping, Idle)

		ps := s.PerformanceStats()
		s.logger.Info("service: stopped",
			"total_frames", ps.TotalFrames,
			"processed", ps.ProcessedFrames,
			"errors", ps.ErrorCount,
		)
		return nil
	}

	if s.State() == Error {
		s.releaseLoop(ctx)
		s.disconnect()
		s.sink.Close()
	}
	return nil
}

func (s *Service) disconnect() {
	if !s.source.Connected() {
		return
	}
	if err := s.source.Disconnect(); err != nil {
		s.logger.Warn("service: stream disconnect failed", "error", err)
	}
}

// Cleanup stops the service if needed and unloads the detector.
func (s *Service) Cleanup(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.backend.Loaded() {
		if err := s.backend.Unload(); err != nil {
			return fmt.Errorf("service %s: unload detector: %w", s.cfg.ID, err)
		}
	}
	s.logger.Info("service: cleanup completed")
	return nil
}

// Running reports whether the frame loop is active.
func (s *Service) Running() bool {
	return s.State() == Running
}

// Done returns a channel closed when the current frame loop exits, or nil
// when no loop was started.
func (s *Service) Done() <-chan struct{} {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.done
}

// LatestResult waits up to timeout for the next buffered result.
func (s *Service) LatestResult(ctx context.Context, timeout time.Duration) (detection.DetectionResult, bool) {
	return s.sink.PullLatest(ctx, timeout)
}

// Results yields results as they arrive until the service stops or fails
// and the buffer drains, or ctx ends.
func (s *Service) Results(ctx context.Context) iter.Seq[detection.DetectionResult] {
	return s.sink.All(ctx)
}

// PerformanceStats returns a snapshot of the frame loop counters.
func (s *Service) PerformanceStats() PerformanceStats {
	total := s.stats.total.Load()
	processed := s.stats.processed.Load()
	fps, avg, lo, hi := s.stats.durations()

	return PerformanceStats{
		RuntimeSeconds:  s.stats.runtime(time.Now()).Seconds(),
		TotalFrames:     total,
		ProcessedFrames: processed,
		SkippedFrames:   s.stats.skipped.Load(),
		ErrorCount:      s.stats.errors.Load(),
		SuccessRate:     float64(processed) / float64(max(total, 1)) * 100,
		ProcessingFPS:   fps,
		TargetFPS:       s.cfg.Processing.MaxFPS,
		AvgProcessingMS: avg,
		MinProcessingMS: lo,
		MaxProcessingMS: hi,
		QueueSize:       s.sink.Len(),
		QueueMaxSize:    s.sink.Cap(),
		DroppedResults:  s.sink.Dropped(),
	}
}

// ConfigSummary is the configuration part of SystemInfo.
type ConfigSummary struct {
	DetectorType   string  `json:"detector_type"`
	StreamProtocol string  `json:"stream_protocol"`
	StreamURL      string  `json:"stream_url"`
	MaxFPS         float64 `json:"max_fps"`
	SkipFrames     int     `json:"skip_frames"`
	BatchSize      int     `json:"batch_size"`
	EnableTracking bool    `json:"enable_tracking"`
}

// SystemInfo merges detector, stream and service state.
type SystemInfo struct {
	ServiceID  string               `json:"service_id"`
	Running    bool                 `json:"is_running"`
	State      State                `json:"service_status"`
	Detector   detection.ModelInfo  `json:"detector_info"`
	Stream     detection.StreamInfo `json:"stream_info"`
	Config     ConfigSummary        `json:"config"`
	Statistics PerformanceStats     `json:"statistics"`
	Pool       inferpool.Stats      `json:"inference_pool"`
}

func (s *Service) SystemInfo() SystemInfo {
	state := s.State()
	return SystemInfo{
		ServiceID: s.cfg.ID,
		Running:   state == Running,
		State:     state,
		Detector:  s.backend.ModelInfo(),
		Stream:    s.source.StreamInfo(),
		Config: ConfigSummary{
			DetectorType:   s.cfg.DetectorTag,
			StreamProtocol: s.cfg.Stream.Protocol,
			StreamURL:      s.cfg.Stream.URL,
			MaxFPS:         s.cfg.Processing.MaxFPS,
			SkipFrames:     s.cfg.Processing.SkipFrames,
			BatchSize:      s.cfg.Processing.BatchSize,
			EnableTracking: s.cfg.Processing.EnableTracking,
		},
		Statistics: s.PerformanceStats(),
		Pool:       s.pool.Stats(),
	}
}
