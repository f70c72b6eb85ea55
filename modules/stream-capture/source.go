package streamcapture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-vision/modules/detection"
)

const (
	// DefaultNoFrameDelay is the pause after ErrNoFrame.
	DefaultNoFrameDelay = 100 * time.Millisecond
	// DefaultReadErrorDelay is the pause after any other read error.
	DefaultReadErrorDelay = 500 * time.Millisecond
)

// Option configures a Source.
type Option func(*Source)

// WithStreamID sets Frame.StreamID for every frame this source yields.
func WithStreamID(id int) Option {
	return func(s *Source) { s.streamID = id }
}

// WithRetryDelays overrides the pauses between failed reads.
func WithRetryDelays(noFrame, readError time.Duration) Option {
	return func(s *Source) {
		s.noFrameDelay = noFrame
		s.readErrorDelay = readError
	}
}

// WithLogger sets the logger used for read retries.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source adapts a Driver to detection.StreamSource.
type Source struct {
	desc   detection.StreamDescriptor
	driver Driver
	logger *slog.Logger

	streamID       int
	noFrameDelay   time.Duration
	readErrorDelay time.Duration

	mu         sync.Mutex
	connected  bool
	nextID     uint64
	resolution detection.Resolution

	frameCount atomic.Uint64
	reconnects atomic.Uint32
	window     fpsWindow
}

var _ detection.StreamSource = (*Source)(nil)

// NewSource wraps driver for desc. Descriptor defaults are applied.
func NewSource(desc detection.StreamDescriptor, driver Driver, opts ...Option) *Source {
	s := &Source{
		desc:           desc.WithDefaults(),
		driver:         driver,
		logger:         slog.Default(),
		noFrameDelay:   DefaultNoFrameDelay,
		readErrorDelay: DefaultReadErrorDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the driver within the descriptor timeout. Frame ids restart
// at 0.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	openCtx, cancel := context.WithTimeout(ctx, s.desc.Timeout)
	defer cancel()

	if err := s.driver.Open(openCtx); err != nil {
		serr := &detection.StreamError{URL: s.desc.URL, Err: err}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			serr.Timeout = s.desc.Timeout
		}
		return serr
	}

	if s.frameCount.Load() > 0 {
		s.reconnects.Add(1)
	}
	s.connected = true
	s.nextID = 0
	s.window.reset()

	s.logger.Info("stream-capture: connected",
		"url", s.desc.URL,
		"protocol", s.desc.Protocol,
	)
	return nil
}

// Disconnect closes the driver. Safe when not connected.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	if err := s.driver.Close(); err != nil {
		return fmt.Errorf("stream-capture: close %s: %w", s.desc.URL, err)
	}
	s.logger.Info("stream-capture: disconnected", "url", s.desc.URL)
	return nil
}

func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// GetFrame performs a single read without retrying.
func (s *Source) GetFrame(ctx context.Context) (detection.Frame, error) {
	if !s.Connected() {
		return detection.Frame{}, detection.ErrNotConnected
	}

	img, err := s.driver.Read(ctx)
	if err != nil {
		return detection.Frame{}, err
	}

	ts := img.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.resolution = detection.Resolution{Width: img.Width, Height: img.Height}
	s.mu.Unlock()

	s.frameCount.Add(1)
	s.window.add(ts)

	return detection.Frame{
		ID:        id,
		StreamID:  s.streamID,
		Timestamp: ts,
		Width:     img.Width,
		Height:    img.Height,
		Data:      img.Data,
		TraceID:   uuid.NewString(),
	}, nil
}

// Frames yields frames until end of stream, cancellation or RetryAttempts
// consecutive failed reads.
func (s *Source) Frames(ctx context.Context) iter.Seq2[detection.Frame, error] {
	return func(yield func(detection.Frame, error) bool) {
		failures := 0
		for {
			if ctx.Err() != nil {
				return
			}

			frame, err := s.GetFrame(ctx)
			if err == nil {
				failures = 0
				if !yield(frame, nil) {
					return
				}
				continue
			}

			switch {
			case errors.Is(err, io.EOF):
				return
			case ctx.Err() != nil:
				return
			case errors.Is(err, detection.ErrNotConnected):
				yield(detection.Frame{}, err)
				return
			}

			failures++
			if failures >= s.desc.RetryAttempts {
				s.logger.Error("stream-capture: giving up after consecutive read failures",
					"url", s.desc.URL,
					"attempts", failures,
					"error", err,
				)
				yield(detection.Frame{}, fmt.Errorf("%w: %s: %v", detection.ErrRetriesExhausted, s.desc.URL, err))
				return
			}

			delay := s.readErrorDelay
			if errors.Is(err, ErrNoFrame) {
				delay = s.noFrameDelay
			} else {
				s.logger.Warn("stream-capture: frame read failed, retrying",
					"url", s.desc.URL,
					"attempt", failures,
					"max_attempts", s.desc.RetryAttempts,
					"error", err,
				)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// FPSStats measures the recent frame arrival rate.
func (s *Source) FPSStats() FPSStats {
	return s.window.stats()
}

func (s *Source) StreamInfo() detection.StreamInfo {
	s.mu.Lock()
	connected := s.connected
	res := s.resolution
	s.mu.Unlock()

	if res.IsZero() {
		res = s.desc.Resolution
	}

	fps := s.window.stats()
	extra := map[string]any{
		"fps_stable": fps.IsStable,
		"jitter_ms":  fps.JitterMean * 1000,
	}
	for k, v := range s.driver.Info() {
		extra[k] = v
	}

	return detection.StreamInfo{
		URL:         s.desc.URL,
		Protocol:    s.desc.Protocol,
		Connected:   connected,
		FrameCount:  s.frameCount.Load(),
		FPS:         s.desc.FPS,
		Resolution:  res,
		MeasuredFPS: fps.FPSMean,
		Reconnects:  s.reconnects.Load(),
		Extra:       extra,
	}
}

// Descriptor returns the descriptor with defaults applied.
func (s *Source) Descriptor() detection.StreamDescriptor {
	return s.desc
}
