// Package detectiontest provides in-memory StreamSource and DetectorBackend
// implementations for tests.
package detectiontest

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// Source yields Count synthetic frames, then io.EOF. A negative Count never ends.
type Source struct {
	Count      int
	Width      int
	Height     int
	ConnectErr error

	mu        sync.Mutex
	connected bool
	next      uint64
	reads     atomic.Uint64
}

// NewSource returns a source that yields n frames of 4x4 pixels.
func NewSource(n int) *Source {
	return &Source{Count: n, Width: 4, Height: 4}
}

func (s *Source) Connect(ctx context.Context) error {
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.next = 0
	return nil
}

func (s *Source) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Reads reports how many GetFrame calls returned a frame.
func (s *Source) Reads() uint64 {
	return s.reads.Load()
}

func (s *Source) GetFrame(ctx context.Context) (detection.Frame, error) {
	if err := ctx.Err(); err != nil {
		return detection.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return detection.Frame{}, detection.ErrNotConnected
	}
	if s.Count >= 0 && s.next >= uint64(s.Count) {
		return detection.Frame{}, io.EOF
	}
	f := detection.Frame{
		ID:        s.next,
		Timestamp: time.Now(),
		Width:     s.Width,
		Height:    s.Height,
		Data:      make([]byte, s.Width*s.Height*3),
	}
	s.next++
	s.reads.Add(1)
	return f, nil
}

func (s *Source) Frames(ctx context.Context) iter.Seq2[detection.Frame, error] {
	return func(yield func(detection.Frame, error) bool) {
		for {
			f, err := s.GetFrame(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

func (s *Source) StreamInfo() detection.StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return detection.StreamInfo{
		URL:        "fake://",
		Protocol:   "fake",
		Connected:  s.connected,
		FrameCount: s.next,
		Resolution: detection.Resolution{Width: s.Width, Height: s.Height},
	}
}

// Backend returns one detection per frame. Fail, when set, decides which
// frames fail; Delay is slept before each inference.
type Backend struct {
	Fail    func(detection.Frame) error
	Delay   time.Duration
	LoadErr error

	loaded atomic.Bool
	calls  atomic.Uint64
}

func (b *Backend) Load(ctx context.Context) error {
	if b.LoadErr != nil {
		return &detection.ModelLoadError{Model: "fake", Err: b.LoadErr}
	}
	b.loaded.Store(true)
	return nil
}

func (b *Backend) Unload() error {
	b.loaded.Store(false)
	return nil
}

func (b *Backend) Loaded() bool {
	return b.loaded.Load()
}

// Calls reports how many DetectOne calls were made.
func (b *Backend) Calls() uint64 {
	return b.calls.Load()
}

func (b *Backend) DetectOne(ctx context.Context, frame detection.Frame) (detection.DetectionResult, error) {
	b.calls.Add(1)
	if !b.loaded.Load() {
		return detection.DetectionResult{}, &detection.InferenceError{FrameID: frame.ID, Err: detection.ErrNotLoaded}
	}
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return detection.DetectionResult{}, &detection.InferenceError{FrameID: frame.ID, Err: ctx.Err()}
		}
	}
	if b.Fail != nil {
		if err := b.Fail(frame); err != nil {
			return detection.DetectionResult{}, &detection.InferenceError{FrameID: frame.ID, Err: err}
		}
	}
	return detection.DetectionResult{
		FrameID:     frame.ID,
		Timestamp:   time.Now(),
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		Detections: []detection.Detection{{
			BBox:       detection.BoundingBox{X1: 0, Y1: 0, X2: 1, Y2: 1},
			Confidence: 0.9,
			ClassName:  "object",
		}},
		ModelInfo: map[string]any{"model_type": "fake"},
	}, nil
}

func (b *Backend) DetectBatch(ctx context.Context, frames []detection.Frame) ([]detection.DetectionResult, error) {
	out := make([]detection.DetectionResult, len(frames))
	for i, f := range frames {
		r, err := b.DetectOne(ctx, f)
		if err != nil {
			r = detection.DetectionResult{
				FrameID:   f.ID,
				Timestamp: time.Now(),
				ModelInfo: map[string]any{"error": err.Error()},
			}
		}
		out[i] = r
	}
	return out, nil
}

func (b *Backend) ModelInfo() detection.ModelInfo {
	return detection.ModelInfo{
		ModelType:      "fake",
		Loaded:         b.loaded.Load(),
		DetectionCount: b.calls.Load(),
	}
}
