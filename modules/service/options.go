package service

import (
	"log/slog"
	"time"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/inferpool"
)

// Hooks are optional callbacks invoked from the frame loop and lifecycle
// methods. A panicking hook is recovered and logged.
type Hooks struct {
	OnDetectionComplete func(serviceID string, result detection.DetectionResult)
	OnError             func(serviceID string, err error)
	OnStatusChange      func(serviceID string, from, to State)
}

// Metrics receives frame loop events. internal/metrics provides a
// Prometheus implementation.
type Metrics interface {
	FrameRead(serviceID string)
	FrameSkipped(serviceID string)
	InferenceCompleted(serviceID string, d time.Duration, detections int)
	InferenceFailed(serviceID string)
	ResultDropped(serviceID string)
	StateChanged(serviceID string, state string)
}

type nopMetrics struct{}

func (nopMetrics) FrameRead(string) {}
func (nopMetrics) FrameSkipped(string) {}
func (nopMetrics) InferenceCompleted(string, time.Duration, int) {}
func (nopMetrics) InferenceFailed(string) {}
func (nopMetrics) ResultDropped(string) {}
func (nopMetrics) StateChanged(string, string) {}

// Option configures a Service.
type Option func(*Service)

// WithPool shares an inference pool between services. Without it each
// service runs one inference at a time.
func WithPool(p *inferpool.Pool) Option {
	return func(s *Service) {
		if p != nil {
			s.pool = p
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHooks installs lifecycle and result callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Service) {
		s.hooks = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithErrorThreshold sets how many inference errors move a running service
// to Error (default 10).
func WithErrorThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.errorThreshold = n
		}
	}
}
