package detection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConfiguration covers unknown registry tags, undetectable protocols
	// and invalid options. Fatal at construction time.
	ErrConfiguration = errors.New("detection: configuration error")

	// ErrConnection means a stream could not be opened.
	ErrConnection = errors.New("detection: stream connection failed")

	// ErrConnectionTimeout means a stream did not open within its timeout.
	ErrConnectionTimeout = errors.New("detection: stream connection timeout")

	// ErrNotConnected is returned by reads on a disconnected source.
	ErrNotConnected = errors.New("detection: stream not connected")

	// ErrRetriesExhausted ends a frame sequence after too many failed reads.
	ErrRetriesExhausted = errors.New("detection: frame read retries exhausted")

	// ErrModelLoad means a backend failed to load its model.
	ErrModelLoad = errors.New("detection: model load failed")

	// ErrNotLoaded is returned by inference on an unloaded backend.
	ErrNotLoaded = errors.New("detection: model not loaded")

	// ErrInference marks a single-frame detection failure.
	ErrInference = errors.New("detection: inference failed")

	// ErrResourceExhausted means no device is available for inference.
	ErrResourceExhausted = errors.New("detection: no device available")
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("detection: invalid %s: %s", e.Key, e.Message)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// UnknownTypeError is returned when a registry has no constructor for a tag.
type UnknownTypeError struct {
	Namespace  string // "detector" or "source"
	Tag        string
	Registered []string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("detection: %s type %q not registered (available: %s)",
		e.Namespace, e.Tag, strings.Join(e.Registered, ", "))
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrConfiguration
}

// ProtocolUndetectableError is returned when no protocol matches a URL.
type ProtocolUndetectableError struct {
	URL string
}

func (e *ProtocolUndetectableError) Error() string {
	return fmt.Sprintf("detection: unable to detect protocol from URL %q", e.URL)
}

func (e *ProtocolUndetectableError) Is(target error) bool {
	return target == ErrConfiguration
}

// StreamError wraps a connection failure with the stream URL.
//
// errors.Is(err, ErrConnectionTimeout) holds when Timeout is non-zero;
// errors.Is(err, ErrConnection) always holds.
type StreamError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *StreamError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("detection: stream %s: connection timeout after %s", e.URL, e.Timeout)
	}
	return fmt.Sprintf("detection: stream %s: %v", e.URL, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func (e *StreamError) Is(target error) bool {
	if target == ErrConnection {
		return true
	}
	return target == ErrConnectionTimeout && e.Timeout > 0
}

// InferenceError is a detection failure for one frame.
type InferenceError struct {
	FrameID uint64
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("detection: inference failed for frame %d: %v", e.FrameID, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

func (e *InferenceError) Is(target error) bool {
	return target == ErrInference
}

// ModelLoadError wraps a load failure with the model description.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("detection: failed to load model %s: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

func (e *ModelLoadError) Is(target error) bool {
	return target == ErrModelLoad
}
