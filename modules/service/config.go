package service

import (
	"fmt"

	"github.com/e7canasta/orion-vision/modules/detection"
)

const (
	DefaultMaxFPS           = 30
	DefaultResultBufferSize = 100
	DefaultErrorThreshold   = 10
)

// Processing tunes the frame loop.
type Processing struct {
	// MaxFPS caps the rate frames are handed to the detector; 0 disables the cap.
	MaxFPS float64 `json:"max_fps" yaml:"max_fps"`
	// SkipFrames frames are dropped after each processed frame.
	SkipFrames int `json:"skip_frames" yaml:"skip_frames"`
	// BatchSize > 1 groups frames into DetectBatch calls.
	BatchSize        int  `json:"batch_size" yaml:"batch_size"`
	EnableTracking   bool `json:"enable_tracking" yaml:"enable_tracking"`
	ResultBufferSize int  `json:"result_buffer_size" yaml:"result_buffer_size"`
}

// DefaultProcessing returns 30 fps, no skipping, batch 1, buffer 100.
func DefaultProcessing() Processing {
	return Processing{
		MaxFPS:           DefaultMaxFPS,
		BatchSize:        1,
		ResultBufferSize: DefaultResultBufferSize,
	}
}

// Config describes one stream/detector pairing.
type Config struct {
	// ID is assigned by the Manager when empty.
	ID          string
	DetectorTag string
	Model       detection.ModelConfig
	Stream      detection.StreamDescriptor
	Processing  Processing
}

// withDefaults fills sizes that must be positive. MaxFPS is kept as given
// because 0 is meaningful.
func (c Config) withDefaults() Config {
	if c.Processing.BatchSize < 1 {
		c.Processing.BatchSize = 1
	}
	if c.Processing.ResultBufferSize < 1 {
		c.Processing.ResultBufferSize = DefaultResultBufferSize
	}
	c.Model = c.Model.WithDefaults()
	c.Stream = c.Stream.WithDefaults()
	return c
}

// Validate checks the fields the frame loop depends on.
func (c Config) Validate() error {
	if c.DetectorTag == "" {
		return &detection.ConfigError{Key: "detector_type", Message: "required"}
	}
	if c.Stream.URL == "" {
		return &detection.ConfigError{Key: "stream.url", Message: "required"}
	}
	if c.Processing.MaxFPS < 0 {
		return &detection.ConfigError{Key: "processing.max_fps", Message: fmt.Sprintf("must be >= 0, got %v", c.Processing.MaxFPS)}
	}
	if c.Processing.SkipFrames < 0 {
		return &detection.ConfigError{Key: "processing.skip_frames", Message: fmt.Sprintf("must be >= 0, got %d", c.Processing.SkipFrames)}
	}
	if c.Model.ConfidenceThreshold < 0 || c.Model.ConfidenceThreshold > 1 {
		return &detection.ConfigError{Key: "model.confidence_threshold", Message: "must be within [0, 1]"}
	}
	return nil
}
