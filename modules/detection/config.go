package detection

import (
	"strconv"
	"time"
)

// Defaults applied by StreamDescriptor.WithDefaults and ModelConfig.WithDefaults.
const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultRetryAttempts   = 3
	DefaultBufferSize      = 1
	DefaultConfidence      = 0.5
	DefaultIOUThreshold    = 0.45
	DefaultMaxDetections   = 300
	DefaultInputSize       = 640
	DefaultMaxWorkers      = 4
	DefaultMinVehicleSize  = 100
	DefaultDevice          = "auto"
	DefaultWorkerTimeout   = 5 * time.Second
	DefaultWarmupInference = 3
)

// Resolution is a target frame size. The zero value means "source native".
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// IsZero reports whether no resolution was requested.
func (r Resolution) IsZero() bool {
	return r.Width == 0 || r.Height == 0
}

// Auth holds optional stream credentials.
type Auth struct {
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}

// StreamDescriptor describes how to reach one stream. A Service copies it on
// construction and never mutates it.
type StreamDescriptor struct {
	URL      string
	Protocol string
	// FPS is the requested capture rate (0 = source native).
	FPS        float64
	Resolution Resolution
	// Timeout bounds Connect.
	Timeout time.Duration
	// RetryAttempts is how many consecutive failed reads end a frame sequence.
	RetryAttempts int
	// BufferSize is the decoder-side buffer depth in frames.
	BufferSize int
	Auth       *Auth
	// Params carries protocol specific switches ("loop" for file sources).
	Params map[string]string
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (d StreamDescriptor) WithDefaults() StreamDescriptor {
	if d.Timeout <= 0 {
		d.Timeout = DefaultConnectTimeout
	}
	if d.RetryAttempts <= 0 {
		d.RetryAttempts = DefaultRetryAttempts
	}
	if d.BufferSize <= 0 {
		d.BufferSize = DefaultBufferSize
	}
	return d
}

// BoolParam reads a boolean entry from Params.
func (d StreamDescriptor) BoolParam(key string) bool {
	v, ok := d.Params[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// WorkerConfig launches an external inference worker process.
type WorkerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"-" yaml:"env"`
	// Timeout bounds one request/response round trip.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// VehicleConfig tunes the vehicle post-processing of vehicle_detector and
// multi_vehicle_type.
type VehicleConfig struct {
	// Types restricts output to these vehicle names (empty = all vehicles).
	Types []string `json:"types,omitempty" yaml:"types"`
	// MinSize drops boxes whose area is below this many square pixels.
	MinSize          float64            `json:"min_size" yaml:"min_size"`
	ConfidenceByType map[string]float64 `json:"confidence_by_type,omitempty" yaml:"confidence_by_type"`
	// CustomTypes maps a vehicle name to an operator-defined label.
	CustomTypes       map[string]string `json:"custom_types,omitempty" yaml:"custom_types"`
	SubClassification bool              `json:"sub_classification" yaml:"sub_classification"`
}

// ModelConfig configures a DetectorBackend.
type ModelConfig struct {
	Variant   string `json:"variant"`
	ModelPath string `json:"model_path,omitempty"`
	// ModelDir is searched for "<variant>.onnx" when ModelPath is empty.
	ModelDir            string   `json:"model_dir,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	IOUThreshold        float64  `json:"iou_threshold"`
	Device              string   `json:"device"`
	MaxDetections       int      `json:"max_detections"`
	Classes             []int    `json:"classes,omitempty"`
	ClassNames          []string `json:"-"`
	HalfPrecision       bool     `json:"half_precision"`
	InputSize           int      `json:"input_size"`

	// Devices lists accelerator ids for multi-device variants (empty = single default device).
	Devices []int `json:"devices,omitempty"`
	// LoadBalancing selects least-loaded device scheduling. Nil leaves the
	// choice to the detector; multi-device tags enable it.
	LoadBalancing *bool `json:"load_balancing,omitempty"`
	MaxWorkers    int   `json:"max_workers"`

	Vehicle VehicleConfig `json:"vehicle"`
	Worker  WorkerConfig  `json:"worker"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Balanced reports whether least-loaded scheduling is enabled.
func (c ModelConfig) Balanced() bool {
	return c.LoadBalancing != nil && *c.LoadBalancing
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c ModelConfig) WithDefaults() ModelConfig {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidence
	}
	if c.IOUThreshold <= 0 {
		c.IOUThreshold = DefaultIOUThreshold
	}
	if c.MaxDetections <= 0 {
		c.MaxDetections = DefaultMaxDetections
	}
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Vehicle.MinSize <= 0 {
		c.Vehicle.MinSize = DefaultMinVehicleSize
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = DefaultWorkerTimeout
	}
	return c
}
