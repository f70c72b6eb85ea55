package control

import (
	"strings"
	"time"

	"github.com/e7canasta/orion-vision/internal/config"
	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/service"
)

// StreamConfigRequest describes the stream of a new service. Timeout is in
// seconds.
type StreamConfigRequest struct {
	URL           string  `json:"url" validate:"required"`
	Protocol      string  `json:"protocol" validate:"omitempty,protocol"`
	FPS           float64 `json:"fps" validate:"gte=0"`
	Resolution    []int   `json:"resolution" validate:"omitempty,len=2,dive,gt=0"`
	Timeout       float64 `json:"timeout" validate:"gte=0"`
	RetryAttempts int     `json:"retry_attempts" validate:"gte=0"`
	BufferSize    int     `json:"buffer_size" validate:"gte=0"`
}

type ModelConfigRequest struct {
	Variant             string  `json:"variant"`
	ConfidenceThreshold float64 `json:"confidence_threshold" validate:"gte=0,lte=1"`
	IOUThreshold        float64 `json:"iou_threshold" validate:"gte=0,lte=1"`
	Device              string  `json:"device"`
	MaxDetections       int     `json:"max_detections" validate:"gte=0"`
	Classes             []int   `json:"classes" validate:"omitempty,dive,gte=0"`
	HalfPrecision       bool    `json:"half_precision"`
	ModelPath           string  `json:"model_path"`
	EnableMultiGPU      bool    `json:"enable_multi_gpu"`
	GPUDevices          []int   `json:"gpu_devices" validate:"omitempty,dive,gte=0"`
	LoadBalancing       *bool   `json:"load_balancing"`
	MaxWorkers          int     `json:"max_workers" validate:"gte=0"`
}

type ProcessingConfigRequest struct {
	MaxFPS           float64 `json:"max_fps" validate:"gte=0"`
	SkipFrames       int     `json:"skip_frames" validate:"gte=0"`
	BatchSize        int     `json:"batch_size" validate:"gte=0"`
	EnableTracking   bool    `json:"enable_tracking"`
	ResultBufferSize int     `json:"result_buffer_size" validate:"gte=0"`
}

// StartDetectionRequest is the body of POST /realtime-ai/start.
type StartDetectionRequest struct {
	StreamConfig       StreamConfigRequest      `json:"stream_config"`
	ModelSettings      *ModelConfigRequest      `json:"model_settings"`
	ProcessingSettings *ProcessingConfigRequest `json:"processing_settings"`
}

func defaultModelRequest() ModelConfigRequest {
	return ModelConfigRequest{
		Variant:             detection.DetectorYOLOv11Nano,
		ConfidenceThreshold: detection.DefaultConfidence,
		IOUThreshold:        detection.DefaultIOUThreshold,
		Device:              detection.DefaultDevice,
		MaxDetections:       detection.DefaultMaxDetections,
		MaxWorkers:          detection.DefaultMaxWorkers,
	}
}

func (s StreamConfigRequest) descriptor() detection.StreamDescriptor {
	d := detection.StreamDescriptor{
		URL:           s.URL,
		Protocol:      strings.ToLower(s.Protocol),
		FPS:           s.FPS,
		Timeout:       time.Duration(s.Timeout * float64(time.Second)),
		RetryAttempts: s.RetryAttempts,
		BufferSize:    s.BufferSize,
	}
	if len(s.Resolution) == 2 {
		d.Resolution = detection.Resolution{Width: s.Resolution[0], Height: s.Resolution[1]}
	}
	return d
}

// detectorTag picks the registry tag. Multi-GPU requests on a single-device
// YOLO variant select its multi_gpu_ counterpart.
func (m ModelConfigRequest) detectorTag() string {
	tag := strings.ToLower(m.Variant)
	if tag == "" {
		tag = detection.DetectorYOLOv11Nano
	}
	if m.EnableMultiGPU {
		for _, t := range detection.YOLOTags() {
			if t == tag {
				return "multi_gpu_" + tag
			}
		}
	}
	return tag
}

func (m ModelConfigRequest) modelConfig(device string) detection.ModelConfig {
	lb := true
	if m.LoadBalancing != nil {
		lb = *m.LoadBalancing
	}
	return detection.ModelConfig{
		ModelPath:           m.ModelPath,
		ConfidenceThreshold: m.ConfidenceThreshold,
		IOUThreshold:        m.IOUThreshold,
		Device:              device,
		MaxDetections:       m.MaxDetections,
		Classes:             m.Classes,
		HalfPrecision:       m.HalfPrecision,
		Devices:             m.GPUDevices,
		LoadBalancing:       &lb,
		MaxWorkers:          m.MaxWorkers,
	}
}

func (p ProcessingConfigRequest) processing() service.Processing {
	return service.Processing{
		MaxFPS:           p.MaxFPS,
		SkipFrames:       p.SkipFrames,
		BatchSize:        p.BatchSize,
		EnableTracking:   p.EnableTracking,
		ResultBufferSize: p.ResultBufferSize,
	}
}

// serviceConfig validates the request and converts it. resolve maps the
// "auto" device to a concrete one.
func (r StartDetectionRequest) serviceConfig(resolve func(string) string) (service.Config, error) {
	model := defaultModelRequest()
	if r.ModelSettings != nil {
		model = *r.ModelSettings
	}
	proc := service.DefaultProcessing()
	if r.ProcessingSettings != nil {
		proc = r.ProcessingSettings.processing()
	}

	for _, v := range []any{r.StreamConfig, model} {
		if err := config.Struct(v); err != nil {
			return service.Config{}, err
		}
	}
	if r.ProcessingSettings != nil {
		if err := config.Struct(r.ProcessingSettings); err != nil {
			return service.Config{}, err
		}
	}

	return service.Config{
		DetectorTag: model.detectorTag(),
		Model:       model.modelConfig(resolve(model.Device)),
		Stream:      r.StreamConfig.descriptor(),
		Processing:  proc,
	}, nil
}
