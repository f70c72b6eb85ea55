package detector

import (
	"strings"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/registry"
)

// NewYOLO builds a YOLOv11 backend for a single-device or multi_gpu_ tag.
// cfg.Variant defaults to the tag's base variant.
func NewYOLO(tag string, cfg detection.ModelConfig, loader EngineLoader, opts ...Option) (*Backend, error) {
	if cfg.Variant == "" {
		cfg.Variant = detection.BaseVariant(tag)
	}
	v, ok := LookupVariant(cfg.Variant)
	if !ok {
		return nil, &detection.ConfigError{Key: "variant", Message: "unknown YOLOv11 variant " + cfg.Variant}
	}
	cfg.Variant = v.Tag

	multi := strings.HasPrefix(tag, "multi_gpu_")
	if !multi {
		cfg.Devices = nil
		cfg.LoadBalancing = nil
	} else {
		if len(cfg.Devices) == 0 {
			cfg.Devices = []int{0}
		}
		if cfg.LoadBalancing == nil {
			balanced := true
			cfg.LoadBalancing = &balanced
		}
	}
	cfg = cfg.WithDefaults()

	modelType := "YOLOv11"
	if multi {
		modelType = "MultiGPU-YOLOv11"
	}
	info := map[string]any{
		"model_file":           ModelFile(cfg),
		"model_description":    v.Description,
		"parameters":           v.Params,
		"model_size_mb":        v.SizeMB,
		"confidence_threshold": cfg.ConfidenceThreshold,
		"iou_threshold":        cfg.IOUThreshold,
		"half_precision":       cfg.HalfPrecision,
	}
	base := []Option{withModelType(modelType), withInfo(info)}
	return NewBackend(cfg, loader, append(base, opts...)...), nil
}

// NewVehicle builds a vehicle detector on top of a YOLO model. The
// multi_vehicle_type tag adds sub-types and custom type labels.
func NewVehicle(tag string, cfg detection.ModelConfig, loader EngineLoader, opts ...Option) (*Backend, error) {
	if _, ok := LookupVariant(cfg.Variant); !ok {
		cfg.Variant = detection.DetectorYOLOv11Nano
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = VehicleClassIDs()
	}
	cfg = cfg.WithDefaults()

	proc := NewVehicleProcessor(cfg.Vehicle, cfg.ConfidenceThreshold, tag == detection.DetectorMultiVehicleType)

	// The base filter must let through anything a per-type threshold accepts.
	for _, t := range cfg.Vehicle.ConfidenceByType {
		if t > 0 && t < cfg.ConfidenceThreshold {
			cfg.ConfidenceThreshold = t
		}
	}

	b, err := NewYOLO(cfg.Variant, cfg, loader, append([]Option{WithProcessors(proc)}, opts...)...)
	if err != nil {
		return nil, err
	}
	b.modelType = "VehicleDetector"
	return b, nil
}

// Register binds every YOLO, multi-device and vehicle tag to loader.
func Register(reg *registry.Registry, loader EngineLoader, opts ...Option) {
	yolo := func(tag string, cfg detection.ModelConfig) (detection.DetectorBackend, error) {
		return NewYOLO(tag, cfg, loader, opts...)
	}
	for _, tag := range detection.YOLOTags() {
		reg.RegisterDetector(tag, yolo)
	}
	for _, tag := range detection.MultiGPUTags() {
		reg.RegisterDetector(tag, yolo)
	}

	vehicle := func(tag string, cfg detection.ModelConfig) (detection.DetectorBackend, error) {
		return NewVehicle(tag, cfg, loader, opts...)
	}
	reg.RegisterDetector(detection.DetectorVehicle, vehicle)
	reg.RegisterDetector(detection.DetectorMultiVehicleType, vehicle)
}
