package detector

import (
	"context"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// CustomConfig plugs user-supplied model callbacks into a Backend. M is the
// loaded model handle returned by Load.
//
// Load and Infer are required. Unload runs for every loaded device on
// Backend.Unload. Preprocess runs before Infer; Postprocess runs after the
// built-in confidence and class filters.
type CustomConfig[M any] struct {
	Name    string
	Version string

	Load        func(ctx context.Context, cfg detection.ModelConfig, dev Device) (M, error)
	Infer       func(ctx context.Context, model M, frame detection.Frame) ([]detection.Detection, error)
	Unload      func(model M) error
	Preprocess  func(frame detection.Frame) (detection.Frame, error)
	Postprocess func(detections []detection.Detection) []detection.Detection
}

// NewCustom builds a Backend around callbacks. It returns a ConfigError when
// a required callback is missing.
func NewCustom[M any](cc CustomConfig[M], cfg detection.ModelConfig, opts ...Option) (*Backend, error) {
	if cc.Load == nil {
		return nil, &detection.ConfigError{Key: "custom.load", Message: "model load callback is required"}
	}
	if cc.Infer == nil {
		return nil, &detection.ConfigError{Key: "custom.inference", Message: "inference callback is required"}
	}
	if cc.Name == "" {
		cc.Name = "CustomModel"
	}
	if cc.Version == "" {
		cc.Version = "1.0"
	}
	if cfg.Variant == "" {
		cfg.Variant = detection.DetectorCustom
	}

	loader := func(ctx context.Context, cfg detection.ModelConfig, dev Device) (Engine, error) {
		model, err := cc.Load(ctx, cfg, dev)
		if err != nil {
			return nil, err
		}
		return &callbackEngine[M]{cc: cc, model: model}, nil
	}

	base := []Option{
		withModelType(cc.Name),
		withInfo(map[string]any{
			"custom_detector":    true,
			"model_name":         cc.Name,
			"model_version":      cc.Version,
			"has_preprocessing":  cc.Preprocess != nil,
			"has_postprocessing": cc.Postprocess != nil,
		}),
	}
	if cc.Postprocess != nil {
		base = append(base, WithProcessors(ProcessorFunc(cc.Postprocess)))
	}
	return NewBackend(cfg, loader, append(base, opts...)...), nil
}

type callbackEngine[M any] struct {
	cc    CustomConfig[M]
	model M
}

func (e *callbackEngine[M]) Infer(ctx context.Context, frame detection.Frame) ([]detection.Detection, error) {
	if e.cc.Preprocess != nil {
		var err error
		if frame, err = e.cc.Preprocess(frame); err != nil {
			return nil, err
		}
	}
	return e.cc.Infer(ctx, e.model, frame)
}

func (e *callbackEngine[M]) Close() error {
	if e.cc.Unload == nil {
		return nil
	}
	return e.cc.Unload(e.model)
}
