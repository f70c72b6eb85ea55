package subprocess

import (
	"context"
	"log/slog"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
	"github.com/e7canasta/orion-vision/modules/registry"
)

// NewBackend builds a custom-detector backend whose model is an external
// worker process per device.
func NewBackend(cfg detection.ModelConfig, logger *slog.Logger, opts ...detector.Option) (*detector.Backend, error) {
	if cfg.Worker.Command == "" {
		return nil, &detection.ConfigError{Key: "worker.command", Message: "worker command is required"}
	}
	cc := detector.CustomConfig[*Worker]{
		Name:    "SubprocessWorker",
		Version: "1.0",
		Load: func(ctx context.Context, cfg detection.ModelConfig, dev detector.Device) (*Worker, error) {
			return Start(ctx, cfg, dev, logger)
		},
		Infer: func(ctx context.Context, w *Worker, frame detection.Frame) ([]detection.Detection, error) {
			return w.Infer(ctx, frame)
		},
		Unload: func(w *Worker) error {
			return w.Close()
		},
	}
	return detector.NewCustom(cc, cfg, opts...)
}

// Register binds the custom detector tag to external workers.
func Register(reg *registry.Registry, logger *slog.Logger, opts ...detector.Option) {
	reg.RegisterDetector(detection.DetectorCustom, func(_ string, cfg detection.ModelConfig) (detection.DetectorBackend, error) {
		return NewBackend(cfg, logger, opts...)
	})
}

// RegisterYOLO binds every YOLO and vehicle tag to external workers instead
// of an in-process engine.
func RegisterYOLO(reg *registry.Registry, logger *slog.Logger, opts ...detector.Option) {
	detector.Register(reg, Loader(logger), opts...)
}
