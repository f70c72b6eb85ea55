package detector

import (
	"context"
	"fmt"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// Device identifies where an Engine runs.
type Device struct {
	// ID is the scheduler device id (accelerator index, 0 for single device).
	ID int
	// Name is the runtime device string: "cpu", "cuda", "cuda:1", "auto".
	Name string
}

func (d Device) String() string {
	return d.Name
}

// Engine runs one model on one device. Infer is never called concurrently on
// the same Engine.
type Engine interface {
	Infer(ctx context.Context, frame detection.Frame) ([]detection.Detection, error)
	Close() error
}

// EngineLoader loads the model described by cfg on dev.
type EngineLoader func(ctx context.Context, cfg detection.ModelConfig, dev Device) (Engine, error)

// devicesFor lists the devices a configuration asks for. Multi-device
// configurations name accelerator ids; everything else runs on cfg.Device.
func devicesFor(cfg detection.ModelConfig) []Device {
	if len(cfg.Devices) == 0 {
		return []Device{{ID: 0, Name: cfg.Device}}
	}
	devices := make([]Device, 0, len(cfg.Devices))
	seen := make(map[int]bool, len(cfg.Devices))
	for _, id := range cfg.Devices {
		if seen[id] {
			continue
		}
		seen[id] = true
		devices = append(devices, Device{ID: id, Name: fmt.Sprintf("cuda:%d", id)})
	}
	return devices
}
