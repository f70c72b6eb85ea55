// Package dnn runs YOLOv11 ONNX exports through the OpenCV DNN module.
//
// Devices named "cpu" or "auto" use the default backend on the CPU. Devices
// named "cuda" or "cuda:N" use the CUDA backend, with FP16 when the model
// config asks for half precision. OpenCV selects the CUDA device per process,
// so several "cuda:N" engines in one process share the current device; run
// one subprocess worker per GPU when devices must be pinned.
package dnn

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
	"github.com/e7canasta/orion-vision/modules/registry"
)

// Engine is a loaded network bound to one device.
type Engine struct {
	mu  sync.Mutex
	net gocv.Net
	cfg detection.ModelConfig
	dev detector.Device
}

// Load is a detector.EngineLoader reading the model file resolved by
// detector.ModelFile.
func Load(ctx context.Context, cfg detection.ModelConfig, dev detector.Device) (detector.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := detector.ModelFile(cfg)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dnn: model file: %w", err)
	}

	net := gocv.ReadNet(path, "")
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("dnn: failed to read network from %s", path)
	}

	if isCUDA(dev.Name) {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		if cfg.HalfPrecision {
			net.SetPreferableTarget(gocv.NetTargetCUDAFP16)
		} else {
			net.SetPreferableTarget(gocv.NetTargetCUDA)
		}
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	return &Engine{net: net, cfg: cfg, dev: dev}, nil
}

func isCUDA(device string) bool {
	return device == "cuda" || strings.HasPrefix(device, "cuda:")
}

// Infer runs one forward pass and returns NMS-filtered detections in frame
// pixels.
func (e *Engine) Infer(ctx context.Context, frame detection.Frame) ([]detection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if want := frame.Width * frame.Height * 3; want == 0 || len(frame.Data) != want {
		return nil, fmt.Errorf("dnn: frame %d: %d bytes for %dx%d RGB", frame.ID, len(frame.Data), frame.Width, frame.Height)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("dnn: frame %d: %w", frame.ID, err)
	}
	defer img.Close()

	size := e.cfg.InputSize
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("dnn: unexpected output shape %v", dims)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("dnn: read output: %w", err)
	}

	raw := detector.DecodeYOLO(
		detector.YOLOOutput{Data: data, Rows: dims[1], Cols: dims[2]},
		size, frame.Width, frame.Height, e.cfg.ConfidenceThreshold,
	)
	return detector.NMS(raw, e.cfg.IOUThreshold), nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}

// Register binds every YOLO and vehicle tag to OpenCV DNN engines.
func Register(reg *registry.Registry, opts ...detector.Option) {
	detector.Register(reg, Load, opts...)
}
