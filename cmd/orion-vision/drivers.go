package main

import (
	"log/slog"

	"github.com/e7canasta/orion-vision/internal/config"
	"github.com/e7canasta/orion-vision/modules/detector"
	"github.com/e7canasta/orion-vision/modules/detector/dnn"
	"github.com/e7canasta/orion-vision/modules/registry"
	streamcapture "github.com/e7canasta/orion-vision/modules/stream-capture"
	gststream "github.com/e7canasta/orion-vision/modules/stream-capture/gst"
)

// registerDrivers binds the cgo backed drivers: GStreamer for every network
// and file protocol, and OpenCV DNN for YOLO and vehicle tags unless the
// worker engine already claimed them.
func registerDrivers(reg *registry.Registry, cfg *config.Config, logger *slog.Logger) error {
	var accel gststream.Acceleration
	switch cfg.Acceleration {
	case "vaapi":
		accel = gststream.AccelVAAPI
	case "software":
		accel = gststream.AccelSoftware
	default:
		accel = gststream.AccelAuto
	}
	gststream.Register(reg,
		gststream.WithAcceleration(accel),
		gststream.WithLogger(logger),
		gststream.WithSourceOptions(streamcapture.WithLogger(logger)),
	)

	if cfg.Engine == config.EngineDNN {
		dnn.Register(reg, detector.WithLogger(logger))
	}
	return nil
}
