package service

import "github.com/e7canasta/orion-vision/modules/detection"

// RTSPYOLOConfig is a ready-made configuration for a YOLO variant on an RTSP
// camera, running on the CPU.
func RTSPYOLOConfig(url, variant string, confidence, maxFPS float64) Config {
	return yoloConfig(url, detection.ProtocolRTSP, variant, confidence, maxFPS)
}

// RTMPYOLOConfig is RTSPYOLOConfig for an RTMP stream.
func RTMPYOLOConfig(url, variant string, confidence, maxFPS float64) Config {
	return yoloConfig(url, detection.ProtocolRTMP, variant, confidence, maxFPS)
}

func yoloConfig(url, protocol, variant string, confidence, maxFPS float64) Config {
	if variant == "" {
		variant = detection.DetectorYOLOv11Nano
	}
	if confidence <= 0 {
		confidence = detection.DefaultConfidence
	}

	processing := DefaultProcessing()
	processing.MaxFPS = maxFPS

	return Config{
		DetectorTag: variant,
		Model: detection.ModelConfig{
			Variant:             variant,
			ConfidenceThreshold: confidence,
			Device:              "cpu",
		},
		Stream: detection.StreamDescriptor{
			URL:      url,
			Protocol: protocol,
		},
		Processing: processing,
	}
}
