package detection

// DeviceStats reports the cumulative load of one accelerator device.
type DeviceStats struct {
	ID          int     `json:"id"`
	MemoryBytes uint64  `json:"memory_bytes,omitempty"`
	Inferences  uint64  `json:"inference_count"`
	LoadPercent float64 `json:"load_percentage"`
}

// ModelInfo describes a DetectorBackend.
type ModelInfo struct {
	ModelType      string         `json:"model_type"`
	Variant        string         `json:"variant,omitempty"`
	Loaded         bool           `json:"loaded"`
	DetectionCount uint64         `json:"detection_count"`
	Device         string         `json:"device,omitempty"`
	MultiDevice    bool           `json:"multi_gpu_enabled"`
	LoadBalancing  bool           `json:"load_balancing"`
	Devices        []DeviceStats  `json:"devices,omitempty"`
	AvgInferenceMS float64        `json:"average_inference_time_ms"`
	Config         ModelConfig    `json:"config"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// StreamInfo describes a StreamSource.
type StreamInfo struct {
	URL         string         `json:"url"`
	Protocol    string         `json:"protocol"`
	Connected   bool           `json:"connected"`
	FrameCount  uint64         `json:"frame_count"`
	FPS         float64        `json:"fps,omitempty"`
	Resolution  Resolution     `json:"resolution"`
	MeasuredFPS float64        `json:"measured_fps"`
	Reconnects  uint32         `json:"reconnects"`
	Extra       map[string]any `json:"extra,omitempty"`
}
