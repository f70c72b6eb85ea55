package detection

import (
	"strings"
	"time"
)

// Protocol tags understood by the source registry.
const (
	ProtocolRTSP      = "rtsp"
	ProtocolRTMP      = "rtmp"
	ProtocolHTTP      = "http"
	ProtocolHTTPS     = "https"
	ProtocolFile      = "file"
	ProtocolSynthetic = "synthetic"
)

// Detector tags understood by the detector registry.
const (
	DetectorYOLOv11Nano   = "yolov11n"
	DetectorYOLOv11Small  = "yolov11s"
	DetectorYOLOv11Medium = "yolov11m"
	DetectorYOLOv11Large  = "yolov11l"
	DetectorYOLOv11XLarge = "yolov11x"

	DetectorMultiGPUYOLOv11Nano   = "multi_gpu_yolov11n"
	DetectorMultiGPUYOLOv11Small  = "multi_gpu_yolov11s"
	DetectorMultiGPUYOLOv11Medium = "multi_gpu_yolov11m"
	DetectorMultiGPUYOLOv11Large  = "multi_gpu_yolov11l"
	DetectorMultiGPUYOLOv11XLarge = "multi_gpu_yolov11x"

	DetectorVehicle          = "vehicle_detector"
	DetectorMultiVehicleType = "multi_vehicle_type"
	DetectorCustom           = "custom"
)

// YOLOTags lists the single-device YOLO variants.
func YOLOTags() []string {
	return []string{
		DetectorYOLOv11Nano,
		DetectorYOLOv11Small,
		DetectorYOLOv11Medium,
		DetectorYOLOv11Large,
		DetectorYOLOv11XLarge,
	}
}

// MultiGPUTags lists the multi-device YOLO variants.
func MultiGPUTags() []string {
	return []string{
		DetectorMultiGPUYOLOv11Nano,
		DetectorMultiGPUYOLOv11Small,
		DetectorMultiGPUYOLOv11Medium,
		DetectorMultiGPUYOLOv11Large,
		DetectorMultiGPUYOLOv11XLarge,
	}
}

// BaseVariant maps a multi-device tag to the single-device variant it runs
// (multi_gpu_yolov11s -> yolov11s). Other tags are returned unchanged.
func BaseVariant(tag string) string {
	return strings.TrimPrefix(tag, "multi_gpu_")
}

// Frame is a single decoded image read from a stream.
type Frame struct {
	// ID is 0 for the first frame after Connect and increases by one per frame.
	ID uint64
	// StreamID selects the device under round-robin scheduling.
	StreamID int
	// Timestamp is when the frame was captured.
	Timestamp time.Time
	Width     int
	Height    int
	// Data holds packed RGB24 pixels (Width*Height*3 bytes).
	Data []byte
	// TraceID correlates a frame with logs and published results.
	TraceID string
}

// BoundingBox is an axis-aligned box in pixel coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BoundingBox) Width() float64 {
	return b.X2 - b.X1
}

func (b BoundingBox) Height() float64 {
	return b.Y2 - b.Y1
}

// Center returns the box midpoint.
func (b BoundingBox) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b BoundingBox) Area() float64 {
	return b.Width() * b.Height()
}

// Detection is one recognized object within a frame.
type Detection struct {
	BBox       BoundingBox
	Confidence float64
	ClassID    int
	ClassName  string
	Attributes map[string]any
}

// DetectionResult is the complete detector output for one frame.
//
// Detections keep the order the detector produced them in.
type DetectionResult struct {
	FrameID          uint64
	Timestamp        time.Time
	Detections       []Detection
	FrameWidth       int
	FrameHeight      int
	ProcessingTimeMS float64
	ModelInfo        map[string]any
}

// TotalObjects returns the number of detections.
func (r DetectionResult) TotalObjects() int {
	return len(r.Detections)
}

// ConfidenceScores returns the confidence of each detection, in order.
func (r DetectionResult) ConfidenceScores() []float64 {
	scores := make([]float64, len(r.Detections))
	for i, d := range r.Detections {
		scores[i] = d.Confidence
	}
	return scores
}

// ClassCounts counts detections per class name.
func (r DetectionResult) ClassCounts() map[string]int {
	counts := make(map[string]int)
	for _, d := range r.Detections {
		counts[d.ClassName]++
	}
	return counts
}

// Failed reports whether the result was synthesized for a failed batch item.
func (r DetectionResult) Failed() bool {
	_, ok := r.ModelInfo["error"]
	return ok
}
