package emitter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// Publisher sends results for one or more services.
type Publisher interface {
	Publish(ctx context.Context, serviceID string, result detection.DetectionResult) error
	Close() error
}

// BBox is a bounding box with its derived values.
type BBox struct {
	X1     float64    `json:"x1"`
	Y1     float64    `json:"y1"`
	X2     float64    `json:"x2"`
	Y2     float64    `json:"y2"`
	Width  float64    `json:"width"`
	Height float64    `json:"height"`
	Area   float64    `json:"area"`
	Center [2]float64 `json:"center"`
}

// DetectionPayload is one detection on the wire.
type DetectionPayload struct {
	BBox           BBox           `json:"bbox"`
	Confidence     float64        `json:"confidence"`
	ClassID        int            `json:"class_id"`
	ClassName      string         `json:"class_name"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Payload is the JSON document published for one result.
type Payload struct {
	ServiceID        string             `json:"service_id"`
	FrameID          uint64             `json:"frame_id"`
	Timestamp        time.Time          `json:"timestamp"`
	Detections       []DetectionPayload `json:"detections"`
	FrameDimensions  Dimensions         `json:"frame_dimensions"`
	ProcessingTimeMS float64            `json:"processing_time_ms"`
	TotalObjects     int                `json:"total_objects"`
	ClassCounts      map[string]int     `json:"class_counts"`
	ModelInfo        map[string]any     `json:"model_info,omitempty"`
}

// NewPayload converts a result to its wire form.
func NewPayload(serviceID string, r detection.DetectionResult) Payload {
	dets := make([]DetectionPayload, len(r.Detections))
	for i, d := range r.Detections {
		cx, cy := d.BBox.Center()
		dets[i] = DetectionPayload{
			BBox: BBox{
				X1:     d.BBox.X1,
				Y1:     d.BBox.Y1,
				X2:     d.BBox.X2,
				Y2:     d.BBox.Y2,
				Width:  d.BBox.Width(),
				Height: d.BBox.Height(),
				Area:   d.BBox.Area(),
				Center: [2]float64{cx, cy},
			},
			Confidence:     d.Confidence,
			ClassID:        d.ClassID,
			ClassName:      d.ClassName,
			AdditionalInfo: d.Attributes,
		}
	}
	return Payload{
		ServiceID:        serviceID,
		FrameID:          r.FrameID,
		Timestamp:        r.Timestamp,
		Detections:       dets,
		FrameDimensions:  Dimensions{Width: r.FrameWidth, Height: r.FrameHeight},
		ProcessingTimeMS: r.ProcessingTimeMS,
		TotalObjects:     r.TotalObjects(),
		ClassCounts:      r.ClassCounts(),
		ModelInfo:        r.ModelInfo,
	}
}

// Encode returns the JSON payload for a result.
func Encode(serviceID string, r detection.DetectionResult) ([]byte, error) {
	return json.Marshal(NewPayload(serviceID, r))
}
