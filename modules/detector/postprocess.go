package detector

import (
	"slices"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// Processor transforms the detections of one frame. Processors run in order
// after the built-in filters and may drop, annotate or relabel detections.
type Processor interface {
	Process(detections []detection.Detection) []detection.Detection
}

// Annotator adds per-result fields to DetectionResult.ModelInfo.
type Annotator interface {
	Annotate(result *detection.DetectionResult)
}

// Reporter contributes cumulative state to ModelInfo.Extra.
type Reporter interface {
	Report() map[string]any
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func([]detection.Detection) []detection.Detection

func (f ProcessorFunc) Process(d []detection.Detection) []detection.Detection {
	return f(d)
}

// postProcess applies the configured filters, then processors, then the
// detection cap.
func postProcess(cfg detection.ModelConfig, raw []detection.Detection, processors []Processor) []detection.Detection {
	out := make([]detection.Detection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < cfg.ConfidenceThreshold {
			continue
		}
		if len(cfg.Classes) > 0 && !slices.Contains(cfg.Classes, d.ClassID) {
			continue
		}
		if d.ClassName == "" {
			d.ClassName = className(cfg.ClassNames, d.ClassID)
		}
		d.Attributes = withGeometry(d.Attributes, d.BBox)
		out = append(out, d)
	}

	for _, p := range processors {
		out = p.Process(out)
	}

	if cfg.MaxDetections > 0 && len(out) > cfg.MaxDetections {
		out = out[:cfg.MaxDetections]
	}
	return out
}

func withGeometry(attrs map[string]any, b detection.BoundingBox) map[string]any {
	if attrs == nil {
		attrs = make(map[string]any, 2)
	}
	cx, cy := b.Center()
	attrs["area"] = b.Area()
	attrs["center"] = [2]float64{cx, cy}
	return attrs
}
