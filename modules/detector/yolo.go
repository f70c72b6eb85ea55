package detector

import (
	"cmp"
	"math"
	"slices"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// YOLOOutput is the raw head of a YOLOv8/v11 export: Rows = 4 + classes,
// Cols = candidate boxes, stored row-major. Each column holds cx, cy, w, h in
// input pixels followed by one score per class.
type YOLOOutput struct {
	Data []float32
	Rows int
	Cols int
}

// DecodeYOLO turns a raw head into detections scaled to frame pixels. A
// candidate is kept when its best class score reaches minScore. Boxes are
// clamped to the frame. NMS is not applied.
func DecodeYOLO(out YOLOOutput, inputSize, frameW, frameH int, minScore float64) []detection.Detection {
	classes := out.Rows - 4
	if classes <= 0 || out.Cols <= 0 || len(out.Data) < out.Rows*out.Cols || inputSize <= 0 {
		return nil
	}
	sx := float64(frameW) / float64(inputSize)
	sy := float64(frameH) / float64(inputSize)
	at := func(row, col int) float64 {
		return float64(out.Data[row*out.Cols+col])
	}

	var dets []detection.Detection
	for i := range out.Cols {
		best, score := -1, 0.0
		for c := range classes {
			if s := at(4+c, i); s > score {
				best, score = c, s
			}
		}
		if best < 0 || score < minScore {
			continue
		}

		cx, cy, w, h := at(0, i)*sx, at(1, i)*sy, at(2, i)*sx, at(3, i)*sy
		dets = append(dets, detection.Detection{
			BBox: detection.BoundingBox{
				X1: clamp(cx-w/2, float64(frameW)),
				Y1: clamp(cy-h/2, float64(frameH)),
				X2: clamp(cx+w/2, float64(frameW)),
				Y2: clamp(cy+h/2, float64(frameH)),
			},
			Confidence: score,
			ClassID:    best,
		})
	}
	return dets
}

func clamp(v, hi float64) float64 {
	return math.Max(0, math.Min(v, hi))
}

// NMS applies greedy per-class non-maximum suppression. The result is
// ordered by descending confidence.
func NMS(dets []detection.Detection, iouThreshold float64) []detection.Detection {
	sorted := slices.Clone(dets)
	slices.SortStableFunc(sorted, func(a, b detection.Detection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	kept := make([]detection.Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == d.ClassID && IoU(k.BBox, d.BBox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b detection.BoundingBox) float64 {
	iw := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	ih := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
