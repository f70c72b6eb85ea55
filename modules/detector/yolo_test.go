package detector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
)

func TestDecodeYOLO(t *testing.T) {
	// Two classes, three candidates; columns are candidates.
	out := detector.YOLOOutput{
		Rows: 6,
		Cols: 3,
		Data: []float32{
			320, 100, 50, // cx
			320, 100, 50, // cy
			64, 20, 10, // w
			64, 20, 10, // h
			0.9, 0.1, 0.2, // class 0
			0.05, 0.7, 0.3, // class 1
		},
	}
	dets := detector.DecodeYOLO(out, 640, 1280, 640, 0.5)
	require.Len(t, dets, 2)

	assert.Equal(t, 0, dets[0].ClassID)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.Equal(t, detection.BoundingBox{X1: 576, Y1: 288, X2: 704, Y2: 352}, dets[0].BBox)

	assert.Equal(t, 1, dets[1].ClassID)
	assert.InDelta(t, 0.7, dets[1].Confidence, 1e-6)
}

func TestDecodeYOLOClampsAndRejectsBadShapes(t *testing.T) {
	out := detector.YOLOOutput{Rows: 5, Cols: 1, Data: []float32{2, 2, 20, 20, 0.9}}
	dets := detector.DecodeYOLO(out, 10, 10, 10, 0.5)
	require.Len(t, dets, 1)
	assert.Equal(t, detection.BoundingBox{X1: 0, Y1: 0, X2: 10, Y2: 10}, dets[0].BBox)

	assert.Nil(t, detector.DecodeYOLO(detector.YOLOOutput{Rows: 4, Cols: 1, Data: make([]float32, 4)}, 10, 10, 10, 0.5))
	assert.Nil(t, detector.DecodeYOLO(detector.YOLOOutput{Rows: 6, Cols: 3, Data: make([]float32, 5)}, 10, 10, 10, 0.5))
}

func TestIoU(t *testing.T) {
	assert.Equal(t, 1.0, detector.IoU(box(0, 0, 10, 10), box(0, 0, 10, 10)))
	assert.Equal(t, 0.0, detector.IoU(box(0, 0, 10, 10), box(10, 10, 20, 20)))
	assert.InDelta(t, 25.0/175.0, detector.IoU(box(0, 0, 10, 10), box(5, 5, 15, 15)), 1e-9)
}

func TestNMSKeepsBestPerClass(t *testing.T) {
	dets := []detection.Detection{
		{BBox: box(0, 0, 10, 10), Confidence: 0.6, ClassID: 0},
		{BBox: box(1, 1, 11, 11), Confidence: 0.9, ClassID: 0},
		{BBox: box(1, 1, 11, 11), Confidence: 0.8, ClassID: 1},
		{BBox: box(50, 50, 60, 60), Confidence: 0.7, ClassID: 0},
	}
	kept := detector.NMS(dets, 0.45)
	require.Len(t, kept, 3)
	assert.Equal(t, 0.9, kept[0].Confidence)
	assert.Equal(t, 0.8, kept[1].Confidence)
	assert.Equal(t, 0.7, kept[2].Confidence)
}

func TestNMSProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		dets := make([]detection.Detection, n)
		for i := range dets {
			x := rapid.Float64Range(0, 100).Draw(t, "x")
			y := rapid.Float64Range(0, 100).Draw(t, "y")
			w := rapid.Float64Range(1, 50).Draw(t, "w")
			h := rapid.Float64Range(1, 50).Draw(t, "h")
			dets[i] = detection.Detection{
				BBox:       box(x, y, x+w, y+h),
				Confidence: rapid.Float64Range(0, 1).Draw(t, "conf"),
				ClassID:    rapid.IntRange(0, 2).Draw(t, "class"),
			}
		}
		threshold := rapid.Float64Range(0.1, 0.9).Draw(t, "iou")
		kept := detector.NMS(dets, threshold)

		if len(kept) > len(dets) {
			t.Fatalf("NMS grew the set: %d > %d", len(kept), len(dets))
		}
		if n > 0 && len(kept) == 0 {
			t.Fatal("NMS dropped every detection")
		}
		for i := range kept {
			if i > 0 && kept[i].Confidence > kept[i-1].Confidence {
				t.Fatal("result not ordered by confidence")
			}
			for j := i + 1; j < len(kept); j++ {
				if kept[i].ClassID == kept[j].ClassID && detector.IoU(kept[i].BBox, kept[j].BBox) > threshold {
					t.Fatalf("overlapping boxes of class %d both kept", kept[i].ClassID)
				}
			}
		}
	})
}
