package detector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
)

func TestSizeCategory(t *testing.T) {
	tests := []struct {
		vehicle string
		area    float64
		want    string
	}{
		{"bicycle", 4999, "small"},
		{"motorcycle", 5000, "medium"},
		{"motorcycle", 15000, "large"},
		{"car", 9000, "small"},
		{"car", 24999, "medium"},
		{"car", 25000, "large"},
		{"truck", 19999, "small"},
		{"bus", 49999, "medium"},
		{"bus", 60000, "large"},
		{"boat", 100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detector.SizeCategory(tt.vehicle, tt.area), "%s %.0f", tt.vehicle, tt.area)
	}
}

func TestSubType(t *testing.T) {
	assert.Equal(t, "sedan", detector.SubType("car", box(0, 0, 300, 100)))
	assert.Equal(t, "suv", detector.SubType("car", box(0, 0, 100, 80)))
	assert.Equal(t, "hatchback", detector.SubType("car", box(0, 0, 200, 100)))
	assert.Equal(t, "heavy_truck", detector.SubType("truck", box(0, 0, 300, 200)))
	assert.Equal(t, "light_truck", detector.SubType("truck", box(0, 0, 100, 100)))
	assert.Empty(t, detector.SubType("bus", box(0, 0, 100, 100)))
}

func TestVehicleProcessorFilters(t *testing.T) {
	cfg := detection.VehicleConfig{
		Types:            []string{"car", "truck"},
		MinSize:          100,
		ConfidenceByType: map[string]float64{"truck": 0.8},
	}
	p := detector.NewVehicleProcessor(cfg, 0.5, false)

	out := p.Process([]detection.Detection{
		{BBox: box(0, 0, 100, 50), Confidence: 0.6, ClassID: 2}, // car kept
		{BBox: box(0, 0, 5, 5), Confidence: 0.9, ClassID: 2},    // too small
		{BBox: box(0, 0, 100, 50), Confidence: 0.7, ClassID: 7}, // truck below its threshold
		{BBox: box(0, 0, 100, 50), Confidence: 0.9, ClassID: 5}, // bus not allowed
		{BBox: box(0, 0, 100, 50), Confidence: 0.9, ClassID: 0}, // person
		{BBox: box(0, 0, 200, 100), Confidence: 0.85, ClassID: 7},
	})
	require.Len(t, out, 2)

	car := out[0]
	assert.Equal(t, "car", car.ClassName)
	assert.Equal(t, "car", car.Attributes["vehicle_type"])
	assert.Equal(t, "small", car.Attributes["size_category"])
	assert.Equal(t, 2.0, car.Attributes["aspect_ratio"])
	assert.Equal(t, "vehicle_0_0", car.Attributes["detection_id"])
	assert.NotContains(t, car.Attributes, "sub_type")

	truck := out[1]
	assert.Equal(t, "medium", truck.Attributes["size_category"])
	assert.Equal(t, "vehicle_0_5", truck.Attributes["detection_id"])

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.TotalDetections)
	assert.Equal(t, map[string]uint64{"car": 1, "truck": 1}, stats.CountsByType)
	assert.Equal(t, []string{"car", "truck"}, stats.TypesFilter)
}

func TestMultiVehicleTypeAddsSubTypes(t *testing.T) {
	cfg := detection.VehicleConfig{
		MinSize:           100,
		SubClassification: true,
		CustomTypes:       map[string]string{"car": "passenger"},
	}
	p := detector.NewVehicleProcessor(cfg, 0.5, true)

	out := p.Process([]detection.Detection{
		{BBox: box(0, 0, 300, 100), Confidence: 0.9, ClassID: 2},
		{BBox: box(0, 0, 300, 200), Confidence: 0.9, ClassID: 7},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "sedan", out[0].Attributes["sub_type"])
	assert.Equal(t, "passenger", out[0].Attributes["custom_type"])
	assert.Equal(t, "heavy_truck", out[1].Attributes["sub_type"])
	assert.NotContains(t, out[1].Attributes, "custom_type")
}

func TestVehicleDetectorEndToEnd(t *testing.T) {
	loader := newFakeLoader(
		detection.Detection{BBox: box(0, 0, 200, 100), Confidence: 0.9, ClassID: 2},
		detection.Detection{BBox: box(0, 0, 200, 100), Confidence: 0.9, ClassID: 0},
		detection.Detection{BBox: box(0, 0, 200, 100), Confidence: 0.35, ClassID: 3},
	)
	cfg := detection.ModelConfig{
		Vehicle: detection.VehicleConfig{ConfidenceByType: map[string]float64{"motorcycle": 0.3}},
	}
	b, err := detector.NewVehicle(detection.DetectorVehicle, cfg, loader.load, detector.WithWarmup(0))
	require.NoError(t, err)
	require.NoError(t, b.Load(context.Background()))

	r, err := b.DetectOne(context.Background(), frame(0))
	require.NoError(t, err)
	require.Len(t, r.Detections, 2)

	assert.Equal(t, "VehicleDetector", r.ModelInfo["detector_type"])
	assert.Equal(t, map[string]int{"car": 1, "motorcycle": 1}, r.ModelInfo["vehicle_counts"])
	assert.Equal(t, []string{"car", "motorcycle"}, r.ModelInfo["vehicle_types_detected"])
	assert.Equal(t, uint64(2), r.ModelInfo["total_vehicles_detected"])

	info := b.ModelInfo()
	assert.Equal(t, "VehicleDetector", info.ModelType)
	stats, ok := info.Extra["vehicle_statistics"].(detector.VehicleStats)
	require.True(t, ok)
	assert.Equal(t, uint64(2), stats.TotalDetections)
}

func TestVehicleCategoriesCoverKnownTypes(t *testing.T) {
	all := detector.VehicleTypes()
	for name, types := range detector.VehicleCategories() {
		for _, v := range types {
			assert.Contains(t, all, v, name)
		}
	}
	assert.Len(t, detector.VehicleClassNames(), len(all))
	assert.Equal(t, "car", detector.VehicleClassNames()[2])
}
