package detector_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
)

type toyModel struct {
	label string
}

func TestNewCustomRequiresCallbacks(t *testing.T) {
	_, err := detector.NewCustom(detector.CustomConfig[*toyModel]{}, detection.ModelConfig{})
	assert.ErrorIs(t, err, detection.ErrConfiguration)
	assert.Contains(t, err.Error(), "custom.load")

	_, err = detector.NewCustom(detector.CustomConfig[*toyModel]{
		Load: func(context.Context, detection.ModelConfig, detector.Device) (*toyModel, error) {
			return &toyModel{}, nil
		},
	}, detection.ModelConfig{})
	assert.ErrorIs(t, err, detection.ErrConfiguration)
	assert.Contains(t, err.Error(), "custom.inference")
}

func TestCustomBackendRunsCallbacks(t *testing.T) {
	var unloaded atomic.Int32
	cc := detector.CustomConfig[*toyModel]{
		Load: func(context.Context, detection.ModelConfig, detector.Device) (*toyModel, error) {
			return &toyModel{label: "widget"}, nil
		},
		Infer: func(_ context.Context, m *toyModel, f detection.Frame) ([]detection.Detection, error) {
			return []detection.Detection{{
				BBox:       box(0, 0, float64(f.Width), float64(f.Height)),
				Confidence: 0.9,
				ClassName:  m.label,
			}}, nil
		},
		Preprocess: func(f detection.Frame) (detection.Frame, error) {
			f.Width, f.Height = 10, 10
			return f, nil
		},
		Postprocess: func(d []detection.Detection) []detection.Detection {
			for i := range d {
				d[i].Attributes["tagged"] = true
			}
			return d
		},
		Unload: func(*toyModel) error {
			unloaded.Add(1)
			return nil
		},
	}
	b, err := detector.NewCustom(cc, detection.ModelConfig{}, detector.WithWarmup(0))
	require.NoError(t, err)
	require.NoError(t, b.Load(context.Background()))

	r, err := b.DetectOne(context.Background(), frame(1))
	require.NoError(t, err)
	require.Len(t, r.Detections, 1)
	assert.Equal(t, "widget", r.Detections[0].ClassName)
	assert.Equal(t, 100.0, r.Detections[0].Attributes["area"])
	assert.Equal(t, true, r.Detections[0].Attributes["tagged"])

	info := b.ModelInfo()
	assert.Equal(t, "CustomModel", info.ModelType)
	assert.Equal(t, "1.0", info.Extra["model_version"])
	assert.Equal(t, true, info.Extra["has_preprocessing"])
	assert.Equal(t, detection.DetectorCustom, info.Variant)

	require.NoError(t, b.Unload())
	assert.Equal(t, int32(1), unloaded.Load())
}
