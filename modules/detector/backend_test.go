package detector_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
	"github.com/e7canasta/orion-vision/modules/registry"
)

// fakeEngine returns a fixed set of detections for every frame.
type fakeEngine struct {
	dets   []detection.Detection
	fail   func(detection.Frame) error
	calls  atomic.Int64
	closed atomic.Bool
}

func (e *fakeEngine) Infer(_ context.Context, frame detection.Frame) ([]detection.Detection, error) {
	e.calls.Add(1)
	if e.fail != nil {
		if err := e.fail(frame); err != nil {
			return nil, err
		}
	}
	out := make([]detection.Detection, len(e.dets))
	copy(out, e.dets)
	return out, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// fakeLoader hands out one engine per device and fails the devices in broken.
type fakeLoader struct {
	mu      sync.Mutex
	engines map[int]*fakeEngine
	broken  map[int]bool
	dets    []detection.Detection
	fail    func(detection.Frame) error
}

func newFakeLoader(dets ...detection.Detection) *fakeLoader {
	return &fakeLoader{engines: make(map[int]*fakeEngine), broken: make(map[int]bool), dets: dets}
}

func (l *fakeLoader) load(_ context.Context, _ detection.ModelConfig, dev detector.Device) (detector.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken[dev.ID] {
		return nil, fmt.Errorf("device %s unavailable", dev)
	}
	e := &fakeEngine{dets: l.dets, fail: l.fail}
	l.engines[dev.ID] = e
	return e, nil
}

func box(x1, y1, x2, y2 float64) detection.BoundingBox {
	return detection.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func frame(id uint64) detection.Frame {
	return detection.Frame{ID: id, Width: 640, Height: 480, Data: make([]byte, 640*480*3)}
}

func TestBackendFiltersAndAnnotates(t *testing.T) {
	loader := newFakeLoader(
		detection.Detection{BBox: box(0, 0, 10, 10), Confidence: 0.9, ClassID: 0},
		detection.Detection{BBox: box(0, 0, 10, 10), Confidence: 0.3, ClassID: 0},
		detection.Detection{BBox: box(5, 5, 25, 15), Confidence: 0.8, ClassID: 2},
	)
	b := detector.NewBackend(detection.ModelConfig{Variant: "yolov11n"}, loader.load, detector.WithWarmup(0))
	require.NoError(t, b.Load(context.Background()))
	defer b.Unload()

	r, err := b.DetectOne(context.Background(), frame(3))
	require.NoError(t, err)

	assert.Equal(t, uint64(3), r.FrameID)
	require.Len(t, r.Detections, 2)
	assert.Equal(t, "person", r.Detections[0].ClassName)
	assert.Equal(t, "car", r.Detections[1].ClassName)
	assert.Equal(t, 200.0, r.Detections[1].Attributes["area"])
	assert.Equal(t, [2]float64{15, 10}, r.Detections[1].Attributes["center"])
	assert.Equal(t, "YOLOv11", r.ModelInfo["model_type"])
	assert.Equal(t, 640, r.FrameWidth)
	assert.Equal(t, uint64(2), b.ModelInfo().DetectionCount)
}

func TestBackendClassFilterAndCap(t *testing.T) {
	loader := newFakeLoader(
		detection.Detection{BBox: box(0, 0, 1, 1), Confidence: 0.9, ClassID: 2},
		detection.Detection{BBox: box(0, 0, 1, 1), Confidence: 0.9, ClassID: 0},
		detection.Detection{BBox: box(0, 0, 1, 1), Confidence: 0.9, ClassID: 2},
		detection.Detection{BBox: box(0, 0, 1, 1), Confidence: 0.9, ClassID: 2},
	)
	cfg := detection.ModelConfig{Classes: []int{2}, MaxDetections: 2}
	b := detector.NewBackend(cfg, loader.load, detector.WithWarmup(0))
	require.NoError(t, b.Load(context.Background()))

	r, err := b.DetectOne(context.Background(), frame(0))
	require.NoError(t, err)
	require.Len(t, r.Detections, 2)
	for _, d := range r.Detections {
		assert.Equal(t, 2, d.ClassID)
	}
}

func TestBackendNotLoaded(t *testing.T) {
	b := detector.NewBackend(detection.ModelConfig{}, newFakeLoader().load)

	_, err := b.DetectOne(context.Background(), frame(9))
	assert.ErrorIs(t, err, detection.ErrNotLoaded)
	assert.ErrorIs(t, err, detection.ErrInference)

	_, err = b.DetectBatch(context.Background(), []detection.Frame{frame(0)})
	assert.ErrorIs(t, err, detection.ErrNotLoaded)

	assert.NoError(t, b.Unload())
	assert.False(t, b.ModelInfo().Loaded)
}

func TestBackendWarmupRunsPerDevice(t *testing.T) {
	loader := newFakeLoader()
	cfg := detection.ModelConfig{Devices: []int{0, 1}, InputSize: 32}
	b := detector.NewBackend(cfg, loader.load)
	require.NoError(t, b.Load(context.Background()))

	for id, e := range loader.engines {
		assert.Equal(t, int64(detection.DefaultWarmupInference), e.calls.Load(), "device %d", id)
	}
}

func TestBackendLoadIsIdempotent(t *testing.T) {
	loader := newFakeLoader()
	b := detector.NewBackend(detection.ModelConfig{}, loader.load, detector.WithWarmup(0))
	require.NoError(t, b.Load(context.Background()))
	require.NoError(t, b.Load(context.Background()))
	assert.Len(t, loader.engines, 1)
}

func TestBackendSkipsFailedDevices(t *testing.T) {
	loader := newFakeLoader(detection.Detection{BBox: box(0, 0, 1, 1), Confidence: 0.9})
	loader.broken[1] = true

	cfg := detection.ModelConfig{Devices: []int{0, 1, 2}}
	b := detector.NewBackend(cfg, loader.load, detector.WithWarmup(0))
	require.NoError(t, b.Load(context.Background()))

	for i := range 6 {
		f := frame(uint64(i))
		f.StreamID = i
		_, err := b.DetectOne(context.Background(), f)
		require.NoError(t, err)
	}

	info := b.ModelInfo()
	assert.True(t, info.MultiDevice)
	require.Len(t, info.Devices, 2)
	assert.Equal(t, 0, info.Devices[0].ID)
	assert.Equal(t, 2, info.Devices[1].ID)
	assert.Equal(t, uint64(3), info.Devices[0].Inferences)
	assert.Equal(t, uint64(3), info.Devices[1].Inferences)
	assert.InDelta(t, 50.0, info.Devices[0].LoadPercent, 1e-9)
}

func TestBackendAllDevicesFail(t *testing.T) {
	loader := newFakeLoader()
	loader.broken[0] = true
	loader.broken[1] = true

	b := detector.NewBackend(detection.ModelConfig{Devices: []int{0, 1}}, loader.load)
	err := b.Load(context.Background())
	assert.ErrorIs(t, err, detection.ErrModelLoad)
	assert.ErrorIs(t, err, detection.ErrResourceExhausted)
	assert.False(t, b.Loaded())

	single := detector.NewBackend(detection.ModelConfig{}, func(context.Context, detection.ModelConfig, detector.Device) (detector.Engine, error) {
		return nil, errors.New("no such file")
	})
	err = single.Load(context.Background())
	assert.ErrorIs(t, err, detection.ErrModelLoad)
	assert.NotErrorIs(t, err, detection.ErrResourceExhausted)
}

func TestBackendBatchIsolatesFailures(t *testing.T) {
	loader := newFakeLoader(detection.Detection{BBox: box(0, 0, 1, 1), Confidence: 0.9})
	loader.fail = func(f detection.Frame) error {
		if f.ID == 2 {
			return errors.New("corrupt frame")
		}
		return nil
	}
	b := detector.NewBackend(detection.ModelConfig{Devices: []int{0, 1}}, loader.load, detector.WithWarmup(0))
	require.NoError(t, b.Load(context.Background()))

	frames := []detection.Frame{frame(0), frame(1), frame(2), frame(3)}
	results, err := b.DetectBatch(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.Equal(t, uint64(i), r.FrameID)
		if i == 2 {
			assert.True(t, r.Failed())
			assert.Contains(t, r.ModelInfo["error"], "corrupt frame")
			assert.Empty(t, r.Detections)
			continue
		}
		assert.False(t, r.Failed())
		assert.Len(t, r.Detections, 1)
	}
}

func TestBackendBatchCancelled(t *testing.T) {
	b := detector.NewBackend(detection.ModelConfig{}, newFakeLoader().load, detector.WithWarmup(0))
	require.NoError(t, b.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.DetectBatch(ctx, []detection.Frame{frame(0)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackendUnloadClosesEngines(t *testing.T) {
	loader := newFakeLoader()
	b := detector.NewBackend(detection.ModelConfig{Devices: []int{0, 1}}, loader.load, detector.WithWarmup(0))
	require.NoError(t, b.Load(context.Background()))
	require.NoError(t, b.Unload())

	for _, e := range loader.engines {
		assert.True(t, e.closed.Load())
	}
	assert.False(t, b.Loaded())
}

func TestMultiGPUTagBalancesByDefault(t *testing.T) {
	loader := newFakeLoader()
	b, err := detector.NewYOLO("multi_gpu_yolov11n", detection.ModelConfig{Devices: []int{0, 1}}, loader.load, detector.WithWarmup(0))
	require.NoError(t, err)
	require.NoError(t, b.Load(context.Background()))
	assert.True(t, b.ModelInfo().LoadBalancing)

	// Every frame carries StreamID 0, which round robin pins to one device.
	for i := range 10 {
		_, err := b.DetectOne(context.Background(), frame(uint64(i)))
		require.NoError(t, err)
	}

	info := b.ModelInfo()
	require.Len(t, info.Devices, 2)
	assert.Equal(t, uint64(5), info.Devices[0].Inferences)
	assert.Equal(t, uint64(5), info.Devices[1].Inferences)
}

func TestMultiGPUTagHonoursDisabledBalancing(t *testing.T) {
	off := false
	loader := newFakeLoader()
	b, err := detector.NewYOLO("multi_gpu_yolov11n", detection.ModelConfig{Devices: []int{0, 1}, LoadBalancing: &off}, loader.load, detector.WithWarmup(0))
	require.NoError(t, err)
	require.NoError(t, b.Load(context.Background()))
	assert.False(t, b.ModelInfo().LoadBalancing)

	for i := range 4 {
		_, err := b.DetectOne(context.Background(), frame(uint64(i)))
		require.NoError(t, err)
	}
	info := b.ModelInfo()
	require.Len(t, info.Devices, 2)
	assert.Equal(t, uint64(4), info.Devices[0].Inferences)
	assert.Equal(t, uint64(0), info.Devices[1].Inferences)
}

func TestSingleDeviceTagIgnoresBalancing(t *testing.T) {
	on := true
	b, err := detector.NewYOLO("yolov11n", detection.ModelConfig{Devices: []int{0, 1}, LoadBalancing: &on}, newFakeLoader().load)
	require.NoError(t, err)
	assert.Nil(t, b.Config().LoadBalancing)
	assert.Empty(t, b.Config().Devices)
}

func TestRegisterBindsEveryTag(t *testing.T) {
	reg := registry.New()
	detector.Register(reg, newFakeLoader().load)

	for _, tag := range append(detection.YOLOTags(), detection.MultiGPUTags()...) {
		assert.True(t, reg.HasDetector(tag), tag)
	}
	assert.True(t, reg.HasDetector(detection.DetectorVehicle))
	assert.True(t, reg.HasDetector(detection.DetectorMultiVehicleType))

	b, err := reg.CreateDetector("multi_gpu_yolov11s", detection.ModelConfig{})
	require.NoError(t, err)
	info := b.ModelInfo()
	assert.Equal(t, "yolov11s", info.Variant)
	assert.Equal(t, "MultiGPU-YOLOv11", info.ModelType)
	assert.True(t, info.MultiDevice)
	assert.Equal(t, "yolov11s.onnx", info.Extra["model_file"])

	v, err := reg.CreateDetector(detection.DetectorVehicle, detection.ModelConfig{})
	require.NoError(t, err)
	assert.Equal(t, "yolov11n", v.ModelInfo().Variant)
	assert.Equal(t, detector.VehicleClassIDs(), v.ModelInfo().Config.Classes)
}

func TestNewYOLORejectsUnknownVariant(t *testing.T) {
	_, err := detector.NewYOLO("yolov11n", detection.ModelConfig{Variant: "yolov99"}, newFakeLoader().load)
	assert.ErrorIs(t, err, detection.ErrConfiguration)
}
