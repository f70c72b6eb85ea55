package service_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detection/detectiontest"
	"github.com/e7canasta/orion-vision/modules/registry"
	"github.com/e7canasta/orion-vision/modules/resultbus"
	"github.com/e7canasta/orion-vision/modules/service"
)

func fakeRegistry(frames int) *registry.Registry {
	reg := registry.New()
	reg.RegisterDetector("fake", func(string, detection.ModelConfig) (detection.DetectorBackend, error) {
		return &detectiontest.Backend{}, nil
	})
	reg.RegisterSource(detection.ProtocolFile, func(detection.StreamDescriptor) (detection.StreamSource, error) {
		return detectiontest.NewSource(frames), nil
	})
	return reg
}

func managerConfig() service.Config {
	return service.Config{
		DetectorTag: "fake",
		Stream:      detection.StreamDescriptor{URL: "/videos/clip.mp4"},
		Processing:  service.Processing{BatchSize: 1},
	}
}

func TestManagerAssignsSequentialIDs(t *testing.T) {
	m := service.NewManager(fakeRegistry(1), nil)

	id1, err := m.Create(managerConfig())
	require.NoError(t, err)
	id2, err := m.Create(managerConfig())
	require.NoError(t, err)

	assert.Equal(t, "service_1", id1)
	assert.Equal(t, "service_2", id2)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "service_1", list[0].ServiceID)
	assert.Equal(t, detection.ProtocolFile, list[0].StreamProtocol)
	assert.Equal(t, service.Idle, list[0].Status)
}

func TestManagerRejectsDuplicateAndUnknown(t *testing.T) {
	m := service.NewManager(fakeRegistry(1), nil)

	cfg := managerConfig()
	cfg.ID = "cam"
	_, err := m.Create(cfg)
	require.NoError(t, err)
	_, err = m.Create(cfg)
	assert.ErrorIs(t, err, detection.ErrConfiguration)

	cfg = managerConfig()
	cfg.DetectorTag = "yolov99"
	_, err = m.Create(cfg)
	var uerr *detection.UnknownTypeError
	assert.True(t, errors.As(err, &uerr))

	cfg = managerConfig()
	cfg.Stream.URL = "camera"
	_, err = m.Create(cfg)
	assert.ErrorIs(t, err, detection.ErrConfiguration)

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, service.ErrServiceNotFound)
	assert.ErrorIs(t, m.Remove(context.Background(), "nope"), service.ErrServiceNotFound)
}

func TestManagerLogsThroughServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := service.NewManager(fakeRegistry(1), nil, service.WithLogger(logger))

	id, err := m.Create(managerConfig())
	require.NoError(t, err)
	require.NoError(t, m.Remove(context.Background(), id))

	assert.Contains(t, buf.String(), "service: created")
	assert.Contains(t, buf.String(), "service: removed")
	assert.Contains(t, buf.String(), "service_id="+id)
}

func TestManagerPublishesResultsToBus(t *testing.T) {
	bus := resultbus.New()
	defer bus.Close()

	ch := make(chan resultbus.Envelope, 10)
	require.NoError(t, bus.Subscribe("test", ch))

	m := service.NewManager(fakeRegistry(3), bus)
	id, err := m.CreateAndStart(context.Background(), managerConfig())
	require.NoError(t, err)

	for want := uint64(0); want < 3; want++ {
		select {
		case env := <-ch:
			assert.Equal(t, id, env.ServiceID)
			assert.Equal(t, want, env.Result.FrameID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", want)
		}
	}

	require.NoError(t, m.Remove(context.Background(), id))
	assert.Equal(t, 0, m.Len())
}

func TestManagerShutdownCleansUpAll(t *testing.T) {
	m := service.NewManager(fakeRegistry(-1), nil)

	for i := 0; i < 3; i++ {
		_, err := m.CreateAndStart(context.Background(), managerConfig())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.Len())
}

func TestPresets(t *testing.T) {
	cfg := service.RTSPYOLOConfig("rtsp://cam/1", "", 0, 10)
	assert.Equal(t, detection.DetectorYOLOv11Nano, cfg.DetectorTag)
	assert.Equal(t, detection.ProtocolRTSP, cfg.Stream.Protocol)
	assert.Equal(t, 0.5, cfg.Model.ConfidenceThreshold)
	assert.Equal(t, "cpu", cfg.Model.Device)
	assert.Equal(t, 10.0, cfg.Processing.MaxFPS)
	require.NoError(t, cfg.Validate())

	cfg = service.RTMPYOLOConfig("rtmp://host/app", detection.DetectorYOLOv11Small, 0.3, 0)
	assert.Equal(t, detection.ProtocolRTMP, cfg.Stream.Protocol)
	assert.Equal(t, detection.DetectorYOLOv11Small, cfg.Model.Variant)
}
