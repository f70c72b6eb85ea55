package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/service"
)

const sample = `
instance_id: edge-01
listen: ":9090"
engine: worker
model_dir: /models
worker:
  command: /usr/bin/yolo-worker
  timeout: 3s
mqtt:
  enabled: true
  broker: tcp://broker:1883
redis:
  enabled: true
  addr: localhost:6379
  latest_ttl: 30s
services:
  - id: gate
    detector: vehicle_detector
    autostart: true
    stream:
      url: rtsp://cam/gate
      protocol: RTSP
      timeout: 10s
    model:
      confidence_threshold: 0.4
      vehicle:
        types: [car, truck]
        min_size: 200
    processing:
      max_fps: 5
      skip_frames: 2
  - detector: yolov11n
    stream:
      url: synthetic://test
    model:
      model_dir: /other
      worker:
        command: /opt/worker
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "edge-01", cfg.InstanceID)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, EngineWorker, cfg.Engine)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, detection.DefaultMaxWorkers, cfg.InferencePool)
	assert.Equal(t, service.DefaultErrorThreshold, cfg.ErrorThreshold)
	assert.Equal(t, "orion/vision/edge-01", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "orion:vision:edge-01", cfg.Redis.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Redis.LatestTTL)

	require.Len(t, cfg.Services, 2)
	assert.Equal(t, 5.0, cfg.Services[0].Processing.MaxFPS)
	assert.Equal(t, service.DefaultProcessing(), cfg.Services[1].Processing)
}

func TestServiceConfigConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	gate := cfg.ServiceConfig(cfg.Services[0])
	assert.Equal(t, "gate", gate.ID)
	assert.Equal(t, "vehicle_detector", gate.DetectorTag)
	assert.Equal(t, "RTSP", gate.Stream.Protocol)
	assert.Equal(t, 10*time.Second, gate.Stream.Timeout)
	assert.Equal(t, "/models", gate.Model.ModelDir)
	assert.Equal(t, "/usr/bin/yolo-worker", gate.Model.Worker.Command)
	assert.Equal(t, []string{"car", "truck"}, gate.Model.Vehicle.Types)
	assert.Equal(t, 200.0, gate.Model.Vehicle.MinSize)
	require.NoError(t, gate.Validate())

	other := cfg.ServiceConfig(cfg.Services[1])
	assert.Empty(t, other.ID)
	assert.Equal(t, "/other", other.Model.ModelDir)
	assert.Equal(t, "/opt/worker", other.Model.Worker.Command)
}

func TestMultiDeviceLoadBalancingDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
services:
  - id: defaulted
    detector: multi_gpu_yolov11n
    stream:
      url: synthetic://a
    model:
      devices: [0, 1]
  - id: pinned
    detector: multi_gpu_yolov11n
    stream:
      url: synthetic://b
    model:
      devices: [0, 1]
      load_balancing: false
`))
	require.NoError(t, err)

	defaulted := cfg.ServiceConfig(cfg.Services[0])
	assert.Nil(t, defaulted.Model.LoadBalancing, "unset stays unset so the detector picks")
	assert.Equal(t, []int{0, 1}, defaulted.Model.Devices)

	pinned := cfg.ServiceConfig(cfg.Services[1])
	require.NotNil(t, pinned.Model.LoadBalancing)
	assert.False(t, pinned.Model.Balanced())
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, EngineDNN, cfg.Engine)
	assert.Equal(t, "auto", cfg.Acceleration)
	assert.Empty(t, cfg.Services)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ORION_LISTEN", ":7000")
	t.Setenv("ORION_ENGINE", "DNN")
	t.Setenv("ORION_LOG_LEVEL", "DEBUG")
	t.Setenv("ORION_MQTT_BROKER", "tcp://other:1883")
	t.Setenv("ORION_REDIS_ADDR", "redis:6379")
	t.Setenv("ORION_METRICS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, EngineDNN, cfg.Engine)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "tcp://other:1883", cfg.MQTT.Broker)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "listen: [unterminated"},
		{"unknown engine", "engine: tensorrt"},
		{"unknown acceleration", "acceleration: nvdec"},
		{"unknown protocol", "services:\n  - detector: yolov11n\n    stream:\n      url: x\n      protocol: ftp\n"},
		{"missing url", "services:\n  - detector: yolov11n\n"},
		{"missing detector", "services:\n  - stream:\n      url: rtsp://cam\n"},
		{"confidence out of range", "services:\n  - detector: yolov11n\n    stream:\n      url: rtsp://cam\n    model:\n      confidence_threshold: 1.5\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n"},
		{"duplicate ids", "services:\n  - id: a\n    detector: yolov11n\n    stream: {url: rtsp://a}\n  - id: a\n    detector: yolov11n\n    stream: {url: rtsp://b}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidationErrorsAreConfigErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: tensorrt"))
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ErrConfiguration)
	assert.Contains(t, err.Error(), "Engine")
}

func TestStructProtocolRule(t *testing.T) {
	type protocolHolder struct {
		Protocol string `validate:"protocol"`
	}
	for _, p := range []string{"rtsp", "RTMP", "http", "https", "file", "synthetic"} {
		assert.NoError(t, Struct(protocolHolder{Protocol: p}), p)
	}
	assert.Error(t, Struct(protocolHolder{Protocol: "udp"}))
	assert.Error(t, Struct(protocolHolder{}))
}
