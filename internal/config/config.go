// Package config loads the orion-vision daemon configuration.
//
// Configuration comes from a YAML file, then ORION_* environment overrides,
// then defaults, then validation. A missing file path yields Default().
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/service"
)

// Engine names select how YOLO and vehicle detectors run.
const (
	EngineDNN    = "dnn"
	EngineWorker = "worker"
)

// Config is the complete daemon configuration.
type Config struct {
	InstanceID      string        `yaml:"instance_id" validate:"required,max=64"`
	Listen          string        `yaml:"listen" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Engine runs YOLO/vehicle detectors in process (dnn) or in external
	// workers (worker).
	Engine string `yaml:"engine" validate:"oneof=dnn worker"`
	// Worker is the default external worker for the custom detector and the
	// worker engine. A service can override it.
	Worker detection.WorkerConfig `yaml:"worker"`
	// ModelDir is where services without model_dir look for model files.
	ModelDir string `yaml:"model_dir"`
	// Acceleration selects the RTSP H.264 decoder of GStreamer sources.
	Acceleration string `yaml:"acceleration" validate:"oneof=auto vaapi software"`

	InferencePool  int `yaml:"inference_pool" validate:"gte=0"`
	ErrorThreshold int `yaml:"error_threshold" validate:"gte=0"`

	MQTT  MQTTConfig  `yaml:"mqtt"`
	Redis RedisConfig `yaml:"redis"`

	Services []ServiceSpec `yaml:"services" validate:"dive"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"startswith=/"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
	Retain      bool   `yaml:"retain"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db" validate:"gte=0"`
	Prefix    string        `yaml:"prefix"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// ServiceSpec declares a service created at startup.
type ServiceSpec struct {
	ID         string             `yaml:"id"`
	Detector   string             `yaml:"detector" validate:"required"`
	Autostart  bool               `yaml:"autostart"`
	Stream     StreamSpec         `yaml:"stream"`
	Model      ModelSpec          `yaml:"model"`
	Processing service.Processing `yaml:"processing"`
}

type StreamSpec struct {
	URL           string               `yaml:"url" validate:"required"`
	Protocol      string               `yaml:"protocol" validate:"omitempty,protocol"`
	FPS           float64              `yaml:"fps" validate:"gte=0"`
	Resolution    detection.Resolution `yaml:"resolution"`
	Timeout       time.Duration        `yaml:"timeout"`
	RetryAttempts int                  `yaml:"retry_attempts" validate:"gte=0"`
	BufferSize    int                  `yaml:"buffer_size" validate:"gte=0"`
	Auth          *detection.Auth      `yaml:"auth"`
	Params        map[string]string    `yaml:"params"`
}

type ModelSpec struct {
	Variant             string                  `yaml:"variant"`
	ModelPath           string                  `yaml:"model_path"`
	ModelDir            string                  `yaml:"model_dir"`
	ConfidenceThreshold float64                 `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	IOUThreshold        float64                 `yaml:"iou_threshold" validate:"gte=0,lte=1"`
	Device              string                  `yaml:"device"`
	MaxDetections       int                     `yaml:"max_detections" validate:"gte=0"`
	Classes             []int                   `yaml:"classes"`
	ClassNames          []string                `yaml:"class_names"`
	HalfPrecision       bool                    `yaml:"half_precision"`
	InputSize           int                     `yaml:"input_size" validate:"gte=0"`
	Devices             []int                   `yaml:"devices"`
	LoadBalancing       *bool                   `yaml:"load_balancing"`
	MaxWorkers          int                     `yaml:"max_workers" validate:"gte=0"`
	Vehicle             detection.VehicleConfig `yaml:"vehicle"`
	Worker              *detection.WorkerConfig `yaml:"worker"`
}

// Default returns a configuration with every default applied and no
// services.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Load reads path, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvironmentOverrides(cfg)
	setDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("ORION_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("ORION_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("ORION_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ORION_ENGINE"); v != "" {
		cfg.Engine = strings.ToLower(v)
	}
	if v := os.Getenv("ORION_MODEL_DIR"); v != "" {
		cfg.ModelDir = v
	}
	if v := os.Getenv("ORION_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = v
	}
	if v := os.Getenv("ORION_MQTT_BROKER"); v != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("ORION_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("ORION_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("ORION_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ORION_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ORION_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.InstanceID = strings.ToLower(host)
		} else {
			cfg.InstanceID = "orion-vision"
		}
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineDNN
	}
	if cfg.Acceleration == "" {
		cfg.Acceleration = "auto"
	}
	if cfg.InferencePool <= 0 {
		cfg.InferencePool = detection.DefaultMaxWorkers
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = service.DefaultErrorThreshold
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "orion/vision/" + cfg.InstanceID
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "orion:vision:" + cfg.InstanceID
	}
	for i := range cfg.Services {
		if cfg.Services[i].Processing == (service.Processing{}) {
			cfg.Services[i].Processing = service.DefaultProcessing()
		}
	}
}

// ServiceConfig converts a service entry to a service configuration, filling the
// model directory and worker from the daemon defaults.
func (c *Config) ServiceConfig(spec ServiceSpec) service.Config {
	m := spec.Model
	model := detection.ModelConfig{
		Variant:             m.Variant,
		ModelPath:           m.ModelPath,
		ModelDir:            m.ModelDir,
		ConfidenceThreshold: m.ConfidenceThreshold,
		IOUThreshold:        m.IOUThreshold,
		Device:              m.Device,
		MaxDetections:       m.MaxDetections,
		Classes:             m.Classes,
		ClassNames:          m.ClassNames,
		HalfPrecision:       m.HalfPrecision,
		InputSize:           m.InputSize,
		Devices:             m.Devices,
		LoadBalancing:       m.LoadBalancing,
		MaxWorkers:          m.MaxWorkers,
		Vehicle:             m.Vehicle,
		Worker:              c.Worker,
	}
	if model.ModelDir == "" {
		model.ModelDir = c.ModelDir
	}
	if m.Worker != nil {
		model.Worker = *m.Worker
	}

	s := spec.Stream
	return service.Config{
		ID:          spec.ID,
		DetectorTag: spec.Detector,
		Model:       model,
		Stream: detection.StreamDescriptor{
			URL:           s.URL,
			Protocol:      s.Protocol,
			FPS:           s.FPS,
			Resolution:    s.Resolution,
			Timeout:       s.Timeout,
			RetryAttempts: s.RetryAttempts,
			BufferSize:    s.BufferSize,
			Auth:          s.Auth,
			Params:        s.Params,
		},
		Processing: spec.Processing,
	}
}
