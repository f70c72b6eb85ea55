package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/e7canasta/orion-vision/internal/config"
	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
	"github.com/e7canasta/orion-vision/modules/registry"
	"github.com/e7canasta/orion-vision/modules/service"
)

// VehicleDetectionConfig tunes vehicle post-processing.
type VehicleDetectionConfig struct {
	VehicleTypes            []string           `json:"vehicle_types"`
	MinVehicleSize          float64            `json:"min_vehicle_size" validate:"gte=0"`
	ConfidenceByType        map[string]float64 `json:"confidence_by_type" validate:"omitempty,dive,gte=0,lte=1"`
	EnableTracking          bool               `json:"enable_tracking"`
	EnableSubClassification bool               `json:"enable_sub_classification"`
}

// VehicleStreamRequest is the body of POST /vehicle-ai/start-detection.
type VehicleStreamRequest struct {
	StreamURL           string                  `json:"stream_url" validate:"required"`
	Protocol            string                  `json:"protocol" validate:"omitempty,protocol"`
	DetectorType        string                  `json:"detector_type" validate:"omitempty,oneof=vehicle_detector multi_vehicle_type"`
	VehicleConfig       *VehicleDetectionConfig `json:"vehicle_config"`
	ConfidenceThreshold float64                 `json:"confidence_threshold" validate:"gte=0,lte=1"`
	Device              string                  `json:"device"`
	MaxFPS              float64                 `json:"max_fps" validate:"gte=0"`
}

func defaultVehicleConfig() VehicleDetectionConfig {
	return VehicleDetectionConfig{
		VehicleTypes:   []string{detector.VehicleCar, detector.VehicleTruck, detector.VehicleBus, detector.VehicleMotorcycle, detector.VehicleBicycle},
		MinVehicleSize: detection.DefaultMinVehicleSize,
		EnableTracking: true,
	}
}

func invalidVehicleTypes(types []string) []string {
	supported := detector.VehicleTypes()
	var bad []string
	for _, t := range types {
		if !slices.Contains(supported, t) {
			bad = append(bad, t)
		}
	}
	return bad
}

func (r VehicleStreamRequest) serviceConfig(resolve func(string) string) (service.Config, error) {
	if err := config.Struct(r); err != nil {
		return service.Config{}, err
	}
	vc := defaultVehicleConfig()
	if r.VehicleConfig != nil {
		vc = *r.VehicleConfig
	}
	if bad := invalidVehicleTypes(vc.VehicleTypes); len(bad) > 0 {
		return service.Config{}, &detection.ConfigError{
			Key:     "vehicle_types",
			Message: fmt.Sprintf("invalid vehicle types %v, supported: %v", bad, detector.VehicleTypes()),
		}
	}

	protocol := strings.ToLower(r.Protocol)
	if protocol == "" {
		p, err := registry.DetectProtocol(r.StreamURL)
		if err != nil {
			return service.Config{}, err
		}
		protocol = p
	}

	tag := r.DetectorType
	if tag == "" {
		tag = detection.DetectorVehicle
	}
	maxFPS := r.MaxFPS
	if maxFPS == 0 {
		maxFPS = service.DefaultMaxFPS
	}
	proc := service.DefaultProcessing()
	proc.MaxFPS = maxFPS
	proc.EnableTracking = vc.EnableTracking

	return service.Config{
		DetectorTag: tag,
		Model: detection.ModelConfig{
			Variant:             detection.DetectorYOLOv11Medium,
			ConfidenceThreshold: r.ConfidenceThreshold,
			Device:              resolve(r.Device),
			Vehicle: detection.VehicleConfig{
				Types:             vc.VehicleTypes,
				MinSize:           vc.MinVehicleSize,
				ConfidenceByType:  vc.ConfidenceByType,
				SubClassification: vc.EnableSubClassification,
			},
		},
		Stream: detection.StreamDescriptor{
			URL:      r.StreamURL,
			Protocol: protocol,
		},
		Processing: proc,
	}, nil
}

func (h *Handler) startVehicle(w http.ResponseWriter, req VehicleStreamRequest) {
	cfg, err := req.serviceConfig(h.resolveDevice)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.startAsync(cfg)
	if err != nil {
		respondWithError(w, statusFor(err), fmt.Sprintf("failed to start vehicle detection: %v", err))
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"service_id":       id,
		"status":           "starting",
		"message":          "Vehicle detection service starting",
		"detector_type":    cfg.DetectorTag,
		"vehicle_types":    cfg.Model.Vehicle.Types,
		"tracking_enabled": cfg.Processing.EnableTracking,
		"timestamp":        time.Now(),
	})
}

func (h *Handler) startVehicleDetection(w http.ResponseWriter, r *http.Request) {
	var req VehicleStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	h.startVehicle(w, req)
}

// quickStartVehicle takes stream_url, repeated vehicle_types, confidence,
// enable_tracking and device from the query string.
func (h *Handler) quickStartVehicle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	confidence, err := floatParam(q.Get("confidence"), detection.DefaultConfidence)
	if err != nil || confidence < 0.1 || confidence > 1 {
		respondWithError(w, http.StatusBadRequest, "confidence must be within [0.1, 1.0]")
		return
	}
	tracking := true
	if raw := q.Get("enable_tracking"); raw != "" {
		if tracking, err = strconv.ParseBool(raw); err != nil {
			respondWithError(w, http.StatusBadRequest, "enable_tracking must be a boolean")
			return
		}
	}
	types := q["vehicle_types"]
	if len(types) == 0 {
		types = []string{detector.VehicleCar, detector.VehicleTruck, detector.VehicleBus}
	}

	vc := defaultVehicleConfig()
	vc.VehicleTypes = types
	vc.EnableTracking = tracking

	h.startVehicle(w, VehicleStreamRequest{
		StreamURL:           q.Get("stream_url"),
		VehicleConfig:       &vc,
		ConfidenceThreshold: confidence,
		Device:              q.Get("device"),
	})
}

func isVehicleTag(tag string) bool {
	return tag == detection.DetectorVehicle || tag == detection.DetectorMultiVehicleType
}

func (h *Handler) vehicleStatistics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	svc, err := h.manager.Get(id)
	if err != nil || !isVehicleTag(svc.Config().DetectorTag) {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Vehicle service %s not found", id))
		return
	}

	info := svc.SystemInfo()
	stats, ok := info.Detector.Extra["vehicle_statistics"]
	if !ok {
		stats = map[string]string{"error": "Not a vehicle detector"}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"service_id":         id,
		"vehicle_statistics": stats,
		"system_info":        info,
		"timestamp":          time.Now(),
	})
}

func (h *Handler) vehicleTypes(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"supported_types": detector.VehicleTypes(),
		"categories":      detector.VehicleCategories(),
		"coco_classes":    detector.VehicleClassNames(),
	})
}

// VehiclePreset is a ready-made vehicle configuration for a common scenario.
type VehiclePreset struct {
	VehicleTypes            []string           `json:"vehicle_types"`
	ConfidenceThreshold     float64            `json:"confidence_threshold"`
	MinVehicleSize          float64            `json:"min_vehicle_size"`
	EnableTracking          bool               `json:"enable_tracking"`
	EnableSubClassification bool               `json:"enable_sub_classification,omitempty"`
	ConfidenceByType        map[string]float64 `json:"confidence_by_type,omitempty"`
}

// VehiclePresets returns the built-in scenarios by name.
func VehiclePresets() map[string]VehiclePreset {
	return map[string]VehiclePreset{
		"traffic_monitoring": {
			VehicleTypes:        []string{"car", "truck", "bus", "motorcycle"},
			ConfidenceThreshold: 0.6,
			MinVehicleSize:      200,
			EnableTracking:      true,
			ConfidenceByType:    map[string]float64{"car": 0.5, "truck": 0.6, "bus": 0.6, "motorcycle": 0.4},
		},
		"parking_monitoring": {
			VehicleTypes:        []string{"car", "motorcycle", "bicycle"},
			ConfidenceThreshold: 0.7,
			MinVehicleSize:      500,
			ConfidenceByType:    map[string]float64{"car": 0.7, "motorcycle": 0.6, "bicycle": 0.5},
		},
		"highway_monitoring": {
			VehicleTypes:            []string{"car", "truck", "bus"},
			ConfidenceThreshold:     0.5,
			MinVehicleSize:          100,
			EnableTracking:          true,
			EnableSubClassification: true,
			ConfidenceByType:        map[string]float64{"car": 0.5, "truck": 0.6, "bus": 0.6},
		},
		"comprehensive": {
			VehicleTypes:            detector.VehicleTypes(),
			ConfidenceThreshold:     0.4,
			MinVehicleSize:          50,
			EnableTracking:          true,
			EnableSubClassification: true,
		},
	}
}

func (h *Handler) vehiclePresets(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, VehiclePresets())
}

func (h *Handler) vehicleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, s := range h.manager.List() {
		if isVehicleTag(s.DetectorType) {
			active++
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":                  "healthy",
		"active_services":         active,
		"supported_detectors":     []string{detection.DetectorVehicle, detection.DetectorMultiVehicleType},
		"supported_vehicle_types": detector.VehicleTypes(),
		"timestamp":               time.Now(),
	})
}
