package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/emitter"
	"github.com/e7canasta/orion-vision/modules/registry"
	"github.com/e7canasta/orion-vision/modules/resultbus"
	"github.com/e7canasta/orion-vision/modules/service"
)

const (
	defaultResultTimeout = time.Second
	minResultTimeout     = 100 * time.Millisecond
	maxResultTimeout     = 10 * time.Second
)

// resolveDevice maps "auto" (or an empty device) to the probe's
// recommendation.
func (h *Handler) resolveDevice(device string) string {
	if device == "" || device == detection.DefaultDevice {
		return h.probe().RecommendedDevice
	}
	return device
}

func (h *Handler) startDetection(w http.ResponseWriter, r *http.Request) {
	var req StartDetectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	cfg, err := req.serviceConfig(h.resolveDevice)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.Stream.Protocol == "" {
		p, err := registry.DetectProtocol(cfg.Stream.URL)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "unable to detect protocol from URL, specify protocol explicitly")
			return
		}
		cfg.Stream.Protocol = p
	}

	id, err := h.startAsync(cfg)
	if err != nil {
		respondWithError(w, statusFor(err), fmt.Sprintf("failed to start detection: %v", err))
		return
	}

	respondWithJSON(w, http.StatusOK, ServiceResponse{
		ServiceID: id,
		Status:    "starting",
		Message:   "Detection service starting",
		Timestamp: time.Now(),
	})
}

// startPreset serves /start-rtsp and /start-rtmp. Parameters come from the
// query string.
func (h *Handler) startPreset(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		url := q.Get(protocol + "_url")
		if url == "" {
			respondWithError(w, http.StatusBadRequest, protocol+"_url is required")
			return
		}

		confidence, err := floatParam(q.Get("confidence_threshold"), detection.DefaultConfidence)
		if err != nil || confidence < 0 || confidence > 1 {
			respondWithError(w, http.StatusBadRequest, "confidence_threshold must be a number within [0, 1]")
			return
		}
		maxFPS, err := floatParam(q.Get("max_fps"), service.DefaultMaxFPS)
		if err != nil || maxFPS < 0 {
			respondWithError(w, http.StatusBadRequest, "max_fps must be a non-negative number")
			return
		}

		var cfg service.Config
		if protocol == detection.ProtocolRTMP {
			cfg = service.RTMPYOLOConfig(url, q.Get("model_variant"), confidence, maxFPS)
		} else {
			cfg = service.RTSPYOLOConfig(url, q.Get("model_variant"), confidence, maxFPS)
		}
		if d := q.Get("device"); d != "" {
			cfg.Model.Device = h.resolveDevice(d)
		}
		cfg.ID = h.manager.NextID(protocol + "_service")

		id, err := h.startAsync(cfg)
		if err != nil {
			respondWithError(w, statusFor(err), fmt.Sprintf("failed to start %s detection: %v", protocol, err))
			return
		}

		respondWithJSON(w, http.StatusOK, ServiceResponse{
			ServiceID: id,
			Status:    "starting",
			Message:   fmt.Sprintf("%s detection starting for %s", protocol, url),
			Timestamp: time.Now(),
		})
	}
}

func floatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func (h *Handler) stopDetection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.manager.Get(id); err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}

	h.background("stop", id, func(ctx context.Context) error {
		return h.manager.Remove(ctx, id)
	})

	respondWithJSON(w, http.StatusOK, ServiceResponse{
		ServiceID: id,
		Status:    "stopping",
		Message:   "Detection service stopping",
		Timestamp: time.Now(),
	})
}

func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.manager.Get(id); err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}

	h.background("delete", id, func(ctx context.Context) error {
		return h.manager.Remove(ctx, id)
	})

	respondWithJSON(w, http.StatusOK, ServiceResponse{
		ServiceID: id,
		Status:    "deleted",
		Message:   "Service marked for deletion",
		Timestamp: time.Now(),
	})
}

func (h *Handler) serviceStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	svc, err := h.manager.Get(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"service_id":        id,
		"system_info":       svc.SystemInfo(),
		"performance_stats": svc.PerformanceStats(),
		"timestamp":         time.Now(),
	})
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	services := h.manager.List()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"services":    services,
		"total_count": len(services),
		"timestamp":   time.Now(),
	})
}

func (h *Handler) latestResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	svc, err := h.manager.Get(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}

	timeout := defaultResultTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		d := time.Duration(secs * float64(time.Second))
		if err != nil || d < minResultTimeout || d > maxResultTimeout {
			respondWithError(w, http.StatusBadRequest, "timeout must be between 0.1 and 10 seconds")
			return
		}
		timeout = d
	}

	result, ok := svc.LatestResult(r.Context(), timeout)
	if !ok {
		respondWithJSON(w, http.StatusOK, map[string]any{
			"service_id": id,
			"result":     nil,
			"message":    "No recent results available",
			"timestamp":  time.Now(),
		})
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"service_id": id,
		"result":     emitter.NewPayload(id, result),
		"timestamp":  time.Now(),
	})
}

// streamResults writes every result of one service as a server-sent event
// until the client goes away or the service is removed.
func (h *Handler) streamResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	svc, err := h.manager.Get(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ctx := r.Context()
	if h.bus == nil {
		for result := range svc.Results(ctx) {
			if !send(emitter.NewPayload(id, result)) {
				return
			}
		}
		return
	}

	subID := "sse-" + uuid.NewString()
	ch := make(chan resultbus.Envelope, 16)
	if err := h.bus.Subscribe(subID, ch); err != nil {
		send(map[string]string{"error": err.Error()})
		return
	}
	defer h.bus.Unsubscribe(subID)

	gone := time.NewTicker(time.Second)
	defer gone.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone.C:
			if _, err := h.manager.Get(id); err != nil {
				return
			}
		case env := <-ch:
			if env.ServiceID != id {
				continue
			}
			if !send(emitter.NewPayload(id, env.Result)) {
				return
			}
		}
	}
}

func (h *Handler) gpuInfo(w http.ResponseWriter, r *http.Request) {
	info := h.probe()

	utilization := make(map[string]any)
	for _, s := range h.manager.List() {
		svc, err := h.manager.Get(s.ServiceID)
		if err != nil {
			continue
		}
		if devices := svc.SystemInfo().Detector.Devices; len(devices) > 0 {
			utilization[s.ServiceID] = devices
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"gpu_info":            info,
		"current_utilization": utilization,
		"timestamp":           time.Now(),
	})
}

func (h *Handler) validationIssues() []string {
	issues := []string{}
	if len(h.reg.DetectorTags()) == 0 {
		issues = append(issues, "no detector backends registered")
	}
	if len(h.reg.SourceTags()) == 0 {
		issues = append(issues, "no stream protocols registered")
	}
	return issues
}

func (h *Handler) systemInfo(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()

	system := map[string]any{
		"hostname":         host,
		"go_version":       runtime.Version(),
		"os":               runtime.GOOS,
		"arch":             runtime.GOARCH,
		"cpu_count":        runtime.NumCPU(),
		"goroutines":       runtime.NumGoroutine(),
		"memory_alloc_mb":  float64(mem.Alloc) / (1 << 20),
		"memory_sys_mb":    float64(mem.Sys) / (1 << 20),
		"uptime_seconds":   time.Since(h.startedAt).Seconds(),
		"active_services":  h.manager.Len(),
		"detector_types":   h.reg.DetectorTags(),
		"stream_protocols": h.reg.SourceTags(),
	}
	if h.bus != nil {
		system["result_bus"] = h.bus.Stats()
	}

	issues := h.validationIssues()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"system":            system,
		"gpu":               h.probe(),
		"validation_issues": issues,
		"environment_valid": len(issues) == 0,
		"timestamp":         time.Now(),
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":                     "healthy",
		"active_services":            h.manager.Len(),
		"available_detectors":        h.reg.DetectorTags(),
		"available_stream_protocols": h.reg.SourceTags(),
		"gpu_available":              h.probe().Available,
		"timestamp":                  time.Now(),
	})
}
