// Package control serves the HTTP control API of the daemon: service
// lifecycle, result polling and streaming, and host introspection.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/e7canasta/orion-vision/internal/metrics"
	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/registry"
	"github.com/e7canasta/orion-vision/modules/resultbus"
	"github.com/e7canasta/orion-vision/modules/service"
)

// GPUDevice is one accelerator reported by a GPUProbe.
type GPUDevice struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	MemoryTotalMB uint64 `json:"memory_total_mb,omitempty"`
}

// GPUInfo describes the accelerators of the host.
type GPUInfo struct {
	Available         bool        `json:"gpu_available"`
	Count             int         `json:"gpu_count"`
	Devices           []GPUDevice `json:"gpu_devices"`
	DriverVersion     string      `json:"driver_version,omitempty"`
	RecommendedDevice string      `json:"recommended_device"`
}

// GPUProbe inspects the host accelerators.
type GPUProbe func() GPUInfo

func noGPU() GPUInfo {
	return GPUInfo{Devices: []GPUDevice{}, RecommendedDevice: "cpu"}
}

// Handler routes the control API.
type Handler struct {
	manager     *service.Manager
	reg         *registry.Registry
	bus         *resultbus.Bus
	metrics     *metrics.Collector
	metricsPath string
	probe       GPUProbe
	logger      *slog.Logger
	baseCtx     context.Context

	startedAt time.Time
	tasks     sync.WaitGroup
	router    *mux.Router
}

type Option func(*Handler)

// WithMetrics instruments every route and serves the collector at path
// ("/metrics" when empty).
func WithMetrics(c *metrics.Collector, path string) Option {
	return func(h *Handler) {
		h.metrics = c
		if path != "" {
			h.metricsPath = path
		}
	}
}

func WithGPUProbe(p GPUProbe) Option {
	return func(h *Handler) {
		if p != nil {
			h.probe = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBaseContext sets the context background service starts and stops run
// under. It defaults to context.Background.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handler) {
		if ctx != nil {
			h.baseCtx = ctx
		}
	}
}

// NewHandler builds the router. bus feeds the SSE result stream; when nil the
// stream pulls from the service result buffer instead.
func NewHandler(mgr *service.Manager, reg *registry.Registry, bus *resultbus.Bus, opts ...Option) *Handler {
	h := &Handler{
		manager:     mgr,
		reg:         reg,
		bus:         bus,
		probe:       noGPU,
		logger:      slog.Default(),
		metricsPath: "/metrics",
		baseCtx:     context.Background(),
		startedAt:   time.Now(),
		router:      mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.setupRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Wait blocks until every background start, stop and delete has finished.
func (h *Handler) Wait() {
	h.tasks.Wait()
}

func (h *Handler) setupRoutes() {
	if h.metrics != nil {
		h.router.Use(h.metrics.Middleware)
		h.router.Handle(h.metricsPath, h.metrics.Handler()).Methods(http.MethodGet)
	}

	rt := h.router.PathPrefix("/realtime-ai").Subrouter()
	rt.HandleFunc("/start", h.startDetection).Methods(http.MethodPost)
	rt.HandleFunc("/start-rtsp", h.startPreset(detection.ProtocolRTSP)).Methods(http.MethodPost)
	rt.HandleFunc("/start-rtmp", h.startPreset(detection.ProtocolRTMP)).Methods(http.MethodPost)
	rt.HandleFunc("/stop/{id}", h.stopDetection).Methods(http.MethodPost)
	rt.HandleFunc("/status/{id}", h.serviceStatus).Methods(http.MethodGet)
	rt.HandleFunc("/services", h.listServices).Methods(http.MethodGet)
	rt.HandleFunc("/services/{id}", h.deleteService).Methods(http.MethodDelete)
	rt.HandleFunc("/results/{id}", h.latestResult).Methods(http.MethodGet)
	rt.HandleFunc("/results/{id}/stream", h.streamResults).Methods(http.MethodGet)
	rt.HandleFunc("/gpu-info", h.gpuInfo).Methods(http.MethodGet)
	rt.HandleFunc("/system-info", h.systemInfo).Methods(http.MethodGet)
	rt.HandleFunc("/health", h.health).Methods(http.MethodGet)

	va := h.router.PathPrefix("/vehicle-ai").Subrouter()
	va.HandleFunc("/start-detection", h.startVehicleDetection).Methods(http.MethodPost)
	va.HandleFunc("/quick-start", h.quickStartVehicle).Methods(http.MethodPost)
	va.HandleFunc("/statistics/{id}", h.vehicleStatistics).Methods(http.MethodGet)
	va.HandleFunc("/vehicle-types", h.vehicleTypes).Methods(http.MethodGet)
	va.HandleFunc("/presets", h.vehiclePresets).Methods(http.MethodGet)
	va.HandleFunc("/health", h.vehicleHealth).Methods(http.MethodGet)
}

// background runs fn detached from the request that triggered it.
func (h *Handler) background(op, serviceID string, fn func(ctx context.Context) error) {
	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		if err := fn(h.baseCtx); err != nil {
			h.logger.Error("control: background "+op+" failed", "service_id", serviceID, "error", err)
		}
	}()
}

// startAsync registers cfg and starts it in the background.
func (h *Handler) startAsync(cfg service.Config) (string, error) {
	id, err := h.manager.Create(cfg)
	if err != nil {
		return "", err
	}
	svc, err := h.manager.Get(id)
	if err != nil {
		return "", err
	}
	h.background("start", id, svc.Start)
	return id, nil
}

// ServiceResponse acknowledges a lifecycle request.
type ServiceResponse struct {
	ServiceID string    `json:"service_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, detection.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail": "failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"detail": message})
}
