package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/breaker"
	"github.com/kestrelgw/kestrel/internal/clock"
	"github.com/kestrelgw/kestrel/internal/registry"
	"github.com/kestrelgw/kestrel/internal/shutdown"
)

// HealthHandler serves the gateway's own health surfaces.
type HealthHandler struct {
	*BaseHandler
	registry  *registry.Registry
	breakers  *breaker.Set
	readiness *shutdown.ReadinessProbe
	clock     clock.Clock

	environment string
	critical    []string
	startedAt   time.Time
}

// HealthHandlerConfig holds configuration for HealthHandler.
type HealthHandlerConfig struct {
	Registry  *registry.Registry
	Breakers  *breaker.Set
	Readiness *shutdown.ReadinessProbe
	Clock     clock.Clock
	Logger    *zap.Logger

	Environment string
	// Critical services must each have a healthy instance for readiness.
	Critical []string
}

// NewHealthHandler creates a new HealthHandler with all required dependencies.
func NewHealthHandler(cfg HealthHandlerConfig) *HealthHandler {
	if cfg.Registry == nil {
		panic("registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &HealthHandler{
		BaseHandler: NewBaseHandler(cfg.Logger),
		registry:    cfg.Registry,
		breakers:    cfg.Breakers,
		readiness:   cfg.Readiness,
		clock:       cfg.Clock,
		environment: cfg.Environment,
		critical:    cfg.Critical,
		startedAt:   cfg.Clock.Now(),
	}
}

// RegisterRoutes registers health routes on the router.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/health/detailed", h.HandleDetailed)
	r.Get("/health/ready", h.HandleReadiness)
	r.Get("/health/live", h.HandleLiveness)
	r.Get("/health/metrics", h.HandleRuntimeMetrics)
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Environment string `json:"environment"`
}

// HandleHealth reports basic gateway liveness.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, r, http.StatusOK, HealthResponse{
		Status:      "ok",
		Uptime:      h.clock.Since(h.startedAt).Round(time.Second).String(),
		Environment: h.environment,
	})
}

// ServiceHealth is one service's entry in the detailed health response.
type ServiceHealth struct {
	Status  string         `json:"status"`
	Healthy int            `json:"healthyInstances"`
	Total   int            `json:"totalInstances"`
	Breaker string         `json:"breakerState,omitempty"`
	Stats   *breaker.Stats `json:"breakerStats,omitempty"`
}

// DetailedResponse is the body for GET /health/detailed.
type DetailedResponse struct {
	Status   string                   `json:"status"`
	Uptime   string                   `json:"uptime"`
	Services map[string]ServiceHealth `json:"services"`
}

// HandleDetailed reports per-service health and breaker state. The response
// is 503 when any known service has no healthy instance.
func (h *HealthHandler) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	resp := DetailedResponse{
		Status:   "ok",
		Uptime:   h.clock.Since(h.startedAt).Round(time.Second).String(),
		Services: make(map[string]ServiceHealth),
	}

	totals := make(map[string]int)
	for _, in := range h.registry.Snapshot() {
		totals[in.Descriptor.Name]++
	}

	status := http.StatusOK
	var breakers map[string]breaker.Stats
	if h.breakers != nil {
		breakers = h.breakers.Snapshot()
	}

	for _, name := range h.registry.ServiceNames() {
		healthy := h.registry.HealthyCount(name)
		sh := ServiceHealth{
			Status:  "up",
			Healthy: healthy,
			Total:   totals[name],
		}
		if healthy == 0 {
			sh.Status = "down"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		if st, ok := breakers[name]; ok {
			st := st
			sh.Breaker = st.State
			sh.Stats = &st
		}
		resp.Services[name] = sh
	}

	h.WriteJSON(w, r, status, resp)
}

// ReadinessResponse is the body for GET /health/ready.
type ReadinessResponse struct {
	Ready    bool              `json:"ready"`
	Draining bool              `json:"draining,omitempty"`
	Critical map[string]string `json:"critical,omitempty"`
}

// HandleReadiness reports whether the gateway should receive traffic: every
// critical service has a healthy instance and shutdown has not begun.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{Ready: true}

	if h.readiness != nil && h.readiness.Draining() {
		resp.Ready = false
		resp.Draining = true
	}

	if len(h.critical) > 0 {
		resp.Critical = make(map[string]string, len(h.critical))
		for _, name := range h.critical {
			if h.registry.HealthyCount(name) > 0 {
				resp.Critical[name] = "up"
			} else {
				resp.Critical[name] = "down"
				resp.Ready = false
			}
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	h.WriteJSON(w, r, status, resp)
}

// HandleLiveness reports process liveness.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// RuntimeMetricsResponse is the body for GET /health/metrics.
type RuntimeMetricsResponse struct {
	Uptime         string `json:"uptime"`
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	HeapSysBytes   uint64 `json:"heapSysBytes"`
	NumGC          uint32 `json:"numGC"`
	NumCPU         int    `json:"numCPU"`
}

// HandleRuntimeMetrics returns a process resource snapshot.
func (h *HealthHandler) HandleRuntimeMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	h.WriteJSON(w, r, http.StatusOK, RuntimeMetricsResponse{
		Uptime:         h.clock.Since(h.startedAt).Round(time.Second).String(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: m.HeapAlloc,
		HeapSysBytes:   m.HeapSys,
		NumGC:          m.NumGC,
		NumCPU:         runtime.NumCPU(),
	})
}
