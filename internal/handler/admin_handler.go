package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/breaker"
	"github.com/kestrelgw/kestrel/internal/errors"
	"github.com/kestrelgw/kestrel/internal/registry"
)

// AdminHandler serves the service registry API.
type AdminHandler struct {
	*BaseHandler
	registry *registry.Registry
	breakers *breaker.Set
}

// AdminHandlerConfig holds configuration for AdminHandler.
type AdminHandlerConfig struct {
	Registry *registry.Registry
	Breakers *breaker.Set
	Logger   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler with all required dependencies.
func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	if cfg.Registry == nil {
		panic("registry is required")
	}
	if cfg.Breakers == nil {
		panic("breakers is required")
	}
	return &AdminHandler{
		BaseHandler: NewBaseHandler(cfg.Logger),
		registry:    cfg.Registry,
		breakers:    cfg.Breakers,
	}
}

// RegisterRoutes registers the service registry routes on the router. The
// caller wraps the router in operator authentication.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/services/register", h.HandleRegister)
	r.Post("/services/deregister", h.HandleDeregister)
	r.Get("/services/discover", h.HandleDiscover)
	r.Get("/services/{id}", h.HandleGet)
	r.Put("/services/{id}/metadata", h.HandleUpdateMetadata)
	r.Get("/services/{id}/health", h.HandleInstanceHealth)
	r.Get("/services/{id}/metrics", h.HandleInstanceMetrics)
	r.Post("/services/{id}/heartbeat", h.HandleHeartbeat)
}

// RegisterRequest is the body for POST /services/register.
type RegisterRequest struct {
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	HealthCheckPath string            `json:"healthCheckPath"`
	Timeout         string            `json:"timeout,omitempty"`
	Version         string            `json:"version,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// HandleRegister registers a new service instance.
func (h *AdminHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.WriteError(w, r, errors.Wrap(err, "admin.Register", errors.CodeInvalidDescriptor, "invalid request body"))
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			h.WriteError(w, r, errors.New(errors.CodeInvalidDescriptor, "invalid timeout"))
			return
		}
		timeout = d
	}

	desc := registry.Descriptor{
		Name:            req.Name,
		HealthCheckPath: req.HealthCheckPath,
		Timeout:         timeout,
		Version:         req.Version,
	}
	in, err := h.registry.Register(desc, req.URL, req.Metadata, false)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	h.WriteJSON(w, r, http.StatusCreated, in)
}

// DeregisterRequest is the body for POST /services/deregister.
type DeregisterRequest struct {
	ID string `json:"id"`
}

// HandleDeregister removes an instance. Idempotent: deregistering an
// unknown id succeeds.
func (h *AdminHandler) HandleDeregister(w http.ResponseWriter, r *http.Request) {
	var req DeregisterRequest
	if err := h.DecodeJSON(r, &req); err != nil || req.ID == "" {
		h.WriteError(w, r, errors.New(errors.CodeInvalidDescriptor, "instance id is required"))
		return
	}

	h.registry.Deregister(req.ID)
	h.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "deregistered"})
}

// HandleDiscover lists the healthy instances for a service name, optionally
// filtered by version. An empty list is a valid result.
func (h *AdminHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		h.WriteError(w, r, errors.New(errors.CodeInvalidDescriptor, "name query parameter is required"))
		return
	}

	instances := h.registry.Discover(name, r.URL.Query().Get("version"))
	h.WriteJSON(w, r, http.StatusOK, instances)
}

// HandleGet returns one instance record.
func (h *AdminHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	in, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		h.WriteError(w, r, errors.New(errors.CodeUnknownInstance, "unknown instance id"))
		return
	}
	h.WriteJSON(w, r, http.StatusOK, in)
}

// MetadataRequest is the body for PUT /services/{id}/metadata.
type MetadataRequest struct {
	Metadata map[string]string `json:"metadata"`
}

// HandleUpdateMetadata replaces an instance's metadata.
func (h *AdminHandler) HandleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req MetadataRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.WriteError(w, r, errors.New(errors.CodeInvalidDescriptor, "invalid request body"))
		return
	}

	if err := h.registry.UpdateMetadata(chi.URLParam(r, "id"), req.Metadata); err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "updated"})
}

// InstanceHealthResponse is the body for GET /services/{id}/health.
type InstanceHealthResponse struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"lastCheck"`
	LatencyMs int64     `json:"latencyMs"`
}

// HandleInstanceHealth reports one instance's probe-derived health: 200 UP
// when healthy, 503 DOWN otherwise.
func (h *AdminHandler) HandleInstanceHealth(w http.ResponseWriter, r *http.Request) {
	in, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		h.WriteError(w, r, errors.New(errors.CodeUnknownInstance, "unknown instance id"))
		return
	}

	resp := InstanceHealthResponse{
		Status:    "DOWN",
		LastCheck: in.Health.LastCheck,
		LatencyMs: in.Health.Latency.Milliseconds(),
	}
	status := http.StatusServiceUnavailable
	if in.Healthy() {
		resp.Status = "UP"
		status = http.StatusOK
	}
	h.WriteJSON(w, r, status, resp)
}

// HandleInstanceMetrics returns the breaker statistics for the instance's
// service.
func (h *AdminHandler) HandleInstanceMetrics(w http.ResponseWriter, r *http.Request) {
	in, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		h.WriteError(w, r, errors.New(errors.CodeUnknownInstance, "unknown instance id"))
		return
	}
	h.WriteJSON(w, r, http.StatusOK, h.breakers.Stats(in.Descriptor.Name))
}

// HeartbeatRequest is the body for POST /services/{id}/heartbeat.
type HeartbeatRequest struct {
	// Status is advisory and accepted for wire compatibility; the
	// prober-derived health state stays authoritative.
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// HandleHeartbeat records a client-reported liveness signal. The
// probe-derived health state is authoritative; heartbeats only keep the
// instance from expiring.
func (h *AdminHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.WriteError(w, r, errors.New(errors.CodeInvalidDescriptor, "invalid request body"))
		return
	}

	if err := h.registry.Heartbeat(chi.URLParam(r, "id"), req.Timestamp); err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
