// Package registry maintains the service name -> instances mapping and each
// instance's observed health. Instance records are immutable once published;
// every mutation swaps in a freshly built record, so readers on the routing
// path never observe a torn record and never hold a lock across a request.
package registry

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/clock"
	"github.com/kestrelgw/kestrel/internal/errors"
	"github.com/kestrelgw/kestrel/internal/metrics"
	"github.com/kestrelgw/kestrel/internal/observe"
)

// Status is the probe-derived health status of an instance.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Descriptor describes a registered service.
type Descriptor struct {
	Name            string        `json:"name"`
	HealthCheckPath string        `json:"healthCheckPath"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	Version         string        `json:"version,omitempty"`
}

// Health is the prober-maintained health state of one instance.
type Health struct {
	Status              Status        `json:"-"`
	LastCheck           time.Time     `json:"lastCheck"`
	Latency             time.Duration `json:"-"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Instance is one registered backend process. Instances are value types on
// the read path; the registry hands out copies.
type Instance struct {
	ID         string            `json:"id"`
	Descriptor Descriptor        `json:"descriptor"`
	Target     string            `json:"url"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`
	// Static instances come from config and are exempt from expiry.
	Static bool `json:"static"`

	// LastHeartbeat is the latest client-reported liveness signal.
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`

	Health Health `json:"health"`

	// parsed Target, shared by all copies; never mutated after Register.
	url *url.URL
}

// URL returns the parsed target URL.
func (in *Instance) URL() *url.URL {
	return in.url
}

// Healthy reports whether the instance is in healthy state.
func (in *Instance) Healthy() bool {
	return in.Health.Status == StatusHealthy
}

type service struct {
	instances map[string]*Instance
	cursor    atomic.Uint64
}

// Registry is the in-memory service registry. Many readers, few writers;
// a restart loses dynamic registrations but statically configured services
// are re-seeded from config.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*service
	byID     map[string]string // instance id -> service name

	clock   clock.Clock
	sink    observe.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Config holds registry dependencies. Metrics may be nil.
type Config struct {
	Clock   clock.Clock
	Sink    observe.Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Sink == nil {
		cfg.Sink = observe.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		services: make(map[string]*service),
		byID:     make(map[string]string),
		clock:    cfg.Clock,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Register adds an instance for desc at target and returns its record.
// Fails with InvalidDescriptor when the name is empty, the target URL is
// malformed, or the health path is missing.
func (r *Registry) Register(desc Descriptor, target string, metadata map[string]string, static bool) (Instance, error) {
	if strings.TrimSpace(desc.Name) == "" {
		return Instance{}, errors.New(errors.CodeInvalidDescriptor, "service name is required")
	}
	if desc.HealthCheckPath == "" {
		return Instance{}, errors.New(errors.CodeInvalidDescriptor, "health check path is required")
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Instance{}, errors.New(errors.CodeInvalidDescriptor, "target URL is malformed")
	}

	now := r.clock.Now()
	in := &Instance{
		ID:           uuid.NewString(),
		Descriptor:   desc,
		Target:       target,
		Metadata:     copyMetadata(metadata),
		RegisteredAt: now,
		Static:       static,
		Health:       Health{Status: StatusUnknown},
		url:          u,
	}

	r.mu.Lock()
	svc, ok := r.services[desc.Name]
	if !ok {
		svc = &service{instances: make(map[string]*Instance)}
		r.services[desc.Name] = svc
	}
	svc.instances[in.ID] = in
	r.byID[in.ID] = desc.Name
	r.mu.Unlock()

	r.logger.Info("instance registered",
		zap.String("service", desc.Name),
		zap.String("instance_id", in.ID),
		zap.String("target", target),
		zap.Bool("static", static),
	)
	r.updateGauge(desc.Name)

	return *in, nil
}

// Deregister removes an instance. Idempotent; succeeds when already absent.
func (r *Registry) Deregister(instanceID string) {
	r.mu.Lock()
	name, ok := r.byID[instanceID]
	if ok {
		delete(r.byID, instanceID)
		if svc := r.services[name]; svc != nil {
			delete(svc.instances, instanceID)
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("instance deregistered",
			zap.String("service", name),
			zap.String("instance_id", instanceID),
		)
		r.updateGauge(name)
	}
}

// Heartbeat records a client-reported liveness signal. The probe-derived
// health state is untouched; heartbeats only keep the instance alive.
func (r *Registry) Heartbeat(instanceID string, ts time.Time) error {
	if ts.IsZero() {
		ts = r.clock.Now()
	}
	return r.swap(instanceID, func(in *Instance) {
		in.LastHeartbeat = ts
	})
}

// Discover returns the healthy instances for name, optionally filtered by
// version. An empty result is valid, not an error.
func (r *Registry) Discover(name, versionFilter string) []Instance {
	r.mu.RLock()
	svc := r.services[name]
	var records []*Instance
	if svc != nil {
		records = make([]*Instance, 0, len(svc.instances))
		for _, in := range svc.instances {
			records = append(records, in)
		}
	}
	r.mu.RUnlock()

	out := make([]Instance, 0, len(records))
	for _, in := range records {
		if !in.Healthy() {
			continue
		}
		if versionFilter != "" && in.Descriptor.Version != versionFilter {
			continue
		}
		out = append(out, *in)
	}
	sortInstances(out)
	return out
}

// Pick selects a healthy instance for name by round-robin. The cursor is
// per service; ordering is registration time, then id.
func (r *Registry) Pick(name string) (Instance, bool) {
	healthy := r.Discover(name, "")
	if len(healthy) == 0 {
		return Instance{}, false
	}

	r.mu.RLock()
	svc := r.services[name]
	r.mu.RUnlock()
	if svc == nil {
		return Instance{}, false
	}

	idx := (svc.cursor.Add(1) - 1) % uint64(len(healthy))
	return healthy[idx], true
}

// Get returns the instance with the given id.
func (r *Registry) Get(instanceID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byID[instanceID]
	if !ok {
		return Instance{}, false
	}
	in, ok := r.services[name].instances[instanceID]
	if !ok {
		return Instance{}, false
	}
	return *in, true
}

// Snapshot returns a consistent view of all instances.
func (r *Registry) Snapshot() []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.byID))
	for _, svc := range r.services {
		for _, in := range svc.instances {
			out = append(out, *in)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Descriptor.Name != out[j].Descriptor.Name {
			return out[i].Descriptor.Name < out[j].Descriptor.Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ServiceNames returns all registered service names, sorted.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name, svc := range r.services {
		if len(svc.instances) > 0 {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// HealthyCount returns the number of healthy instances for name.
func (r *Registry) HealthyCount(name string) int {
	return len(r.Discover(name, ""))
}

// UpdateHealth records a probe result. Called only by the health prober.
// A healthy<->unhealthy transition emits an observability event.
func (r *Registry) UpdateHealth(instanceID string, healthy bool, latency time.Duration) error {
	now := r.clock.Now()
	var before, after Status
	var name string

	err := r.swap(instanceID, func(in *Instance) {
		before = in.Health.Status
		name = in.Descriptor.Name

		h := in.Health
		h.LastCheck = now
		h.Latency = latency
		if healthy {
			h.Status = StatusHealthy
			h.ConsecutiveFailures = 0
		} else {
			h.Status = StatusUnhealthy
			h.ConsecutiveFailures++
		}
		in.Health = h
		after = h.Status
	})
	if err != nil {
		return err
	}

	if before != after {
		r.sink.HealthTransition(name, instanceID, before.String(), after.String())
	}
	r.updateGauge(name)
	return nil
}

// UpdateMetadata replaces the instance's metadata map.
func (r *Registry) UpdateMetadata(instanceID string, metadata map[string]string) error {
	return r.swap(instanceID, func(in *Instance) {
		in.Metadata = copyMetadata(metadata)
	})
}

// EvictExpired removes dynamic instances whose last liveness signal
// (heartbeat or successful probe) is older than expiry. Returns the
// evicted instances.
func (r *Registry) EvictExpired(expiry time.Duration) []Instance {
	if expiry <= 0 {
		return nil
	}
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []Instance
	for _, svc := range r.services {
		for id, in := range svc.instances {
			if in.Static {
				continue
			}
			alive := in.RegisteredAt
			if in.LastHeartbeat.After(alive) {
				alive = in.LastHeartbeat
			}
			if in.Healthy() && in.Health.LastCheck.After(alive) {
				alive = in.Health.LastCheck
			}
			if now.Sub(alive) > expiry {
				delete(svc.instances, id)
				delete(r.byID, id)
				evicted = append(evicted, *in)
			}
		}
	}
	r.mu.Unlock()

	for _, in := range evicted {
		r.logger.Warn("instance expired",
			zap.String("service", in.Descriptor.Name),
			zap.String("instance_id", in.ID),
			zap.Duration("expiry", expiry),
		)
		r.updateGauge(in.Descriptor.Name)
	}
	return evicted
}

// swap applies mutate to a copy of the instance record and publishes the
// copy, so concurrent readers keep seeing the previous complete record.
func (r *Registry) swap(instanceID string, mutate func(*Instance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byID[instanceID]
	if !ok {
		return errors.New(errors.CodeUnknownInstance, "unknown instance id")
	}
	svc := r.services[name]
	old, ok := svc.instances[instanceID]
	if !ok {
		return errors.New(errors.CodeUnknownInstance, "unknown instance id")
	}

	next := *old
	mutate(&next)
	svc.instances[instanceID] = &next
	return nil
}

func (r *Registry) updateGauge(name string) {
	if r.metrics == nil {
		return
	}
	r.metrics.SetHealthyInstances(name, r.HealthyCount(name))
}

func sortInstances(ins []Instance) {
	sort.Slice(ins, func(i, j int) bool {
		if !ins[i].RegisteredAt.Equal(ins[j].RegisteredAt) {
			return ins[i].RegisteredAt.Before(ins[j].RegisteredAt)
		}
		return ins[i].ID < ins[j].ID
	})
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
