package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelgw/kestrel/internal/breaker"
	"github.com/kestrelgw/kestrel/internal/clock"
	"github.com/kestrelgw/kestrel/internal/errors"
	"github.com/kestrelgw/kestrel/internal/registry"
)

type adminEnv struct {
	router   chi.Router
	registry *registry.Registry
	breakers *breaker.Set
	clock    *clock.Mock
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()

	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(registry.Config{Clock: clk})
	breakers := breaker.NewSet(breaker.SetConfig{Clock: clk})

	h := NewAdminHandler(AdminHandlerConfig{
		Registry: reg,
		Breakers: breakers,
	})
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	return &adminEnv{router: r, registry: reg, breakers: breakers, clock: clk}
}

func (e *adminEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *adminEnv) registerInstance(t *testing.T, name string) registry.Instance {
	t.Helper()
	in, err := e.registry.Register(
		registry.Descriptor{Name: name, HealthCheckPath: "/healthz"},
		"http://10.0.0.1:8080", nil, false,
	)
	if err != nil {
		t.Fatal(err)
	}
	return in
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestHandleRegister(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, http.MethodPost, "/services/register", RegisterRequest{
		Name:            "users",
		URL:             "http://10.0.0.1:8080",
		HealthCheckPath: "/healthz",
		Timeout:         "2s",
		Version:         "1.2.0",
		Metadata:        map[string]string{"zone": "eu-1"},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}
	in := decodeBody[registry.Instance](t, rec)
	if in.ID == "" {
		t.Error("instance id missing")
	}
	if in.Descriptor.Name != "users" || in.Descriptor.Version != "1.2.0" {
		t.Errorf("descriptor = %+v", in.Descriptor)
	}
	if in.Metadata["zone"] != "eu-1" {
		t.Errorf("metadata = %v", in.Metadata)
	}

	if _, ok := env.registry.Get(in.ID); !ok {
		t.Error("instance not present in registry")
	}
}

func TestHandleRegister_Invalid(t *testing.T) {
	env := newAdminEnv(t)

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"missing name", RegisterRequest{URL: "http://x:1", HealthCheckPath: "/hz"}},
		{"missing health path", RegisterRequest{Name: "users", URL: "http://x:1"}},
		{"malformed url", RegisterRequest{Name: "users", URL: "::bad::", HealthCheckPath: "/hz"}},
		{"bad timeout", RegisterRequest{Name: "users", URL: "http://x:1", HealthCheckPath: "/hz", Timeout: "soon"}},
		{"negative timeout", RegisterRequest{Name: "users", URL: "http://x:1", HealthCheckPath: "/hz", Timeout: "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/services/register", tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if body := decodeBody[errors.Response](t, rec); body.Error != errors.CodeInvalidDescriptor {
				t.Errorf("error code = %s", body.Error)
			}
		})
	}
}

func TestHandleRegister_UnknownField(t *testing.T) {
	env := newAdminEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/services/register",
		bytes.NewReader([]byte(`{"name":"users","bogus":true}`)))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleDeregister(t *testing.T) {
	env := newAdminEnv(t)
	in := env.registerInstance(t, "users")

	rec := env.do(t, http.MethodPost, "/services/deregister", DeregisterRequest{ID: in.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := env.registry.Get(in.ID); ok {
		t.Error("instance still present after deregister")
	}

	// Idempotent: a second deregister still succeeds.
	rec = env.do(t, http.MethodPost, "/services/deregister", DeregisterRequest{ID: in.ID})
	if rec.Code != http.StatusOK {
		t.Errorf("repeat status = %d, want 200", rec.Code)
	}
}

func TestHandleDeregister_MissingID(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, http.MethodPost, "/services/deregister", DeregisterRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleDiscover(t *testing.T) {
	env := newAdminEnv(t)
	a := env.registerInstance(t, "users")
	env.registerInstance(t, "users") // never probed, stays unknown
	if err := env.registry.UpdateHealth(a.ID, true, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/services/discover?name=users", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	instances := decodeBody[[]registry.Instance](t, rec)
	if len(instances) != 1 || instances[0].ID != a.ID {
		t.Errorf("instances = %+v", instances)
	}
}

func TestHandleDiscover_EmptyResultIsValid(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, http.MethodGet, "/services/discover?name=ghost", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if instances := decodeBody[[]registry.Instance](t, rec); len(instances) != 0 {
		t.Errorf("instances = %+v, want empty", instances)
	}
}

func TestHandleDiscover_RequiresName(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.do(t, http.MethodGet, "/services/discover", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGet(t *testing.T) {
	env := newAdminEnv(t)
	in := env.registerInstance(t, "users")

	rec := env.do(t, http.MethodGet, "/services/"+in.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody[registry.Instance](t, rec); got.ID != in.ID {
		t.Errorf("instance id = %s, want %s", got.ID, in.ID)
	}

	rec = env.do(t, http.MethodGet, "/services/unknown-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
	if body := decodeBody[errors.Response](t, rec); body.Error != errors.CodeUnknownInstance {
		t.Errorf("error code = %s", body.Error)
	}
}

func TestHandleUpdateMetadata(t *testing.T) {
	env := newAdminEnv(t)
	in := env.registerInstance(t, "users")

	rec := env.do(t, http.MethodPut, "/services/"+in.ID+"/metadata", MetadataRequest{
		Metadata: map[string]string{"weight": "5"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	got, _ := env.registry.Get(in.ID)
	if got.Metadata["weight"] != "5" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	rec = env.do(t, http.MethodPut, "/services/unknown-id/metadata", MetadataRequest{})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestHandleInstanceHealth(t *testing.T) {
	env := newAdminEnv(t)
	in := env.registerInstance(t, "users")

	// Unprobed instance reports DOWN.
	rec := env.do(t, http.MethodGet, "/services/"+in.ID+"/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp := decodeBody[InstanceHealthResponse](t, rec); resp.Status != "DOWN" {
		t.Errorf("status = %s, want DOWN", resp.Status)
	}

	if err := env.registry.UpdateHealth(in.ID, true, 7*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	rec = env.do(t, http.MethodGet, "/services/"+in.ID+"/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[InstanceHealthResponse](t, rec)
	if resp.Status != "UP" || resp.LatencyMs != 7 {
		t.Errorf("response = %+v", resp)
	}
	if !resp.LastCheck.Equal(env.clock.Now()) {
		t.Errorf("LastCheck = %v, want %v", resp.LastCheck, env.clock.Now())
	}
}

func TestHandleInstanceMetrics(t *testing.T) {
	env := newAdminEnv(t)
	in := env.registerInstance(t, "users")
	env.breakers.Record("users", breaker.Outcome{Failure: true})

	rec := env.do(t, http.MethodGet, "/services/"+in.ID+"/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	stats := decodeBody[breaker.Stats](t, rec)
	if stats.Service != "users" || stats.State != "closed" || stats.TotalFailures != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleHeartbeat(t *testing.T) {
	env := newAdminEnv(t)
	in := env.registerInstance(t, "users")

	ts := env.clock.Now().Add(30 * time.Second)
	rec := env.do(t, http.MethodPost, "/services/"+in.ID+"/heartbeat", HeartbeatRequest{
		Status:    "healthy",
		Timestamp: ts,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	got, _ := env.registry.Get(in.ID)
	if !got.LastHeartbeat.Equal(ts) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, ts)
	}
	// Heartbeats never override probe-derived health.
	if got.Healthy() {
		t.Error("heartbeat must not mark the instance healthy")
	}

	rec = env.do(t, http.MethodPost, "/services/unknown-id/heartbeat", HeartbeatRequest{})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}
