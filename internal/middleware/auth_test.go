package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kestrelgw/kestrel/internal/auth"
	"github.com/kestrelgw/kestrel/internal/errors"
)

const operatorKey = "operator-signing-key"

func operatorToken(t *testing.T, role string, expiresAt time.Time) string {
	t.Helper()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-1",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(operatorKey))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func operatorHandler(t *testing.T, adminKey string) (http.Handler, *bool) {
	t.Helper()
	verifier, err := auth.NewVerifier(operatorKey, "HS256")
	if err != nil {
		t.Fatal(err)
	}

	var hash string
	if adminKey != "" {
		h, herr := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
		if herr != nil {
			t.Fatal(herr)
		}
		hash = string(h)
	}
	gate := auth.NewOperatorGate(hash, nil)

	reached := new(bool)
	h := RequireOperator(verifier, gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*reached = true
		w.WriteHeader(http.StatusOK)
	}))
	return h, reached
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) errors.Code {
	t.Helper()
	var body errors.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return body.Error
}

func TestRequireOperator_BearerToken(t *testing.T) {
	h, reached := operatorHandler(t, "")

	req := httptest.NewRequest(http.MethodPost, "/services", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, "operator", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !*reached {
		t.Fatalf("status = %d, reached = %v", rec.Code, *reached)
	}
}

func TestRequireOperator_PrincipalInContext(t *testing.T) {
	verifier, _ := auth.NewVerifier(operatorKey, "HS256")
	gate := auth.NewOperatorGate("", nil)

	var got auth.Principal
	var ok bool
	h := RequireOperator(verifier, gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = GetPrincipal(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/services", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, "admin", time.Now().Add(time.Hour)))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !ok {
		t.Fatal("expected principal in handler context")
	}
	if got.ID != "op-1" || got.Role != "admin" {
		t.Errorf("principal = %+v", got)
	}
}

func TestRequireOperator_Failures(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantCode   errors.Code
	}{
		{"no credentials", "", "", http.StatusUnauthorized, errors.CodeUnauthenticated},
		{"garbage token", "Authorization", "Bearer nope", http.StatusUnauthorized, errors.CodeUnauthenticated},
		{"basic auth ignored", "Authorization", "Basic dXNlcg==", http.StatusUnauthorized, errors.CodeUnauthenticated},
		{"wrong admin key", AdminKeyHeader, "not-the-key", http.StatusUnauthorized, errors.CodeUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, reached := operatorHandler(t, "real-key")

			req := httptest.NewRequest(http.MethodDelete, "/services/x", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if *reached {
				t.Fatal("handler must not run")
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("error code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestRequireOperator_ExpiredToken(t *testing.T) {
	h, _ := operatorHandler(t, "")

	req := httptest.NewRequest(http.MethodPost, "/services", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, "operator", time.Now().Add(-time.Hour)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != errors.CodeTokenExpired {
		t.Errorf("error code = %s, want %s", code, errors.CodeTokenExpired)
	}
}

func TestRequireOperator_InsufficientRole(t *testing.T) {
	h, reached := operatorHandler(t, "")

	req := httptest.NewRequest(http.MethodPost, "/services", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, "user", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if *reached {
		t.Fatal("handler must not run")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != errors.CodeForbidden {
		t.Errorf("error code = %s, want %s", code, errors.CodeForbidden)
	}
}

func TestRequireOperator_AdminKey(t *testing.T) {
	h, reached := operatorHandler(t, "real-key")

	req := httptest.NewRequest(http.MethodPost, "/services", nil)
	req.Header.Set(AdminKeyHeader, "real-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !*reached {
		t.Errorf("status = %d, reached = %v", rec.Code, *reached)
	}
}
