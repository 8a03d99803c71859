package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelgw/kestrel/internal/errors"
)

func TestBodyLimit_RejectsDeclaredOversize(t *testing.T) {
	h := BodyLimit(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for an oversized body")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 11)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	var body errors.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body.Error != errors.CodePayloadTooLarge {
		t.Errorf("error code = %s, want %s", body.Error, errors.CodePayloadTooLarge)
	}
}

func TestBodyLimit_AllowsWithinLimit(t *testing.T) {
	h := BodyLimit(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read failed: %v", err)
		}
		if string(b) != "small" {
			t.Errorf("body = %q", b)
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestBodyLimit_CapsUndeclaredBody(t *testing.T) {
	h := BodyLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err == nil {
			t.Error("reading past the cap should fail")
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large for the cap"))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestBodyLimit_DisabledWhenZero(t *testing.T) {
	var ran bool
	h := BodyLimit(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 1<<16)))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !ran {
		t.Error("a zero limit should pass everything through")
	}
}
