package logging

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
		wantErr  bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"fatal", zapcore.FatalLevel, false},
		{"  info  ", zapcore.InfoLevel, false},
		{"invalid", zapcore.InfoLevel, true},
		{"", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		logger, err := New(nil)
		if err != nil {
			t.Fatalf("New(nil) error = %v", err)
		}
		if logger.GetLevel() != "info" {
			t.Errorf("expected level = info, got %s", logger.GetLevel())
		}
	})

	t.Run("custom config", func(t *testing.T) {
		logger, err := New(&Config{Level: "debug", Format: "console", Environment: "production"})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if logger.GetLevel() != "debug" {
			t.Errorf("expected level = debug, got %s", logger.GetLevel())
		}
	})

	t.Run("invalid level returns error", func(t *testing.T) {
		if _, err := New(&Config{Level: "invalid"}); err == nil {
			t.Error("expected error for invalid level")
		}
	})
}

func TestLogger_SetLevel(t *testing.T) {
	logger, _ := New(&Config{Level: "info"})

	if err := logger.SetLevel("debug"); err != nil {
		t.Errorf("SetLevel(debug) error = %v", err)
	}
	if logger.GetLevel() != "debug" {
		t.Errorf("expected level = debug, got %s", logger.GetLevel())
	}

	if err := logger.SetLevel("invalid"); err == nil {
		t.Error("expected error for invalid level")
	}
	if logger.GetLevel() != "debug" {
		t.Errorf("failed SetLevel must not change the level, got %s", logger.GetLevel())
	}
}

func TestLogger_ServeHTTP(t *testing.T) {
	t.Run("get returns current level", func(t *testing.T) {
		logger, _ := New(&Config{Level: "info"})

		req := httptest.NewRequest(http.MethodGet, "/admin/log-level", nil)
		rec := httptest.NewRecorder()
		logger.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"level":"info"`) {
			t.Errorf("expected level in response, got %s", rec.Body.String())
		}
	})

	t.Run("put sets level", func(t *testing.T) {
		logger, _ := New(&Config{Level: "info"})

		req := httptest.NewRequest(http.MethodPut, "/admin/log-level?level=debug", nil)
		rec := httptest.NewRecorder()
		logger.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
		if logger.GetLevel() != "debug" {
			t.Errorf("expected level = debug, got %s", logger.GetLevel())
		}
	})

	t.Run("missing level is rejected", func(t *testing.T) {
		logger, _ := New(&Config{Level: "info"})

		req := httptest.NewRequest(http.MethodPut, "/admin/log-level", nil)
		rec := httptest.NewRecorder()
		logger.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("invalid level is rejected", func(t *testing.T) {
		logger, _ := New(&Config{Level: "info"})

		req := httptest.NewRequest(http.MethodPut, "/admin/log-level?level=nope", nil)
		rec := httptest.NewRecorder()
		logger.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		logger, _ := New(&Config{Level: "info"})

		req := httptest.NewRequest(http.MethodDelete, "/admin/log-level", nil)
		rec := httptest.NewRecorder()
		logger.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", rec.Code)
		}
	})
}

func TestLogger_Named(t *testing.T) {
	logger, _ := New(&Config{Level: "info"})
	named := logger.Named("child")

	if named.GetLevel() != logger.GetLevel() {
		t.Errorf("expected shared level, got %s vs %s", named.GetLevel(), logger.GetLevel())
	}

	// Named children share the atomic level.
	_ = logger.SetLevel("debug")
	if named.GetLevel() != "debug" {
		t.Errorf("expected named logger to follow level change, got %s", named.GetLevel())
	}
}

func TestLogger_With(t *testing.T) {
	logger, _ := New(&Config{Level: "info"})
	if logger.With() == nil {
		t.Fatal("expected child logger to be non-nil")
	}
}
