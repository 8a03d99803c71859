// Package handler provides the admin API: service registration and
// discovery, health surfaces, and the operational endpoints. The admin API
// never passes through the proxy engine.
package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/errors"
	"github.com/kestrelgw/kestrel/internal/middleware"
)

// BaseHandler provides shared functionality for all handlers.
type BaseHandler struct {
	logger *zap.Logger
}

// NewBaseHandler creates a new BaseHandler. A nil logger defaults to a nop.
func NewBaseHandler(logger *zap.Logger) *BaseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaseHandler{logger: logger}
}

// Logger returns the handler's logger.
func (b *BaseHandler) Logger() *zap.Logger {
	return b.logger
}

// WriteJSON writes a JSON response with the appropriate headers.
func (b *BaseHandler) WriteJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		b.logger.Error("failed to encode response",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
	}
}

// WriteError writes the client-facing error body for err.
func (b *BaseHandler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := errors.AsError(err)
	if e.Kind == errors.KindSystem {
		b.logger.Error("admin request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(e),
		)
	}
	middleware.WriteError(w, r, e)
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields.
func (b *BaseHandler) DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
