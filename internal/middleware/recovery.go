package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/errors"
)

// Recovery converts handler panics into a 500 InternalError response. The
// panic value and stack are logged with the request id; the client sees only
// the generic error body.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", GetRequestID(r.Context())),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					WriteError(w, r, errors.New(errors.CodeInternal, "internal gateway error"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
