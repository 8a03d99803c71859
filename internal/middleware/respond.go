package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kestrelgw/kestrel/internal/errors"
)

// WriteError sends the client-facing JSON error body for err, attaching the
// request id from the context and a Retry-After header when the error
// carries a retry hint. Upstream error text never reaches the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := errors.AsError(err)

	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.HTTPStatus())

	_ = json.NewEncoder(w).Encode(e.ToResponse(GetRequestID(r.Context())))
}
