package middleware

import (
	"context"
	"net/http"

	"github.com/kestrelgw/kestrel/internal/auth"
	"github.com/kestrelgw/kestrel/internal/errors"
)

// AdminKeyHeader carries the operator key credential on admin requests.
const AdminKeyHeader = "X-Admin-Key"

type principalKey struct{}

// WithPrincipal creates a context carrying the verified principal.
func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the verified principal from context.
func GetPrincipal(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// RequireOperator guards the mutating admin endpoints. A request passes with
// either a bearer token whose role is in the gate's allowed set, or an
// operator key matching the configured hash. Everything else gets 401; a
// verified token with an insufficient role gets 403.
func RequireOperator(verifier *auth.Verifier, gate *auth.OperatorGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(AdminKeyHeader); key != "" {
				if gate.AllowKey(key) {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, r, errors.ErrUnauthenticated)
				return
			}

			token := auth.FromHeader(r.Header.Get("Authorization"))
			if token == "" {
				WriteError(w, r, errors.ErrUnauthenticated)
				return
			}

			p, verr := verifier.Verify(token)
			if verr != nil {
				if verr.Kind == auth.ErrExpired {
					WriteError(w, r, errors.ErrTokenExpired)
					return
				}
				WriteError(w, r, errors.ErrUnauthenticated)
				return
			}
			if !gate.AllowRole(p) {
				WriteError(w, r, errors.ErrForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
