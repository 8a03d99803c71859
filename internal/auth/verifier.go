// Package auth verifies bearer tokens and derives the request principal.
// The gateway only verifies tokens it did not mint; the signing key and
// algorithm are fixed at startup. Revocation is out of scope.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity derived from a verified token.
type Principal struct {
	ID       string
	Email    string
	Role     string
	TenantID string
}

// VerifyError classifies a failed verification.
type VerifyError struct {
	Kind VerifyErrorKind
	err  error
}

// VerifyErrorKind is the reason a token was rejected.
type VerifyErrorKind int

const (
	// ErrMissing means no token was supplied.
	ErrMissing VerifyErrorKind = iota
	// ErrMalformed means the token could not be parsed.
	ErrMalformed
	// ErrInvalidSignature means the signature did not verify.
	ErrInvalidSignature
	// ErrExpired means the signature verified but exp is in the past.
	ErrExpired
	// ErrNotYetValid means nbf is in the future.
	ErrNotYetValid
)

func (k VerifyErrorKind) String() string {
	switch k {
	case ErrMissing:
		return "missing"
	case ErrMalformed:
		return "malformed"
	case ErrInvalidSignature:
		return "invalid-signature"
	case ErrExpired:
		return "expired"
	case ErrNotYetValid:
		return "not-yet-valid"
	default:
		return "unknown"
	}
}

func (e *VerifyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("token %s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("token %s", e.Kind)
}

func (e *VerifyError) Unwrap() error { return e.err }

// Claims are the token claims the gateway understands.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens. Stateless and safe for concurrent use;
// the key is read-only once configured.
type Verifier struct {
	key    []byte
	method jwt.SigningMethod
	parser *jwt.Parser
}

// NewVerifier creates a verifier for the given HMAC key and algorithm
// (HS256, HS384, HS512).
func NewVerifier(key string, algorithm string) (*Verifier, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("algorithm %s is not an HMAC method", algorithm)
	}
	if key == "" {
		return nil, fmt.Errorf("signing key is required")
	}

	return &Verifier{
		key:    []byte(key),
		method: method,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{algorithm})),
	}, nil
}

// Verify validates token and returns the principal it encodes.
func (v *Verifier) Verify(token string) (Principal, *VerifyError) {
	if token == "" {
		return Principal{}, &VerifyError{Kind: ErrMissing}
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return Principal{}, classify(err)
	}

	return Principal{
		ID:       claims.Subject,
		Email:    claims.Email,
		Role:     claims.Role,
		TenantID: claims.TenantID,
	}, nil
}

// FromHeader extracts the bearer token from an Authorization header value.
// Returns "" when the header is absent or not a bearer scheme.
func FromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func classify(err error) *VerifyError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerifyError{Kind: ErrExpired, err: err}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return &VerifyError{Kind: ErrNotYetValid, err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &VerifyError{Kind: ErrInvalidSignature, err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerifyError{Kind: ErrMalformed, err: err}
	default:
		return &VerifyError{Kind: ErrMalformed, err: err}
	}
}
