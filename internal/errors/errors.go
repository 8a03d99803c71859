// Package errors defines the gateway's client-facing error taxonomy.
// Every error produced on the request path maps to a stable code, an HTTP
// status, and the JSON body {error, message, requestId, retryAfter?}.
// Upstream error text is never surfaced to clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error kind sent to clients.
type Code string

const (
	// Request-path errors.
	CodeUnauthenticated    Code = "Unauthenticated"
	CodeTokenExpired       Code = "TokenExpired"
	CodeForbidden          Code = "Forbidden"
	CodeNotFound           Code = "NotFound"
	CodePayloadTooLarge    Code = "PayloadTooLarge"
	CodeRateLimited        Code = "RateLimited"
	CodeBreakerOpen        Code = "BreakerOpen"
	CodeServiceUnavailable Code = "ServiceUnavailable"
	CodeUpstreamTimeout    Code = "UpstreamTimeout"
	CodeBadGateway         Code = "BadGateway"
	CodeInternal           Code = "InternalError"

	// Admin API errors.
	CodeInvalidDescriptor Code = "InvalidDescriptor"
	CodeUnknownInstance   Code = "UnknownInstance"
)

// Kind classifies an error for handling decisions.
type Kind int

const (
	// KindUnknown is an unknown error kind.
	KindUnknown Kind = iota
	// KindUser indicates a client-caused error (bad token, bad input).
	KindUser
	// KindSystem indicates a gateway-local failure.
	KindSystem
	// KindTransient indicates a condition that may clear on retry
	// (open breaker, exhausted rate bucket, no healthy instance).
	KindTransient
)

// Error is the gateway error type.
type Error struct {
	// Code is the machine-readable error code.
	Code Code `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Kind classifies the error for handling decisions.
	Kind Kind `json:"-"`
	// Op is the operation being performed (e.g. "proxy.Forward").
	Op string `json:"-"`
	// RetryAfter, when > 0, is the suggested retry delay in seconds.
	RetryAfter int `json:"-"`
	// Err is the underlying error, if any. Never sent to clients.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthenticated, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeUnknownInstance:
		return http.StatusNotFound
	case CodeInvalidDescriptor:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBreakerOpen, CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeBadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body sent to clients for every error.
type Response struct {
	Error      Code   `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// ToResponse builds the client-facing body for this error.
func (e *Error) ToResponse(requestID string) Response {
	return Response{
		Error:      e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		RetryAfter: e.RetryAfter,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Kind:    kindForCode(code),
	}
}

// Wrap wraps an existing error with a code and operation context.
func Wrap(err error, op string, code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Kind:    kindForCode(code),
		Op:      op,
		Err:     err,
	}
}

// WithRetryAfter returns a copy of e carrying a Retry-After hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	c := *e
	c.RetryAfter = seconds
	return &c
}

func kindForCode(code Code) Kind {
	switch code {
	case CodeUnauthenticated, CodeTokenExpired, CodeForbidden, CodeNotFound,
		CodePayloadTooLarge, CodeInvalidDescriptor, CodeUnknownInstance:
		return KindUser
	case CodeRateLimited, CodeBreakerOpen, CodeServiceUnavailable,
		CodeUpstreamTimeout, CodeBadGateway:
		return KindTransient
	default:
		return KindSystem
	}
}

// Sentinel errors for the common request-path rejections.
var (
	// ErrUnauthenticated indicates a missing or invalid token on a
	// required-auth route.
	ErrUnauthenticated = New(CodeUnauthenticated, "authentication required")

	// ErrTokenExpired indicates a token with a valid signature but an
	// expiry in the past.
	ErrTokenExpired = New(CodeTokenExpired, "token has expired")

	// ErrForbidden indicates the principal lacks the required role.
	ErrForbidden = New(CodeForbidden, "access denied")

	// ErrNotFound indicates no route prefix matched the request path.
	ErrNotFound = New(CodeNotFound, "no route matches the request path")

	// ErrPayloadTooLarge indicates the request body exceeds the cap.
	ErrPayloadTooLarge = New(CodePayloadTooLarge, "request body exceeds the configured limit")

	// ErrRateLimited indicates the client's rate bucket is exhausted.
	ErrRateLimited = New(CodeRateLimited, "rate limit exceeded")

	// ErrBreakerOpen indicates the circuit is open for the target service.
	ErrBreakerOpen = New(CodeBreakerOpen, "service circuit is open")

	// ErrServiceUnavailable indicates no healthy instance or a hit
	// backpressure cap.
	ErrServiceUnavailable = New(CodeServiceUnavailable, "service unavailable")

	// ErrUpstreamTimeout indicates the deadline expired while waiting for
	// the upstream.
	ErrUpstreamTimeout = New(CodeUpstreamTimeout, "upstream request timed out")

	// ErrBadGateway indicates an upstream transport failure.
	ErrBadGateway = New(CodeBadGateway, "upstream request failed")
)

// GetCode extracts the code from an error, CodeInternal for foreign errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetHTTPStatus extracts the HTTP status from an error, 500 for foreign errors.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// AsError converts err to *Error, wrapping foreign errors as InternalError.
// The foreign error's text is kept internally but never shown to clients.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal gateway error",
		Kind:    KindSystem,
		Err:     err,
	}
}

// IsTransient reports whether the error may clear on retry.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}
	return false
}
