package inference

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures by meaning. Kinds map onto HTTP statuses at
// the router boundary and onto the "type" field of the error envelope.
type ErrorKind string

const (
	KindBadRequest           ErrorKind = "bad_request"
	KindNotFound             ErrorKind = "not_found"
	KindUnsupportedOperation ErrorKind = "unsupported_operation"
	KindPreconditionFailed   ErrorKind = "precondition_failed"
	KindCapacityBusy         ErrorKind = "capacity_busy"
	KindLoadFailed           ErrorKind = "load_failed"
	KindInstallFailed        ErrorKind = "install_failed"
	KindSpawnFailed          ErrorKind = "spawn_failed"
	KindUpstreamError        ErrorKind = "upstream_error"
	KindCancelled            ErrorKind = "cancelled"
	KindInternal             ErrorKind = "internal_error"
)

// Error is the router's typed error. It carries a kind for the HTTP
// boundary and an optional machine-readable code (e.g. model_invalidated
// propagated from a backend engine).
type Error struct {
	Kind    ErrorKind
	Message string
	Code    string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a typed error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error that wraps a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...) + ": " + cause.Error(), cause: cause}
}

// WithCode attaches a machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the machine-readable code from an error chain, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error kind onto an HTTP status code.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnsupportedOperation:
		return http.StatusBadRequest
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindCapacityBusy:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499
	case KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeModelInvalidated is propagated verbatim when a backend reports that
// its on-disk model state is no longer usable.
const CodeModelInvalidated = "model_invalidated"
