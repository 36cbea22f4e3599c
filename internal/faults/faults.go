package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class understood by every operation boundary.
type Kind string

const (
	BackendDirNotFound Kind = "BACKEND_DIR_NOT_FOUND"
	BackendUnreachable Kind = "BACKEND_UNREACHABLE"
	VenvMissing        Kind = "VENV_MISSING"
	Conflict           Kind = "CONFLICT"
	NotFound           Kind = "NOT_FOUND"
	InvalidArg         Kind = "INVALID_ARG"
	PolicyViolation    Kind = "POLICY_VIOLATION"
	QueueTimeout       Kind = "QUEUE_TIMEOUT"
	UpstreamError      Kind = "UPSTREAM_ERROR"
	Internal           Kind = "INTERNAL"
)

// Fault is the single error type crossing component boundaries. Details carry
// structured context (checked paths, upstream status, violations) for the
// response body.
type Fault struct {
	Kind    Kind
	Msg     string
	Details map[string]any
}

func (f *Fault) Error() string {
	if f.Msg == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Msg
}

// StatusCode maps the fault to an HTTP status so the API layer can surface it
// through the HTTPError interface.
func (f *Fault) StatusCode() int {
	switch f.Kind {
	case BackendDirNotFound, NotFound:
		return http.StatusNotFound
	case BackendUnreachable:
		return http.StatusServiceUnavailable
	case VenvMissing:
		return http.StatusFailedDependency
	case Conflict:
		return http.StatusConflict
	case InvalidArg:
		return http.StatusBadRequest
	case PolicyViolation:
		return http.StatusForbidden
	case QueueTimeout:
		return http.StatusGatewayTimeout
	case UpstreamError:
		if s, ok := f.Details["upstreamStatus"].(int); ok && s >= 400 && s < 600 {
			return s
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds a fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// With attaches a detail key and returns the fault for chaining.
func (f *Fault) With(key string, val any) *Fault {
	if f.Details == nil {
		f.Details = map[string]any{}
	}
	f.Details[key] = val
	return f
}

// KindOf extracts the fault kind from err, or Internal for foreign errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// Is reports whether err is a fault of the given kind.
func Is(err error, kind Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}
