package replicate

import (
	"fmt"
)

// Kind partitions replication failures into the categories that drive retry
// and reporting behaviour. Kinds are coarse by intent: callers branch on
// Retriable and surface Suggestion, not on provider-specific error types.
type Kind string

const (
	// KindConfig marks invalid or missing configuration. Never retriable.
	KindConfig Kind = "config"
	// KindDependency marks a missing peer dependency or client library.
	KindDependency Kind = "dependency"
	// KindConnectivity marks transport-level failures: connect, probe, write.
	KindConnectivity Kind = "connectivity"
	// KindAuth marks credential and permission failures.
	KindAuth Kind = "auth"
	// KindSchemaMismatch marks a destination schema that diverges from the
	// source under validate-only or onMismatch=error.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindPayload marks transform or serialisation failures for one record.
	KindPayload Kind = "payload"
	// KindTransient marks provider-side conditions worth retrying: streaming
	// buffers, HTTP 429/5xx, timeouts.
	KindTransient Kind = "transient"
)

// Error is the single tagged error category shared by every driver. It carries
// enough metadata for a caller to decide whether to retry and what to tell the
// operator, and it is JSON-serialisable so failed events can be re-queued.
type Error struct {
	Op         string `json:"op"`
	Driver     string `json:"driver,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Kind       Kind   `json:"kind"`
	Retriable  bool   `json:"retriable"`
	Suggestion string `json:"suggestion,omitempty"`
	Message    string `json:"message"`

	cause error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithSuggestion returns a copy of the error carrying actionable remediation.
func (e *Error) WithSuggestion(suggestion string) *Error {
	var out = *e
	out.Suggestion = suggestion
	return &out
}

// NewError builds an Error of the given kind wrapping |cause| (which may be nil).
func NewError(kind Kind, op string, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Op:        op,
		Kind:      kind,
		Retriable: kind == KindConnectivity || kind == KindTransient,
		Message:   fmt.Sprintf(format, args...),
		cause:     cause,
	}
}

// ConfigError reports invalid configuration. Not retriable.
func ConfigError(op, format string, args ...interface{}) *Error {
	return NewError(KindConfig, op, nil, format, args...)
}

// DependencyError reports a missing peer dependency. Its suggestion should
// carry the concrete install command.
func DependencyError(op, dependency string) *Error {
	var e = NewError(KindDependency, op, nil, "required dependency %q is not available", dependency)
	e.Suggestion = fmt.Sprintf("install %s", dependency)
	return e
}

// ConnectivityError wraps a transport-level failure. Retriable.
func ConnectivityError(op string, cause error) *Error {
	return NewError(KindConnectivity, op, cause, "%s", cause)
}

// AuthError wraps a credential or permission failure. |retriable| distinguishes
// expired-but-renewable credentials from malformed ones.
func AuthError(op string, cause error, retriable bool, suggestion string) *Error {
	var e = NewError(KindAuth, op, cause, "%s", cause)
	e.Retriable = retriable
	e.Suggestion = suggestion
	return e
}

// SchemaMismatchError reports a destination schema diverging from the source.
func SchemaMismatchError(op, format string, args ...interface{}) *Error {
	return NewError(KindSchemaMismatch, op, nil, format, args...)
}

// PayloadError wraps a per-record transform or serialisation failure.
func PayloadError(op string, cause error) *Error {
	return NewError(KindPayload, op, cause, "%s", cause)
}

// TransientError wraps a retriable provider-side condition.
func TransientError(op string, cause error) *Error {
	return NewError(KindTransient, op, cause, "%s", cause)
}

// NotReadyError is returned when replicate is called outside the READY state.
func NotReadyError(driver string, state State) *Error {
	var e = NewError(KindConnectivity, "replicate", nil,
		"replicator %q is %s, not ready", driver, state)
	e.Driver = driver
	e.Suggestion = "call initialize()"
	return e
}

// AsError coerces |err| into an *Error, wrapping foreign errors as the given
// kind. A nil error maps to nil.
func AsError(err error, kind Kind, op string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewError(kind, op, err, "%s", err)
}
