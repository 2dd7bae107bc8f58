// Package secerr defines the typed error kinds shared across the adapter
// security core, per the propagation policy in the design: most failures
// are returned as structured results rather than errors, but the few paths
// that do surface an error (the context manager and the sandbox engine)
// need a kind callers can branch on with
// errors.As instead of string-matching a message.
package secerr

import "fmt"

// Kind identifies the category of a security error.
type Kind string

const (
	KindContextValidation    Kind = "context_validation"
	KindPermissionDenied     Kind = "permission_denied"
	KindSecurityViolation    Kind = "security_violation"
	KindResourceLimit        Kind = "resource_limit_exceeded"
	KindSandboxFailure       Kind = "sandbox_failure"
	KindStorage              Kind = "storage"
	KindInternal             Kind = "internal"
)

// Error is the common typed error for the security core. Every exported
// error constructor below returns one of these with its Kind fixed, so a
// caller can do:
//
//	var sErr *secerr.Error
//	if errors.As(err, &sErr) && sErr.Kind == secerr.KindPermissionDenied { ... }
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// ContextValidation wraps a failure creating or validating a
// SecurityContext. Returned by CreateContext, ValidateContext and
// RefreshContext.
func ContextValidation(msg string, cause error) *Error {
	return new_(KindContextValidation, msg, cause)
}

// PermissionDenied wraps an authorization failure. Always audited by the
// caller before being returned.
func PermissionDenied(msg string) *Error {
	return new_(KindPermissionDenied, msg, nil)
}

// SecurityViolation wraps a validator finding severe enough to reject the
// request outright (as opposed to merely flagging it in a finding list).
func SecurityViolation(msg string, cause error) *Error {
	return new_(KindSecurityViolation, msg, cause)
}

// ResourceLimitExceeded wraps a sandbox quota breach (CPU, memory,
// process count, or output size).
func ResourceLimitExceeded(msg string) *Error {
	return new_(KindResourceLimit, msg, nil)
}

// SandboxFailure wraps an operational failure creating, running, or
// tearing down a sandboxed execution environment.
func SandboxFailure(msg string, cause error) *Error {
	return new_(KindSandboxFailure, msg, cause)
}

// Storage wraps an audit backend write/read failure. Never surfaced to the
// request path — callers absorb it into a counter per the audit log's
// failure semantics.
func Storage(msg string, cause error) *Error {
	return new_(KindStorage, msg, cause)
}

// Internal wraps an unexpected failure inside the middleware chain or any
// other component that must not panic its caller.
func Internal(msg string, cause error) *Error {
	return new_(KindInternal, msg, cause)
}

// Is implements errors.Is for sentinel-style comparisons by Kind only
// (ignoring Message/Cause), so errors.Is(err, secerr.PermissionDenied(""))
// matches any permission-denied error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
