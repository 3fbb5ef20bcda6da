// Package fault defines the error taxonomy shared by the router, adapters,
// orchestrator, and cluster coordinator. Retry and fallback decisions key on
// the Kind of an error, never on message text.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry/fallback policy.
type Kind string

const (
	// KindConfig marks invalid or missing configuration. Fatal at request
	// start; never retried.
	KindConfig Kind = "config"

	// KindNoServiceAvailable marks exhaustion of primary and all fallbacks.
	KindNoServiceAvailable Kind = "no_service_available"

	// KindUnavailable marks a backend that is unreachable, not started, or
	// missing its model. Policy: walk to the next fallback, no in-place retry.
	KindUnavailable Kind = "unavailable"

	// KindTimeout marks an adapter call that exceeded the decision timeout.
	// Treated as Unavailable for fallback purposes.
	KindTimeout Kind = "timeout"

	// KindProtocol marks a backend that answered with a non-success status or
	// a malformed stream. Policy: retry in place up to max retries, then
	// fall back.
	KindProtocol Kind = "protocol"

	// KindSecurity marks a path rejected by the sandbox. Fatal for that file
	// only; the request continues without it.
	KindSecurity Kind = "security"

	// KindCancelled marks caller abandonment.
	KindCancelled Kind = "cancelled"

	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "unknown"
)

// Error is a classified failure. Service is the backend involved, when one is.
type Error struct {
	Kind    Kind
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Service != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Service, e.Message, e.Err)
	case e.Service != "":
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Service, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works in tests.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error with a formatted message.
func New(kind Kind, service, format string, args ...any) *Error {
	return &Error{Kind: kind, Service: service, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(kind Kind, service string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Service: service, Message: fmt.Sprintf(format, args...), Err: err}
}

// Config marks a configuration error. No service attribution.
func Config(format string, args ...any) *Error {
	return New(KindConfig, "", format, args...)
}

// NoServiceAvailable marks routing exhaustion for a task category.
func NoServiceAvailable(category string) *Error {
	return New(KindNoServiceAvailable, "", "no service available for category %q", category)
}

// Unavailable marks an unreachable backend.
func Unavailable(service, format string, args ...any) *Error {
	return New(KindUnavailable, service, format, args...)
}

// Timeout marks a deadline overrun against a backend.
func Timeout(service, format string, args ...any) *Error {
	return New(KindTimeout, service, format, args...)
}

// Protocol marks a malformed or non-success backend response.
func Protocol(service, format string, args ...any) *Error {
	return New(KindProtocol, service, format, args...)
}

// Security marks a sandbox rejection.
func Security(format string, args ...any) *Error {
	return New(KindSecurity, "", format, args...)
}

// Cancelled marks caller abandonment. The message is the literal "cancelled"
// so task records carry the exact string.
func Cancelled() *Error {
	return New(KindCancelled, "", "cancelled")
}

// KindOf extracts the Kind from anywhere in err's chain. Context
// cancellation and deadline errors map to Cancelled and Timeout even when
// they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether the error should be retried in place by the
// orchestrator (protocol failures). Unavailable and Timeout are not
// transient in this sense; they trigger a fallback walk instead.
func IsTransient(err error) bool {
	return KindOf(err) == KindProtocol
}

// ShouldFallback reports whether the orchestrator should move on to the next
// fallback service after err.
func ShouldFallback(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout, KindProtocol:
		return true
	default:
		return false
	}
}
